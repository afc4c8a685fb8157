// Package logx configures slog for sandboxd binaries and carries request and
// sandbox ids through contexts and gin handlers.
package logx

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	envLogLevel          = "LOG_LEVEL"
	envLogFormat         = "LOG_FORMAT"
	envLogOutput         = "LOG_OUTPUT"
	envLogFilePath       = "LOG_FILE_PATH"
	envLogFileMaxSizeMB  = "LOG_FILE_MAX_SIZE_MB"
	envLogFileMaxBackups = "LOG_FILE_MAX_BACKUPS"
	envLogFileMaxAgeDays = "LOG_FILE_MAX_AGE_DAYS"
)

// Config is the log section of the orchestrator config. Output is a comma
// separated list of stdout, stderr and file.
type Config struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	Output     string `koanf:"output"`
	FilePath   string `koanf:"file_path"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
	AddSource  bool   `koanf:"add_source"`
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		FilePath:   "./logs/sandboxd.log",
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 7,
		Compress:   true,
	}
}

// FromEnv overlays the LOG_* variables on base. The sandbox agent has no
// config file and is configured this way.
func FromEnv(base Config) Config {
	base.Level = getenv(envLogLevel, base.Level)
	base.Format = getenv(envLogFormat, base.Format)
	base.Output = getenv(envLogOutput, base.Output)
	base.FilePath = getenv(envLogFilePath, base.FilePath)
	base.MaxSizeMB = getenvInt(envLogFileMaxSizeMB, base.MaxSizeMB)
	base.MaxBackups = getenvInt(envLogFileMaxBackups, base.MaxBackups)
	base.MaxAgeDays = getenvInt(envLogFileMaxAgeDays, base.MaxAgeDays)
	return base
}

// Init installs the default logger for serviceName and returns a closer for
// any rotated log file.
func Init(serviceName string, cfg Config) (*slog.Logger, func() error, error) {
	writer, closer, err := buildWriter(cfg)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(buildHandler(cfg, writer)).With("service", serviceName)
	slog.SetDefault(logger)
	return logger, closer, nil
}

func buildHandler(cfg Config, writer io.Writer) slog.Handler {
	level := parseLevel(cfg.Level)
	switch normalizeFormat(cfg.Format) {
	case "text":
		return slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	case "pretty":
		return tint.NewHandler(writer, &tint.Options{
			Level:      level,
			AddSource:  cfg.AddSource,
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(writer),
		})
	}
	return slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
}

func buildWriter(cfg Config) (io.Writer, func() error, error) {
	var writers []io.Writer
	var closers []io.Closer
	for _, out := range outputs(cfg.Output) {
		switch out {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		case "file":
			if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
				return nil, nil, err
			}
			rotator := &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   cfg.Compress,
			}
			writers = append(writers, rotator)
			closers = append(closers, rotator)
		}
	}

	closeFn := func() error {
		var lastErr error
		for _, c := range closers {
			if err := c.Close(); err != nil {
				lastErr = err
			}
		}
		return lastErr
	}
	if len(writers) == 1 {
		return writers[0], closeFn, nil
	}
	return io.MultiWriter(writers...), closeFn, nil
}

// outputs deduplicates the requested sinks, defaulting to stdout.
func outputs(v string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(strings.ToLower(v), ",") {
		part = strings.TrimSpace(part)
		switch part {
		case "stdout", "stderr", "file":
			if !seen[part] {
				seen[part] = true
				out = append(out, part)
			}
		}
	}
	if len(out) == 0 {
		return []string{"stdout"}
	}
	return out
}

func normalizeFormat(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "text":
		return "text"
	case "pretty", "tint":
		return "pretty"
	default:
		return "json"
	}
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
