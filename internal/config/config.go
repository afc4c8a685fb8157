// Package config loads orchestrator settings from defaults, an optional YAML
// file, .env, SANDBOXD_ environment variables and command-line flags, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

const EnvPrefix = "SANDBOXD_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	Kubernetes KubernetesConfig `koanf:"kubernetes"`
	Tools      ToolsConfig      `koanf:"tools"`
	Image      ImageConfig      `koanf:"image"`
	Capacity   CapacityConfig   `koanf:"capacity"`
	Lifecycle  LifecycleConfig  `koanf:"lifecycle"`
	Reaper     ReaperConfig     `koanf:"reaper"`
	Sampler    SamplerConfig    `koanf:"sampler"`
	Adjuster   AdjusterConfig   `koanf:"adjuster"`
	Datastore  DatastoreConfig  `koanf:"datastore"`
	Gateway    GatewayConfig    `koanf:"gateway"`
	Log        logx.Config      `koanf:"log"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	PublicURL       string        `koanf:"public_url"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	DrainGrace      time.Duration `koanf:"drain_grace"`
	Metrics         bool          `koanf:"metrics"`
	// APIKeyHashes are bcrypt hashes of operator keys; empty leaves the
	// operator API open.
	APIKeyHashes    []string      `koanf:"api_key_hashes"`
}

type StoreConfig struct {
	DataDir          string        `koanf:"data_dir"`
	HistoryRetention time.Duration `koanf:"history_retention"`
	PurgeInterval    time.Duration `koanf:"purge_interval"`
}

type KubernetesConfig struct {
	Kubeconfig       string        `koanf:"kubeconfig"`
	SandboxNamespace string        `koanf:"sandbox_namespace"`
	ControlNamespace string        `koanf:"control_namespace"`
	PollInterval     time.Duration `koanf:"poll_interval"`
	AgentPort        int32         `koanf:"agent_port"`
	AgentCommand     []string      `koanf:"agent_command"`
	RunAsUser        int64         `koanf:"run_as_user"`
}

type ToolsConfig struct {
	Root string `koanf:"root"`
}

type ImageConfig struct {
	Base         string        `koanf:"base"`
	Repository   string        `koanf:"repository"`
	ToolsDir     string        `koanf:"tools_dir"`
	ManifestPath string        `koanf:"manifest_path"`
	Insecure     bool          `koanf:"insecure"`
	BuildTimeout time.Duration `koanf:"build_timeout"`
}

type CapacityConfig struct {
	// Source is "config" or "cluster". Cluster capacity sums node
	// allocatable resources; memory bandwidth always comes from here.
	Source              string  `koanf:"source"`
	CPUCores            float64 `koanf:"cpu_cores"`
	RAMGB               float64 `koanf:"ram_gb"`
	DiskGB              float64 `koanf:"disk_gb"`
	MemoryBandwidthGBPS float64 `koanf:"memory_bandwidth_gbps"`
}

type LifecycleConfig struct {
	StartTimeout     time.Duration  `koanf:"start_timeout"`
	CleanupTimeout   time.Duration  `koanf:"cleanup_timeout"`
	GroupConcurrency int            `koanf:"group_concurrency"`
	TeardownRetries  int            `koanf:"teardown_retries"`
	DefaultResources DefaultsConfig `koanf:"default_resources"`
}

type DefaultsConfig struct {
	CPUCores            float64 `koanf:"cpu_cores"`
	RAMGB               float64 `koanf:"ram_gb"`
	DiskGB              float64 `koanf:"disk_gb"`
	MemoryBandwidthGBPS float64 `koanf:"memory_bandwidth_gbps"`
	Unit                string  `koanf:"unit"`
}

type ReaperConfig struct {
	IdleTimeout time.Duration `koanf:"idle_timeout"`
	Interval    time.Duration `koanf:"interval"`
}

type SamplerConfig struct {
	Interval     time.Duration `koanf:"interval"`
	ProbeTimeout time.Duration `koanf:"probe_timeout"`
}

type AdjusterConfig struct {
	Multiplier float64 `koanf:"multiplier"`
	// Schedule is a cron spec; empty disables scheduled adjustment.
	Schedule   string  `koanf:"schedule"`
}

type DatastoreConfig struct {
	// Port is both the listen port and the port sandboxes are allowed to
	// reach on the orchestrator pods.
	Port       int32  `koanf:"port"`
	// URL overrides the in-cluster service url handed to sandboxes.
	URL        string `koanf:"url"`
	// VectorPath persists vector collections; empty keeps them in memory.
	VectorPath string `koanf:"vector_path"`
}

type GatewayConfig struct {
	ResponseHeaderTimeout time.Duration `koanf:"response_header_timeout"`
	IdleConnTimeout       time.Duration `koanf:"idle_conn_timeout"`
}

func defaults() map[string]any {
	return map[string]any{
		"server.addr":             ":8080",
		"server.public_url":       "http://localhost:8080",
		"server.read_timeout":     "30s",
		"server.idle_timeout":     "60s",
		"server.shutdown_timeout": "30s",
		"server.drain_grace":      "2s",
		"server.metrics":          true,

		"store.data_dir":          "./data",
		"store.history_retention": "168h",
		"store.purge_interval":    "1h",

		"kubernetes.sandbox_namespace": "sandboxd",
		"kubernetes.control_namespace": "sandboxd-system",
		"kubernetes.poll_interval":     "1s",
		"kubernetes.agent_port":        8000,
		"kubernetes.run_as_user":       1000,

		"tools.root": "./tools",

		"image.base":          "python:3.12-slim",
		"image.repository":    "localhost:5000/sandboxd/sandbox",
		"image.tools_dir":     "/opt/sandbox/tools",
		"image.manifest_path": "/opt/sandbox/tools.json",
		"image.build_timeout": "10m",

		"capacity.source":                "config",
		"capacity.cpu_cores":             8.0,
		"capacity.ram_gb":                32.0,
		"capacity.disk_gb":               200.0,
		"capacity.memory_bandwidth_gbps": 50.0,

		"lifecycle.start_timeout":     "5m",
		"lifecycle.cleanup_timeout":   "1m",
		"lifecycle.group_concurrency": 8,
		"lifecycle.teardown_retries":  4,

		"lifecycle.default_resources.cpu_cores":             0.5,
		"lifecycle.default_resources.ram_gb":                0.5,
		"lifecycle.default_resources.disk_gb":               1.0,
		"lifecycle.default_resources.memory_bandwidth_gbps": 1.0,
		"lifecycle.default_resources.unit":                  string(model.UnitAbsolute),

		"reaper.idle_timeout": "30m",
		"reaper.interval":     "30s",

		"sampler.interval":      "15s",
		"sampler.probe_timeout": "5s",

		"adjuster.multiplier": 1.3,
		"adjuster.schedule":   "",

		"datastore.port":        8081,
		"datastore.url":         "",
		"datastore.vector_path": "",

		"gateway.response_header_timeout": "5m",
		"gateway.idle_conn_timeout":       "90s",

		"log.level":        "info",
		"log.format":       "json",
		"log.output":       "stdout",
		"log.file_path":    "./logs/sandboxd.log",
		"log.max_size_mb":  100,
		"log.max_backups":  7,
		"log.max_age_days": 7,
		"log.compress":     true,
		"log.add_source":   false,
	}
}

// Load resolves the configuration for cmd. cmd may be nil in tests.
func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil && flag.Value.String() != "" {
			if err := k.Load(file.Provider(flag.Value.String()), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// SANDBOXD_SERVER__PUBLIC_URL -> server.public_url
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if cmd != nil {
		if err := k.Load(posflag.Provider(cmd.Flags(), ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Tools.Root == "" {
		errs = append(errs, errors.New("tools.root is required"))
	}
	if c.Image.Base == "" {
		errs = append(errs, errors.New("image.base is required"))
	}
	if c.Image.Repository == "" {
		errs = append(errs, errors.New("image.repository is required"))
	}
	switch c.Capacity.Source {
	case "config":
		if c.Capacity.CPUCores <= 0 || c.Capacity.RAMGB <= 0 || c.Capacity.DiskGB <= 0 {
			errs = append(errs, errors.New("capacity cpu_cores, ram_gb and disk_gb must be positive"))
		}
	case "cluster":
	default:
		errs = append(errs, fmt.Errorf("capacity.source must be config or cluster, got %q", c.Capacity.Source))
	}
	if c.Capacity.MemoryBandwidthGBPS <= 0 {
		errs = append(errs, errors.New("capacity.memory_bandwidth_gbps must be positive"))
	}
	if c.Store.HistoryRetention > 0 && c.Store.PurgeInterval <= 0 {
		errs = append(errs, errors.New("store.purge_interval must be positive when history retention is set"))
	}
	if c.Datastore.Port <= 0 || c.Datastore.Port > 65535 {
		errs = append(errs, fmt.Errorf("datastore.port %d out of range", c.Datastore.Port))
	}
	if c.Adjuster.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("adjuster.multiplier must be >= 1, got %v", c.Adjuster.Multiplier))
	}
	if err := c.Lifecycle.DefaultResources.Resources().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle.default_resources: %w", err))
	}
	for name, d := range map[string]time.Duration{
		"lifecycle.start_timeout": c.Lifecycle.StartTimeout,
		"reaper.interval":         c.Reaper.Interval,
		"reaper.idle_timeout":     c.Reaper.IdleTimeout,
		"sampler.interval":        c.Sampler.Interval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if len(errs) > 0 {
		return model.NewConfigurationError("invalid configuration: %v", errors.Join(errs...))
	}
	return nil
}

// Resources returns the configured capacity. Callers using the cluster
// source replace cpu, ram and disk with the cluster totals.
func (c CapacityConfig) Resources() model.ComputeResources {
	return model.ComputeResources{
		CPUCores:            c.CPUCores,
		RAMGB:               c.RAMGB,
		DiskGB:              c.DiskGB,
		MemoryBandwidthGBPS: c.MemoryBandwidthGBPS,
		Unit:                model.UnitAbsolute,
	}
}

func (d DefaultsConfig) Resources() model.ComputeResources {
	return model.ComputeResources{
		CPUCores:            d.CPUCores,
		RAMGB:               d.RAMGB,
		DiskGB:              d.DiskGB,
		MemoryBandwidthGBPS: d.MemoryBandwidthGBPS,
		Unit:                model.ResourceUnit(d.Unit),
	}.Normalize()
}
