package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fslongjin/sandboxd/internal/agent"
	"github.com/fslongjin/sandboxd/internal/deploy"
	"github.com/fslongjin/sandboxd/internal/imagebuild"
	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"
)

var opts struct {
	sandboxID     string
	port          string
	manifest      string
	workspace     string
	cgroupRoot    string
	interpreter   string
	actionTimeout time.Duration
}

var rootCmd = &cobra.Command{
	Use:           "sandbox-agent",
	Short:         "Run the action server inside a sandbox instance",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.sandboxID, "sandbox-id", os.Getenv(deploy.EnvSandboxID), "sandbox id")
	f.StringVar(&opts.port, "port", getenv(deploy.EnvAgentPort, "8000"), "listen port")
	f.StringVar(&opts.manifest, "manifest", getenv(imagebuild.EnvToolsManifest, "/opt/sandbox/tools.json"), "tool manifest path")
	f.StringVar(&opts.workspace, "workspace", getenv(deploy.EnvWorkspace, deploy.WorkspacePath), "workspace directory")
	f.StringVar(&opts.cgroupRoot, "cgroup-root", "/sys/fs/cgroup", "cgroup v2 mount of this instance")
	f.StringVar(&opts.interpreter, "interpreter", "python3", "python interpreter used for actions")
	f.DurationVar(&opts.actionTimeout, "action-timeout", 2*time.Minute, "time an action may run before it is reported as still running")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context) error {
	logger, closeLogger, err := logx.Init("sandbox-agent", logx.FromEnv(logx.DefaultConfig()))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := closeLogger(); err != nil {
			slog.Error("failed to close logger", "error", err)
		}
	}()
	stdLog := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	log.SetFlags(0)
	log.SetOutput(stdLog.Writer())

	manifest, err := agent.LoadManifest(opts.manifest)
	if err != nil {
		return err
	}
	slog.Info("tool manifest loaded", "component", "agent", "path", opts.manifest,
		"tools", len(manifest.Tools), "hash", manifest.Hash)

	executor := agent.NewExecutor(manifest, agent.ExecutorConfig{
		Interpreter:   opts.interpreter,
		WorkDir:       opts.workspace,
		Env:           os.Environ(),
		ActionTimeout: opts.actionTimeout,
	})
	defer executor.Close()

	usage := agent.NewUsageReader(opts.cgroupRoot, opts.workspace, clock.RealClock{})
	server := agent.NewServer(opts.sandboxID, executor, usage)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", opts.port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("agent server starting", "component", "http_server", "sandbox_id", opts.sandboxID, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("failed to serve: %w", err)
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		slog.Error("agent forced to shutdown", "component", "http_server", "error", err)
	}
	slog.Info("agent stopped", "component", "http_server", "background_processes", executor.Running())
	return nil
}
