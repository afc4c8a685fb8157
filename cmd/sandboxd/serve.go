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
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fslongjin/sandboxd/internal/auth"
	"github.com/fslongjin/sandboxd/internal/config"
	"github.com/fslongjin/sandboxd/internal/datastore"
	"github.com/fslongjin/sandboxd/internal/deploy"
	"github.com/fslongjin/sandboxd/internal/gateway"
	"github.com/fslongjin/sandboxd/internal/handler"
	"github.com/fslongjin/sandboxd/internal/imagebuild"
	"github.com/fslongjin/sandboxd/internal/k8s"
	"github.com/fslongjin/sandboxd/internal/ledger"
	"github.com/fslongjin/sandboxd/internal/lifecycle"
	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/metrics"
	"github.com/fslongjin/sandboxd/internal/store"
	"github.com/fslongjin/sandboxd/internal/tooltree"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator, sandbox gateway and datastore gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, closeLogger, err := logx.Init("sandboxd", cfg.Log)
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

	dirLock, err := config.LockDataDir(cfg.Store.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := dirLock.Unlock(); err != nil {
			slog.Warn("failed to release data dir lock", "component", "config", "error", err)
		}
	}()

	dbPath := filepath.Join(cfg.Store.DataDir, "sandboxd.db")
	slog.Info("initializing database", "component", "store", "db_path", dbPath)
	if err := store.InitDB(dbPath); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.CloseDB()

	k8sClient, err := k8s.NewClient(cfg.Kubernetes.Kubeconfig, cfg.Kubernetes.SandboxNamespace, cfg.Kubernetes.ControlNamespace)
	if err != nil {
		return fmt.Errorf("failed to create k8s client: %w", err)
	}
	if err := k8sClient.EnsureNamespace(ctx); err != nil {
		return fmt.Errorf("failed to ensure namespace: %w", err)
	}
	runtime := k8s.NewRuntime(k8sClient, cfg.Kubernetes.PollInterval)
	if err := runtime.Init(ctx); err != nil {
		slog.Warn("failed to ensure baseline network policies", "component", "k8s", "error", err)
	}

	capacity, err := hostCapacity(ctx, cfg.Capacity, runtime)
	if err != nil {
		return err
	}
	slog.Info("host capacity resolved", "component", "ledger", "source", cfg.Capacity.Source, "capacity", capacity.String())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	resourceLedger, err := ledger.New(capacity, m)
	if err != nil {
		return fmt.Errorf("failed to create resource ledger: %w", err)
	}

	builderOpts := []imagebuild.RegistryOption{}
	if cfg.Image.Insecure {
		builderOpts = append(builderOpts, imagebuild.WithInsecure())
	}
	images := imagebuild.NewService(imagebuild.ServiceOptions{
		Base: imagebuild.BaseTemplate{
			Image:        cfg.Image.Base,
			ToolsDir:     cfg.Image.ToolsDir,
			ManifestPath: cfg.Image.ManifestPath,
		},
		Repository:   cfg.Image.Repository,
		Builder:      imagebuild.NewRegistryBuilder(builderOpts...),
		Cache:        store.NewImageStore(),
		Metrics:      m,
		BuildTimeout: cfg.Image.BuildTimeout,
	})

	vectors, err := datastore.OpenVectorStore(cfg.Datastore.VectorPath)
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	datastores := datastore.NewService(vectors, datastore.NewGraphEngine(store.NewGraphStore(), clock.RealClock{}))

	drainState := lifecycle.NewDrainManager()
	sandboxStore := store.NewSandboxStore()
	assembler := tooltree.NewAssembler(cfg.Tools.Root)

	backoff := wait.Backoff{Steps: cfg.Lifecycle.TeardownRetries, Duration: 500 * time.Millisecond, Factor: 2.0, Jitter: 0.1}
	manager, err := lifecycle.NewManager(lifecycle.Options{
		Runtime:   runtime,
		Ledger:    resourceLedger,
		Assembler: assembler,
		Images:    images,
		Deploy: deploy.Config{
			Namespace:        cfg.Kubernetes.SandboxNamespace,
			ControlNamespace: cfg.Kubernetes.ControlNamespace,
			AgentPort:        cfg.Kubernetes.AgentPort,
			DatastorePort:    cfg.Datastore.Port,
			DatastoreURL:     cfg.Datastore.URL,
			AgentCommand:     cfg.Kubernetes.AgentCommand,
			RunAsUser:        cfg.Kubernetes.RunAsUser,
		},
		Datastores:       datastores,
		Recorder:         lifecycle.NewStoreRecorder(sandboxStore),
		Metrics:          m,
		Drain:            drainState,
		DefaultResources: cfg.Lifecycle.DefaultResources.Resources(),
		PublicURL:        cfg.Server.PublicURL,
		StartTimeout:     cfg.Lifecycle.StartTimeout,
		CleanupTimeout:   cfg.Lifecycle.CleanupTimeout,
		TeardownBackoff:  backoff,
		GroupConcurrency: cfg.Lifecycle.GroupConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to create lifecycle manager: %w", err)
	}

	sweepCtx := logx.WithRequestID(ctx, logx.NewJobID())
	if n, err := manager.SweepOrphans(sweepCtx); err != nil {
		slog.Warn("orphan sweep failed", "component", "lifecycle", "error", err)
	} else if n > 0 {
		slog.Info("orphan sandboxes torn down", "component", "lifecycle", "count", n)
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	go lifecycle.NewReaper(manager, cfg.Reaper.IdleTimeout, cfg.Reaper.Interval).Run(bgCtx)
	slog.Info("reaper started", "component", "reaper", "idle_timeout", cfg.Reaper.IdleTimeout.String(), "interval", cfg.Reaper.Interval.String())

	go lifecycle.NewSampler(manager, lifecycle.NewHTTPProber(cfg.Sampler.ProbeTimeout), cfg.Sampler.Interval).Run(bgCtx)
	slog.Info("usage sampler started", "component", "sampler", "interval", cfg.Sampler.Interval.String())

	if cfg.Adjuster.Schedule != "" {
		schedule, err := lifecycle.NewAdjustSchedule(manager, cfg.Adjuster.Schedule, cfg.Adjuster.Multiplier)
		if err != nil {
			return err
		}
		schedule.Start()
		defer schedule.Stop()
		slog.Info("adjust schedule started", "component", "adjust_schedule", "schedule", cfg.Adjuster.Schedule)
	}

	if cfg.Store.HistoryRetention > 0 {
		go wait.UntilWithContext(bgCtx, func(ctx context.Context) {
			purgeHistory(ctx, sandboxStore, cfg.Store.HistoryRetention)
		}, cfg.Store.PurgeInterval)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(logx.AccessLogMiddleware("api_http", "/health", "/readyz", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Access-Token", "X-Request-ID", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Extensions", "Sec-WebSocket-Protocol"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(func(c *gin.Context) {
		if drainState.IsDraining() && c.Request.URL.Path != "/health" && c.Request.URL.Path != "/readyz" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, model.ErrorResponse{Error: "service is draining"})
			return
		}
		c.Next()
	})

	keys := auth.NewKeyVerifier(cfg.Server.APIKeyHashes)
	if !keys.Enabled() {
		slog.Warn("no operator API keys configured, operator API is unauthenticated", "component", "auth")
	}
	operator := r.Group("", auth.APIKeyMiddleware(keys, "/health", "/readyz"))
	handler.NewSystemHandler(manager, assembler, drainState).RegisterRoutes(operator)
	handler.NewSandboxHandler(manager, runtime).RegisterRoutes(operator)
	handler.NewGroupHandler(manager).RegisterRoutes(operator)
	handler.NewEventsHandler(manager.Events(), drainState).RegisterRoutes(operator)

	// Sandbox urls carry their own access token.
	gateway.NewService(manager, &gateway.Config{
		ResponseHeaderTimeout: cfg.Gateway.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.Gateway.IdleConnTimeout,
	}).RegisterRoutes(r.Group(""))
	if cfg.Server.Metrics {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}

	ds := gin.New()
	ds.Use(gin.Recovery())
	ds.Use(logx.RequestIDMiddleware())
	ds.Use(logx.AccessLogMiddleware("datastore_http"))
	datastore.NewHandler(datastores, manager).RegisterRoutes(ds.Group(""))

	servers := []*http.Server{
		{
			Addr:        cfg.Server.Addr,
			Handler:     r,
			ReadTimeout: cfg.Server.ReadTimeout,
			IdleTimeout: cfg.Server.IdleTimeout,
		},
		{
			Addr:        net.JoinHostPort("", strconv.Itoa(int(cfg.Datastore.Port))),
			Handler:     ds,
			ReadTimeout: cfg.Server.ReadTimeout,
			IdleTimeout: cfg.Server.IdleTimeout,
		},
	}

	serveErr := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			slog.Info("http server starting", "component", "http_server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("failed to serve %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	slog.Info("shutting down", "component", "http_server")

	drainState.StartDraining()
	time.Sleep(cfg.Server.DrainGrace)
	stopBackground()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctxShutdown); err != nil {
			slog.Error("server forced to shutdown", "component", "http_server", "addr", srv.Addr, "error", err)
		}
	}
	if err := drainState.WaitStreams(ctxShutdown); err != nil {
		slog.Warn("drained with timeout", "component", "http_server", "active_streams", drainState.ActiveStreams())
	}

	slog.Info("sandboxd stopped", "component", "http_server")
	return runErr
}

// hostCapacity resolves the ledger capacity. Cluster capacity supplies cpu,
// ram and disk; memory bandwidth is not reported by nodes.
func hostCapacity(ctx context.Context, c config.CapacityConfig, rt *k8s.Runtime) (model.ComputeResources, error) {
	capacity := c.Resources()
	if c.Source != "cluster" {
		return capacity, nil
	}
	cluster, err := rt.Capacity(ctx)
	if err != nil {
		return model.ComputeResources{}, fmt.Errorf("failed to read cluster capacity: %w", err)
	}
	cluster.MemoryBandwidthGBPS = capacity.MemoryBandwidthGBPS
	cluster.Unit = model.UnitAbsolute
	return cluster, nil
}

func purgeHistory(ctx context.Context, s *store.SandboxStore, retention time.Duration) {
	res, err := s.PurgeHistoricalData(ctx, time.Now().Add(-retention))
	if err != nil {
		slog.Warn("history purge failed", "component", "store", "error", err)
		return
	}
	if res.DeletedSandboxes > 0 || res.DeletedStatusHistory > 0 {
		slog.Info("history purged", "component", "store",
			"deleted_sandboxes", res.DeletedSandboxes, "deleted_status_history", res.DeletedStatusHistory)
	}
}
