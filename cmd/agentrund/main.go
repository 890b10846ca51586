package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/relaydev/agentrun/internal/adapter/agenthttp"
	"github.com/relaydev/agentrun/internal/adapter/e2b"
	"github.com/relaydev/agentrun/internal/adapter/gitcommit"
	arhttp "github.com/relaydev/agentrun/internal/adapter/http"
	arnats "github.com/relaydev/agentrun/internal/adapter/nats"
	cfotel "github.com/relaydev/agentrun/internal/adapter/otel"
	"github.com/relaydev/agentrun/internal/adapter/postgres"
	"github.com/relaydev/agentrun/internal/adapter/ristretto"
	"github.com/relaydev/agentrun/internal/adapter/ws"
	"github.com/relaydev/agentrun/internal/config"
	"github.com/relaydev/agentrun/internal/domain/run"
	"github.com/relaydev/agentrun/internal/git"
	"github.com/relaydev/agentrun/internal/logger"
	"github.com/relaydev/agentrun/internal/middleware"
	"github.com/relaydev/agentrun/internal/port/database"
	"github.com/relaydev/agentrun/internal/port/sandbox"
	"github.com/relaydev/agentrun/internal/resilience"
	"github.com/relaydev/agentrun/internal/service"
)

func main() {
	// Temporary bootstrap logger until config is loaded.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := runMain(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func runMain() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// Replace bootstrap logger with configured one.
	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"max_job_attempts", cfg.Worker.MaxJobAttempts,
	)

	ctx := context.Background()

	// --- Observability ---
	otelShutdown, err := cfotel.Init(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.Connect(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	slog.Info("postgres connected, migrations applied")

	queue, err := arnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	queue.SetBreaker(resilience.NewBreaker("nats-publish", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	objects, err := arnats.NewObjectStore(ctx, queue.JetStream(), cfg.NATS.ArtifactBucket)
	if err != nil {
		return fmt.Errorf("artifact bucket: %w", err)
	}

	// --- Stores ---
	var store database.Store = postgres.NewStore(pool)
	pricingCache, err := ristretto.NewPricingCache(store, cfg.Cache.L1MaxSizeMB<<20)
	if err != nil {
		return fmt.Errorf("pricing cache: %w", err)
	}
	defer pricingCache.Close()
	store = pricingCache
	journal := postgres.NewEventStore(pool)

	// --- Services ---
	hub := ws.NewHub(cfg.Server.CORSOrigin)

	agentClient := agenthttp.NewClient(cfg.Agent.CoreURL)
	driver := service.NewAgentDriver(agentClient, journal, hub)
	watcher := service.NewCancelWatcher(store, cfg.Worker.CancelPollInterval)
	selector := &service.ModelSelector{
		EnvProvider: cfg.Agent.Provider,
		EnvModel:    cfg.Agent.Model,
	}

	var provider sandbox.Provider
	if cfg.E2B.APIKey != "" {
		e2bClient := e2b.NewClient(cfg.E2B)
		e2bClient.SetBreaker(resilience.NewBreaker("e2b-api", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
		provider = e2bClient
	}
	sandboxes := service.NewSandboxSupervisor(provider, store, journal,
		cfg.E2B.Template, cfg.E2B.SandboxTimeout, cfg.E2B.SandboxTimeoutCap)
	snapshots := service.NewSnapshotCapturer(store, journal, objects,
		cfg.Snapshot.AppRoot, cfg.Snapshot.MaxBytes, cfg.Snapshot.MaxFiles)

	gitPool := git.NewPool(cfg.Git.MaxConcurrent, cfg.Git.OpTimeout)
	committer := gitcommit.New(store, gitPool, cfg.Git.WorkspaceRoot, cfg.Git.CommitPrefix)

	supervisor := service.NewSupervisor(store, journal, queue, driver, watcher, selector,
		sandboxes, snapshots, committer, hub, metrics, service.SupervisorConfig{
			DefaultBackend:   run.WorkspaceBackend(cfg.Agent.WorkspaceBackend),
			MaxBackoff:       cfg.Worker.MaxBackoff,
			AgentCallTimeout: cfg.Agent.PlanPhaseTimeout + cfg.Agent.BuildPhaseTimeout,
			CancelGrace:      cfg.Worker.CancelGrace,
		})

	runSvc := service.NewRunService(store, journal, queue, hub, cfg.Worker.MaxJobAttempts)

	cancelWorker, err := supervisor.StartSubscriber(ctx)
	if err != nil {
		return fmt.Errorf("worker subscriber: %w", err)
	}

	scheduler := service.NewScheduler(store, queue,
		cfg.Worker.SchedulerInterval, cfg.Worker.RequeueRunningAfter,
		cfg.Worker.KickQueuedLimit, cfg.Worker.KickQueuedMinAge)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// --- HTTP ---
	handlers := &arhttp.Handlers{Runs: runSvc}

	r := chi.NewRouter()
	r.Use(arhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(arhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.OTEL.Enabled {
		r.Use(cfotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	}

	r.Get("/health", healthHandler(queue))
	r.Get("/ws", hub.HandleWS)
	arhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done

	// --- Ordered Graceful Shutdown ---
	// Phase 1: Stop accepting new HTTP requests
	slog.Info("shutdown phase 1: stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	hub.Shutdown()

	// Phase 2: Stop schedulers and the worker subscriber
	slog.Info("shutdown phase 2: stopping schedulers and worker")
	scheduler.Stop()
	cancelWorker()

	// Phase 3: Drain NATS (flush pending publishes, wait for acks)
	slog.Info("shutdown phase 3: draining NATS connection")
	if err := queue.Drain(); err != nil {
		slog.Error("nats drain error", "error", err)
	}

	// Phase 4: Flush telemetry and close the database last, so in-flight
	// teardown queries can complete.
	slog.Info("shutdown phase 4: closing telemetry and database")
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Error("otel shutdown error", "error", err)
	}
	pool.Close()

	slog.Info("shutdown complete")
	return nil
}

// healthHandler reports service health including queue connectivity.
func healthHandler(queue *arnats.Queue) http.HandlerFunc {
	type healthStatus struct {
		Status string `json:"status"`
		NATS   string `json:"nats"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{Status: "ok", NATS: "connected"}
		code := http.StatusOK
		if !queue.IsConnected() {
			status.Status = "degraded"
			status.NATS = "disconnected"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
