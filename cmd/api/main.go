// Package main is the entrypoint for the Linkpulse ingestion API server.
package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/linkpulse/linkpulse/internal/aggregate"
	"github.com/linkpulse/linkpulse/internal/buffer"
	"github.com/linkpulse/linkpulse/internal/burst"
	"github.com/linkpulse/linkpulse/internal/cache"
	"github.com/linkpulse/linkpulse/internal/config"
	"github.com/linkpulse/linkpulse/internal/counter"
	"github.com/linkpulse/linkpulse/internal/handler"
	"github.com/linkpulse/linkpulse/internal/metrics"
	"github.com/linkpulse/linkpulse/internal/middleware"
	"github.com/linkpulse/linkpulse/internal/notify"
	"github.com/linkpulse/linkpulse/internal/reconcile"
	"github.com/linkpulse/linkpulse/internal/repository"
	"github.com/linkpulse/linkpulse/internal/server"
	"github.com/linkpulse/linkpulse/internal/service"
)

func main() {
	// Initialize context
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg)

	// Initialize database
	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error(
			"failed to connect to database",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to database")

	// Initialize cache / streams
	cacheClient, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error(
			"failed to connect to Redis",
			slog.String("error", sanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", redactURL(cfg.RedisURL)),
		)
		os.Exit(1)
	}
	defer cacheClient.Close()
	logger.Info("connected to Redis")

	recorder := metrics.NewInMemory()

	eventRepo := repository.NewEventRepository(repo)
	bucketRepo := repository.NewBucketRepository(repo)

	// Provision click_events partitions before taking traffic; the default
	// partition would catch inserts anyway, but starting behind the calendar
	// is a config smell worth failing loudly on.
	partitions := repository.NewPartitionMaintainer(repo, cfg.PartitionDaysAhead, cfg.PartitionInterval, logger)
	if err := partitions.EnsureUpcoming(ctx); err != nil {
		logger.Error("failed to provision event partitions", "error", err)
		os.Exit(1)
	}

	// Assemble the pipeline: load controller, aggregation engine, buffer
	// manager, persister, reconciler, spill replay.
	signals := cache.NewSignalPublisher(cacheClient, logger)
	signals.SetStream(cfg.BurstSignalStream)

	load := burst.NewController(burst.Config{
		Tick:                cfg.BurstTick,
		Alpha:               cfg.BurstEWMAAlpha,
		GlobalElevatedEnter: cfg.ElevatedEnterRate,
		GlobalElevatedExit:  cfg.ElevatedExitRate,
		GlobalBurstEnter:    cfg.BurstEnterRate,
		GlobalBurstExit:     cfg.BurstExitRate,
		LinkElevatedEnter:   cfg.ElevatedLinkEnterRate,
		LinkElevatedExit:    cfg.ElevatedLinkExitRate,
		LinkBurstEnter:      cfg.BurstLinkEnterRate,
		LinkBurstExit:       cfg.BurstLinkExitRate,
		ExitDwell:           cfg.BurstExitDwell,
	}, signals, logger, recorder)

	engine := aggregate.NewEngine(aggregate.EngineConfig{
		SampleN:     cfg.BurstSampleN,
		DedupWindow: cfg.DedupWindow,
		Retention:   cfg.AggregateRetention,
	}, load, logger, recorder)

	spiller := buffer.NewStreamSpiller(cacheClient.Client(), logger)
	spiller.SetStream(cfg.SpillStream)
	spiller.SetMaxLen(cfg.SpillMaxLen)

	buffers := buffer.NewManager(buffer.Config{
		Shards:          cfg.BufferShards,
		MinRows:         cfg.BufferMinRows,
		MaxRows:         cfg.BufferMaxRows,
		MinBytes:        cfg.BufferMinBytes,
		MaxBytes:        cfg.BufferMaxBytes,
		MinAge:          cfg.BufferMinAge,
		MaxAge:          cfg.BufferMaxAge,
		PendingLimit:    cfg.BufferPendingLimit,
		FullPolicy:      cfg.BufferFullPolicy,
		FlushTimeout:    cfg.FlushTimeout,
		FlushMaxRetries: cfg.FlushMaxRetries,
		MaxRowsFactor:   cfg.BurstMaxRowsFactor,
		MaxAgeFactor:    cfg.BurstMaxAgeFactor,
	}, eventRepo, engine, spiller, load, logger, recorder)

	persister := aggregate.NewPersister(engine.Store(), bucketRepo,
		cfg.AggregatePersistInterval, cfg.PersistTimeout, logger, recorder)

	counters := counter.New(0)
	reconciler := reconcile.NewReconciler(counters, repo,
		cfg.ReconcileInterval, cfg.ReconcileTimeout, cfg.ReconcileLagAlert, logger, recorder)
	reconciler.Watch(load.Subscribe(64))

	replayer := buffer.NewReplayWorker(cacheClient.Client(), eventRepo, engine,
		buffer.NewConsumerID(), logger, recorder)
	replayer.SetStreams(cfg.SpillStream, cfg.SpillDLQStream)
	replayer.SetGroup(cfg.SpillGroup)
	replayer.SetBatchSize(cfg.SpillBatchSize)
	replayer.SetBlockTimeout(cfg.SpillBlock)
	replayer.SetMaxRetries(cfg.SpillMaxRetries)
	replayer.SetClaimIdle(cfg.SpillClaimIdle)
	replayer.SetClaimInterval(cfg.SpillClaimEvery)

	notifier := setupNotifier(cfg, load, logger, recorder)

	// Initialize services
	ingestService := service.NewIngestService(counters, buffers, load, cfg.MaxFutureSkew, logger, recorder)

	// Initialize handlers
	h := handler.New()
	healthHandler := handler.NewHealthHandler(repo, cacheClient, reconciler)
	ingestHandler := handler.NewIngestHandler(ingestService, logger)
	statsHandler := handler.NewStatsHandler(repo, bucketRepo, eventRepo, counters, logger)
	systemHandler := handler.NewSystemHandler(load)
	metricsHandler := handler.NewMetricsHandler(recorder)

	// Setup router
	r := setupRouter(h, healthHandler, ingestHandler, statsHandler, systemHandler, metricsHandler, cacheClient, cfg, logger)

	// Create the server before starting workers so shutdown hooks are in
	// place from the first tick.
	srv := server.New(
		r,
		cfg.AppPort,
		cfg.ReadTimeout,
		cfg.WriteTimeout,
		cfg.ShutdownTimeout,
		logger,
	)

	// Start pipeline workers. Hooks run LIFO, so registration goes sink to
	// source: partitions and alerting first, then the load controller, then
	// the stages that feed the aggregate store, with the buffer manager last
	// so its final flush drains into a still-running persister.
	runCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	go partitions.Run(runCtx)
	srv.OnShutdown("partition maintainer", partitions.Shutdown)

	if notifier != nil {
		go notifier.Run(runCtx)
		srv.OnShutdown("alert notifier", notifier.Shutdown)
	}

	go load.Run(runCtx)
	srv.OnShutdown("load controller", load.Shutdown)

	go reconciler.Run(runCtx)
	srv.OnShutdown("reconciler", reconciler.Shutdown)

	go persister.Run(runCtx)
	srv.OnShutdown("bucket persister", persister.Shutdown)

	go func() {
		if err := replayer.Run(runCtx); err != nil {
			logger.Error("spill replay worker stopped", "error", err)
		}
	}()
	srv.OnShutdown("spill replayer", replayer.Shutdown)

	go func() {
		if err := buffers.Run(runCtx); err != nil {
			logger.Error("buffer manager stopped", "error", err)
		}
	}()
	srv.OnShutdown("buffer manager", buffers.Shutdown)

	logger.Info("starting server",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"buffer_shards", cfg.BufferShards,
		"alerts_enabled", notifier != nil,
	)

	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	level := parseLogLevel(cfg.LogLevel)

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupNotifier builds the burst alert notifier, or returns nil when no
// webhook is configured. Outside development the target URL must survive the
// egress checks; a bad production target is a startup failure, not a
// per-delivery surprise.
func setupNotifier(cfg *config.Config, load *burst.Controller, logger *slog.Logger, recorder metrics.Recorder) *notify.Notifier {
	if cfg.AlertWebhookURL == "" {
		return nil
	}

	if !cfg.IsDevelopment() {
		if err := notify.ValidateTargetURL(cfg.AlertWebhookURL); err != nil {
			logger.Error("rejecting alert webhook URL", "error", err)
			os.Exit(1)
		}
	}

	return notify.New(notify.Config{
		URL:     cfg.AlertWebhookURL,
		Secret:  cfg.AlertWebhookSecret,
		Timeout: cfg.AlertTimeout,
	}, load.Subscribe(64), logger, recorder)
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(
	h *handler.Handler,
	healthHandler *handler.HealthHandler,
	ingestHandler *handler.IngestHandler,
	statsHandler *handler.StatsHandler,
	systemHandler *handler.SystemHandler,
	metricsHandler *handler.MetricsHandler,
	cacheClient *cache.Cache,
	cfg *config.Config,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Security(middleware.SecurityConfig{
		IsDevelopment:      cfg.IsDevelopment(),
		MaxRequestBodySize: cfg.MaxRequestBodySize,
	}))

	corsCfg := middleware.DefaultCORSConfig()
	if origins := cfg.GetCORSAllowedOrigins(); len(origins) > 0 {
		corsCfg.AllowedOrigins = origins
	}
	r.Use(middleware.CORS(corsCfg))

	// Health endpoints
	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)

	// Operational metrics in Prometheus text exposition format
	r.Get("/metrics", metricsHandler.Metrics)

	// Root info endpoint
	r.Get("/", h.Root)

	// Rate limiting applies to the stats read API only. The ingest path
	// answers from memory and must never wait on Redis; its protection is
	// the buffer's own backpressure.
	statsLimit := middleware.RateLimitIP(middleware.RateLimitConfig{
		Logger:  logger,
		Cache:   cacheClient,
		Enabled: cfg.RateLimitStatsEnabled,
		RPS:     cfg.RateLimitStatsRPS,
		Burst:   cfg.RateLimitStatsBurst,
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Click event ingestion from the redirect edge
		r.With(middleware.MaxBodySize(cfg.MaxRequestBodySize)).
			Post("/events", ingestHandler.CreateEvent)

		// Per-link statistics
		r.Route("/links/{linkID}/stats", func(r chi.Router) {
			r.Use(statsLimit)
			r.Get("/", statsHandler.ListLinkStats)
			r.Get("/summary", statsHandler.GetLinkSummary)
			r.Get("/referrers", statsHandler.ListLinkReferrers)
		})

		// Cross-link statistics and system state
		r.With(statsLimit).Get("/stats/top-links", statsHandler.TopLinks)
		r.Get("/system/load", systemHandler.GetLoad)
	})

	// 404 and 405 handlers
	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.MethodNotAllowed)

	return r
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
