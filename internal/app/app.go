// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/garyellow/linebot-imagelab/internal/backup"
	"github.com/garyellow/linebot-imagelab/internal/bot"
	"github.com/garyellow/linebot-imagelab/internal/buildinfo"
	"github.com/garyellow/linebot-imagelab/internal/config"
	"github.com/garyellow/linebot-imagelab/internal/ctxutil"
	"github.com/garyellow/linebot-imagelab/internal/gateway"
	"github.com/garyellow/linebot-imagelab/internal/imageapi"
	"github.com/garyellow/linebot-imagelab/internal/janitor"
	"github.com/garyellow/linebot-imagelab/internal/jobs"
	"github.com/garyellow/linebot-imagelab/internal/lineutil"
	"github.com/garyellow/linebot-imagelab/internal/logger"
	"github.com/garyellow/linebot-imagelab/internal/metrics"
	"github.com/garyellow/linebot-imagelab/internal/modules/colorize"
	"github.com/garyellow/linebot-imagelab/internal/modules/edit"
	"github.com/garyellow/linebot-imagelab/internal/modules/imageflow"
	"github.com/garyellow/linebot-imagelab/internal/modules/member"
	"github.com/garyellow/linebot-imagelab/internal/modules/menu"
	"github.com/garyellow/linebot-imagelab/internal/r2client"
	"github.com/garyellow/linebot-imagelab/internal/ratelimit"
	"github.com/garyellow/linebot-imagelab/internal/sentry"
	"github.com/garyellow/linebot-imagelab/internal/session"
	"github.com/garyellow/linebot-imagelab/internal/storage"
	"github.com/garyellow/linebot-imagelab/internal/webhook"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Application manages the application lifecycle and dependencies.
type Application struct {
	cfg            *config.Config
	logger         *logger.Logger
	db             *storage.DB
	store          session.Store
	closeStore     func() error // nil when the store shares the database
	metrics        *metrics.Metrics
	registry       *prometheus.Registry
	features       *bot.Registry
	images         imageapi.Client
	runner         *jobs.Runner
	userLimiter    *ratelimit.KeyedLimiter
	webhookHandler *webhook.Handler
	scheduler      *janitor.Scheduler
	server         *http.Server
}

// Initialize creates and initializes a new application with all dependencies.
//
// Features are registered in a fixed order that the router relies on for
// global commands and the fallback probe: menu, member, colorize, edit.
func Initialize(ctx context.Context, cfg *config.Config) (*Application, error) {
	log := logger.NewWithOptions(cfg.LogLevel, os.Stdout, logger.Options{
		BetterStackToken:    cfg.BetterStackToken,
		BetterStackEndpoint: cfg.BetterStackEndpoint,
	})

	log = log.WithField("service", cfg.ServerName)
	if host, err := os.Hostname(); err == nil && host != "" {
		log = log.WithField("instance_id", host)
	}

	// Package-level slog.*Context calls (storage, gateway) pick up user and
	// request IDs through the context handler.
	slog.SetDefault(log.Logger)

	log.WithField("version", buildinfo.Version).Info("Initializing application...")
	if cfg.BetterStackToken != "" {
		log.WithField("endpoint", cfg.BetterStackEndpoint).Info("Better Stack logging enabled")
	}
	if cfg.SandboxMode {
		log.Warn("Sandbox mode: no message will be delivered to LINE users")
	}

	if err := sentry.Initialize(sentry.Config{
		Token:       cfg.SentryToken,
		Host:        cfg.SentryHost,
		Environment: cfg.SentryEnvironment,
		Release:     buildinfo.Version,
		SampleRate:  cfg.SentrySampleRate,
	}); err != nil {
		log.WithError(err).Warn("Sentry initialization failed")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewBuildInfoCollector(),
	)
	m := metrics.New(registry)

	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	db.SetMetrics(m)
	log.WithField("dialect", db.Dialect()).Info("Database connected")

	store, closeStore, err := OpenStateStore(ctx, cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state store: %w", err)
	}
	log.WithField("backend", cfg.StateBackend).WithField("ttl", cfg.StateTTL).Info("State store ready")

	gw, err := gateway.NewLINE(gateway.LINEConfig{
		ChannelToken: cfg.LineChannelToken,
		Sandbox:      cfg.SandboxMode,
		Limiter:      rate.NewLimiter(rate.Limit(config.LINEAPIRequestsPerSecond), config.LINEAPIBurst),
		Metrics:      m,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("gateway: %w", err)
	}

	var objects *r2client.Client
	if cfg.R2Enabled() {
		objects, err = r2client.New(ctx, r2client.Config{
			Endpoint:      cfg.R2Endpoint(),
			AccessKeyID:   cfg.R2AccessKeyID,
			SecretKey:     cfg.R2SecretAccessKey,
			BucketName:    cfg.R2BucketName,
			PublicBaseURL: cfg.R2PublicBaseURL,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("r2: %w", err)
		}
		log.WithField("bucket", cfg.R2BucketName).Info("R2 object storage enabled")
	}

	images, err := newImageClient(ctx, cfg, objects, m, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("image api: %w", err)
	}
	log.WithField("provider", images.Provider()).Info("Image API ready")

	runner := jobs.New(jobs.Config{
		Store:       store,
		Gateway:     gw,
		Timeout:     cfg.Bot.ImageJobTimeout,
		Concurrency: cfg.Bot.ImageJobConcurrency,
		Logger:      log,
		Metrics:     m,
		OnEcho: func(echo *gateway.Echo) {
			log.WithField("user_id", echo.UserID).WithField("reason", echo.Reason).Debug("Job result echoed")
		},
	})

	userLimiter := ratelimit.NewKeyedLimiter(ratelimit.KeyedConfig{
		Name:          "user",
		Burst:         cfg.Bot.UserRateLimitBurst,
		RefillRate:    cfg.Bot.UserRateLimitRPS,
		CleanupPeriod: config.RateLimiterCleanupInterval,
		Metrics:       m,
	})

	flowDeps := imageflow.Deps{
		Gateway: gw,
		Store:   store,
		Ledger:  db,
		Jobs:    runner,
		Logger:  log,
	}
	features := bot.NewRegistry().MustRegister(
		menu.NewHandler(gw, log, menu.Prices{
			Colorize: cfg.Bot.ColorizeCostPoints,
			Edit:     cfg.Bot.EditCostPoints,
		}),
		member.NewHandler(db, gw, log, cfg.Bot.SignupBonusPoints),
		colorize.NewHandler(flowDeps, images, cfg.Bot.ColorizeCostPoints),
		edit.NewHandler(flowDeps, images, cfg.Bot.EditCostPoints),
	)
	log.WithField("features", features.Names()).Info("Features registered")

	processor := bot.NewProcessor(bot.ProcessorConfig{
		Router:      bot.NewRouter(features, store, log, m),
		Registry:    features,
		Gateway:     gw,
		UserLimiter: userLimiter,
		Logger:      log,
		Metrics:     m,
		BotConfig:   &cfg.Bot,
	})

	webhookHandler, err := webhook.NewHandler(webhook.HandlerConfig{
		ChannelSecret:       cfg.LineChannelSecret,
		Processor:           processor,
		MaxEventsPerWebhook: cfg.Bot.MaxEventsPerWebhook,
		Metrics:             m,
		Logger:              log,
	})
	if err != nil {
		userLimiter.Stop()
		_ = db.Close()
		return nil, fmt.Errorf("webhook: %w", err)
	}

	scheduler, err := newScheduler(cfg, db, store, objects, m, log)
	if err != nil {
		userLimiter.Stop()
		_ = db.Close()
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	app := &Application{
		cfg:            cfg,
		logger:         log,
		db:             db,
		store:          store,
		closeStore:     closeStore,
		metrics:        m,
		registry:       registry,
		features:       features,
		images:         images,
		runner:         runner,
		userLimiter:    userLimiter,
		webhookHandler: webhookHandler,
		scheduler:      scheduler,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	router.Use(securityHeadersMiddleware())
	router.Use(loggingMiddleware(log))

	router.GET("/livez", app.livenessCheck)
	router.HEAD("/livez", app.livenessCheck)
	router.GET("/readyz", app.readinessCheck)
	router.HEAD("/readyz", app.readinessCheck)
	router.POST("/webhook", webhookHandler.Handle)
	router.GET("/metrics",
		basicAuth("metrics", cfg.MetricsUsername, cfg.MetricsPassword),
		gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	if !cfg.MetricsAuthEnabled() {
		log.Warn("METRICS_PASSWORD is empty; /metrics is served without authentication")
	}

	app.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: config.WebhookHTTPRead,
		ReadTimeout:       config.WebhookHTTPRead,
		WriteTimeout:      config.WebhookHTTPWrite,
		IdleTimeout:       config.WebhookHTTPIdle,
	}

	log.Info("Initialization complete")
	return app, nil
}

// OpenDatabase connects to PostgreSQL when DATABASE_URL is set, otherwise to
// the SQLite file under DATA_DIR.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*storage.DB, error) {
	if cfg.UsePostgres() {
		return storage.NewPostgres(ctx, cfg.DatabaseURL)
	}
	return storage.New(ctx, cfg.SQLitePath())
}

// OpenStateStore returns the configured session store and, for backends with
// their own connection, a function closing it.
func OpenStateStore(ctx context.Context, cfg *config.Config, db *storage.DB) (session.Store, func() error, error) {
	if cfg.StateBackend != config.StateBackendRedis {
		return db.Sessions(), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := session.NewRedisStore(client, cfg.StateTTL)

	pingCtx, cancel := context.WithTimeout(ctx, config.ReadinessCheckTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return store, store.Close, nil
}

func newImageClient(ctx context.Context, cfg *config.Config, objects *r2client.Client, m *metrics.Metrics, log *logger.Logger) (imageapi.Client, error) {
	if cfg.ImageProvider == config.ImageProviderGemini {
		if objects == nil {
			return nil, errors.New("gemini provider requires R2 to host results")
		}
		return imageapi.NewGemini(ctx, imageapi.GeminiConfig{
			APIKey:   cfg.GeminiAPIKey,
			Model:    cfg.GeminiImageModel,
			Uploader: objects,
			Metrics:  m,
		})
	}

	token := cfg.ReplicateAPIToken
	if token == "" && cfg.SandboxMode {
		log.Warn("REPLICATE_API_TOKEN is empty; image jobs will fail in sandbox mode")
		token = "sandbox"
	}
	return imageapi.NewReplicate(imageapi.ReplicateConfig{
		Token:        token,
		BaseURL:      cfg.ReplicateBaseURL,
		PollInterval: cfg.ReplicatePollInterval,
		Metrics:      m,
	})
}

// newScheduler registers the session sweep and, with R2 and SQLite, the
// database backup.
func newScheduler(cfg *config.Config, db *storage.DB, store session.Store, objects *r2client.Client, m *metrics.Metrics, log *logger.Logger) (*janitor.Scheduler, error) {
	scheduler := janitor.New(lineutil.TaipeiLocation(), log, m)

	if err := scheduler.Schedule("session_sweep", cfg.StateCleanupSchedule, config.StateSweepTimeout,
		janitor.SweepSessions(store, cfg.StateTTL, log, m)); err != nil {
		return nil, err
	}

	if cfg.BackupSchedule == "" {
		return scheduler, nil
	}
	if objects == nil || db.Dialect() != storage.DialectSQLite {
		log.Warn("Backup schedule ignored: backups need R2 and SQLite")
		return scheduler, nil
	}
	b, err := backup.New(backup.Config{
		DB:      db,
		Store:   objects,
		TempDir: cfg.DataDir,
		Logger:  log,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}
	if err := scheduler.Schedule("backup", cfg.BackupSchedule, config.BackupTimeout, b.Task); err != nil {
		return nil, err
	}
	return scheduler, nil
}

func (a *Application) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
	})
}

func (a *Application) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), config.ReadinessCheckTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.db.Ping(gctx); err != nil {
			return fmt.Errorf("database unavailable: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.store.Ping(gctx); err != nil {
			return fmt.Errorf("state store unavailable: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		a.logger.WithError(err).Warn("Readiness check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": err.Error(),
		})
		return
	}

	body := gin.H{
		"status":   "ready",
		"database": string(a.db.Dialect()),
		"sandbox":  a.cfg != nil && a.cfg.SandboxMode,
	}
	if a.features != nil {
		body["features"] = a.features.Names()
	}
	if a.images != nil {
		body["image_provider"] = a.images.Provider()
	}
	c.JSON(http.StatusOK, body)
}

// Run starts the HTTP server and background jobs, then blocks until
// SIGINT/SIGTERM and shuts down.
func (a *Application) Run() error {
	a.scheduler.Start()
	a.startHTTPServer()

	sig := a.waitForShutdownSignal()
	a.logger.WithField("signal", sig.String()).Info("Received shutdown signal")

	return a.shutdown()
}

// startHTTPServer starts the HTTP server in a goroutine.
func (a *Application) startHTTPServer() {
	go func() {
		a.logger.WithField("port", a.cfg.Port).Info("Starting HTTP server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("HTTP server error")
		}
	}()
}

// waitForShutdownSignal blocks until SIGINT/SIGTERM is received.
func (a *Application) waitForShutdownSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	return <-quit
}

// shutdown stops intake first and storage last:
//  1. HTTP server (no new webhooks)
//  2. webhook events in flight (they may still submit jobs)
//  3. image jobs (they push results and clear sessions)
//  4. scheduled tasks, limiter, state store, database
func (a *Application) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	a.logger.Info("Stopping HTTP server...")
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("HTTP server shutdown error")
	}

	a.logger.Info("Waiting for webhook events to complete...")
	if err := a.webhookHandler.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("Webhook handler shutdown timeout")
	}

	a.logger.Info("Waiting for image jobs to complete...")
	if err := a.runner.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("Image jobs still running at shutdown")
	}

	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("Scheduled tasks still running at shutdown")
	}

	a.logger.Info("Closing resources...")
	a.userLimiter.Stop()

	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.WithError(err).WithField("component", "state_store").Error("Component close error")
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).WithField("component", "database").Error("Component close error")
	}

	sentry.Flush(2 * time.Second)

	if err := a.logger.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("Logger shutdown timed out")
	}

	a.logger.Info("Shutdown complete")
	return nil
}

// securityHeadersMiddleware adds security headers to responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Next()
	}
}

// loggingMiddleware logs HTTP requests: 5xx at error, other 4xx at warn,
// everything else at debug.
func loggingMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = c.GetHeader("X-Line-Request-Id")
		}
		if requestID != "" {
			c.Request = c.Request.WithContext(ctxutil.WithRequestID(c.Request.Context(), requestID))
		}

		c.Next()

		status := c.Writer.Status()
		entry := log.WithField("http_method", c.Request.Method).
			WithField("http_path", c.Request.URL.Path).
			WithField("http_status", status).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			WithField("client_ip", c.ClientIP())
		if requestID != "" {
			entry = entry.WithRequestID(requestID)
		}

		switch {
		case status >= 500:
			entry.Error("HTTP request failed")
		case status >= 400 && status != http.StatusNotFound:
			entry.Warn("HTTP request rejected")
		default:
			entry.Debug("HTTP request completed")
		}
	}
}
