package app

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	ginadapter "github.com/vaultpay/server/internal/adapter/inbound/gin"
	"github.com/vaultpay/server/internal/domain/intent"
	"github.com/vaultpay/server/internal/domain/reconcile"
	"github.com/vaultpay/server/internal/mirror"
	"github.com/vaultpay/server/internal/provider"
	"github.com/vaultpay/server/internal/shared/cache"
	"github.com/vaultpay/server/internal/shared/config"
	"github.com/vaultpay/server/internal/shared/database"
	"github.com/vaultpay/server/internal/shared/logger"
	"github.com/vaultpay/server/internal/shared/metrics"
	"github.com/vaultpay/server/internal/shared/middleware"
)

// App wires configuration, storage, the payment gateway and the HTTP
// surface into a runnable service.
type App struct {
	config   *config.Config
	logger   *zap.Logger
	db       *gorm.DB
	redis    redis.UniversalClient
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	router   *gin.Engine

	gateway      provider.Gateway
	store        mirror.Store
	eventStore   *reconcile.GormEventStore
	orchestrator *intent.Orchestrator
	coordinator  *intent.Coordinator
	reconciler   *reconcile.Reconciler
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	app := &App{
		config: cfg,
		logger: log,
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	app.db = db

	redisClient, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	app.redis = redisClient

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New("vaultpay", app.registry)

	if err := app.initComponents(); err != nil {
		return nil, err
	}
	app.router = app.setupRouter()

	return app, nil
}

// Router returns the configured HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Stop releases held resources.
func (a *App) Stop() {
	if err := cache.Close(a.redis); err != nil {
		a.logger.Warn("close redis", zap.Error(err))
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *App) initComponents() error {
	// Payment gateway behind a circuit breaker.
	stripeGateway := provider.NewStripeGateway(&provider.StripeConfig{
		APIKey:        a.config.Stripe.APIKey,
		WebhookSecret: a.config.Stripe.WebhookSecret,
		CallTimeout:   a.config.Stripe.CallTimeout,
	}, a.logger)
	a.gateway = provider.WrapGateway(stripeGateway, provider.DefaultBreakerConfig(), a.metrics, a.logger)

	// Durable local state mirror.
	store := mirror.NewGormStore(a.db)
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate mirror tables: %w", err)
	}
	a.store = store

	// Webhook event audit rows.
	a.eventStore = reconcile.NewGormEventStore(a.db)
	if err := a.eventStore.Migrate(); err != nil {
		return fmt.Errorf("migrate webhook event table: %w", err)
	}

	pending := intent.NewRedisPendingStore(a.redis, a.config.Orchestrator.PendingIntentTTL)
	a.orchestrator = intent.NewOrchestrator(
		a.gateway,
		a.store,
		intent.NewRegistry(),
		pending,
		a.metrics,
		a.logger,
		intent.Config{
			MaxGatewayRetries: a.config.Orchestrator.MaxGatewayRetries,
			RetryBackoff:      a.config.Orchestrator.RetryBackoff,
			TerminalRetention: a.config.Orchestrator.TerminalRetention,
		},
	)
	a.coordinator = intent.NewCoordinator(a.orchestrator, a.logger)

	a.reconciler = reconcile.NewReconciler(
		a.gateway,
		a.store,
		a.eventStore,
		reconcile.NewRedisDeduper(a.redis, a.config.Reconciler.DedupTTL),
		a.metrics,
		a.logger,
		reconcile.Config{
			MaxApplyAttempts: a.config.Reconciler.MaxApplyAttempts,
			ApplyBackoff:     a.config.Reconciler.ApplyBackoff,
		},
	)

	return nil
}

// setupRouter creates and configures the Gin router.
func (a *App) setupRouter() *gin.Engine {
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.logger))
	r.Use(middleware.Metrics(a.metrics))
	r.Use(middleware.CORS(middleware.DefaultCORSConfig()))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	// Webhooks authenticate via signature, not bearer tokens.
	hooks := r.Group("")
	ginadapter.RegisterWebhookRoutes(hooks, ginadapter.NewWebhookAdapter(a.reconciler, a.logger))

	api := r.Group("/api/v1")
	if a.config.Auth.JWTSecret != "" {
		validator := middleware.NewTokenValidator(a.config.Auth.JWTSecret, a.config.Auth.Issuer)
		api.Use(middleware.Auth(validator))
	}

	ginadapter.RegisterCustomerRoutes(api, ginadapter.NewCustomerAdapter(a.gateway, a.store, a.logger))
	ginadapter.RegisterInstrumentRoutes(api, ginadapter.NewInstrumentAdapter(a.gateway, a.store, a.logger))
	ginadapter.RegisterIntentRoutes(api, ginadapter.NewIntentAdapter(a.orchestrator, a.coordinator, a.logger))
	ginadapter.RegisterAdminRoutes(api, ginadapter.NewAdminAdapter(a.eventStore, a.logger))

	return r
}
