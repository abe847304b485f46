package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tenantguard/internal/attack"
	"tenantguard/internal/audit"
	"tenantguard/internal/config"
	apierrors "tenantguard/internal/errors"
	"tenantguard/internal/infrastructure"
	"tenantguard/internal/license"
	"tenantguard/internal/middleware"
	handlers "tenantguard/internal/transport/http"
	ws "tenantguard/internal/websocket"
)

const AppName = "tenantguard"

// Build information, set with -ldflags "-X tenantguard/internal/app.Version=..."
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

const (
	// usage at this share of a limit is flagged with X-Usage-Warning
	usageWarnRatio = 0.9

	runtimeMetricsInterval = 15 * time.Second
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	Gateway      *license.Gateway
	Entitlements *license.Entitlements
	Health       *license.HealthCheck
	Engine       *attack.Engine
	// Hub is nil when the violation stream is disabled
	Hub *ws.Hub

	store  license.Store
	redis  *redis.Client
	pgPool *pgxpool.Pool
	kafka  *audit.KafkaSink

	runtimeMetrics *infrastructure.SystemMetricsCollector

	mu        sync.RWMutex
	listener  net.Listener
	serveErr  chan error
	cancelRun context.CancelFunc
}

// NewApplication loads configuration from the environment and builds the
// application
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return New(ctx, cfg, logger)
}

// New builds the application from an explicit configuration. Backing
// stores are connected here; nothing is served until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	logger.InfoContext(ctx, "Application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.Bool("license_enabled", cfg.License.Enabled),
		slog.Bool("attack_analysis_enabled", cfg.Attack.Enabled))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		serveErr:      make(chan error, 1),
	}

	if err := a.initializeStores(ctx); err != nil {
		a.closeStores()
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}

	if err := a.initializeServices(); err != nil {
		a.closeStores()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := a.setupRouter(); err != nil {
		a.closeStores()
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}

	a.createServer()
	return a, nil
}

// initializeStores connects Redis and Postgres when configured, falling
// back to in-process state
func (a *Application) initializeStores(ctx context.Context) error {
	cfg := a.Config

	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			// the gateway degrades to process-local caching while redis is down
			a.Logger.WarnContext(ctx, "Redis not reachable at startup",
				slog.String("error", err.Error()))
		}
	}

	if cfg.Database.URL == "" {
		mem := license.NewMemoryStore()
		if cfg.Database.SeedFile != "" {
			n, err := LoadSeed(cfg.Database.SeedFile, mem)
			if err != nil {
				return err
			}
			a.Logger.InfoContext(ctx, "License documents seeded",
				slog.String("file", cfg.Database.SeedFile),
				slog.Int("tenants", n))
		}
		a.store = mem
		a.Logger.InfoContext(ctx, "Using in-memory license store")
		return nil
	}

	pool, err := license.NewPGPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	a.pgPool = pool
	pg := license.NewPGStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate license schema: %w", err)
	}
	a.store = pg
	a.Logger.InfoContext(ctx, "Using Postgres license store",
		slog.Int("max_conns", int(cfg.Database.MaxConns)))
	return nil
}

// initializeServices builds the gateway, the attack engine and its sinks
func (a *Application) initializeServices() error {
	cfg := a.Config

	gatewayMetrics, err := infrastructure.CreateGatewayMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create gateway metrics: %w", err)
	}
	a.runtimeMetrics, err = infrastructure.NewSystemMetricsCollector(a.OTelProviders.Meter, runtimeMetricsInterval)
	if err != nil {
		return err
	}

	var (
		cacheStore license.CacheStore
		limiter    license.RateLimiter
	)
	if a.redis != nil {
		cacheStore = license.NewRedisStore(a.redis, cfg.Redis.KeyPrefix+"license:")
		limiter = license.NewRedisWindowLimiter(a.redis, cfg.Redis.KeyPrefix+"ratelimit:",
			cfg.License.AuthorityLimit, cfg.License.AuthorityWindow)
	}

	a.Gateway = license.NewGatewayFromConfig(cfg.License, cacheStore, limiter, gatewayMetrics, a.OTelProviders.Tracer, a.Logger)
	a.Entitlements = license.NewEntitlements(a.store, usageWarnRatio, a.Logger)

	a.Health = license.NewHealthCheck(a.Gateway, 2*time.Second)
	if pg, ok := a.store.(*license.PGStore); ok {
		a.Health.AddPinger("postgres", pg)
	}
	if a.redis != nil {
		client := a.redis
		a.Health.AddPinger("redis", license.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}

	if cfg.Audit.StreamEnabled {
		hubMetrics, err := ws.NewOTelMetrics(a.OTelProviders.Meter)
		if err != nil {
			return fmt.Errorf("failed to create websocket metrics: %w", err)
		}
		a.Hub = ws.NewHub(a.Logger, hubMetrics)
	}

	sinks := []attack.Sink{audit.NewLogSink(a.Logger)}
	if len(cfg.Audit.KafkaBrokers) > 0 {
		a.kafka = audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic, AppName, a.Logger)
		sinks = append(sinks, a.kafka)
	}
	if a.Hub != nil {
		sinks = append(sinks, audit.NewHubSink(a.Hub))
	}

	attackMetrics, err := attack.NewMetrics(a.OTelProviders.Registry)
	if err != nil {
		return fmt.Errorf("failed to register attack metrics: %w", err)
	}
	a.Engine = attack.NewEngineFromConfig(cfg.Attack, audit.NewFanoutSink(sinks...), attackMetrics, a.Logger)
	return nil
}

// setupRouter assembles the middleware chain and mounts every handler.
// Order: RequestID, RealIP, OTel, Logger, Recoverer, then the guards.
func (a *Application) setupRouter() error {
	cfg := a.Config
	logger := a.Logger
	errHandler := apierrors.NewErrorHandler(logger, cfg.Logging.Level == "debug")
	validation := middleware.NewValidationMiddleware(logger, errHandler)

	authenticator, err := handlers.NewStaticAuthenticator(cfg.Security.LoginUsers)
	if err != nil {
		return err
	}

	observer := middleware.NewLoginObserver(a.Engine, cfg.Security.SessionHeader, logger)
	licenseValidator := middleware.NewLicenseValidatorFromConfig(cfg.License, a.Gateway, a.Entitlements, a.store, errHandler, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	otelMiddleware, err := middleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
	} else {
		r.Use(otelMiddleware.Handler)
	}

	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders)
	if cfg.Security.RateLimit.Enabled {
		r.Use(middleware.NewRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, logger).Handler)
	}
	r.Use(middleware.NewTenantResolver(cfg.Tenant, logger).Handler)
	if cfg.License.Enabled {
		r.Use(licenseValidator.Handler)
	}
	r.Use(observer.TrackSessions)

	r.NotFound(errHandler.NotFound)
	r.MethodNotAllowed(errHandler.MethodNotAllowed)

	health := handlers.NewHealthHandler(a.Health, handlers.BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	}, logger)
	r.Get("/api/health", health.HealthCheck)
	r.Get("/api/health/ready", health.ReadinessCheck)
	r.Get("/api/version", health.Version)

	auth := handlers.NewAuthHandler(authenticator, observer, licenseValidator, validation, errHandler, logger)
	r.Mount("/api", auth.Routes())

	var stream handlers.StreamStats
	if a.Hub != nil {
		stream = a.Hub
	}
	security := handlers.NewSecurityHandler(a.Engine, stream, validation, errHandler, logger)
	licenseAdmin := handlers.NewLicenseAdminHandler(a.Gateway, errHandler, logger)

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(logger, errHandler, cfg.Security.AdminAPIKeys))
		r.Use(middleware.AuditLog(logger))

		if a.Hub != nil {
			r.Handle("/security/stream", ws.NewStreamHandler(a.Hub, logger))
		}
		r.Mount("/security", security.Routes())
		r.Mount("/license", licenseAdmin.Routes())
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
	return nil
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start binds the listener, starts background workers bound to ctx and
// serves in the background
func (a *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancelRun = cancel

	if a.Hub != nil {
		a.Hub.Start()
	}
	a.Gateway.StartSweeper(runCtx)
	a.Engine.StartSweeper(runCtx, a.Config.Attack.SweepInterval)
	a.Engine.StartDispatcher(runCtx)
	go a.runtimeMetrics.Run(runCtx)

	go func() {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			a.serveErr <- err
		}
	}()

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", ln.Addr().String()),
		slog.String("machine_id", a.Gateway.MachineID()))
	return nil
}

// Addr returns the bound listener address, empty before Start
func (a *Application) Addr() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop drains in-flight requests, then stops workers and closes stores
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}

	if a.cancelRun != nil {
		a.cancelRun()
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}
	a.closeStores()

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

func (a *Application) closeStores() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.Logger.Error("Error closing Kafka writer", slog.String("error", err.Error()))
		}
		a.kafka = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Error("Error closing Redis client", slog.String("error", err.Error()))
		}
		a.redis = nil
	}
	if a.pgPool != nil {
		a.pgPool.Close()
		a.pgPool = nil
	}
}

// Run serves until ctx ends, SIGINT or SIGTERM arrives, or the server fails
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("Received shutdown signal")
	case serveErr = <-a.serveErr:
	}

	return errors.Join(serveErr, a.Stop(context.Background()))
}
