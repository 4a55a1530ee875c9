// Package main is the entry point for the procura API server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/procura/internal/audit"
	"github.com/pitabwire/procura/internal/config"
	"github.com/pitabwire/procura/internal/definition"
	"github.com/pitabwire/procura/internal/idempotency"
	"github.com/pitabwire/procura/internal/membership"
	"github.com/pitabwire/procura/internal/notify"
	"github.com/pitabwire/procura/internal/observability"
	"github.com/pitabwire/procura/internal/openapi"
	"github.com/pitabwire/procura/internal/procurement"
	"github.com/pitabwire/procura/internal/resource"
	"github.com/pitabwire/procura/internal/storage"
	"github.com/pitabwire/procura/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// stores groups the persistence backends selected by database.driver.
type stores struct {
	pool        *pgxpool.Pool
	requests    procurement.Store
	members     membership.Store
	resources   resource.Store
	audit       audit.Store
	deliveries  notify.DeliveryStore
	description string
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "procura", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Resource definitions.
	defs, err := definition.NewLoader().LoadAll(cfg.Resources.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		logger.Error("definition validation failed", zap.Int("errors", len(verrs)))
		return 1
	}
	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	st, err := openStores(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	readiness := map[string]observability.HealthChecker{}
	if st.pool != nil {
		readiness["database"] = storage.PoolChecker{Pool: st.pool}
	}

	var rdb *redis.Client
	if cfg.Membership.Cache.Driver == "redis" || (cfg.Idempotency.Enabled && cfg.Idempotency.Store.Driver == "redis") {
		rdb, err = openRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Error("redis initialization failed", zap.Error(err))
			return 1
		}
		defer rdb.Close()
		readiness["redis"] = idempotency.RedisChecker{Client: rdb}
	}

	// Membership lookups.
	var cache membership.Cache
	switch cfg.Membership.Cache.Driver {
	case "redis":
		cache = membership.NewRedisCache(rdb)
	default:
		cache = membership.NewMemoryCache(cfg.Membership.Cache.MaxEntries)
	}
	members := membership.NewResolver(st.members, cache, cfg.Membership.Cache.TTL, metrics, logger)

	// Event fan-out: NATS and webhooks.
	var publishers []notify.Publisher
	if cfg.Notifications.NATS.Enabled {
		conn, err := notify.ConnectNATS(os.Getenv(cfg.Notifications.NATS.URLEnv), logger)
		if err != nil {
			logger.Error("nats initialization failed", zap.Error(err))
			return 1
		}
		defer conn.Drain()
		publishers = append(publishers, notify.NewNATSPublisher(conn, cfg.Notifications.NATS.SubjectPrefix))
		readiness["nats"] = notify.NATSChecker{Conn: conn}
	}

	var dispatcher *notify.Dispatcher
	if cfg.Notifications.Webhooks.Enabled {
		dispatcher = notify.NewDispatcher(cfg.Notifications.Webhooks,
			resource.NewEndpoints(registry, st.resources), st.deliveries, nil, metrics, logger)
		publishers = append(publishers, dispatcher)
	}
	events := notify.NewMulti(metrics, logger, publishers...)

	// Services.
	auditor := audit.NewRecorder(st.audit, metrics, logger)

	approvalRouter, err := procurement.NewRouter(cfg.Approvals.Rules, members)
	if err != nil {
		logger.Error("approval routing rules invalid", zap.Error(err))
		return 1
	}
	requests := procurement.NewService(st.requests, approvalRouter, members, auditor, events, metrics, logger)
	resources := resource.NewService(registry, st.resources, auditor, events, metrics, logger, cfg.Resources.MaxPageSize)

	// HTTP.
	errs := transport.NewErrors(logger)
	deps := transport.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		Errors:      errs,
		Keys:        transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger),
		Members:     members,
		Procurement: requests,
		Resources:   resources,
		Audit:       auditor,

		HealthHandler: observability.HandleHealth(),
		ReadyHandler: observability.HandleReady(observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return registry.Len() > 0 },
			Dependencies:      readiness,
		}),
		MetricsHandler: observability.Handler(),
		OpenAPIHandler: openapi.NewHandler(registry, version, logger),
	}
	if cfg.Idempotency.Enabled {
		var idem idempotency.Store = idempotency.NewMemoryStore()
		if cfg.Idempotency.Store.Driver == "redis" {
			idem = idempotency.NewRedisStore(rdb)
		}
		deps.Idempotency = idempotency.NewMiddleware(idem, cfg.Idempotency.Store.DefaultTTL, errs.Write, metrics, logger).Handler
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           transport.NewRouter(deps),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	if dispatcher != nil {
		dispatcher.Start(bgCtx)
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("database", st.description),
		zap.Int("definitions", registry.Len()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return 1
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests before
	// the webhook queue is closed.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if dispatcher != nil {
		if err := dispatcher.Stop(shutdownCtx); err != nil {
			logger.Warn("webhook dispatcher did not drain", zap.Error(err))
		}
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// openStores creates the stores for the configured database driver.
func openStores(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (stores, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory stores; data is lost on restart")
		return stores{
			requests:    procurement.NewMemoryStore(),
			members:     membership.NewMemoryStore(),
			resources:   resource.NewMemoryStore(),
			audit:       audit.NewMemoryStore(),
			deliveries:  notify.NewMemoryDeliveryStore(),
			description: "memory",
		}, nil
	case "postgres", "":
		pool, err := storage.Open(ctx, cfg)
		if err != nil {
			return stores{}, err
		}
		if cfg.Migrate {
			if err := storage.Migrate(ctx, pool, logger); err != nil {
				pool.Close()
				return stores{}, fmt.Errorf("migrate: %w", err)
			}
		}
		return stores{
			pool:        pool,
			requests:    procurement.NewPgStore(pool),
			members:     membership.NewPgStore(pool),
			resources:   resource.NewPgStore(pool),
			audit:       audit.NewPgStore(pool),
			deliveries:  notify.NewPgDeliveryStore(pool),
			description: "postgres",
		}, nil
	default:
		return stores{}, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

// openRedis connects the shared redis client and verifies it with a ping.
func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", cfg.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}
