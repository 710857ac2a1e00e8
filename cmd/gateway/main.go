package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/provider-gateway/config"
	"github.com/vnmchuo/provider-gateway/internal/auth"
	"github.com/vnmchuo/provider-gateway/internal/billing"
	"github.com/vnmchuo/provider-gateway/internal/cache"
	"github.com/vnmchuo/provider-gateway/internal/clock"
	"github.com/vnmchuo/provider-gateway/internal/costguard"
	"github.com/vnmchuo/provider-gateway/internal/gateway"
	"github.com/vnmchuo/provider-gateway/internal/logging"
	"github.com/vnmchuo/provider-gateway/internal/provider"
	"github.com/vnmchuo/provider-gateway/internal/provider/geocode"
	"github.com/vnmchuo/provider-gateway/internal/provider/geotab"
	"github.com/vnmchuo/provider-gateway/internal/provider/openai"
	"github.com/vnmchuo/provider-gateway/internal/provider/openweather"
	"github.com/vnmchuo/provider-gateway/internal/proxy"
	"github.com/vnmchuo/provider-gateway/internal/registry"
	"github.com/vnmchuo/provider-gateway/internal/routing"
	"github.com/vnmchuo/provider-gateway/internal/scheduler"
	"github.com/vnmchuo/provider-gateway/internal/seeder"
	"github.com/vnmchuo/provider-gateway/internal/storage/sqlite"
	"github.com/vnmchuo/provider-gateway/internal/telemetry"
	"github.com/vnmchuo/provider-gateway/internal/usage"
	"github.com/vnmchuo/provider-gateway/pkg/ratelimit"
)

const serviceName = "provider-gateway"

// stores groups the persistence backends of every component.
type stores struct {
	registry  registry.Store
	usage     usage.Store
	routing   routing.Store
	costguard costguard.Store
	billing   billing.Store
	auth      auth.Store
	close     func()
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		logger.Info("PostgreSQL connected")
		return &stores{
			registry:  registry.NewPostgresStore(pool),
			usage:     usage.NewPostgresStore(pool),
			routing:   routing.NewPostgresStore(pool),
			costguard: costguard.NewPostgresStore(pool),
			billing:   billing.NewPostgresStore(pool),
			auth:      auth.NewPostgresStore(pool),
			close:     pool.Close,
		}, nil
	default:
		db, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		logger.Info("SQLite opened", zap.String("path", cfg.SQLitePath))
		return &stores{
			registry:  db,
			usage:     db,
			routing:   db,
			costguard: db,
			billing:   db,
			auth:      db,
			close:     func() { _ = db.Close() },
		}, nil
	}
}

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer(serviceName)

	// 3. Storage
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	// 4. Optional Redis for the response cache, key lookups and rate limiting
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		logger.Info("Redis connected", zap.String("addr", cfg.RedisAddr))
	}

	// 5. Provider catalog
	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}

	clk := clock.Real()
	reg := registry.New(st.registry, cfg.TrialCostCeiling, logger.Named("registry"))
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}
	tracker := usage.NewTracker(st.usage, clk, cfg.Location, logger.Named("usage"))
	if err := seeder.SyncCatalog(ctx, reg, tracker, catalog.Configs(), logger); err != nil {
		return err
	}
	if err := tracker.Load(ctx); err != nil {
		return fmt.Errorf("failed to load usage: %w", err)
	}
	defer tracker.Flush()

	pool := provider.NewPool(map[string]provider.Factory{
		"geocode":     geocode.New,
		"openweather": openweather.New,
		"geotab":      geotab.New,
		"openai":      openai.New,
	})

	// 6. Cost monitor and routing engine
	monitor := costguard.New(st.costguard, st.billing, costguard.Options{
		Threshold:  cfg.CostBreachRatio,
		WindowDays: cfg.CostWindowDays,
		Clock:      clk,
		Location:   cfg.Location,
		Logger:     logger.Named("costguard"),
	})
	if err := monitor.Load(ctx); err != nil {
		return fmt.Errorf("failed to load cost history: %w", err)
	}

	engine := routing.NewEngine(reg, tracker, pool, monitor, st.billing, st.routing, routing.Options{
		Policy: routing.Policy{
			Threshold: cfg.FailureThreshold,
			Window:    cfg.FailureWindow,
			Cooldown:  cfg.Cooldown,
		},
		Clock:  clk,
		Logger: logger.Named("routing"),
		Tracer: tracer,
	})
	if err := engine.Load(ctx); err != nil {
		return fmt.Errorf("failed to load failure states: %w", err)
	}
	defer engine.Flush()

	// 7. Response cache
	var cacheStore cache.Store = cache.NewMemoryStore(clk)
	if cfg.CacheBackend == config.CacheBackendRedis {
		cacheStore = cache.NewRedisStore(rdb)
	}
	ttls := cache.DefaultTTLs()
	for c, d := range catalog.CacheTTLs() {
		ttls[c] = d
	}
	gw := gateway.New(cache.New(cacheStore, ttls, logger.Named("cache")), engine, tracker, gateway.Options{
		Logger: logger.Named("gateway"),
		Tracer: tracer,
	})

	// 8. Background jobs
	sched, err := scheduler.New(tracker, engine, monitor, scheduler.Options{
		SnapshotSpec: cfg.SnapshotSchedule,
		Location:     cfg.Location,
		Clock:        clk,
		Logger:       logger.Named("scheduler"),
	})
	if err != nil {
		return err
	}
	sched.RunOnce()
	sched.Start()
	defer sched.Stop()

	// 9. Seed test API keys if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKeys(ctx, st.auth, logger)
	}

	// 10. HTTP surface
	var limiter *ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)
	}
	handler := proxy.NewHandler(proxy.Deps{
		Gateway:  gw,
		Registry: reg,
		Usage:    tracker,
		Monitor:  monitor,
		Ledger:   st.billing,
		Limiter:  limiter,
		Tracer:   tracer,
		Logger:   logger.Named("http"),
		Clock:    clk,
		Location: cfg.Location,
	})
	authMiddleware := auth.NewMiddleware(st.auth, rdb, logger.Named("auth"))

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      proxy.NewRouter(handler, authMiddleware),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("provider gateway starting",
			zap.String("port", cfg.Port),
			zap.String("storage", cfg.StorageDriver),
			zap.String("cache", cfg.CacheBackend),
			zap.Int("providers", len(catalog.Providers)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
