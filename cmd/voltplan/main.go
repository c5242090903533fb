// Package main is the entry point for the voltplan server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/internal/capability"
	"github.com/pitabwire/voltplan/internal/catalog"
	"github.com/pitabwire/voltplan/internal/catalogsource"
	"github.com/pitabwire/voltplan/internal/config"
	"github.com/pitabwire/voltplan/internal/engine"
	"github.com/pitabwire/voltplan/internal/events"
	"github.com/pitabwire/voltplan/internal/fieldstore"
	"github.com/pitabwire/voltplan/internal/observability"
	"github.com/pitabwire/voltplan/internal/stringing"
	"github.com/pitabwire/voltplan/internal/transport"
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

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry.
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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, observability.ServiceName, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(promReg)

	// Step 4: Build catalog sources and load the first snapshot.
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	sources := []catalog.Source{catalog.DirSource{Loader: catalog.NewLoader(), Directories: cfg.Catalog.Directories}}
	remote, redisClient, err := buildCatalogSource(ctx, cfg.CatalogSource, metrics, logger)
	if err != nil {
		logger.Error("catalog source initialization failed", zap.Error(err))
		return 1
	}
	if redisClient != nil {
		closers = append(closers, func() { _ = redisClient.Close() })
	}
	if remote != nil {
		sources = append(sources, remote)
	}

	registry := catalog.NewRegistry(nil)
	reloader := catalog.NewReloader(registry, catalog.NewValidator(), sources,
		catalog.WithReloadLogger(logger),
		catalog.OnReload(func(ix *catalog.Index) {
			metrics.SetCatalogEntriesLoaded(float64(ix.Len()))
		}),
	)
	catalogReloader := reloadRecorder{reloader: reloader, metrics: metrics}
	if _, err := catalogReloader.Reload(ctx); err != nil {
		logger.Error("catalog loading failed", zap.Error(err))
		return 1
	}

	// Step 5: Initialize capability resolver.
	policy, err := capability.NewStaticPolicy(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy initialization failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(policy, cfg.Capability.Cache.TTL)

	// Step 6: Initialize field store and event publisher.
	store, storeCloser, err := buildFieldStore(ctx, cfg.FieldStore, logger)
	if err != nil {
		logger.Error("field store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		closers = append(closers, storeCloser)
	}

	publisher, err := buildPublisher(cfg.Events, logger)
	if err != nil {
		logger.Error("event publisher initialization failed", zap.Error(err))
		return 1
	}
	closers = append(closers, func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("event publisher close failed", zap.Error(err))
		}
	})

	// Step 7: Build the engine.
	eng := engine.New(registry, store,
		engine.WithPublisher(publisher),
		engine.WithRecorder(metrics),
		engine.WithLogger(logger),
		engine.WithModelCeilings(cfg.Sizing.ModelCeilings),
		engine.WithBranchCircuitAmps(cfg.Stringing.BranchCircuitAmps),
		engine.WithStringingLimits(stringing.Limits{
			ColdDesignTempC:     cfg.Stringing.ColdDesignTempC,
			DefaultTempCoeffVoc: cfg.Stringing.DefaultTempCoeffVoc,
		}, cfg.Stringing.DefaultMaxPanelsPerString),
	)

	// Step 8: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		CatalogLoaded: registry.Loaded,
		FieldStore:    observability.HealthCheckFunc(store.Ping),
	}
	if cfg.Events.Enabled {
		readiness.Events = publisher
	}
	if remote != nil {
		readiness.CatalogSource = remote
	}

	deps := transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Engine:             eng,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Reloader:           catalogReloader,
		Gatherer:           promReg,
		Readiness:          readiness,
	}
	if remote != nil {
		deps.Flusher = remote
	}
	if cfg.Observability.Metrics.Enabled {
		deps.Metrics = metrics
	}
	router := transport.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Catalog.HotReload {
		go runCatalogReloader(bgCtx, catalogReloader, cfg.Catalog.ReloadInterval, logger)
	}
	go watchPolicyReload(bgCtx, capResolver, logger)

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("catalog_entries", registry.Current().Len()),
		zap.String("field_store", cfg.FieldStore.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// reloadRecorder records the outcome of every catalog reload.
type reloadRecorder struct {
	reloader *catalog.Reloader
	metrics  *observability.Metrics
}

func (r reloadRecorder) Reload(ctx context.Context) (bool, error) {
	changed, err := r.reloader.Reload(ctx)
	r.metrics.RecordCatalogReload(reloadStatus(changed, err))
	return changed, err
}

func reloadStatus(changed bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case changed:
		return "success"
	default:
		return "unchanged"
	}
}

// buildCatalogSource creates the remote equipment-catalog client when it
// is enabled. A Redis address turns on the shared cache and snapshot lock.
func buildCatalogSource(ctx context.Context, cfg config.CatalogSourceConfig, metrics *observability.Metrics, logger *zap.Logger) (*catalogsource.Client, *redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	ops, err := catalogsource.LoadOperations(cfg.SpecFile, cfg.BaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog source: %w", err)
	}

	opts := []catalogsource.Option{
		catalogsource.WithRecorder(metrics),
		catalogsource.WithLogger(logger),
	}

	var rdb *redis.Client
	if addr := os.Getenv(cfg.Redis.AddrEnv); cfg.Redis.AddrEnv != "" && addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("catalog source: redis ping: %w", err)
		}
		opts = append(opts,
			catalogsource.WithSharedCache(catalogsource.NewRedisCache(rdb, cfg.Redis.Prefix)),
			catalogsource.WithSnapshotLock(redislock.New(rdb), cfg.Timeout),
		)
		logger.Info("catalog source shared cache enabled", zap.Int("db", cfg.Redis.DB))
	}

	logger.Info("catalog source enabled",
		zap.String("service_id", cfg.ServiceID),
		zap.Int("operations", ops.Len()),
		zap.Strings("types", cfg.Types),
	)
	return catalogsource.New(cfg, ops, opts...), rdb, nil
}

// buildFieldStore creates the field store based on config.
func buildFieldStore(ctx context.Context, cfg config.FieldStoreConfig, logger *zap.Logger) (fieldstore.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory field store")
		return fieldstore.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("field store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("field store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("field store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("field store: ping: %w", err)
		}

		store := fieldstore.NewPgStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("field store: migrate: %w", err)
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported field store driver: %q", cfg.Driver)
	}
}

// buildPublisher connects to NATS when events are enabled.
func buildPublisher(cfg config.EventsConfig, logger *zap.Logger) (events.Publisher, error) {
	if !cfg.Enabled {
		return events.Nop{}, nil
	}
	url := os.Getenv(cfg.URLEnv)
	if url == "" {
		return nil, fmt.Errorf("events: %s environment variable not set", cfg.URLEnv)
	}
	return events.NewNATSPublisher(events.NATSConfig{
		URL:            url,
		Name:           "voltplan",
		SubjectPrefix:  cfg.SubjectPrefix,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}, logger)
}

// runCatalogReloader periodically rebuilds the catalog snapshot.
func runCatalogReloader(ctx context.Context, reloader transport.CatalogReloader, interval time.Duration, logger *zap.Logger) {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := reloader.Reload(ctx); err != nil {
				logger.Error("catalog reload failed", zap.Error(err))
			}
		}
	}
}

// watchPolicyReload re-reads the capability policy on SIGHUP.
func watchPolicyReload(ctx context.Context, resolver *capability.Resolver, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := resolver.Reload(); err != nil {
				logger.Error("capability policy reload failed, keeping previous policy", zap.Error(err))
				continue
			}
			logger.Info("capability policy reloaded")
		}
	}
}
