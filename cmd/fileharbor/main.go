package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/fileharbor/fileharbor/pkg/config"
	"github.com/fileharbor/fileharbor/pkg/database"
	"github.com/fileharbor/fileharbor/pkg/observability"
	"github.com/fileharbor/fileharbor/pkg/permissions"
	permcache "github.com/fileharbor/fileharbor/pkg/permissions/cache"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "fileharbor")

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	dbCfg := database.DefaultConfig()
	dbCfg.PrimaryURL = cfg.Database.PrimaryURL
	dbCfg.ReplicaURLs = cfg.Database.ReplicaURLs
	dbCfg.MaxConns = cfg.Database.MaxConns
	dbCfg.MinConns = cfg.Database.MinConns
	dbCfg.Timeout = cfg.Database.Timeout
	cm, err := database.NewConnectionManager(dbCfg)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}

	ctx := context.Background()
	if err := permissions.RunMigrations(ctx, cm.Primary()); err != nil {
		logger.WithError(err).Error("failed to run migrations")
		os.Exit(1)
	}

	cache, err := openCache(cfg.Cache)
	if err != nil {
		logger.WithError(err).Error("failed to open permission cache")
		os.Exit(1)
	}

	resolverCfg := permissions.Config{
		CacheTTL:            cfg.Cache.TTL,
		MaxInheritanceDepth: cfg.Resolver.MaxInheritanceDepth,
		WarmupLimit:         cfg.Resolver.WarmupLimit,
		Logger:              logger,
		Metrics:             metrics,
	}
	// Resolution reads from a replica; the invalidation cascade enumerates
	// subtrees on the primary so it never misses rows a replica has not
	// replayed yet.
	resolver := permissions.NewResolver(cm.Reader(), cache, resolverCfg)
	invalidator := permissions.NewInvalidator(cm.Primary(), cache, cfg.Resolver.MaxInheritanceDepth, logger, metrics)
	handlers := permissions.NewHandlersWith(resolver, invalidator, logger)

	router := mux.NewRouter()
	router.Use(permissions.RequestID)
	handlers.RegisterRoutes(router)

	var apiHandler http.Handler = router
	if metrics != nil {
		apiHandler = metrics.InstrumentHandler("api", router)
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      apiHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthServer := newHealthServer(cfg, cm, cache, metrics)

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return cm.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return cache.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})

	if cfg.Cache.SweepInterval != "" {
		sweeper := cron.New()
		_, err := sweeper.AddFunc(cfg.Cache.SweepInterval, func() {
			sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			purged, err := cache.PurgeExpired(sweepCtx)
			if err != nil {
				logger.WithError(err).Warn("cache expiry sweep failed")
				return
			}
			metrics.RecordCachePurge(purged)
			if purged > 0 {
				logger.WithField("purged", purged).Debug("cache expiry sweep")
			}
		})
		if err != nil {
			logger.WithError(err).Error("invalid sweep interval")
			os.Exit(1)
		}
		sweeper.Start()
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			sweeper.Stop()
			return nil
		})
	}

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	go func() {
		logger.WithField("addr", server.Addr).Info("fileharbor permission service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		os.Exit(1)
	}
}

// openCache builds the configured cache backend.
func openCache(cfg config.CacheConfig) (permissions.Cache, error) {
	switch cfg.Backend {
	case config.CacheBackendRedis:
		return permcache.NewRedisCache(cfg.RedisURL)
	case config.CacheBackendBadger:
		return permcache.NewBadgerCache(cfg.BadgerDir)
	default:
		// The LRU's backstop TTL is deliberately coarser than per-entry TTLs.
		return permcache.NewMemoryCache(cfg.MaxEntries, 2*cfg.TTL), nil
	}
}

// newHealthServer serves liveness, readiness and metrics on a separate port
// so probes stay off the API listener.
func newHealthServer(cfg *config.Config, cm *database.ConnectionManager, cache permissions.Cache, metrics *observability.Metrics) *http.Server {
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	healthMux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := cm.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ready",
			"cache_stats": cache.Stats(),
		})
	})
	if metrics != nil {
		healthMux.Handle("/metrics", metrics.Handler())
	}

	return &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
}
