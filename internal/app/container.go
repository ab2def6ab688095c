// Package app wires the shared clients and pipeline components together.
// Everything is built once per process and passed down explicitly.
package app

import (
	"crypto/tls"
	"fmt"
	"net/http"

	"commerce-pipeline/internal/api"
	"commerce-pipeline/internal/cache"
	"commerce-pipeline/internal/config"
	"commerce-pipeline/internal/ingest"
	"commerce-pipeline/internal/metrics"
	"commerce-pipeline/internal/query"
	"commerce-pipeline/internal/store"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const metricsNamespace = "commerce_pipeline"

// Container holds the process-wide clients and the components built on
// them.
type Container struct {
	Config *config.Config
	Logger *zap.Logger

	Redis *redis.Client
	Store *store.GuardedStore

	Schema      *store.SchemaManager
	CacheWriter *cache.Writer
	CacheReader *cache.Reader
	Coordinator *ingest.Coordinator
	Ingest      *ingest.Server
	Gateway     *query.Gateway
	Metrics     *metrics.Collector
	Router      http.Handler

	shutdownFunctions []func() error
}

// NewContainer builds every component from cfg. No connection is opened
// here; clients dial on first use.
func NewContainer(cfg *config.Config) (*Container, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	c := &Container{Config: cfg, Logger: logger}
	c.Metrics = metrics.NewCollector(metricsNamespace)

	c.Redis = NewRedisClient(cfg)
	c.addShutdownFunction(c.Redis.Close)

	docs, err := NewDocumentStore(cfg, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Store = store.Guarded(docs, store.BreakerConfig{
		Failures: cfg.BreakerFailures,
		Timeout:  cfg.BreakerTimeout,
		Observe:  c.Metrics.ObserveStoreOp,
	}, logger)
	c.addShutdownFunction(c.Store.Close)

	c.Schema = store.NewSchemaManager(c.Store, logger)
	c.CacheWriter = cache.NewWriter(c.Redis, cache.WithWriterLogger(logger))
	c.CacheReader = cache.NewReader(c.Redis)
	c.Coordinator = ingest.NewCoordinator(c.CacheWriter, c.Schema, c.Store,
		ingest.WithWorkers(cfg.IngestWorkers),
		ingest.WithLogger(logger),
		ingest.WithMetrics(c.Metrics),
	)
	c.Ingest = ingest.NewServer(c.Coordinator, logger)
	c.Gateway = query.NewGateway(c.CacheReader, c.Store,
		query.WithLogger(logger),
		query.WithMetrics(c.Metrics),
	)
	c.Router = api.NewRouter(c.Gateway, logger,
		api.WithIngest(c.Ingest),
		api.WithPrometheus(c.Metrics.Handler(), c.Metrics),
	).Setup()

	logger.Info("container initialized",
		zap.String("environment", cfg.Environment),
		zap.String("search_backend", docs.Name()),
		zap.String("redis", cfg.RedisAddr),
	)
	return c, nil
}

// NewLogger returns a production logger in production and a development
// logger otherwise, both at cfg.LogLevel.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}

// NewRedisClient creates the shared Redis client.
func NewRedisClient(cfg *config.Config) *redis.Client {
	opts := &redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.RedisTimeout,
		ReadTimeout:  cfg.RedisTimeout,
		WriteTimeout: cfg.RedisTimeout,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

// NewDocumentStore creates the backend named by cfg.SearchBackend.
func NewDocumentStore(cfg *config.Config, logger *zap.Logger) (store.DocumentStore, error) {
	switch cfg.SearchBackend {
	case config.BackendOpenSearch:
		s, err := store.NewOpenSearchStore(store.OpenSearchConfig{
			Endpoint:   cfg.OpenSearchEndpoint,
			Username:   cfg.OpenSearchUsername,
			Password:   cfg.OpenSearchPassword,
			Timeout:    cfg.SearchTimeout,
			MaxRetries: cfg.SearchMaxRetries,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create opensearch store: %w", err)
		}
		return s, nil
	case config.BackendMeiliSearch:
		return store.NewMeiliStore(store.MeiliConfig{
			URL:     cfg.MeiliURL,
			APIKey:  cfg.MeiliKey,
			Timeout: cfg.SearchTimeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown search backend %q", cfg.SearchBackend)
	}
}

func (c *Container) addShutdownFunction(fn func() error) {
	c.shutdownFunctions = append(c.shutdownFunctions, fn)
}

// Close releases the clients in reverse order of creation.
func (c *Container) Close() error {
	var errs int
	for i := len(c.shutdownFunctions) - 1; i >= 0; i-- {
		if err := c.shutdownFunctions[i](); err != nil {
			errs++
			c.Logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	c.shutdownFunctions = nil
	_ = c.Logger.Sync()
	if errs > 0 {
		return fmt.Errorf("shutdown completed with %d errors", errs)
	}
	return nil
}
