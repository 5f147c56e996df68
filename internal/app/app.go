// Package app wires configuration into the shared infrastructure used by the
// API, worker and ops binaries.
package app

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/chunkstore"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/config"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/contentstore"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/database"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/lock"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metrics"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/queue"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/registry"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/repository"
)

// Infra is the set of long-lived clients a binary needs.
type Infra struct {
	Config   *config.Config
	Log      zerolog.Logger
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Meta     *repository.FileRepository
	Registry *registry.RedisRegistry
	Locker   *lock.RedisLocker
	Chunks   *chunkstore.Store
	Contents contentstore.Store
	Metrics  *metrics.Metrics
}

// Open connects to Postgres and Redis, applies migrations and prepares the
// storage directories. Call Close when done.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Infra, error) {
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	infra := &Infra{
		Config:   cfg,
		Log:      log,
		Pool:     pool,
		Redis:    rdb,
		Meta:     repository.NewFileRepository(pool),
		Registry: registry.NewRedisRegistry(rdb, cfg.Redis.Prefix, cfg.Upload.TaskTTL),
		Locker:   lock.NewRedisLocker(rdb, cfg.Redis.Prefix+"lock:"),
		Metrics:  metrics.New(prometheus.DefaultRegisterer),
	}
	if infra.Chunks, err = chunkstore.New(cfg.Storage.ChunkDir); err != nil {
		infra.Close()
		return nil, err
	}
	if infra.Contents, err = OpenContentStore(ctx, cfg.Storage); err != nil {
		infra.Close()
		return nil, err
	}
	log.Info().Str("backend", cfg.Storage.Backend).Str("redis", cfg.Redis.Addr).Msg("infrastructure ready")
	return infra, nil
}

// OpenContentStore builds the configured content backend.
func OpenContentStore(ctx context.Context, cfg config.StorageConfig) (contentstore.Store, error) {
	switch cfg.Backend {
	case config.BackendMinIO:
		store, err := contentstore.NewMinIOStore(contentstore.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			Region:    cfg.MinIO.Region,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendLocal:
		// Promotion is a rename, so ContentDir must be on the same
		// filesystem as StagingDir.
		return contentstore.NewLocalStore(cfg.ContentDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// RedisOpt is the asynq view of the Redis settings.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
}

// RetryPolicy derives the deletion retry policy from config.
func RetryPolicy(cfg config.WorkerConfig) queue.RetryPolicy {
	return queue.RetryPolicy{
		Attempts:  cfg.DeletionAttempts,
		BaseDelay: cfg.BaseBackoff,
		MaxDelay:  cfg.MaxBackoff,
	}
}

// Ready pings Postgres and Redis.
func (i *Infra) Ready(ctx context.Context) error {
	if err := i.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := i.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close releases every client.
func (i *Infra) Close() {
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.Pool != nil {
		i.Pool.Close()
	}
}
