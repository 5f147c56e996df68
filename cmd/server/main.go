// Package main runs the AgroDrop upload API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/api"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/app"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/config"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/dedup"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/logging"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/merge"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/queue"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/upload"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", false)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("service", "api").Logger()

	infra, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open infrastructure")
	}
	defer infra.Close()

	client := asynq.NewClient(app.RedisOpt(cfg.Redis))
	defer client.Close()

	merger, err := merge.New(merge.Config{
		Chunks:     infra.Chunks,
		StagingDir: cfg.Storage.StagingDir,
		BatchSize:  cfg.Upload.MergeBatchSize,
		Logger:     log,
		Metrics:    infra.Metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init merge engine")
	}
	svc, err := upload.NewService(upload.Config{
		MaxFileSize:     cfg.Upload.MaxFileSize,
		MaxChunkSize:    cfg.Upload.MaxChunkSize,
		MaxChunks:       cfg.Upload.MaxChunks,
		StagingDir:      cfg.Storage.StagingDir,
		CompleteLockTTL: cfg.Upload.CompleteLockTTL,
		ChunkLockTTL:    cfg.Upload.ChunkLockTTL,
		LockWait:        cfg.Upload.LockWait,
		CompletionTTL:   cfg.Upload.CompletionTTL,
	}, upload.Deps{
		Registry: infra.Registry,
		Chunks:   infra.Chunks,
		Merger:   merger,
		Resolver: dedup.New(infra.Contents, log),
		Meta:     infra.Meta,
		Queue:    queue.NewAsynqQueue(client, app.RetryPolicy(cfg.Worker)),
		Locker:   infra.Locker,
		Logger:   log,
		Metrics:  infra.Metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init upload service")
	}

	srv := api.New(api.Config{
		Address:     cfg.Address,
		MaxFileSize: cfg.Upload.MaxFileSize,
		Ready:       infra.Ready,
	}, svc, log)
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
