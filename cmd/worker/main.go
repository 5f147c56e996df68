package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/app"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/config"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/logging"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/queue"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/sweeper"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", false)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("service", "worker").Logger()

	infra, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open infrastructure")
	}
	defer infra.Close()

	sweeper.New(sweeper.Config{
		Chunks:     infra.Chunks,
		Registry:   infra.Registry,
		StagingDir: cfg.Storage.StagingDir,
		MaxAge:     cfg.Upload.TaskTTL,
		Interval:   cfg.Worker.SweepInterval,
		Logger:     log.With().Str("component", "sweeper").Logger(),
		Metrics:    infra.Metrics,
	}).Start(ctx)

	policy := app.RetryPolicy(cfg.Worker)
	server := asynq.NewServer(app.RedisOpt(cfg.Redis), asynq.Config{
		Concurrency:    cfg.Worker.Concurrency,
		Queues:         map[string]int{queue.DeletionQueue: 1},
		RetryDelayFunc: policy.RetryDelayFunc(),
		Logger:         logging.Asynq(log),
	})
	processor := worker.NewProcessor(worker.Config{
		Meta:     infra.Meta,
		Contents: infra.Contents,
		Locker:   infra.Locker,
		LockTTL:  cfg.Upload.CompleteLockTTL,
		LockWait: cfg.Upload.LockWait,
		Logger:   log,
		Metrics:  infra.Metrics,
	})
	mux := processor.Handler()

	if addr := cfg.Worker.MetricsAddress; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
		defer metricsSrv.Close()
	}

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.Info().Int("concurrency", cfg.Worker.Concurrency).Int("attempts", policy.Attempts).Msg("deletion worker starting")
	if err := server.Run(mux); err != nil {
		log.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
}
