package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"forcesync/internal/config"
	"forcesync/internal/logger"
	"forcesync/internal/orchestrator"
	"forcesync/internal/telemetry"
	"forcesync/internal/worker"
)

func main() {
	cfg, err := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	log := logger.Component("worker")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.QueueBackend == "memory" {
		log.Fatal().Msg("QUEUE_BACKEND=memory cannot be shared with a separate worker; use redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	rt, err := orchestrator.Bootstrap(ctx, cfg, "worker-"+workerID)
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap")
	}
	defer rt.Close()
	rt.StartJanitor(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("worker_id", workerID).
		Int("loops", cfg.WorkerCount).
		Dur("visibility", cfg.VisibilityTimeout).
		Msg("worker starting")
	if err := worker.NewProcessorWithID(cfg, rt.Queue, rt, workerID).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}
}
