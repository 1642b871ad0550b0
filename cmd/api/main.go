package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forcesync/internal/api"
	"forcesync/internal/config"
	"forcesync/internal/logger"
	"forcesync/internal/orchestrator"
	"forcesync/internal/ratelimit"
	"forcesync/internal/worker"
)

func main() {
	cfg, err := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	log := logger.Component("api")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := orchestrator.Bootstrap(ctx, cfg, origin("api"))
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap")
	}
	defer rt.Close()

	if res := rt.CheckIdentity(); !res.Valid {
		log.Error().Strs("errors", res.Errors).Msg("external identity configuration invalid; triggers will be rejected")
	} else if len(res.Warnings) > 0 {
		log.Warn().Strs("warnings", res.Warnings).Bool("strict", res.Strict).Msg("external identity configuration")
	}

	var limiter ratelimit.Limiter
	if rt.Redis != nil {
		limiter = ratelimit.NewTokenBucket(rt.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	} else {
		local := ratelimit.NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill)
		limiter = local
		go func() {
			t := time.NewTicker(10 * time.Minute)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					local.Cleanup()
				}
			}
		}()
	}

	rt.StartJanitor(ctx)

	// A memory queue is only visible to this process, so it drains it too.
	workerDone := make(chan struct{})
	if cfg.QueueBackend == "memory" {
		go func() {
			defer close(workerDone)
			_ = worker.NewProcessorWithID(cfg, rt.Queue, rt, origin("api-worker")).Run(ctx)
		}()
	} else {
		close(workerDone)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(cfg, rt, limiter).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	<-workerDone
}

func origin(role string) string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return role + "-" + id
	}
	if host, _ := os.Hostname(); host != "" {
		return role + "-" + host
	}
	return fmt.Sprintf("%s-%d", role, os.Getpid())
}
