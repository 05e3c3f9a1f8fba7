package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "grading-queue/internal/api"
	"grading-queue/internal/breaker"
	"grading-queue/internal/config"
	"grading-queue/internal/inspector"
	"grading-queue/internal/notify"
	"grading-queue/internal/progress"
	"grading-queue/internal/queue"
	"grading-queue/internal/ratelimit"
	"grading-queue/internal/store"
	"grading-queue/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	client := redis.NewClient(cfg.RedisOptions())
	defer client.Close()

	q := queue.NewRedisQueue(client, queue.OptionsFromConfig(cfg))

	breakers := breaker.NewRegistry(breaker.OptionsFromConfig(cfg), breaker.BackendFromConfig(cfg, client), logger)
	breakers.Get(cfg.GateKey)

	hub := notify.NewHub(logger)
	go hub.Run(ctx)
	relay := notify.NewRelay(client, hub, logger)
	go func() {
		if err := relay.Run(ctx, nil); err != nil {
			logger.Error("relay stopped", "error", err)
		}
	}()

	server := api.New(cfg, api.Deps{
		Queue:         q,
		Store:         st,
		Progress:      progress.NewStore(client, cfg.ProgressTTL),
		Uploads:       progress.NewUploads(client, cfg.ProgressTTL, logger),
		Limiter:       ratelimit.NewTokenBucket(client, cfg.SubmitRateCapacity, cfg.SubmitRateRefill, time.Hour),
		Inspector:     inspector.New(q, st, logger),
		Breakers:      breakers,
		Hub:           hub,
		Publisher:     notify.NewPublisher(client),
		StreamLimiter: api.NewStreamLimiter(ctx, cfg.StreamRatePerSec),
		Logger:        logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "queue", q.Name(), "store", cfg.StoreDriver)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
}
