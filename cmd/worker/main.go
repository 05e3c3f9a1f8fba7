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

	"grading-queue/internal/archive"
	"grading-queue/internal/breaker"
	"grading-queue/internal/config"
	"grading-queue/internal/grading"
	"grading-queue/internal/notify"
	"grading-queue/internal/progress"
	"grading-queue/internal/queue"
	"grading-queue/internal/ratelimit"
	"grading-queue/internal/store"
	"grading-queue/internal/telemetry"
	workerproc "grading-queue/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	client := redis.NewClient(cfg.RedisOptions())
	defer client.Close()

	arch, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Error("init archive", "error", err)
		os.Exit(1)
	}

	bopts := breaker.OptionsFromConfig(cfg)
	bopts.IsFailure = grading.CountsAgainstGrader

	processor := workerproc.NewProcessor(cfg, workerproc.Deps{
		Queue:     queue.NewRedisQueue(client, queue.OptionsFromConfig(cfg)),
		Store:     st,
		Gate:      ratelimit.NewGate(client, cfg.GateQuota, cfg.GateWindow),
		Breaker:   breaker.New(cfg.GateKey, bopts, breaker.BackendFromConfig(cfg, client), logger),
		Grader:    grading.NewHTTPClient(cfg),
		Progress:  progress.NewStore(client, cfg.ProgressTTL),
		Publisher: notify.NewPublisher(client),
		Archiver:  arch,
		Logger:    logger,
	})

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker starting",
		"worker_id", processor.ID(),
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
		"archive", arch != nil,
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
}
