package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"grading-queue/internal/config"
	"grading-queue/internal/queue"
	"grading-queue/internal/telemetry"
)

// app holds what every subcommand needs.
type app struct {
	cfg    config.Config
	client *redis.Client
	queue  *queue.RedisQueue
	logger *slog.Logger
}

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.Env, cfg.LogLevel)
	client := redis.NewClient(cfg.RedisOptions())
	defer client.Close()

	a := &app{
		cfg:    cfg,
		client: client,
		queue:  queue.NewRedisQueue(client, queue.OptionsFromConfig(cfg)),
		logger: logger,
	}
	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "Inspect and operate the grading queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		StatusCmd(a),
		PreviewCmd(a),
		CleanupCmd(a),
		PauseCmd(a),
		ResumeCmd(a),
		DlqCmd(a),
		BreakerCmd(a),
	)
	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.Error("queuectl failed", "error", err)
		os.Exit(1)
	}
}
