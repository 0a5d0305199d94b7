// Command worker delivers the webhook tasks ledgerd enqueues when
// events.queue_webhooks is set. It reads the same ledgerd.yaml so the
// Redis address and webhook secret stay in one place.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jmerrifield20/deesec/internal/config"
	"github.com/jmerrifield20/deesec/internal/events"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to ledgerd.yaml")
	concurrency := flag.Int("concurrency", 5, "parallel deliveries")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg.Events, *concurrency, logger); err != nil {
		logger.Fatal("worker exited with error", zap.Error(err))
	}
}

func run(cfg config.EventsConfig, concurrency int, logger *zap.Logger) error {
	if cfg.RedisAddr == "" {
		return errors.New("events.redis_addr is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{events.QueueWebhooks: 1},
		Logger:      logger.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, t *asynq.Task, err error) {
			logger.Warn("webhook delivery failed", zap.String("type", t.Type()), zap.Error(err))
		}),
	})

	mux := asynq.NewServeMux()
	mux.Handle(events.TaskTypeDeliverWebhook, events.WebhookTaskHandler(cfg.WebhookSecret, nil))

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	logger.Info("worker started",
		zap.String("redis", cfg.RedisAddr),
		zap.String("queue", events.QueueWebhooks),
	)

	<-ctx.Done()
	logger.Info("shutting down worker...")
	srv.Shutdown()
	logger.Info("worker stopped")
	return nil
}
