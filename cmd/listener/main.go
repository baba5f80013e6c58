// Package main runs the SoT chain listener: one live Transfer subscription
// feeding the block queue. Run exactly one instance per deployment.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sot-ingest/internal/chain"
	"github.com/sot-ingest/internal/config"
	"github.com/sot-ingest/internal/listener"
	"github.com/sot-ingest/internal/logging"
	"github.com/sot-ingest/internal/queue"
	"github.com/sot-ingest/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateListener(); err != nil {
		logging.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("listener_main")
	logger.Info("SoT chain listener starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(ctx, &cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	client, err := chain.Dial(ctx, &cfg.Chain, true, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to chain")
	}
	defer client.Close()

	l := listener.New(
		client,
		storage.NewCheckpointRepository(postgres),
		queue.NewFromConfig(redis.Client(), &cfg.Queue, logger),
		listener.Config{
			ReconnectAttempts: cfg.Listener.ReconnectAttempts,
			ReconnectDelay:    cfg.Listener.ReconnectDelay,
			EventBuffer:       cfg.Listener.EventBuffer,
			StartBlock:        cfg.Chain.StartBlock,
		},
		logger,
	)

	if err := l.Run(ctx); err != nil {
		if errors.Is(err, listener.ErrReconnectExhausted) {
			logger.WithError(err).Error("Chain listener failed permanently")
		} else {
			logger.WithError(err).Error("Chain listener stopped with error")
		}
		client.Close()
		redis.Close()
		postgres.Close()
		os.Exit(1)
	}

	logger.Info("Chain listener stopped")
}
