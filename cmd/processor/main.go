// Package main runs the block processor worker pool and the ops API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sot-ingest/internal/api"
	"github.com/sot-ingest/internal/chain"
	"github.com/sot-ingest/internal/config"
	"github.com/sot-ingest/internal/logging"
	"github.com/sot-ingest/internal/metadata"
	"github.com/sot-ingest/internal/processor"
	"github.com/sot-ingest/internal/queue"
	"github.com/sot-ingest/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateProcessor(); err != nil {
		logging.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("processor_main")
	logger.Info("SoT block processor starting")

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

	health := map[string]api.Pinger{"postgres": postgres, "redis": redis}

	var (
		opts  []processor.Option
		audit api.AuditReader
	)
	opts = append(opts, processor.WithLogger(logger))

	// The audit log is optional; the processor runs without ClickHouse
	if cfg.Audit.Enabled {
		clickhouse, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, continuing without ingest audit log")
		} else {
			defer clickhouse.Close()
			repo := storage.NewAuditRepository(clickhouse)
			opts = append(opts, processor.WithAudit(repo))
			audit = repo
			health["clickhouse"] = clickhouse
		}
	}

	logger.Info("Database connections established")

	client, err := chain.Dial(ctx, &cfg.Chain, false, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to chain")
	}
	defer client.Close()

	checkpoints := storage.NewCheckpointRepository(postgres)
	locations := storage.NewLocationRepository(postgres)
	blockQueue := queue.NewFromConfig(redis.Client(), &cfg.Queue, logger)

	fetcher := metadata.NewFetcher(&cfg.Metadata, nil, logger)
	proc := processor.NewProcessor(
		client,
		fetcher,
		locations,
		checkpoints,
		opts...,
	)

	worker := queue.NewWorker(blockQueue, proc.Handle, queue.WorkerConfig{
		Concurrency:     cfg.Queue.Concurrency,
		PollTimeout:     cfg.Queue.PollTimeout,
		PromoteSchedule: cfg.Queue.PromoteSchedule,
		RecoverSchedule: cfg.Queue.RecoverSchedule,
		Logger:          logger,
	})
	if err := worker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start queue worker")
	}

	server := api.NewServer(&api.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, api.Dependencies{
		Checkpoints: checkpoints,
		Queue:       blockQueue,
		Locations:   locations,
		Audit:       audit,
		Health:      health,
		Breakers:    map[string]api.BreakerReporter{"metadata": fetcher},
	}, logger)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("API server failed")
			stop()
		}
	}()

	logger.WithField("concurrency", cfg.Queue.Concurrency).Info("Block processor running")
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown error")
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Queue worker shutdown error")
	}

	logger.Info("Block processor stopped")
}
