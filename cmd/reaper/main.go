package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ratequeue/internal/config"
	"ratequeue/internal/consumer"
	"ratequeue/internal/logging"
	"ratequeue/internal/queue"
)

const connectTimeout = 2 * time.Second

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	log = log.Named("reaper")

	if err := cfg.ValidateForReaper(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	redisClient := redis.NewClient(cfg.Redis.Options())
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Warn("redis close error", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cancel()

	q, err := queue.New(redisClient, cfg.QueueConfig())
	if err != nil {
		log.Fatal("queue init failed", zap.Error(err))
	}
	reaper, err := consumer.NewReaper(log, q, cfg.Reaper.Interval)
	if err != nil {
		log.Fatal("reaper init failed", zap.Error(err))
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("reaper starting",
		zap.String("queue", q.Name()),
		zap.Duration("interval", cfg.Reaper.Interval),
		zap.String("redis", cfg.Redis.Addr))
	if err := reaper.Run(runCtx); err != nil {
		log.Error("reaper stopped with error", zap.Error(err))
	}
	log.Info("reaper shutting down")
}
