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
	"ratequeue/internal/logging"
	"ratequeue/internal/queue"
	"ratequeue/internal/supervisor"
)

const releaseTimeout = 2 * time.Second

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
	log = log.Named("supervisor")

	if err := cfg.ValidateForSupervisor(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	redisClient := redis.NewClient(cfg.Redis.Options())
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Warn("redis close error", zap.Error(err))
		}
	}()
	q, err := queue.New(redisClient, cfg.QueueConfig())
	if err != nil {
		log.Fatal("queue init failed", zap.Error(err))
	}

	// a dead worker's leases go back to waiting now instead of at lease expiry
	onExit := func(ctx context.Context, workerID string) {
		ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
		defer cancel()
		n, err := q.ReleaseWorker(ctx, workerID)
		if err != nil {
			log.Warn("release leases failed", zap.String("worker_id", workerID), zap.Error(err))
			return
		}
		if n > 0 {
			log.Info("released leases", zap.String("worker_id", workerID), zap.Int("count", n))
		}
	}

	starter := &supervisor.ExecStarter{
		Path:        cfg.Supervisor.WorkerBinary,
		Args:        cfg.Supervisor.WorkerArgs,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		StopTimeout: cfg.Supervisor.StopTimeout,
	}
	sup, err := supervisor.New(log, starter, cfg.SupervisorConfig(), onExit)
	if err != nil {
		log.Fatal("supervisor init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		log.Error("supervisor stopped with error", zap.Error(err))
	}
	log.Info("supervisor shut down")
}
