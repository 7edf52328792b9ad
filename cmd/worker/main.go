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

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ratequeue/internal/admission"
	"ratequeue/internal/config"
	"ratequeue/internal/consumer"
	"ratequeue/internal/executor"
	"ratequeue/internal/kafka"
	"ratequeue/internal/logging"
	"ratequeue/internal/postgres"
	"ratequeue/internal/queue"
	"ratequeue/internal/ratelimit"
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

	if err := cfg.ValidateForWorker(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	log = log.Named("worker").With(zap.String("worker_id", workerID), zap.Int("pid", os.Getpid()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg, workerID); err != nil {
		log.Fatal("worker stopped with error", zap.Error(err))
	}
	log.Info("worker shut down")
}

func run(ctx context.Context, log *zap.Logger, cfg config.Config, workerID string) error {
	redisClient := redis.NewClient(cfg.Redis.Options())
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Warn("redis close error", zap.Error(err))
		}
	}()

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis ping failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cancel()

	limiter, err := ratelimit.New(redisClient, cfg.LimiterOptions()...)
	if err != nil {
		return err
	}
	q, err := queue.New(redisClient, cfg.QueueConfig())
	if err != nil {
		return err
	}

	taskLog, err := executor.OpenTaskLog(log.Named("tasklog"), cfg.TaskLog.Path)
	if err != nil {
		return err
	}
	defer func() { _ = taskLog.Close() }()
	chain := executor.Chain{taskLog}

	if cfg.Postgres.Enabled() {
		pgCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		pool, err := postgres.Open(pgCtx, cfg.Postgres.DSN)
		cancel()
		if err != nil {
			return err
		}
		defer pool.Close()
		recorder := executor.NewPostgresRecorder(pool, cfg.Postgres.TableName())
		if err := recorder.EnsureSchema(ctx); err != nil {
			return err
		}
		chain = append(chain, recorder)
	} else {
		log.Info("postgres dsn missing; completion recorder disabled")
	}

	var dlq kafka.Producer
	if cfg.Kafka.Enabled() {
		kCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		if err := kafka.CheckConnectivity(kCtx, cfg.Kafka.Brokers); err != nil {
			log.Warn("kafka connectivity check failed", zap.Error(err))
		}
		cancel()
		producer, err := kafka.NewDLQProducer(cfg.Kafka)
		if err != nil {
			return err
		}
		defer func() {
			if err := producer.Close(); err != nil {
				log.Warn("kafka dlq producer close error", zap.Error(err))
			}
		}()
		dlq = producer
	} else {
		log.Info("kafka brokers missing; terminal failures are only logged")
	}

	runner, err := consumer.New(log.Named("consumer"), q, chain, dlq, cfg.ConsumerConfig(workerID))
	if err != nil {
		return err
	}

	svc := admission.NewService(log.Named("admission"), limiter, q)
	router := admission.NewRouter(log.Named("http"), svc, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := listen(ctx, cfg.Server.Addr())
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.Server.Addr()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return runner.Run(groupCtx)
	})
	if cfg.Reaper.RunEmbedded() {
		reaper, err := consumer.NewReaper(log.Named("reaper"), q, cfg.Reaper.Interval)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return reaper.Run(groupCtx)
		})
	}

	err = group.Wait()

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
	defer cancel()
	if n, relErr := q.ReleaseWorker(releaseCtx, workerID); relErr != nil {
		log.Warn("release leases failed", zap.Error(relErr))
	} else if n > 0 {
		log.Info("released leases", zap.Int("count", n))
	}
	return err
}
