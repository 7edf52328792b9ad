// Package consumer drives leased jobs from the queue through an executor.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ratequeue/internal/executor"
	"ratequeue/internal/kafka"
	"ratequeue/internal/queue"
)

var (
	mon = monkit.Package()

	// Error is the error class for this package.
	Error = errs.Class("consumer")
)

type Queue interface {
	LeaseNext(ctx context.Context, workerID string, lease time.Duration) (*queue.Job, error)
	Acknowledge(ctx context.Context, jobID, workerID string) error
	ReportFailure(ctx context.Context, jobID, workerID string, cause error) (queue.FailureOutcome, error)
}

type Config struct {
	WorkerID     string        `yaml:"-"`
	QueueName    string        `yaml:"-"`
	Concurrency  int           `yaml:"concurrency"`
	Lease        time.Duration `yaml:"lease"`
	PollInterval time.Duration `yaml:"poll_interval"`
	DLQTopic     string        `yaml:"-"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.WorkerID) == "" {
		return errors.New("worker id is required")
	}
	if c.Concurrency <= 0 {
		return errors.New("concurrency must be positive")
	}
	if c.Lease <= 0 {
		return errors.New("lease must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}

// Consumer leases due jobs and runs them. A job whose executor succeeds is
// acknowledged; any error or panic is reported as a failed attempt, unless the
// consumer itself is shutting down.
type Consumer struct {
	log      *zap.Logger
	queue    Queue
	executor executor.Executor
	dlq      kafka.Producer
	cfg      Config
	idle     *rate.Limiter
	now      func() time.Time
}

// New returns a consumer. dlq may be nil, in which case terminal failures are
// only logged and counted.
func New(log *zap.Logger, q Queue, exec executor.Executor, dlq kafka.Producer, cfg Config) (*Consumer, error) {
	if q == nil {
		return nil, Error.New("queue is required")
	}
	if exec == nil {
		return nil, Error.New("executor is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, Error.Wrap(err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		log:      log.With(zap.String("worker_id", cfg.WorkerID)),
		queue:    q,
		executor: exec,
		dlq:      dlq,
		cfg:      cfg,
		idle:     rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		now:      time.Now,
	}, nil
}

// Run processes jobs with cfg.Concurrency goroutines until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer starting",
		zap.Int("concurrency", c.cfg.Concurrency),
		zap.Duration("lease", c.cfg.Lease),
		zap.Duration("poll_interval", c.cfg.PollInterval))

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Concurrency; i++ {
		group.Go(func() error {
			c.loop(ctx)
			return nil
		})
	}
	err := group.Wait()
	c.log.Info("consumer stopped")
	return err
}

func (c *Consumer) loop(ctx context.Context) {
	for ctx.Err() == nil {
		handled, err := c.Step(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.Warn("consumer step failed", zap.Error(err))
		}
		if handled {
			continue
		}
		// nothing due or the store is down; pace polls across all goroutines
		if err := c.idle.Wait(ctx); err != nil {
			return
		}
	}
}

// Step leases and handles at most one job. It reports whether a job was
// leased.
func (c *Consumer) Step(ctx context.Context) (handled bool, err error) {
	defer mon.Task()(&ctx)(&err)

	job, err := c.queue.LeaseNext(ctx, c.cfg.WorkerID, c.cfg.Lease)
	if err != nil {
		return false, Error.Wrap(err)
	}
	if job == nil {
		return false, nil
	}

	log := c.log.With(zap.String("job_id", job.ID), zap.Int64("attempt", job.Attempts+1))
	procErr := c.process(ctx, job)

	if procErr != nil && ctx.Err() != nil {
		// interrupted by shutdown, not a failed attempt; the lease is released
		// on worker exit or reclaimed once it expires, attempts unchanged
		mon.Event("job_interrupted")
		log.Info("job interrupted by shutdown", zap.Error(procErr))
		return true, nil
	}

	// record the outcome even when shutdown has begun
	ctx = context.WithoutCancel(ctx)
	if procErr == nil {
		if err := c.queue.Acknowledge(ctx, job.ID, c.cfg.WorkerID); err != nil {
			// the lease will expire and the job runs again
			log.Warn("acknowledge failed", zap.Error(err))
			return true, Error.Wrap(err)
		}
		mon.Counter("jobs_succeeded").Inc(1)
		return true, nil
	}

	log.Info("job attempt failed", zap.Error(procErr))
	outcome, err := c.queue.ReportFailure(ctx, job.ID, c.cfg.WorkerID, procErr)
	if err != nil {
		log.Warn("report failure failed", zap.Error(err))
		return true, Error.Wrap(err)
	}
	if outcome.Terminal {
		c.terminal(ctx, log, outcome.Job, procErr)
		return true, nil
	}
	log.Debug("job scheduled for retry", zap.Time("eligible_at", outcome.Job.EligibleAt))
	return true, nil
}

func (c *Consumer) process(ctx context.Context, job *queue.Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Lease)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			mon.Event("executor_panic")
			err = Error.New("executor panic: %v", r)
		}
	}()
	return c.executor.Process(ctx, job)
}

func (c *Consumer) terminal(ctx context.Context, log *zap.Logger, job *queue.Job, cause error) {
	mon.Counter("jobs_terminal", monkit.NewSeriesTag("queue", c.cfg.QueueName)).Inc(1)
	log.Error("job failed permanently",
		zap.Int64("attempts", job.Attempts),
		zap.Int64("max_attempts", job.MaxAttempts),
		zap.Error(cause))

	if c.dlq == nil {
		return
	}
	msg, err := kafka.NewDeadLetterMessage(kafka.DeadLetter{
		JobID:     job.ID,
		Queue:     c.cfg.QueueName,
		Payload:   job.Payload,
		Attempts:  job.Attempts,
		LastError: fmt.Sprint(cause),
		WorkerID:  c.cfg.WorkerID,
		FailedAt:  c.now().UTC(),
	})
	if err != nil {
		log.Error("dead letter encode failed", zap.Error(err))
		return
	}
	if err := c.dlq.Publish(ctx, c.cfg.DLQTopic, msg); err != nil {
		mon.Event("dlq_publish_failed")
		log.Error("dead letter publish failed", zap.Error(err))
	}
}
