// Package queue implements the durable, at-least-once delayed job queue on
// Redis.
//
// A job lives in a hash and is indexed by exactly one of three sorted sets:
// waiting (scored by eligible time), leased (scored by lease expiry) or
// failed (scored by failure time). Leasing, lease reclamation and worker
// release run as Lua scripts; enqueue, acknowledge and failure reports use
// optimistic WATCH transactions on the job hash.
package queue

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"ratequeue/internal/rediskeys"
	"ratequeue/internal/retry"
	"ratequeue/internal/state"
	"ratequeue/internal/store"
)

var (
	mon = monkit.Package()

	// Error is the error class for this package.
	Error = errs.Class("queue")

	ErrJobNotFound = errors.New("job not found")
	ErrNotLeased   = errors.New("job is not leased")
	ErrInvalidJob  = errors.New("invalid job")
)

var (
	//go:embed lease.lua
	leaseSource string
	//go:embed reclaim.lua
	reclaimSource string
	//go:embed release.lua
	releaseSource string

	leaseScript   = redis.NewScript(leaseSource)
	reclaimScript = redis.NewScript(reclaimSource)
	releaseScript = redis.NewScript(releaseSource)
)

const maxTxRetries = 8

// Config configures a Queue.
type Config struct {
	Name               string       `yaml:"name"`
	DefaultMaxAttempts int64        `yaml:"max_attempts"`
	DefaultBackoff     retry.Policy `yaml:"backoff"`
	ReclaimBatch       int          `yaml:"reclaim_batch"`
}

func DefaultConfig() Config {
	return Config{
		Name:               "tasks",
		DefaultMaxAttempts: retry.DefaultMaxAttempts,
		DefaultBackoff:     retry.DefaultPolicy(),
		ReclaimBatch:       100,
	}
}

// EnqueueRequest describes a job to add. Zero MaxAttempts and Backoff fall
// back to the queue defaults.
type EnqueueRequest struct {
	ID          string
	Payload     json.RawMessage
	Delay       time.Duration
	MaxAttempts int64
	Backoff     retry.Policy
}

type EnqueueResult int

const (
	Accepted EnqueueResult = iota
	DuplicateIgnored
)

func (r EnqueueResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case DuplicateIgnored:
		return "duplicate_ignored"
	default:
		return "unknown"
	}
}

// FailureOutcome reports what ReportFailure did with the job.
type FailureOutcome struct {
	Job *Job
	// Terminal is true when the attempts are exhausted and the job moved to
	// Failed.
	Terminal bool
}

type Stats struct {
	Waiting int64
	Due     int64
	Leased  int64
	Failed  int64
}

// Queue is safe for concurrent use by many goroutines and processes; every
// state change is a single atomic Redis operation.
type Queue struct {
	client *redis.Client
	keys   rediskeys.Queue
	cfg    Config
	now    func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func New(client *redis.Client, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, Error.New("redis client is required")
	}
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = defaults.Name
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = defaults.DefaultMaxAttempts
	}
	if cfg.DefaultBackoff == (retry.Policy{}) {
		cfg.DefaultBackoff = defaults.DefaultBackoff
	}
	if cfg.ReclaimBatch <= 0 {
		cfg.ReclaimBatch = defaults.ReclaimBatch
	}
	if err := cfg.DefaultBackoff.Validate(); err != nil {
		return nil, Error.New("default backoff: %v", err)
	}
	return &Queue{
		client: client,
		keys:   rediskeys.For(cfg.Name),
		cfg:    cfg,
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Enqueue adds a job that becomes eligible after req.Delay. When a job with
// the same id is already waiting or leased the call changes nothing and
// returns DuplicateIgnored.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (_ EnqueueResult, err error) {
	defer mon.Task()(&ctx)(&err)

	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		return Accepted, Error.Wrap(fmt.Errorf("%w: job id is required", ErrInvalidJob))
	}
	if req.Delay < 0 {
		req.Delay = 0
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	if req.Backoff == (retry.Policy{}) {
		req.Backoff = q.cfg.DefaultBackoff
	}
	if err := req.Backoff.Validate(); err != nil {
		return Accepted, Error.Wrap(fmt.Errorf("%w: %v", ErrInvalidJob, err))
	}

	jobKey := q.keys.Job(req.ID)
	for i := 0; i < maxTxRetries; i++ {
		err = q.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.HGet(ctx, jobKey, fieldState).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				if st, ok := state.Parse(current); ok && state.IsActive(st) {
					return store.ErrAlreadyExists
				}
			}

			seq, err := tx.Incr(ctx, q.keys.Seq).Result()
			if err != nil {
				return err
			}
			now := q.now()
			job := &Job{
				ID:          req.ID,
				Payload:     req.Payload,
				State:       state.Waiting,
				EligibleAt:  now.Add(req.Delay),
				MaxAttempts: req.MaxAttempts,
				Backoff:     req.Backoff,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			member := rediskeys.WaitingMember(seq, req.ID)

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, jobKey)
				pipe.HSet(ctx, jobKey, job.fields(member))
				pipe.ZAdd(ctx, q.keys.Waiting, redis.Z{Score: float64(job.EligibleAt.UnixMilli()), Member: member})
				pipe.ZRem(ctx, q.keys.Failed, req.ID)
				return nil
			})
			return err
		}, jobKey)
		switch {
		case err == nil:
			mon.Counter("jobs_enqueued").Inc(1)
			return Accepted, nil
		case errors.Is(err, store.ErrAlreadyExists):
			mon.Counter("jobs_duplicate").Inc(1)
			return DuplicateIgnored, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return Accepted, Error.Wrap(store.Unavailable("enqueue", err))
		}
	}
	return Accepted, Error.Wrap(store.Unavailable("enqueue", redis.TxFailedErr))
}

// LeaseNext claims the due job with the earliest eligible time, ties broken
// by insertion order. It returns nil, nil when no job is due.
func (q *Queue) LeaseNext(ctx context.Context, workerID string, lease time.Duration) (_ *Job, err error) {
	defer mon.Task()(&ctx)(&err)

	if strings.TrimSpace(workerID) == "" {
		return nil, Error.New("worker id is required")
	}
	if lease <= 0 {
		return nil, Error.New("lease duration must be positive")
	}

	now := q.now()
	reply, err := leaseScript.Run(ctx, q.client,
		[]string{q.keys.Waiting, q.keys.Leased, q.keys.Worker(workerID)},
		now.UnixMilli(),
		now.Add(lease).UnixMilli(),
		workerID,
		q.keys.JobPrefix,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(store.Unavailable("lease", err))
	}

	job, err := parseJob(flatToMap(reply))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	mon.Counter("jobs_leased").Inc(1)
	return job, nil
}

// Acknowledge completes a job leased by workerID and removes it from the
// queue. A worker whose lease was reclaimed gets ErrNotLeased.
func (q *Queue) Acknowledge(ctx context.Context, jobID, workerID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	jobKey := q.keys.Job(jobID)
	for i := 0; i < maxTxRetries; i++ {
		err = q.client.Watch(ctx, func(tx *redis.Tx) error {
			values, err := tx.HMGet(ctx, jobKey, fieldState, fieldLeasedBy).Result()
			if err != nil {
				return err
			}
			current, _ := values[0].(string)
			owner, _ := values[1].(string)
			if current == "" {
				return ErrJobNotFound
			}
			if !state.CanTransition(state.State(current), state.Completed) || owner != workerID {
				return ErrNotLeased
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, jobKey)
				pipe.ZRem(ctx, q.keys.Leased, jobID)
				pipe.SRem(ctx, q.keys.Worker(owner), jobID)
				return nil
			})
			return err
		}, jobKey)
		switch {
		case err == nil:
			mon.Counter("jobs_completed").Inc(1)
			return nil
		case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrNotLeased):
			return Error.Wrap(err)
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return Error.Wrap(store.Unavailable("acknowledge", err))
		}
	}
	return Error.Wrap(store.Unavailable("acknowledge", redis.TxFailedErr))
}

// ReportFailure records a failed attempt of a job leased by workerID. While
// attempts remain the job returns to waiting after its backoff delay;
// otherwise it moves to Failed and is never leased again. A report from a
// worker that no longer holds the lease gets ErrNotLeased and changes nothing.
func (q *Queue) ReportFailure(ctx context.Context, jobID, workerID string, cause error) (_ FailureOutcome, err error) {
	defer mon.Task()(&ctx)(&err)

	message := ""
	if cause != nil {
		message = cause.Error()
	}

	jobKey := q.keys.Job(jobID)
	var outcome FailureOutcome
	for i := 0; i < maxTxRetries; i++ {
		err = q.client.Watch(ctx, func(tx *redis.Tx) error {
			values, err := tx.HGetAll(ctx, jobKey).Result()
			if err != nil {
				return err
			}
			job, err := parseJob(values)
			if err != nil {
				return err
			}
			if job.State != state.Leased || job.LeasedBy != workerID {
				return ErrNotLeased
			}

			now := q.now()
			owner := job.LeasedBy
			job.Attempts++
			job.LastError = message
			job.LeasedBy = ""
			job.LeaseExpiresAt = time.Time{}
			job.UpdatedAt = now

			if job.Attempts >= job.MaxAttempts {
				job.State = state.Failed
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.HSet(ctx, jobKey, job.fields(""))
					pipe.Expire(ctx, jobKey, rediskeys.FailedJobTTL)
					pipe.ZRem(ctx, q.keys.Leased, jobID)
					pipe.SRem(ctx, q.keys.Worker(owner), jobID)
					pipe.ZAdd(ctx, q.keys.Failed, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
					return nil
				})
				outcome = FailureOutcome{Job: job, Terminal: true}
				return err
			}

			delay, err := q.backoff(job.Backoff, job.Attempts)
			if err != nil {
				return err
			}
			// eligible time never moves backwards across retries
			if next := now.Add(delay); next.After(job.EligibleAt) {
				job.EligibleAt = next
			}
			job.State = state.Waiting

			seq, err := tx.Incr(ctx, q.keys.Seq).Result()
			if err != nil {
				return err
			}
			member := rediskeys.WaitingMember(seq, jobID)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, jobKey, job.fields(member))
				pipe.ZRem(ctx, q.keys.Leased, jobID)
				pipe.SRem(ctx, q.keys.Worker(owner), jobID)
				pipe.ZAdd(ctx, q.keys.Waiting, redis.Z{Score: float64(job.EligibleAt.UnixMilli()), Member: member})
				return nil
			})
			outcome = FailureOutcome{Job: job}
			return err
		}, jobKey)
		switch {
		case err == nil:
			if outcome.Terminal {
				mon.Counter("jobs_failed").Inc(1)
			} else {
				mon.Counter("jobs_retried").Inc(1)
			}
			return outcome, nil
		case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrNotLeased):
			return FailureOutcome{}, Error.Wrap(err)
		case errors.Is(err, redis.TxFailedErr):
			continue
		case Error.Has(err):
			return FailureOutcome{}, err
		default:
			return FailureOutcome{}, Error.Wrap(store.Unavailable("report failure", err))
		}
	}
	return FailureOutcome{}, Error.Wrap(store.Unavailable("report failure", redis.TxFailedErr))
}

// ReclaimExpired returns every job whose lease has expired to waiting with
// its attempts unchanged. It returns how many jobs were reclaimed.
func (q *Queue) ReclaimExpired(ctx context.Context) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	total := 0
	for {
		n, err := reclaimScript.Run(ctx, q.client,
			[]string{q.keys.Leased, q.keys.Waiting, q.keys.Seq},
			q.now().UnixMilli(),
			q.keys.JobPrefix,
			q.keys.WorkerPrefix,
			q.cfg.ReclaimBatch,
		).Int()
		if err != nil {
			return total, Error.Wrap(store.Unavailable("reclaim", err))
		}
		total += n
		if n < q.cfg.ReclaimBatch {
			break
		}
	}
	if total > 0 {
		mon.Counter("leases_reclaimed").Inc(int64(total))
	}
	return total, nil
}

// ReleaseWorker returns the jobs leased by workerID to waiting without
// waiting for their leases to expire.
func (q *Queue) ReleaseWorker(ctx context.Context, workerID string) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	n, err := releaseScript.Run(ctx, q.client,
		[]string{q.keys.Worker(workerID), q.keys.Leased, q.keys.Waiting, q.keys.Seq},
		q.now().UnixMilli(),
		q.keys.JobPrefix,
		workerID,
	).Int()
	if err != nil {
		return 0, Error.Wrap(store.Unavailable("release worker", err))
	}
	if n > 0 {
		mon.Counter("leases_released").Inc(int64(n))
	}
	return n, nil
}

// Get returns a snapshot of a job.
func (q *Queue) Get(ctx context.Context, jobID string) (_ *Job, err error) {
	defer mon.Task()(&ctx)(&err)

	values, err := q.client.HGetAll(ctx, q.keys.Job(jobID)).Result()
	if err != nil {
		return nil, Error.Wrap(store.Unavailable("get", err))
	}
	job, err := parseJob(values)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return job, nil
}

func (q *Queue) Stats(ctx context.Context) (_ Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.keys.Waiting)
	due := pipe.ZCount(ctx, q.keys.Waiting, "-inf", formatMillis(q.now()))
	leased := pipe.ZCard(ctx, q.keys.Leased)
	failed := pipe.ZCard(ctx, q.keys.Failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, Error.Wrap(store.Unavailable("stats", err))
	}
	return Stats{
		Waiting: waiting.Val(),
		Due:     due.Val(),
		Leased:  leased.Val(),
		Failed:  failed.Val(),
	}, nil
}

func (q *Queue) Name() string {
	return q.cfg.Name
}

func (q *Queue) backoff(p retry.Policy, attempts int64) (time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delay, err := retry.NextDelay(p, attempts, q.rng)
	if err != nil {
		return 0, Error.New("backoff: %v", err)
	}
	return delay, nil
}
