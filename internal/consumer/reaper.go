package consumer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type Reclaimer interface {
	ReclaimExpired(ctx context.Context) (int, error)
}

// Reaper returns jobs with expired leases to the waiting set. Any number of
// reapers may run; reclamation is atomic in the store.
type Reaper struct {
	log      *zap.Logger
	queue    Reclaimer
	interval time.Duration
}

func NewReaper(log *zap.Logger, q Reclaimer, interval time.Duration) (*Reaper, error) {
	if q == nil {
		return nil, Error.New("queue is required")
	}
	if interval <= 0 {
		return nil, Error.Wrap(errors.New("reaper interval must be positive"))
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{log: log, queue: q, interval: interval}, nil
}

func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("lease reclaim failed", zap.Error(err))
			}
		}
	}
}

func (r *Reaper) RunOnce(ctx context.Context) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	n, err := r.queue.ReclaimExpired(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if n > 0 {
		r.log.Info("reclaimed expired leases", zap.Int("count", n))
	}
	return n, nil
}
