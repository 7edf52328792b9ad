// Package supervisor keeps a fixed number of worker processes running. It
// knows nothing about the queue; lease cleanup for a dead worker happens
// through the OnExit hook.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	mon = monkit.Package()

	// Error is the error class for this package.
	Error = errs.Class("supervisor")
)

// Process is a started worker.
type Process interface {
	// Wait blocks until the process exits.
	Wait() error
	Pid() int
}

// Starter launches one worker with the given id.
type Starter interface {
	Start(ctx context.Context, workerID string) (Process, error)
}

// ExitHook runs after a worker exits and before it is replaced.
type ExitHook func(ctx context.Context, workerID string)

type Config struct {
	Workers      int           `yaml:"workers"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

type Supervisor struct {
	log     *zap.Logger
	starter Starter
	cfg     Config
	onExit  ExitHook
	newID   func(slot int) string
}

func New(log *zap.Logger, starter Starter, cfg Config, onExit ExitHook) (*Supervisor, error) {
	if starter == nil {
		return nil, Error.New("starter is required")
	}
	if cfg.Workers <= 0 {
		return nil, Error.New("workers must be positive")
	}
	if cfg.RestartDelay < 0 {
		return nil, Error.New("restart delay must not be negative")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		log:     log,
		starter: starter,
		cfg:     cfg,
		onExit:  onExit,
		newID:   workerID,
	}, nil
}

// workerID gives every incarnation a fresh id so leases held by a dead worker
// are never confused with those of its replacement.
func workerID(slot int) string {
	return fmt.Sprintf("worker-%d-%s", slot, uuid.NewString()[:8])
}

// Run starts cfg.Workers workers and restarts each one whenever it exits,
// whatever the exit status, until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor starting", zap.Int("workers", s.cfg.Workers))

	group, ctx := errgroup.WithContext(ctx)
	for slot := 1; slot <= s.cfg.Workers; slot++ {
		group.Go(func() error {
			s.keepAlive(ctx, slot)
			return nil
		})
	}
	return group.Wait()
}

func (s *Supervisor) keepAlive(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		id := s.newID(slot)
		log := s.log.With(zap.Int("slot", slot), zap.String("worker_id", id))

		proc, err := s.starter.Start(ctx, id)
		if err != nil {
			mon.Event("worker_start_failed")
			log.Error("worker start failed", zap.Error(err))
			if !sleep(ctx, s.cfg.RestartDelay) {
				return
			}
			continue
		}
		log.Info("worker started", zap.Int("pid", proc.Pid()))

		err = proc.Wait()
		if s.onExit != nil {
			s.onExit(context.WithoutCancel(ctx), id)
		}
		if ctx.Err() != nil {
			log.Info("worker stopped")
			return
		}

		mon.Counter("worker_restarts").Inc(1)
		log.Warn("worker died, restarting", zap.Error(err), zap.Duration("restart_delay", s.cfg.RestartDelay))
		if !sleep(ctx, s.cfg.RestartDelay) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
