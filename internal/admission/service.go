package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"ratequeue/internal/idempotency"
	"ratequeue/internal/queue"
	"ratequeue/internal/ratelimit"
)

var (
	mon = monkit.Package()

	// Error is the error class for this package.
	Error = errs.Class("admission")

	// ErrInvalidIdentity is returned for requests without a usable identity.
	ErrInvalidIdentity = ratelimit.ErrInvalidIdentity
)

// maxCollisionSuffix bounds how many suffixed ids are tried when derived job
// ids collide within one millisecond.
const maxCollisionSuffix = 32

// Service admits task requests: it consults the shared limiter and enqueues
// the task with the delay the limiter chose.
type Service struct {
	log     *zap.Logger
	limiter Limiter
	queue   Enqueuer
	now     func() time.Time
}

func NewService(log *zap.Logger, limiter Limiter, queue Enqueuer) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		log:     log,
		limiter: limiter,
		queue:   queue,
		now:     time.Now,
	}
}

// Admit checks the rate limit for req.Identity and enqueues the task. Limiter
// or queue store failures are returned without queuing anything.
func (s *Service) Admit(ctx context.Context, req Request) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		return Result{}, Error.Wrap(ErrInvalidIdentity)
	}

	decision, err := s.limiter.Check(ctx, identity)
	if err != nil {
		return Result{}, Error.Wrap(err)
	}

	payload, err := json.Marshal(TaskPayload{UserID: identity})
	if err != nil {
		return Result{}, Error.Wrap(err)
	}

	result := Result{
		Status:      StatusImmediate,
		DelayMillis: decision.DelayMillis(),
		Identity:    identity,
		Window:      decision.Window,
	}
	if !decision.Allowed {
		result.Status = StatusDelayed
	}

	enqueue := func(jobID string) (idempotency.EnqueueDecision, error) {
		res, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
			ID:      jobID,
			Payload: payload,
			Delay:   decision.Delay,
		})
		return idempotency.DecideEnqueue(res, err), err
	}

	if jobID := strings.TrimSpace(req.JobID); jobID != "" {
		d, err := enqueue(jobID)
		if d == idempotency.EnqueueRetryLater || d == idempotency.EnqueueError {
			return Result{}, Error.Wrap(err)
		}
		result.JobID = jobID
		result.Duplicate = d == idempotency.EnqueueDuplicate
		s.logAdmitted(result)
		return result, nil
	}

	base := fmt.Sprintf("%s-%d", identity, decision.At.UnixMilli())
	if decision.At.IsZero() {
		base = fmt.Sprintf("%s-%d", identity, s.now().UnixMilli())
	}
	for n := 0; n <= maxCollisionSuffix; n++ {
		jobID := base
		if n > 0 {
			jobID = fmt.Sprintf("%s-%d", base, n)
		}
		d, err := enqueue(jobID)
		switch d {
		case idempotency.EnqueueQueued:
			result.JobID = jobID
			s.logAdmitted(result)
			return result, nil
		case idempotency.EnqueueDuplicate:
			mon.Counter("admission_id_collisions").Inc(1)
			continue
		default:
			return Result{}, Error.Wrap(err)
		}
	}
	return Result{}, Error.New("no free job id for %q after %d attempts", base, maxCollisionSuffix)
}

func (s *Service) logAdmitted(r Result) {
	s.log.Debug("task admitted",
		zap.String("user_id", r.Identity),
		zap.String("job_id", r.JobID),
		zap.String("status", r.Status),
		zap.Int64("delay_ms", r.DelayMillis),
		zap.Bool("duplicate", r.Duplicate),
	)
}

// Message renders the human readable text returned to clients.
func (r Result) Message() string {
	switch {
	case r.Duplicate:
		return MessageDuplicate
	case r.DelayMillis > 0:
		return fmt.Sprintf(messageDelayedForm, r.DelayMillis)
	default:
		return MessageImmediate
	}
}
