package admission

import (
	"context"

	"ratequeue/internal/queue"
	"ratequeue/internal/ratelimit"
)

type Limiter interface {
	Check(ctx context.Context, identity string) (ratelimit.Decision, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.EnqueueResult, error)
}

// HealthChecker reports whether the shared store is reachable.
type HealthChecker func(ctx context.Context) error
