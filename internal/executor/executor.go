// Package executor holds the task executors run for each leased job.
package executor

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"ratequeue/internal/queue"
)

var (
	mon = monkit.Package()

	// Error is the error class for this package.
	Error = errs.Class("executor")
)

// Executor runs one job. A returned error counts as a failed attempt.
type Executor interface {
	Process(ctx context.Context, job *queue.Job) error
}

type Func func(ctx context.Context, job *queue.Job) error

func (f Func) Process(ctx context.Context, job *queue.Job) error {
	return f(ctx, job)
}

// Chain runs executors in order and stops at the first error.
type Chain []Executor

func (c Chain) Process(ctx context.Context, job *queue.Job) error {
	for _, e := range c {
		if err := e.Process(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

type taskPayload struct {
	UserID string `json:"user_id"`
}

// Identity extracts the user id a task was admitted for.
func Identity(job *queue.Job) (string, error) {
	var p taskPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", Error.New("job %s: decode payload: %v", job.ID, err)
	}
	if strings.TrimSpace(p.UserID) == "" {
		return "", Error.New("job %s: payload has no user_id", job.ID)
	}
	return p.UserID, nil
}
