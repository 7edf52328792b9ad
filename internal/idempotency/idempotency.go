package idempotency

import (
	"errors"

	"ratequeue/internal/queue"
	"ratequeue/internal/store"
)

type EnqueueDecision int

const (
	EnqueueQueued EnqueueDecision = iota
	EnqueueDuplicate
	EnqueueRetryLater
	EnqueueError
)

func (d EnqueueDecision) String() string {
	switch d {
	case EnqueueQueued:
		return "queued"
	case EnqueueDuplicate:
		return "duplicate"
	case EnqueueRetryLater:
		return "retry_later"
	default:
		return "error"
	}
}

// DecideEnqueue maps the outcome of queue.Enqueue to what the caller should
// report. Store failures are retryable by the client; nothing was queued.
func DecideEnqueue(result queue.EnqueueResult, err error) EnqueueDecision {
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			return EnqueueRetryLater
		}
		return EnqueueError
	}
	if result == queue.DuplicateIgnored {
		return EnqueueDuplicate
	}
	return EnqueueQueued
}

type AdmitDecision int

const (
	AdmitProceed AdmitDecision = iota
	AdmitRetryLater
	AdmitRejected
)

// DecideAdmit classifies a limiter error. The limiter fails closed, so any
// store failure means the request is not admitted.
func DecideAdmit(err error) AdmitDecision {
	if err == nil {
		return AdmitProceed
	}
	if errors.Is(err, store.ErrStoreUnavailable) {
		return AdmitRetryLater
	}
	return AdmitRejected
}
