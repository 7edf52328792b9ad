package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ratequeue/internal/queue"
	"ratequeue/internal/ratelimit"
	"ratequeue/internal/store"
)

var testNow = time.UnixMilli(1_700_000_000_000)

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
	calls    int
}

func (l *fakeLimiter) Check(ctx context.Context, identity string) (ratelimit.Decision, error) {
	l.calls++
	return l.decision, l.err
}

type fakeQueue struct {
	requests []queue.EnqueueRequest
	active   map[string]bool
	err      error
}

func (q *fakeQueue) Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.EnqueueResult, error) {
	q.requests = append(q.requests, req)
	if q.err != nil {
		return queue.Accepted, q.err
	}
	if q.active == nil {
		q.active = map[string]bool{}
	}
	if q.active[req.ID] {
		return queue.DuplicateIgnored, nil
	}
	q.active[req.ID] = true
	return queue.Accepted, nil
}

func allowed() ratelimit.Decision {
	return ratelimit.Decision{Allowed: true, At: testNow}
}

func TestAdmit_Immediate(t *testing.T) {
	limiter := &fakeLimiter{decision: allowed()}
	q := &fakeQueue{}
	svc := NewService(zaptest.NewLogger(t), limiter, q)

	res, err := svc.Admit(context.Background(), Request{Identity: "u1"})
	require.NoError(t, err)
	require.Equal(t, StatusImmediate, res.Status)
	require.Zero(t, res.DelayMillis)
	require.Equal(t, fmt.Sprintf("u1-%d", testNow.UnixMilli()), res.JobID)
	require.Equal(t, MessageImmediate, res.Message())

	require.Len(t, q.requests, 1)
	require.Zero(t, q.requests[0].Delay)
	var payload TaskPayload
	require.NoError(t, json.Unmarshal(q.requests[0].Payload, &payload))
	require.Equal(t, "u1", payload.UserID)
}

func TestAdmit_DelayedCarriesLimiterDelay(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Delay: time.Second, Window: "second", At: testNow}}
	q := &fakeQueue{}
	svc := NewService(zaptest.NewLogger(t), limiter, q)

	res, err := svc.Admit(context.Background(), Request{Identity: "u1"})
	require.NoError(t, err)
	require.Equal(t, StatusDelayed, res.Status)
	require.Equal(t, int64(1000), res.DelayMillis)
	require.Equal(t, "Task queued with 1000ms delay due to rate limit", res.Message())
	require.Equal(t, time.Second, q.requests[0].Delay)
}

func TestAdmit_SameMillisecondCollisionQueuesBoth(t *testing.T) {
	limiter := &fakeLimiter{decision: allowed()}
	q := &fakeQueue{}
	svc := NewService(zaptest.NewLogger(t), limiter, q)
	ctx := context.Background()

	first, err := svc.Admit(ctx, Request{Identity: "u1"})
	require.NoError(t, err)
	second, err := svc.Admit(ctx, Request{Identity: "u1"})
	require.NoError(t, err)

	require.NotEqual(t, first.JobID, second.JobID)
	require.Equal(t, first.JobID+"-1", second.JobID)
	require.False(t, second.Duplicate)
	require.Len(t, q.active, 2)
}

func TestAdmit_ExplicitJobIDIsIdempotent(t *testing.T) {
	limiter := &fakeLimiter{decision: allowed()}
	q := &fakeQueue{}
	svc := NewService(zaptest.NewLogger(t), limiter, q)
	ctx := context.Background()

	first, err := svc.Admit(ctx, Request{Identity: "u1", JobID: "order-7"})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := svc.Admit(ctx, Request{Identity: "u1", JobID: "order-7"})
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, "order-7", second.JobID)
	require.Equal(t, MessageDuplicate, second.Message())
	require.Len(t, q.active, 1)
}

func TestAdmit_EmptyIdentity(t *testing.T) {
	limiter := &fakeLimiter{decision: allowed()}
	svc := NewService(zaptest.NewLogger(t), limiter, &fakeQueue{})

	_, err := svc.Admit(context.Background(), Request{Identity: "  "})
	require.ErrorIs(t, err, ErrInvalidIdentity)
	require.Zero(t, limiter.calls)
}

func TestAdmit_LimiterIdentityErrorIsInvalidIdentity(t *testing.T) {
	limiter := &fakeLimiter{err: ratelimit.Error.Wrap(ratelimit.ErrInvalidIdentity)}
	q := &fakeQueue{}
	svc := NewService(zaptest.NewLogger(t), limiter, q)

	_, err := svc.Admit(context.Background(), Request{Identity: "u1"})
	require.ErrorIs(t, err, ErrInvalidIdentity)
	require.Empty(t, q.requests)
}

func TestAdmit_LimiterFailureQueuesNothing(t *testing.T) {
	limiter := &fakeLimiter{err: store.Unavailable("rate limit", errors.New("dial tcp"))}
	q := &fakeQueue{}
	svc := NewService(zaptest.NewLogger(t), limiter, q)

	_, err := svc.Admit(context.Background(), Request{Identity: "u1"})
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	require.Empty(t, q.requests)
}

func TestAdmit_QueueFailure(t *testing.T) {
	limiter := &fakeLimiter{decision: allowed()}
	q := &fakeQueue{err: store.Unavailable("enqueue", errors.New("dial tcp"))}
	svc := NewService(zaptest.NewLogger(t), limiter, q)

	_, err := svc.Admit(context.Background(), Request{Identity: "u1"})
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func TestAdmit_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := ratelimit.New(client)
	require.NoError(t, err)
	q, err := queue.New(client, queue.Config{Name: "tasks"})
	require.NoError(t, err)
	svc := NewService(zaptest.NewLogger(t), limiter, q)
	ctx := context.Background()

	first, err := svc.Admit(ctx, Request{Identity: "u1"})
	require.NoError(t, err)
	second, err := svc.Admit(ctx, Request{Identity: "u1"})
	require.NoError(t, err)

	require.Zero(t, first.DelayMillis)
	require.Equal(t, int64(1000), second.DelayMillis)
	require.NotEqual(t, first.JobID, second.JobID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Waiting)

	job, err := q.Get(ctx, second.JobID)
	require.NoError(t, err)
	require.JSONEq(t, `{"user_id":"u1"}`, string(job.Payload))
}
