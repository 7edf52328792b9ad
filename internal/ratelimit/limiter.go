package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"ratequeue/internal/rediskeys"
	"ratequeue/internal/store"
)

var (
	mon = monkit.Package()

	// Error is the error class for this package.
	Error = errs.Class("ratelimit")

	ErrInvalidIdentity = errors.New("identity is required")
)

// Window is one sliding window of the admission policy.
type Window struct {
	Name   string        `yaml:"name"`
	Length time.Duration `yaml:"length"`
	Limit  int64         `yaml:"limit"`
	Delay  time.Duration `yaml:"delay"`
	Slack  time.Duration `yaml:"slack"`
}

func DefaultWindows() []Window {
	return []Window{
		{Name: "second", Length: time.Second, Limit: 1, Delay: time.Second, Slack: time.Second},
		{Name: "minute", Length: time.Minute, Limit: 20, Delay: time.Minute, Slack: time.Second},
	}
}

func (w Window) validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return errors.New("window name is required")
	}
	if w.Length <= 0 {
		return errors.New("window " + w.Name + ": length must be positive")
	}
	if w.Limit <= 0 {
		return errors.New("window " + w.Name + ": limit must be positive")
	}
	if w.Delay < 0 || w.Slack < 0 {
		return errors.New("window " + w.Name + ": delay and slack must not be negative")
	}
	return nil
}

type Selection string

const (
	SelectFirst   Selection = "first"
	SelectLongest Selection = "longest"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	Delay   time.Duration
	// Window names the window that imposed Delay; empty when allowed.
	Window string
	// Counts holds the per-window counts observed before this request's
	// marker was recorded.
	Counts map[string]int64
	At     time.Time
}

func (d Decision) DelayMillis() int64 {
	return d.Delay.Milliseconds()
}

// Limiter is the Redis-backed sliding-window limiter. It keeps no state of
// its own and is safe for concurrent use.
type Limiter struct {
	client    *redis.Client
	prefix    string
	windows   []Window
	selection Selection
	timeout   time.Duration
	now       func() time.Time
	token     func() string
}

func New(client *redis.Client, opts ...Option) (*Limiter, error) {
	if client == nil {
		return nil, Error.New("redis client is required")
	}
	l := &Limiter{
		client:    client,
		prefix:    rediskeys.RateLimitPrefix,
		windows:   DefaultWindows(),
		selection: SelectFirst,
		timeout:   2 * time.Second,
		now:       time.Now,
		token:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.windows) == 0 {
		return nil, Error.New("at least one window is required")
	}
	seen := make(map[string]struct{}, len(l.windows))
	for _, w := range l.windows {
		if err := w.validate(); err != nil {
			return nil, Error.Wrap(err)
		}
		if _, ok := seen[w.Name]; ok {
			return nil, Error.New("duplicate window %q", w.Name)
		}
		seen[w.Name] = struct{}{}
	}
	switch l.selection {
	case SelectFirst, SelectLongest:
	default:
		return nil, Error.New("unknown selection %q", l.selection)
	}
	return l, nil
}

// Check records the request for identity and reports whether it may run
// now or how long it should be delayed.
func (l *Limiter) Check(ctx context.Context, identity string) (_ Decision, err error) {
	defer mon.Task()(&ctx)(&err)

	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Decision{}, Error.Wrap(ErrInvalidIdentity)
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	now := l.now()
	nowMillis := now.UnixMilli()
	member := strconv.FormatInt(nowMillis, 10) + "-" + l.token()

	pipe := l.client.TxPipeline()
	cards := make([]*redis.IntCmd, len(l.windows))
	for i, w := range l.windows {
		key := l.key(identity, w.Name)
		cutoff := strconv.FormatInt(nowMillis-w.Length.Milliseconds(), 10)
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		cards[i] = pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMillis), Member: member})
		pipe.Expire(ctx, key, w.Length+w.Slack)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		mon.Counter("admission_store_failures").Inc(1)
		return Decision{}, Error.Wrap(store.Unavailable("rate limit check", err))
	}

	counts := make(map[string]int64, len(l.windows))
	for i, w := range l.windows {
		counts[w.Name] = cards[i].Val()
	}

	decision := l.decide(counts)
	decision.At = now
	if decision.Allowed {
		mon.Counter("admission_immediate").Inc(1)
	} else {
		mon.Counter("admission_delayed", monkit.NewSeriesTag("window", decision.Window)).Inc(1)
	}
	return decision, nil
}

func (l *Limiter) decide(counts map[string]int64) Decision {
	d := Decision{Allowed: true, Counts: counts}
	for _, w := range l.windows {
		if counts[w.Name] < w.Limit {
			continue
		}
		if d.Allowed || (l.selection == SelectLongest && w.Delay > d.Delay) {
			d.Allowed = false
			d.Delay = w.Delay
			d.Window = w.Name
		}
		if l.selection == SelectFirst {
			break
		}
	}
	return d
}

func (l *Limiter) key(identity, window string) string {
	if l.prefix == rediskeys.RateLimitPrefix {
		return rediskeys.RateLimitKey(identity, window)
	}
	return l.prefix + identity + ":" + window
}

// Windows returns a copy of the configured windows.
func (l *Limiter) Windows() []Window {
	out := make([]Window, len(l.windows))
	copy(out, l.windows)
	return out
}
