package ratelimit

import "time"

// Option configures a Limiter.
type Option func(*Limiter)

// WithPrefix replaces the "ratelimit:" key prefix.
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithWindows replaces the default second and minute windows. Order matters
// for SelectFirst.
func WithWindows(windows ...Window) Option {
	return func(l *Limiter) {
		l.windows = append([]Window(nil), windows...)
	}
}

func WithSelection(s Selection) Option {
	return func(l *Limiter) { l.selection = s }
}

// WithTimeout bounds each Check transaction. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) { l.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}
