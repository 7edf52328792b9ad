package retry

import (
	"errors"
	"math/rand"
	"time"
)

type Kind string

const (
	Exponential Kind = "exponential"
	Fixed       Kind = "fixed"
)

const (
	DefaultBase        = 1 * time.Second
	DefaultMax         = 1 * time.Hour
	DefaultMaxAttempts = 3
)

// Policy maps an attempt number to the delay before the next attempt becomes
// eligible.
type Policy struct {
	Kind   Kind          `yaml:"kind"`
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Jitter float64       `yaml:"jitter"`
}

func DefaultPolicy() Policy {
	return Policy{
		Kind: Exponential,
		Base: DefaultBase,
		Max:  DefaultMax,
	}
}

func (p Policy) Validate() error {
	switch p.Kind {
	case Exponential, Fixed:
	default:
		return errors.New("kind must be exponential or fixed")
	}
	if p.Base <= 0 {
		return errors.New("base must be positive")
	}
	if p.Max <= 0 {
		return errors.New("max must be positive")
	}
	if p.Max < p.Base {
		return errors.New("max must be >= base")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return errors.New("jitter must be in [0,1)")
	}
	return nil
}

// NextDelay returns Base*2^(attempt-1) for exponential policies and Base for
// fixed ones, capped at Max. attempt is the number of attempts made so far.
func NextDelay(p Policy, attempt int64, rng *rand.Rand) (time.Duration, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if attempt < 1 {
		return 0, errors.New("attempt must be >= 1")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	delay := p.Base
	if p.Kind == Exponential {
		for i := int64(1); i < attempt; i++ {
			if delay >= p.Max/2 {
				delay = p.Max
				break
			}
			delay *= 2
		}
	}
	if delay > p.Max {
		delay = p.Max
	}

	if p.Jitter > 0 {
		jitterRange := p.Jitter * 2
		delta := (rng.Float64() * jitterRange) - p.Jitter
		jittered := float64(delay) * (1 + delta)
		if jittered < float64(time.Millisecond) {
			jittered = float64(time.Millisecond)
		}
		delay = time.Duration(jittered)
	}
	return delay, nil
}

func NextScore(now time.Time, delay time.Duration) float64 {
	return float64(now.Add(delay).UnixMilli())
}
