package utils

import (
	"math"
	"time"
)

// BackoffStrategy computes the delay before a retry
type BackoffStrategy interface {
	// NextDelay returns the delay for the given attempt number (0-indexed)
	NextDelay(attempt int) time.Duration
}

// BackoffKind names a delay curve accepted in resource.retry.backoff
type BackoffKind string

const (
	BackoffConstant    BackoffKind = "constant"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

const defaultMaxBackoff = 30 * time.Second

// Backoff is a capped delay curve. Exponential curves multiply Base by
// Factor per attempt; with Jitter the result is scaled into [0.5, 1.5)
// using a seeded RandSource so reruns wait the same.
type Backoff struct {
	Kind   BackoffKind
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter bool

	rng *RandSource
}

func NewConstantBackoff(delay time.Duration) *Backoff {
	return &Backoff{Kind: BackoffConstant, Base: delay, Max: delay}
}

func NewLinearBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Kind: BackoffLinear, Base: base, Max: max}
}

// NewExponentialBackoff treats a non-positive factor as 2.
func NewExponentialBackoff(base, max time.Duration, factor float64, jitter bool) *Backoff {
	if factor <= 0 {
		factor = 2
	}
	return &Backoff{Kind: BackoffExponential, Base: base, Max: max, Factor: factor, Jitter: jitter}
}

// WithRand sets the jitter source.
func (b *Backoff) WithRand(rng *RandSource) *Backoff {
	b.rng = rng
	return b
}

func (b *Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	var d float64
	switch b.Kind {
	case BackoffLinear:
		d = float64(b.Base) * float64(attempt+1)
	case BackoffExponential:
		d = float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	default:
		d = float64(b.Base)
	}
	if b.Max > 0 {
		d = math.Min(d, float64(b.Max))
	}
	if b.Jitter {
		if b.rng == nil {
			b.rng = NewRandSource(0)
		}
		d *= 0.5 + b.rng.Float64()
	}
	return time.Duration(d)
}

// BackoffFromConfig builds the curve named by kind. A zero maxMs caps the
// delay at 30s; unknown kinds get jittered exponential.
func BackoffFromConfig(kind string, baseMs, maxMs int) *Backoff {
	base := time.Duration(baseMs) * time.Millisecond
	max := time.Duration(maxMs) * time.Millisecond
	if max == 0 {
		max = defaultMaxBackoff
	}
	switch BackoffKind(kind) {
	case BackoffConstant:
		return NewConstantBackoff(base)
	case BackoffLinear:
		return NewLinearBackoff(base, max)
	}
	return NewExponentialBackoff(base, max, 2, true)
}
