package core

import (
	"math/rand"
	"time"
)

// maxBackoffShift caps the exponential term at 2^10 so large attempt
// counts cannot overflow the delay computation.
const maxBackoffShift = 10

// Backoff computes jittered exponential retry delays:
//
//	delay = Base * 2^attempt + uniform(0, JitterMax)
//
// The exponential term is deterministic given the attempt number; the
// additive uniform jitter decorrelates retries across many concurrent
// tasks so they do not fire in lockstep against a recovering downstream.
type Backoff struct {
	Base      time.Duration
	JitterMax time.Duration
	Max       time.Duration // cap on the exponential term; 0 means uncapped

	rng *rand.Rand
}

// NewBackoff builds a Backoff from a retry policy, falling back to the
// default policy for missing or unparseable intervals.
func NewBackoff(policy *RetryPolicy) Backoff {
	def := DefaultRetryPolicy()
	if policy == nil {
		policy = &def
	}

	b := Backoff{Base: time.Second}
	if d, err := ParseInterval(firstNonEmpty(policy.BaseInterval, def.BaseInterval)); err == nil {
		b.Base = d
	}
	if policy.JitterMax != "" {
		if d, err := ParseInterval(policy.JitterMax); err == nil {
			b.JitterMax = d
		}
	}
	if policy.MaxInterval != "" {
		if d, err := ParseInterval(policy.MaxInterval); err == nil {
			b.Max = d
		}
	}
	return b
}

// WithRand returns a copy of b drawing jitter from r. Tests use this to
// make the jitter term deterministic.
func (b Backoff) WithRand(r *rand.Rand) Backoff {
	b.rng = r
	return b
}

// Delay returns the delay before the given attempt (0-based) is retried.
// The result is always >= Base * 2^min(attempt, 10).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	shift := attempt
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	delay := b.Base << uint(shift)
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}

	if b.JitterMax > 0 {
		if b.rng != nil {
			delay += time.Duration(b.rng.Int63n(int64(b.JitterMax)))
		} else {
			delay += time.Duration(rand.Int63n(int64(b.JitterMax)))
		}
	}

	return delay
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
