// Package retry decides whether a failed attempt is retried and how long the
// owning worker waits before requeueing it.
package retry

import (
	"errors"
	"math/rand/v2"
	"time"

	"taskd/internal/task"
)

const (
	DefaultBase     = 500 * time.Millisecond
	DefaultMaxDelay = 15 * time.Second
)

// Policy is exponential backoff with a cap. The zero value uses the defaults
// and no jitter.
type Policy struct {
	Base     time.Duration
	MaxDelay time.Duration

	// Jitter spreads each delay by +/- this fraction (0.2 = 20%). 0 keeps
	// delays deterministic.
	Jitter float64
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// ShouldRetry is called after attempt number `attempt` (1-based) failed with
// err. It retries while attempt < maxAttempts, unless err is fatal or a
// cancellation.
func (p Policy) ShouldRetry(attempt, maxAttempts int, err error) (bool, time.Duration) {
	if attempt >= maxAttempts {
		return false, 0
	}
	if err != nil && (task.IsFatal(err) || errors.Is(err, task.ErrCancelled)) {
		return false, 0
	}
	return true, p.Delay(attempt, err)
}

// Delay returns Base * 2^(attempt-1) capped at MaxDelay, or the error's
// RetryAfter hint when it carries one.
func (p Policy) Delay(attempt int, err error) time.Duration {
	p = p.withDefaults()

	var ra task.RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return p.jitter(min(max(ra.RetryAfter(), 0), p.MaxDelay))
	}

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	return p.jitter(d)
}

func (p Policy) jitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	r := (rand.Float64()*2 - 1) * p.Jitter
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
