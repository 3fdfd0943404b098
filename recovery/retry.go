package recovery

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Policy defines the bounded exponential-backoff retry policy.
type Policy struct {
	// MaxRetries is the total attempt budget (first attempt included).
	MaxRetries int `yaml:"max_retries"`
	// BaseDelay is the initial backoff delay and the lower clamp bound.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay is the upper clamp bound for the backoff delay.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultPolicy returns the default retry policy: 3 attempts, 1s..10s backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   10 * time.Second,
	}
}

// normalized returns a copy of the policy with invalid fields replaced by
// defaults, so a zero-value Policy still behaves sanely.
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = d.MaxDelay
		if p.MaxDelay < p.BaseDelay {
			p.MaxDelay = p.BaseDelay
		}
	}
	return p
}

// Wait returns the backoff delay after the given zero-based failed attempt:
// BaseDelay*2^attempt clamped to [BaseDelay, MaxDelay].
func (p Policy) Wait(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < float64(p.BaseDelay) {
		delay = float64(p.BaseDelay)
	}
	return time.Duration(delay)
}

// sleep blocks for d or until the context is cancelled. The blocking wait is
// deliberate: retries stall the whole pipeline for the backoff duration.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExhaustedError wraps the final failure after the retry budget ran out.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
