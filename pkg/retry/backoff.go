// Package retry provides the retry policy value object used by the scheduler
// and pool, plus an injectable clock.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes how many times and how often to retry
type Policy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`

	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration `yaml:"base_delay" mapstructure:"base_delay"`

	// Factor multiplies the delay after each retry (>= 1)
	Factor float64 `yaml:"factor" mapstructure:"factor"`

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration `yaml:"max_delay" mapstructure:"max_delay"`

	// Jitter is the fraction of randomization applied to each delay (0.0-1.0)
	Jitter float64 `yaml:"jitter" mapstructure:"jitter"`
}

// DefaultPolicy returns the policy used when none is configured
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		Factor:     2,
		MaxDelay:   30 * time.Second,
		Jitter:     0.1,
	}
}

// Delay returns the delay before retry number attempt (0-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return Jitter(time.Duration(delay), p.Jitter)
}

// Exhausted reports whether retries has used up the policy.
func (p Policy) Exhausted(retries int) bool {
	return retries > p.MaxRetries
}

// Do calls fn until it succeeds, the policy is exhausted or ctx is done.
// It returns the last error from fn.
func (p Policy) Do(ctx context.Context, clock Clock, fn func(ctx context.Context) error) error {
	if clock == nil {
		clock = RealClock{}
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= p.MaxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-clock.After(p.Delay(attempt)):
		}
	}
}

// Jitter adds random jitter to a duration to prevent thundering herd.
// fraction is between 0.0 (no jitter) and 1.0 (up to 100% jitter).
func Jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	if fraction > 1.0 {
		fraction = 1.0
	}

	// duration * (1 ± fraction)
	multiplier := 1.0 + (rand.Float64()*2.0-1.0)*fraction
	return time.Duration(float64(d) * multiplier)
}
