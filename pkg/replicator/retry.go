package replicator

import (
	"context"
	"math/rand"
	"time"

	"github.com/aretw0/humus/pkg/core"
)

// RetryConfig configures how transient failures are retried.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first) for
	// one-shot sessions. Continuous sessions retry until stopped.
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	// Default: 30s
	MaxBackoff time.Duration

	// BackoffMultiplier grows the backoff after each retry.
	// Default: 2.0
	BackoffMultiplier float64

	// Jitter adds randomness to backoff, 0.1 means ±10%.
	// Default: 0.1
	Jitter float64

	// RetryIf decides whether an error is worth another attempt.
	// Default: core.IsRetryable (network and i/o failures).
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the retry settings used when none are given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryIf:           core.IsRetryable,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = d.Jitter
	}
	if c.RetryIf == nil {
		c.RetryIf = d.RetryIf
	}
	return c
}

// retryer runs an operation until it succeeds, fails permanently, runs out of
// attempts or ctx is done. Unlimited retryers never run out of attempts.
type retryer struct {
	config    RetryConfig
	unlimited bool
	// onRetry is called before each backoff sleep.
	onRetry func(attempt int, err error, wait time.Duration)
}

func newRetryer(config RetryConfig, unlimited bool) *retryer {
	return &retryer{config: config.withDefaults(), unlimited: unlimited}
}

type retryResult struct {
	Attempts int
	LastErr  error
}

func (r *retryer) do(ctx context.Context, op func() error) retryResult {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 1; ; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return retryResult{Attempts: attempt}
		}
		if !r.config.RetryIf(lastErr) {
			return retryResult{Attempts: attempt, LastErr: lastErr}
		}
		if !r.unlimited && attempt >= r.config.MaxAttempts {
			return retryResult{Attempts: attempt, LastErr: lastErr}
		}

		wait := r.addJitter(backoff)
		if r.onRetry != nil {
			r.onRetry(attempt, lastErr, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return retryResult{Attempts: attempt, LastErr: ctx.Err()}
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * r.config.BackoffMultiplier)
		if backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}
}

func (r *retryer) addJitter(d time.Duration) time.Duration {
	if r.config.Jitter == 0 {
		return d
	}
	jitterRange := float64(d) * r.config.Jitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return time.Duration(float64(d) + jitter)
}
