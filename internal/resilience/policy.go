// Package resilience wraps outbound calls with bounded retry and per-target
// circuit breaking so transient downstream failures degrade gracefully.
package resilience

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior for one call site. A policy is
// immutable once constructed and is attached to the call site, not global.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
	// JitterFraction randomizes each delay by +/- this fraction (0 to 1).
	JitterFraction float64
}

// DefaultPolicy returns the policy used when a call site does not tune one.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// normalized returns a copy with zero values replaced by safe defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.JitterFraction > 1 {
		p.JitterFraction = 1
	}
	return p
}

// Backoff returns the deterministic delay before retry attempt k (1-based):
// min(MaxDelay, InitialDelay * Multiplier^(k-1)).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt <= 0 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// BackoffWithJitter returns Backoff(attempt) randomized by +/- JitterFraction.
func (p RetryPolicy) BackoffWithJitter(attempt int) time.Duration {
	base := p.Backoff(attempt)
	p = p.normalized()
	if p.JitterFraction == 0 {
		return base
	}
	// base * [1-jitter, 1+jitter]
	factor := 1 + p.JitterFraction*(2*rand.Float64()-1) // #nosec G404 -- jitter does not require cryptographic randomness
	return time.Duration(float64(base) * factor)
}
