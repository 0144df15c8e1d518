package resilience

import (
	"testing"
	"time"
)

func TestBackoff_ExponentialGrowth(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, expected := range want {
		attempt := i + 1
		if got := policy.Backoff(attempt); got != expected {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestBackoff_CappedAtMaxDelay(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     3 * time.Second,
		Multiplier:   2.0,
	}

	if got := policy.Backoff(10); got != 3*time.Second {
		t.Errorf("Backoff(10) = %v, want cap of 3s", got)
	}
}

func TestBackoff_InvalidAttempt(t *testing.T) {
	policy := DefaultPolicy()
	if policy.Backoff(0) != policy.Backoff(1) {
		t.Error("attempt 0 should be treated as attempt 1")
	}
}

func TestBackoffWithJitter_Bounds(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.5,
	}

	base := policy.Backoff(2)
	lo := time.Duration(float64(base) * 0.5)
	hi := time.Duration(float64(base) * 1.5)

	for i := 0; i < 100; i++ {
		got := policy.BackoffWithJitter(2)
		if got < lo || got > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestBackoffWithJitter_ZeroJitterIsDeterministic(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	if got := policy.BackoffWithJitter(1); got != 50*time.Millisecond {
		t.Errorf("expected deterministic delay with zero jitter, got %v", got)
	}
}
