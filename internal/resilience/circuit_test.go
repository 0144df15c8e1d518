package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := NewBreaker("svc", BreakerConfig{Threshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		b.Failure()
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed before threshold, got %s", b.State())
	}

	b.Failure()
	if b.State() != StateOpen {
		t.Fatalf("expected open at threshold, got %s", b.State())
	}
}

func TestBreaker_RejectsWhileOpen(t *testing.T) {
	b := NewBreaker("svc", BreakerConfig{Threshold: 1, ResetTimeout: time.Minute})
	b.Failure()

	isProbe, err := b.Admit()
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if isProbe {
		t.Error("rejected call must not be a probe")
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b := NewBreaker("svc", BreakerConfig{Threshold: 1, ResetTimeout: 10 * time.Millisecond})
	b.Failure()

	time.Sleep(20 * time.Millisecond)

	isProbe, err := b.Admit()
	if err != nil {
		t.Fatalf("expected probe admission, got %v", err)
	}
	if !isProbe {
		t.Error("first call after reset timeout should be the probe")
	}
	if b.State() != StateHalfOpen {
		t.Errorf("expected half-open, got %s", b.State())
	}
}

func TestBreaker_SingleProbe(t *testing.T) {
	b := NewBreaker("svc", BreakerConfig{Threshold: 1, ResetTimeout: 10 * time.Millisecond})
	b.Failure()
	time.Sleep(20 * time.Millisecond)

	if _, err := b.Admit(); err != nil {
		t.Fatalf("probe admission failed: %v", err)
	}

	_, err := b.Admit()
	if !errors.Is(err, ErrProbeInFlight) {
		t.Fatalf("expected ErrProbeInFlight for second caller, got %v", err)
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := NewBreaker("svc", BreakerConfig{Threshold: 1, ResetTimeout: 10 * time.Millisecond})
	b.Failure()
	time.Sleep(20 * time.Millisecond)

	if _, err := b.Admit(); err != nil {
		t.Fatalf("probe admission failed: %v", err)
	}
	b.Success()

	if b.State() != StateClosed {
		t.Errorf("expected closed after probe success, got %s", b.State())
	}
	if snap := b.Snapshot(); snap.Failures != 0 {
		t.Errorf("expected failures reset, got %d", snap.Failures)
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := NewBreaker("svc", BreakerConfig{Threshold: 1, ResetTimeout: time.Minute})
	b.Failure()

	// Force half-open by rewinding openedAt.
	b.mu.Lock()
	b.openedAt = time.Now().Add(-2 * time.Minute)
	b.mu.Unlock()

	if _, err := b.Admit(); err != nil {
		t.Fatalf("probe admission failed: %v", err)
	}
	b.Failure()

	if b.State() != StateOpen {
		t.Fatalf("expected reopen after probe failure, got %s", b.State())
	}
	if _, err := b.Admit(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected fresh open window, got %v", err)
	}
}

func TestBreaker_ConcurrentProbeAdmission(t *testing.T) {
	b := NewBreaker("svc", BreakerConfig{Threshold: 1, ResetTimeout: 1 * time.Millisecond})
	b.Failure()
	time.Sleep(5 * time.Millisecond)

	const callers = 16
	var wg sync.WaitGroup
	probes := make(chan struct{}, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if isProbe, err := b.Admit(); err == nil && isProbe {
				probes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(probes)

	if n := len(probes); n != 1 {
		t.Errorf("expected exactly one admitted probe, got %d", n)
	}
}

func TestBreakerSet_OneBreakerPerTarget(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{Threshold: 2, ResetTimeout: time.Minute})

	a := set.Get("svc-a")
	if set.Get("svc-a") != a {
		t.Error("expected the same breaker instance per target")
	}
	if set.Get("svc-b") == a {
		t.Error("expected distinct breakers per target")
	}

	a.Failure()
	a.Failure()
	if set.Get("svc-b").State() != StateClosed {
		t.Error("failures on one target must not affect another")
	}

	if len(set.Snapshots()) != 2 {
		t.Errorf("expected 2 snapshots, got %d", len(set.Snapshots()))
	}
}

func TestBreaker_TransitionHook(t *testing.T) {
	transitions := make(chan State, 4)
	b := NewBreaker("svc", BreakerConfig{
		Threshold:    1,
		ResetTimeout: time.Minute,
		OnTransition: func(target string, from, to State) {
			if target != "svc" {
				t.Errorf("unexpected target %q", target)
			}
			transitions <- to
		},
	})

	b.Failure()

	select {
	case to := <-transitions:
		if to != StateOpen {
			t.Errorf("expected transition to open, got %s", to)
		}
	case <-time.After(time.Second):
		t.Fatal("transition hook not called")
	}
}
