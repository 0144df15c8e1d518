package resilience

import (
	"errors"
	"sync"
	"time"
)

// Circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

var (
	// ErrCircuitOpen is returned when the breaker rejects a call outright.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrProbeInFlight is returned when a half-open breaker already has its
	// single recovery probe in flight.
	ErrProbeInFlight = errors.New("circuit breaker probe already in flight")
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures before opening.
	Threshold int

	// ResetTimeout is how long the circuit stays open before admitting a
	// half-open probe.
	ResetTimeout time.Duration

	// OnTransition is called after each state change. Notification only;
	// it must not block and cannot alter breaker behavior.
	OnTransition func(target string, from, to State)
}

// Breaker is a per-target circuit breaker. State transitions are linearized
// under a single mutex so concurrent callers never both admit a probe.
type Breaker struct {
	target string
	config BreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time
}

// NewBreaker creates a breaker for the given target key.
func NewBreaker(target string, config BreakerConfig) *Breaker {
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		target: target,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Admit decides whether a call may proceed. It returns isProbe = true when
// the caller is the single half-open recovery probe; such a caller must
// report the outcome via Success or Failure.
func (b *Breaker) Admit() (isProbe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.ResetTimeout {
			return false, ErrCircuitOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		return true, nil

	case StateHalfOpen:
		if b.probeInFlight {
			return false, ErrProbeInFlight
		}
		b.probeInFlight = true
		return true, nil

	default:
		return false, nil
	}
}

// Success resets the consecutive failure count and closes a half-open
// breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.probeInFlight = false
		b.transitionLocked(StateClosed)
	}
}

// Failure records a failed call. Reaching the threshold opens the circuit;
// a failure while half-open reopens it immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.Threshold {
			b.openedAt = b.now()
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.openedAt = b.now()
		b.transitionLocked(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Target returns the target key this breaker guards.
func (b *Breaker) Target() string {
	return b.target
}

// Snapshot reports the breaker's current observable state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Target:   b.target,
		State:    b.state,
		Failures: b.failures,
		OpenedAt: b.openedAt,
	}
}

// transitionLocked changes state; b.mu must be held.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if hook := b.config.OnTransition; hook != nil {
		// Call asynchronously; the hook must never hold up admission.
		go hook(b.target, from, to)
	}
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Target   string    `json:"target"`
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitzero"`
}

// BreakerSet owns one breaker per distinct downstream target.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults BreakerConfig
}

// NewBreakerSet creates a set that mints breakers with the given defaults.
func NewBreakerSet(defaults BreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for target, creating it on first use.
func (s *BreakerSet) Get(target string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[target]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[target]; ok {
		return b
	}
	b = NewBreaker(target, s.defaults)
	s.breakers[target] = b
	return b
}

// Snapshots returns the state of every breaker in the set.
func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
