package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conduitworks/conduit/internal/fault"
)

// AttemptEvent describes one attempt of a wrapped call, emitted for
// observability. Observers must not alter control flow.
type AttemptEvent struct {
	Target  string
	Attempt int
	Delay   time.Duration // backoff slept before this attempt (0 for the first)
	Err     error         // nil on success
	Kind    fault.Kind    // classification of Err, if any
}

// AttemptObserver receives attempt events.
type AttemptObserver func(ev AttemptEvent)

// Executor runs asynchronous units of work under a retry policy and a
// per-target circuit breaker.
type Executor struct {
	logger    *slog.Logger
	onAttempt AttemptObserver
}

// NewExecutor creates an executor. logger may be nil; observer may be nil.
func NewExecutor(logger *slog.Logger, onAttempt AttemptObserver) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger:    logger.With("component", "resilience"),
		onAttempt: onAttempt,
	}
}

// Execute runs fn under policy and breaker, keyed on target.
//
// Terminal errors propagate immediately without consuming a retry attempt but
// still count toward the breaker. Retriable errors are retried with
// exponential backoff until attempts are exhausted, at which point the
// breaker records the failure and the caller receives an exhaustion error.
// The breaker state is re-checked before every attempt.
func (e *Executor) Execute(ctx context.Context, target string, policy RetryPolicy, breaker *Breaker, fn func(context.Context) error) error {
	policy = policy.normalized()

	var delay time.Duration
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		isProbe, err := breaker.Admit()
		if err != nil {
			e.emit(AttemptEvent{Target: target, Attempt: attempt, Delay: delay, Err: err, Kind: fault.KindExhaustion})
			return fault.New(fault.KindExhaustion, target, err)
		}

		err = fn(ctx)
		if err == nil {
			breaker.Success()
			e.emit(AttemptEvent{Target: target, Attempt: attempt, Delay: delay})
			return nil
		}

		kind := fault.KindOf(err)
		retriable := fault.Retriable(err)
		e.emit(AttemptEvent{Target: target, Attempt: attempt, Delay: delay, Err: err, Kind: kind})
		e.logger.Debug("attempt failed",
			"target", target,
			"attempt", attempt,
			"retriable", retriable,
			"error", err)

		if !retriable {
			breaker.Failure()
			return err
		}

		if isProbe {
			// The single half-open probe failed; reopen now rather than
			// waiting for retries to run out.
			breaker.Failure()
		}

		if attempt >= policy.MaxAttempts {
			if !isProbe {
				breaker.Failure()
			}
			return fault.New(fault.KindExhaustion, target,
				fmt.Errorf("retries exhausted after %d attempts: %w", attempt, err))
		}

		delay = policy.BackoffWithJitter(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// ExecuteValue runs a value-returning fn under ex with the same semantics as
// Execute.
func ExecuteValue[T any](ctx context.Context, ex *Executor, target string, policy RetryPolicy, breaker *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var value T
	err := ex.Execute(ctx, target, policy, breaker, func(ctx context.Context) error {
		var err error
		value, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

func (e *Executor) emit(ev AttemptEvent) {
	if e.onAttempt != nil {
		e.onAttempt(ev)
	}
}
