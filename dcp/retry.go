package dcp

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Delay computes the sleep duration for attempt n (1-based), per
// spec.md §4.1. RetryPolicy delegates the curve itself to
// github.com/cenkalti/backoff/v5's exponential backoff so this module
// does not hand-roll a second implementation of a thoroughly-solved
// problem; RetryPolicy keeps the Couchbase-specific verdict algebra
// (maxAttempts, interrupting predicate, observer) on top of it.
type Delay func(attempt int) time.Duration

// ExponentialDelay builds a Delay from backoff/v5's ExponentialBackOff,
// matching spec.md's "exponential with base, cap, unit" description.
func ExponentialDelay(base, cap time.Duration) Delay {
	mk := func() *backoff.ExponentialBackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = base
		b.MaxInterval = cap
		b.Multiplier = 2.0
		b.RandomizationFactor = 0.2
		return b
	}
	return func(attempt int) time.Duration {
		b := mk()
		d := cap
		for i := 0; i < attempt; i++ {
			next := b.NextBackOff()
			if next == backoff.Stop {
				return cap
			}
			d = next
		}
		return d
	}
}

// RetryObserver is invoked after each computed delay, before sleeping.
type RetryObserver func(attempt int, err error, delay time.Duration)

// RetryPolicy is a pure function from (attempt, error) to a verdict:
// sleep-then-retry, give up with CannotRetryError, or propagate err
// verbatim, per spec.md §4.1.
type RetryPolicy struct {
	MaxAttempts int
	Delay       Delay
	// Interrupt, if non-nil and it returns true for err, halts retrying
	// and propagates err verbatim instead of wrapping it in
	// CannotRetryError.
	Interrupt RetryObserver2
	Observer  RetryObserver
}

// RetryObserver2 is a predicate, named distinctly from RetryObserver
// only so call sites read clearly (`Interrupt: func(...) bool`).
type RetryObserver2 = func(attempt int, err error) bool

// Verdict is the result of asking a RetryPolicy what to do after
// attempt n failed with err.
type Verdict struct {
	// Retry is true when the caller should sleep Delay then retry.
	Retry bool
	Delay time.Duration
	// Err is set when Retry is false: either err itself (Interrupt
	// fired) or a *CannotRetryError (attempts exhausted).
	Err error
}

// Next evaluates the policy for attempt n (1-based) having just failed
// with err.
func (p RetryPolicy) Next(n int, err error) Verdict {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > maxRetryAttemptsCeiling {
		maxAttempts = maxRetryAttemptsCeiling
	}
	if n > maxAttempts {
		return Verdict{Err: &CannotRetryError{Cause: err, Attempts: n - 1}}
	}
	if p.Interrupt != nil && p.Interrupt(n, err) {
		return Verdict{Err: err}
	}
	delayFn := p.Delay
	if delayFn == nil {
		delayFn = ExponentialDelay(100*time.Millisecond, 10*time.Second)
	}
	d := delayFn(n)
	if p.Observer != nil {
		p.Observer(n, err, d)
	}
	return Verdict{Retry: true, Delay: d}
}

// maxRetryAttemptsCeiling is the "capped at MAX_INT - 1" bound from
// spec.md §4.1, kept well below the literal int ceiling so attempt
// counters never risk overflow when incremented past it.
const maxRetryAttemptsCeiling = 1<<31 - 2

// Run drives op under the policy, sleeping between attempts, until op
// succeeds, the policy interrupts, or attempts are exhausted. ctx
// cancellation aborts an in-progress sleep immediately.
func Run(ctx cancelable, policy RetryPolicy, op func(attempt int) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > maxRetryAttemptsCeiling {
		maxAttempts = maxRetryAttemptsCeiling
	}
	var lastErr error
	for attempt := 1; ; attempt++ {
		if attempt > maxAttempts {
			return &CannotRetryError{Cause: lastErr, Attempts: attempt - 1}
		}
		lastErr = op(attempt)
		if lastErr == nil {
			return nil
		}
		verdict := policy.Next(attempt, lastErr)
		if !verdict.Retry {
			return verdict.Err
		}
		select {
		case <-time.After(verdict.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// cancelable is the subset of context.Context Run needs; kept as its
// own interface so call sites can pass context.Context directly.
type cancelable interface {
	Done() <-chan struct{}
	Err() error
}
