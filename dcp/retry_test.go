package dcp

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyRetriesUnderMax(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Delay: func(int) time.Duration { return time.Millisecond }}
	v := p.Next(1, errors.New("boom"))
	if !v.Retry {
		t.Fatalf("expected retry on attempt 1 of 3")
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Delay: func(int) time.Duration { return time.Millisecond }}
	v := p.Next(4, errors.New("boom"))
	if v.Retry {
		t.Fatalf("expected exhaustion past max attempts")
	}
	var cannotRetry *CannotRetryError
	if !errors.As(v.Err, &cannotRetry) {
		t.Fatalf("expected CannotRetryError, got %v", v.Err)
	}
	if cannotRetry.Attempts != 3 {
		t.Fatalf("expected Attempts=3, got %d", cannotRetry.Attempts)
	}
}

func TestRetryPolicyInterrupt(t *testing.T) {
	sentinel := errors.New("auth failed")
	p := RetryPolicy{
		MaxAttempts: 5,
		Delay:       func(int) time.Duration { return time.Millisecond },
		Interrupt:   func(_ int, err error) bool { return errors.Is(err, sentinel) },
	}
	v := p.Next(1, sentinel)
	if v.Retry {
		t.Fatalf("expected interrupt to stop retrying")
	}
	if !errors.Is(v.Err, sentinel) {
		t.Fatalf("expected verbatim sentinel error, got %v", v.Err)
	}
}

func TestExponentialDelayGrows(t *testing.T) {
	d := ExponentialDelay(10*time.Millisecond, time.Second)
	d1 := d(1)
	d3 := d(3)
	if d1 <= 0 {
		t.Fatalf("expected positive delay, got %v", d1)
	}
	if d3 < d1 {
		t.Fatalf("expected later attempts to back off further: d1=%v d3=%v", d1, d3)
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Run(dummyCtx{}, RetryPolicy{MaxAttempts: 5, Delay: func(int) time.Duration { return time.Millisecond }}, func(attempt int) error {
		attempts = attempt
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestIsTransient(t *testing.T) {
	plain := errors.New("boom")
	if IsTransient(plain) {
		t.Fatalf("plain error should not be transient")
	}
	if !IsTransient(Transient(plain)) {
		t.Fatalf("wrapped error should be transient")
	}
}

type dummyCtx struct{}

func (dummyCtx) Done() <-chan struct{} { return nil }
func (dummyCtx) Err() error            { return nil }
