package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	fail := func() error { return errors.New("boom") }
	for i := 0; i < 3; i++ {
		if err := b.Execute(fail); err == nil {
			t.Fatal("expected failure")
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open state, got %v", b.State())
	}
	if err := b.Execute(fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 1, ResetTimeout: 5 * time.Millisecond})
	if err := b.Execute(func() error { return errors.New("boom") }); err == nil {
		t.Fatal("expected failure")
	}
	time.Sleep(10 * time.Millisecond)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe should pass after cool-down: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed state after successful probe, got %v", b.State())
	}
}
