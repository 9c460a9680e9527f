package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestStorageErrorUnwrap(t *testing.T) {
	err := Unavailable("get_postings", "site1/term", errors.New("connection refused"))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected err to wrap ErrStorageUnavailable, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("expected unavailable error to be retryable")
	}
}

func TestCorruptionNotRetryable(t *testing.T) {
	err := Corruption("decode_record", "site1/doc3", errors.New("bad length prefix"))
	if !errors.Is(err, ErrStorageCorruption) {
		t.Fatalf("expected err to wrap ErrStorageCorruption, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("corruption must not be retryable")
	}
}

func TestIsRetryableThroughWrapping(t *testing.T) {
	inner := Unavailable("incr_total_length", "site1", errors.New("deadlock detected"))
	wrapped := fmt.Errorf("updating corpus totals: %w", inner)
	if !IsRetryable(wrapped) {
		t.Fatal("retryability should survive fmt.Errorf wrapping")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatal("plain errors are not retryable")
	}
}
