// Package errors defines the error taxonomy shared by the engine and all
// storage backends: sentinel kinds for classification plus a StorageError
// wrapper that carries the failing operation, key, and retryability.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks a request missing identity fields. Callers that
	// skip ineligible documents treat this as a silent no-op, not a failure.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStorageUnavailable marks a connection or lock-acquisition failure.
	// Retryable until attempts are exhausted.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrStorageCorruption marks a record that failed to decode. The engine
	// treats the record as empty rather than propagating a crash.
	ErrStorageCorruption = errors.New("storage corruption")
	// ErrConfiguration marks an unusable setup, e.g. an unreachable backend
	// at startup. Fatal, surfaced before any indexing is attempted.
	ErrConfiguration = errors.New("configuration error")
)

// StorageError wraps a backend failure with the operation name, the key it
// was operating on, and whether retrying may succeed.
type StorageError struct {
	Op        string
	Key       string
	Err       error
	Retryable bool
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError builds a StorageError around err.
func NewStorageError(op, key string, err error, retryable bool) *StorageError {
	return &StorageError{Op: op, Key: key, Err: err, Retryable: retryable}
}

// Unavailable builds a retryable StorageError wrapping ErrStorageUnavailable.
func Unavailable(op, key string, err error) *StorageError {
	return &StorageError{
		Op:        op,
		Key:       key,
		Err:       fmt.Errorf("%w: %v", ErrStorageUnavailable, err),
		Retryable: true,
	}
}

// Corruption builds a non-retryable StorageError wrapping ErrStorageCorruption.
func Corruption(op, key string, err error) *StorageError {
	return &StorageError{
		Op:        op,
		Key:       key,
		Err:       fmt.Errorf("%w: %v", ErrStorageCorruption, err),
		Retryable: false,
	}
}

// IsRetryable reports whether err is a StorageError flagged retryable.
func IsRetryable(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}
