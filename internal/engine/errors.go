package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned when an intake or dispatch queue rejects work.
	ErrQueueFull = errors.New("queue full")
	// ErrStopped is returned after shutdown has begun.
	ErrStopped = errors.New("engine stopped")
)

// TransientError wraps a collaborator failure that is worth retrying:
// rate limits, timeouts, 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for nil err.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// PermanentError wraps a recipient failure that retrying cannot fix:
// closed DMs, no mutual guilds.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable. Returns nil for nil err.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// dataError marks an inconsistency that should skip one entry and continue.
func dataError(format string, args ...any) error {
	return fmt.Errorf("data inconsistency: "+format, args...)
}
