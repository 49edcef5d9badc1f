package session

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrSessionNotFound means no live entry exists for the id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned together with the existing snapshot when
	// a create hits a live session.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotReady matches every *NotReadyError.
	ErrSessionNotReady = errors.New("session not ready")
)

// NotReadyError carries the status the session was in.
type NotReadyError struct {
	ID     string
	Status Status
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("session %s not ready (status %s)", e.ID, e.Status)
}

func (e *NotReadyError) Is(target error) bool { return target == ErrSessionNotReady }

// NeedsQR reports whether the caller should prompt a re-scan rather than wait.
func (e *NotReadyError) NeedsQR() bool {
	switch e.Status {
	case StatusQRPending, StatusDisconnected, StatusAuthFailure:
		return true
	}
	return false
}

// InitializationError means the driver failed to start. The entry was
// not retained.
type InitializationError struct {
	ID    string
	Cause error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("session %s initialization failed: %v", e.ID, e.Cause)
}

func (e *InitializationError) Unwrap() error { return e.Cause }

// TimeoutError is a bounded external call that ran out of budget.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %dms", e.Op, e.AfterMs())
}

func (e *TimeoutError) AfterMs() int64 { return e.After.Milliseconds() }

// DriverError wraps any unexpected failure of the automation driver.
type DriverError struct {
	Op    string
	Cause error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s: %v", e.Op, e.Cause)
}

func (e *DriverError) Unwrap() error { return e.Cause }

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
