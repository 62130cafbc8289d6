// Package errdefs defines the error taxonomy shared by the orchestration
// packages: terminal wait timeouts and constraint violations (programming
// errors). Control-plane errors are not translated; they are wrapped with
// fmt.Errorf and keep their client-go identity.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Class classifies an error for callers that decide whether to retry.
type Class string

const (
	// ClassTimeout is a convergence wait that never succeeded. Terminal.
	ClassTimeout Class = "timeout"

	// ClassConstraint is a programming error such as a second exposed port
	// on one recipe. Never retried.
	ClassConstraint Class = "constraint"

	// ClassTransient is any other error, typically from the control plane.
	ClassTransient Class = "transient"
)

// TimeoutError reports a condition that did not become true within its budget.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
	Elapsed   time.Duration
	// LastErr is the last error the condition returned, if any.
	LastErr error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timeout waiting for %s (timeout: %v, elapsed: %v)", e.Operation, e.Timeout, e.Elapsed.Round(time.Millisecond))
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// ConstraintError reports misuse of the engine.
type ConstraintError struct {
	Subject string
	Reason  string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint violation on %s: %s", e.Subject, e.Reason)
}

// Constraint builds a ConstraintError with a formatted reason.
func Constraint(subject, format string, args ...any) error {
	return &ConstraintError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}

// IsTimeout reports whether err wraps a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsConstraint reports whether err wraps a ConstraintError.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// ClassOf returns the class of err. A nil error has no class.
func ClassOf(err error) Class {
	switch {
	case err == nil:
		return ""
	case IsConstraint(err):
		return ClassConstraint
	case IsTimeout(err):
		return ClassTimeout
	default:
		return ClassTransient
	}
}
