// Package ledger holds the pieces shared by the task and milestone state
// machines: the error taxonomy, per-key serialization and the observer hook.
package ledger

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Match with errors.Is.
var (
	ErrUnauthorized           = errors.New("unauthorized")
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrThresholdMisconfigured = errors.New("threshold misconfigured")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrConflict               = errors.New("concurrent modification")
)

// Error is a failed ledger operation. The record it names is unchanged.
type Error struct {
	Kind      error
	Op        string
	Key       string
	Current   string // state observed, for transition errors
	Attempted string // state requested, for transition errors
	Msg       string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	s := e.Op + ": " + e.Kind.Error()
	if e.Key != "" {
		s += " [" + e.Key + "]"
	}
	if e.Current != "" || e.Attempted != "" {
		s += fmt.Sprintf(": %s -> %s", e.Current, e.Attempted)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

func (e *Error) Unwrap() error { return e.Kind }

// Unauthorized reports that caller lacks the capability op requires.
func Unauthorized(op, caller, capability string) *Error {
	return &Error{Kind: ErrUnauthorized, Op: op, Key: caller, Msg: "requires " + capability}
}

// NotFound reports an unknown record.
func NotFound(op, key string) *Error {
	return &Error{Kind: ErrNotFound, Op: op, Key: key}
}

// AlreadyExists reports a duplicate creation.
func AlreadyExists(op, key string) *Error {
	return &Error{Kind: ErrAlreadyExists, Op: op, Key: key}
}

// InvalidTransition reports an operation attempted outside its source state.
func InvalidTransition(op, key, current, attempted string) *Error {
	return &Error{Kind: ErrInvalidTransition, Op: op, Key: key, Current: current, Attempted: attempted}
}

// ThresholdMisconfigured reports an approval threshold that can never be met.
func ThresholdMisconfigured(op string, required int) *Error {
	return &Error{Kind: ErrThresholdMisconfigured, Op: op, Msg: fmt.Sprintf("required approvals %d must be positive", required)}
}

// InvalidArgument reports a malformed input.
func InvalidArgument(op, msg string) *Error {
	return &Error{Kind: ErrInvalidArgument, Op: op, Msg: msg}
}

// Conflict reports that a store rejected a write made against a stale version.
func Conflict(op, key string) *Error {
	return &Error{Kind: ErrConflict, Op: op, Key: key}
}

// IsNotFound reports whether err names an unknown record.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Retryable reports whether a caller may resubmit the operation unchanged.
// Every taxonomy error except ErrConflict is permanent; errors from below the
// core (driver, network) are treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var le *Error
	if errors.As(err, &le) {
		return errors.Is(le.Kind, ErrConflict)
	}
	return true
}

// Kind returns a short label for err, used for metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrThresholdMisconfigured):
		return "threshold_misconfigured"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
