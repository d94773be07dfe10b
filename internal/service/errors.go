package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStateTransition means the caller asked for a transition the
	// entity's current state does not allow (e.g. confirming a failed intent).
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrNotFound is returned for unknown intent/method/subscription ids.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks stale or duplicate events stopped by the ordering or
	// idempotence guards. Not a failure: callers acknowledge and move on.
	ErrConflict = errors.New("stale or duplicate event")
)

// ValidationError is bad caller input. Resolved at the boundary with a 4xx,
// never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// AuthenticationError is a missing or invalid webhook signature or API
// credential. Increments the failed-attempt counter at the boundary.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string { return e.Reason }

// GatewayError wraps an upstream payment-provider failure. Retryable errors
// (network, timeout, 5xx) are retried internally with backoff before being
// surfaced; declines are permanent.
type GatewayError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ConfigurationError is a missing secret or table entry discovered lazily.
// At startup it is fatal; per request it maps to a 500.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return e.Reason }

// IsRetryable reports whether err should be surfaced to the caller as
// retryable (webhook senders see a 500, API callers may poll).
func IsRetryable(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}
