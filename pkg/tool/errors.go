// Package tool implements the tool-execution subsystem: payload and
// scope validation, provider dispatch, retries, timeouts, per-tool
// circuit breakers, URL allow-listing, and the execution lifecycle.
package tool

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates the payload, scope, or enablement check
	// failed. Never retried.
	ErrValidation = errors.New("tool validation failed")

	// ErrProvider indicates the provider failed to execute the tool.
	ErrProvider = errors.New("tool provider error")

	// ErrProviderTimeout indicates the provider timed out.
	ErrProviderTimeout = errors.New("tool execution timed out")

	// ErrProviderAuth indicates missing or rejected credentials (401/403
	// or absent env key). Never retried.
	ErrProviderAuth = errors.New("tool authentication failed")

	// ErrURLValidation indicates the endpoint URL failed the scheme or
	// host allow-list check. Raised pre-dispatch; no HTTP call is made.
	ErrURLValidation = errors.New("tool endpoint URL rejected")

	// ErrCircuitOpen indicates the per-tool circuit breaker refused the
	// call before dispatch.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ValidationError carries the tool and reason of a failed validation.
type ValidationError struct {
	ToolID int64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %d: %s", e.ToolID, e.Reason)
}

// Unwrap ties ValidationError into the taxonomy.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
