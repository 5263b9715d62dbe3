package core

import (
	"errors"
	"fmt"
)

// Static errors shared across the orchestration core.
var (
	// ErrNoProviderAvailable indicates that no HEALTHY or DEGRADED provider
	// exists for the requested domain. Tasks failing with it are never
	// retried; the error kind is preserved on the terminal record.
	ErrNoProviderAvailable = errors.New("no provider available")
	// ErrQueueUnavailable indicates the broker was unreachable at
	// submission time.
	ErrQueueUnavailable = errors.New("task queue unavailable")
	// ErrTaskNotFound indicates no task record exists for the given id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskTerminal indicates a write was attempted against a task
	// already in SUCCESS, FAILURE, or REVOKED.
	ErrTaskTerminal = errors.New("task is in a terminal state")
	// ErrInvalidConfig indicates a malformed or incomplete configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrProviderNotFound indicates the provider id is not registered.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrUnknownDomain indicates a domain with no queue mapping.
	ErrUnknownDomain = errors.New("unknown task domain")
	// ErrInvalidPayload indicates a handler could not decode its payload.
	ErrInvalidPayload = errors.New("invalid task payload")
	// ErrStreamingUnsupported indicates the adapter has no streaming
	// synthesis variant.
	ErrStreamingUnsupported = errors.New("streaming synthesis not supported")
)

// ErrorKind classifies a failure for retry and reporting decisions.
type ErrorKind string

// Failure classifications.
const (
	// KindTransient marks failures worth retrying: timeouts, 5xx, 429,
	// connection resets.
	KindTransient ErrorKind = "transient"
	// KindPermanent marks failures retrying cannot fix: auth, validation,
	// unsupported parameters.
	KindPermanent ErrorKind = "permanent"
	// KindNoProvider marks provider exhaustion, surfaced distinctly so
	// callers can react instead of burning retry attempts.
	KindNoProvider ErrorKind = "no_provider_available"
)

// ProviderError is a classified failure from a specific provider adapter.
// PartialResult reports that the remote side may have done billable work
// before the failure, so resubmission is the caller's decision.
type ProviderError struct {
	Provider      string
	Kind          ErrorKind
	PartialResult bool
	Err           error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s error: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is and errors.As.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a retryable failure from the provider.
func NewTransientError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Kind:          KindTransient,
		PartialResult: false,
		Err:           err,
	}
}

// NewPermanentError wraps err as a non-retryable failure from the provider.
func NewPermanentError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Kind:          KindPermanent,
		PartialResult: false,
		Err:           err,
	}
}

// IsTransient reports whether err is a provider failure worth retrying.
func IsTransient(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Kind == KindTransient
	}

	return false
}

// ClassifyError maps an execution failure to the error kind recorded on the
// terminal task record.
func ClassifyError(err error) ErrorKind {
	if errors.Is(err, ErrNoProviderAvailable) {
		return KindNoProvider
	}

	if IsTransient(err) {
		return KindTransient
	}

	return KindPermanent
}
