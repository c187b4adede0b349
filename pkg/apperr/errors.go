// Package apperr defines the error taxonomy shared by the retrieval core.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrProvider is matched by every ProviderError.
	ErrProvider = errors.New("provider unavailable")

	// ErrProvidersExhausted is returned once every configured generative
	// backend has failed for a request.
	ErrProvidersExhausted = errors.New("all providers failed")

	// ErrRetrievalEmpty marks a search where nothing cleared the threshold.
	ErrRetrievalEmpty = errors.New("no chunks above similarity threshold")

	// ErrClassificationAmbiguous lets a router tier hand over to the next one.
	ErrClassificationAmbiguous = errors.New("classification ambiguous")

	ErrSessionNotFound = errors.New("session not found")
	ErrLockTimeout     = errors.New("timed out waiting for session lock")
)

// ConfigurationError reports a deployment defect such as a vector dimension
// mismatch or an invalid chunk sizing. It is never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func Config(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ProviderError wraps a failure of an embedding or generative backend.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{ErrProvider, e.Err}
}

func Provider(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// UserMessage renders err for API callers without naming backends, models
// or hosts.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsConfiguration(err):
		return "The service is misconfigured. Please contact the administrator."
	case errors.Is(err, ErrProvidersExhausted), errors.Is(err, ErrProvider):
		return "The answer service is temporarily unavailable. Please try again shortly."
	case errors.Is(err, ErrLockTimeout):
		return "Another request for this conversation is still running. Please retry."
	default:
		return "The request could not be processed."
	}
}
