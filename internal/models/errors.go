package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeAuth       = "AUTH_ERROR"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeExternal   = "EXTERNAL_SERVICE_ERROR"
	ErrCodeState      = "STATE_ERROR"
	ErrCodeConfig     = "CONFIG_ERROR"
)

// Sentinel errors
var (
	// ErrNoCredential means the user has no stored credential at all.
	// Handlers must not retry on it; there is nothing to refresh.
	ErrNoCredential = errors.New("no credential stored")

	// ErrUnknownUser means a webhook principal has no linked account.
	ErrUnknownUser = errors.New("unknown user")

	// ErrEntryGone means the tracking side no longer knows the entry.
	// Stop handlers treat it as idempotent success.
	ErrEntryGone = errors.New("time entry gone")

	// ErrInvalidSignature is a webhook HMAC failure.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	ErrInvalidConfig = errors.New("invalid configuration")
)

// APIError is a non-2xx response from either partner API. Retryable via
// the standard job backoff.
type APIError struct {
	Service    string `json:"service"`
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Service, e.StatusCode, e.Body)
}

// ValidationError is a malformed payload or request rejected at a
// boundary. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed [%s]: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AuthError is a credential problem surfaced while executing a job.
// Refreshable failures retry with backoff; a missing credential does not.
type AuthError struct {
	UserID  string
	Service string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: user %s: %v", e.Service, e.UserID, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsNoCredential reports whether err bottoms out in a missing credential.
func IsNoCredential(err error) bool {
	return errors.Is(err, ErrNoCredential)
}
