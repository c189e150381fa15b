// Package apierr defines the bridge error taxonomy.
//
// DESIGN: Every failure that can reach a caller carries a stable machine-readable
// Code plus a human-readable message. Codes map to HTTP status and to retry
// semantics:
//   - Not retried:        VALIDATION_ERROR, POLICY_VIOLATION, AGENT_NOT_FOUND,
//     UNSUPPORTED_CAPABILITY, BATCH_VALIDATION_FAILED, AUTHENTICATION_REQUIRED
//   - Retryable by hint:  RATE_LIMITED, COST_CEILING_EXCEEDED, SERVICE_UNAVAILABLE
//   - Retried internally: PROVIDER_ERROR (bounded, before surfacing)
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeAuthRequired          Code = "AUTHENTICATION_REQUIRED"
	CodePolicyViolation       Code = "POLICY_VIOLATION"
	CodeAgentNotFound         Code = "AGENT_NOT_FOUND"
	CodeUnsupportedCapability Code = "UNSUPPORTED_CAPABILITY"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeCostCeilingExceeded   Code = "COST_CEILING_EXCEEDED"
	CodeServiceUnavailable    Code = "SERVICE_UNAVAILABLE"
	CodeProviderError         Code = "PROVIDER_ERROR"
	CodeBatchValidation       Code = "BATCH_VALIDATION_FAILED"
	CodeInternal              Code = "INTERNAL_ERROR"
)

// Error is the error type surfaced by every bridge operation.
type Error struct {
	Code       Code
	Message    string
	Details    []string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code used on the HTTP surface.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeBatchValidation:
		return http.StatusBadRequest
	case CodeAuthRequired:
		return http.StatusUnauthorized
	case CodePolicyViolation:
		return http.StatusForbidden
	case CodeAgentNotFound:
		return http.StatusNotFound
	case CodeUnsupportedCapability:
		return http.StatusUnprocessableEntity
	case CodeRateLimited, CodeCostCeilingExceeded:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry after RetryAfter.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeRateLimited, CodeCostCeilingExceeded, CodeServiceUnavailable, CodeProviderError:
		return true
	}
	return false
}

// New creates an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code and underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Validation returns a VALIDATION_ERROR with per-field details.
func Validation(details ...string) *Error {
	return &Error{Code: CodeValidation, Message: "request validation failed", Details: details}
}

// BatchValidation returns a BATCH_VALIDATION_FAILED with reasons.
func BatchValidation(reasons ...string) *Error {
	return &Error{Code: CodeBatchValidation, Message: "batch validation failed", Details: reasons}
}

// WithRetryAfter sets the retry hint and returns the error for chaining.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// From normalizes any error into an *Error.
// Context deadline errors become PROVIDER_ERROR; anything unknown becomes INTERNAL_ERROR.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeProviderError, err, "downstream call timed out")
	}
	return Wrap(CodeInternal, err, "internal error")
}

// CodeOf returns the taxonomy code of err, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
