package rl

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error represents a runtime failure with additional context for
// troubleshooting.
type Error struct {
	// Code identifies the error type
	Code ErrorCode

	// Class groups codes by handling policy
	Class ErrorClass

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// ErrorCode identifies categories of errors
type ErrorCode string

const (
	// Weight staging errors
	ErrorCodeStaleHandle       ErrorCode = "STALE_HANDLE"
	ErrorCodeTransferTimeout   ErrorCode = "TRANSFER_TIMEOUT"
	ErrorCodeTransferFailed    ErrorCode = "TRANSFER_FAILED"
	ErrorCodeVersionRegression ErrorCode = "VERSION_REGRESSION"

	// Routing errors
	ErrorCodeNoHealthyReplicas ErrorCode = "NO_HEALTHY_REPLICAS"
	ErrorCodeAllReplicasFailed ErrorCode = "ALL_REPLICAS_FAILED"
	ErrorCodeUnknownReplica    ErrorCode = "UNKNOWN_REPLICA"

	// Worker errors
	ErrorCodeWorkerCrashed ErrorCode = "WORKER_CRASHED"

	// Registry errors
	ErrorCodeRegistryTypeMismatch ErrorCode = "REGISTRY_TYPE_MISMATCH"

	// Configuration errors
	ErrorCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
)

// ErrorClass determines how a caller should react to a failure.
type ErrorClass int

const (
	// ClassTransient failures may succeed if simply retried.
	ClassTransient ErrorClass = iota

	// ClassExhausted failures mean a retry budget or resource pool is spent;
	// callers should back off before retrying the whole operation.
	ClassExhausted

	// ClassProtocol failures mean the caller acted on outdated state and
	// must refresh it before retrying.
	ClassProtocol

	// ClassFatal failures are construction-time configuration errors and
	// are never surfaced at runtime.
	ClassFatal
)

// String returns a human-readable class name.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassExhausted:
		return "exhausted"
	case ClassProtocol:
		return "protocol"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// classOf maps each error code to its handling class.
func classOf(code ErrorCode) ErrorClass {
	switch code {
	case ErrorCodeTransferTimeout, ErrorCodeTransferFailed, ErrorCodeWorkerCrashed:
		return ClassTransient
	case ErrorCodeNoHealthyReplicas, ErrorCodeAllReplicasFailed:
		return ClassExhausted
	case ErrorCodeStaleHandle, ErrorCodeVersionRegression, ErrorCodeUnknownReplica, ErrorCodeRegistryTypeMismatch:
		return ClassProtocol
	default:
		return ClassFatal
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	// Start with code and message
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))

	// Add context if present
	if len(e.Context) > 0 {
		var contextParts []string
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	// Add underlying cause if present
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	// Add suggestion if present
	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message. The class
// is derived from the code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Class:   classOf(code),
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// RouteAttempt records one dispatch attempt within a single route call.
type RouteAttempt struct {
	Replica string
	Reason  string
}

// Common error constructors with helpful suggestions

// ErrStaleHandle creates an error for redeeming a superseded transfer handle
func ErrStaleHandle(region string, current PolicyVersion) *Error {
	return NewError(ErrorCodeStaleHandle,
		"Transfer handle was invalidated by a newer publish").
		WithContext("region", region).
		WithContext("current_version", uint64(current)).
		WithSuggestion(
			"Fetch the latest handle from the staging channel and redeem that instead; " +
				"bytes behind an invalidated handle are never served")
}

// ErrTransferTimeout creates an error for a bulk transfer exceeding its bound
func ErrTransferTimeout(region string, timeout time.Duration) *Error {
	return NewError(ErrorCodeTransferTimeout,
		"Bulk weight transfer did not complete in time").
		WithContext("region", region).
		WithContext("timeout", timeout.String()).
		WithSuggestion(
			"Keep the previously loaded weights and retry on the next iteration; " +
				"if timeouts persist, raise staging.transfer_timeout or check the region store")
}

// ErrTransferFailed creates an error for a region store failure during transfer
func ErrTransferFailed(region string, cause error) *Error {
	return NewError(ErrorCodeTransferFailed,
		"Region store failed during bulk transfer").
		WithContext("region", region).
		WithCause(cause).
		WithSuggestion("Retry the transfer; check region store connectivity if failures persist")
}

// ErrVersionRegression creates an error for publishing a non-increasing version
func ErrVersionRegression(got, current PolicyVersion) *Error {
	return NewError(ErrorCodeVersionRegression,
		"Published snapshot version must be strictly increasing").
		WithContext("published_version", uint64(got)).
		WithContext("current_version", uint64(current)).
		WithSuggestion(
			"The training loop is the only policy version writer; " +
				"two producers publishing to one channel indicates a wiring bug")
}

// ErrNoHealthyReplicas creates an error for routing with an empty eligible set
func ErrNoHealthyReplicas(registered int) *Error {
	return NewError(ErrorCodeNoHealthyReplicas,
		"No healthy replicas available for dispatch").
		WithContext("registered_replicas", registered).
		WithSuggestion(
			"Back off and retry; verify workers are registered and check " +
				"placement restart events if the pool stays empty")
}

// ErrAllReplicasFailed creates an error for an exhausted retry budget,
// carrying the attempted replica identities and their failure reasons.
func ErrAllReplicasFailed(attempts []RouteAttempt) *Error {
	err := NewError(ErrorCodeAllReplicasFailed,
		fmt.Sprintf("All %d attempted replicas failed", len(attempts))).
		WithContext("attempts", attempts).
		WithSuggestion(
			"Back off and retry the whole request after a delay; " +
				"repeated exhaustion usually means every worker shares a fault")
	return err
}

// ErrUnknownReplica creates an error for dispatching to an unregistered identity
func ErrUnknownReplica(replica string) *Error {
	return NewError(ErrorCodeUnknownReplica,
		fmt.Sprintf("Replica '%s' is not registered", replica)).
		WithContext("replica", replica)
}

// ErrWorkerCrashed creates an error for a crashed worker instance
func ErrWorkerCrashed(replica string, cause error) *Error {
	return NewError(ErrorCodeWorkerCrashed,
		fmt.Sprintf("Worker '%s' crashed", replica)).
		WithContext("replica", replica).
		WithCause(cause).
		WithSuggestion("The placement layer restarts crashed workers; check worker.crashed events for the root cause")
}

// ErrRegistryTypeMismatch creates an error for a registry entry of the wrong type
func ErrRegistryTypeMismatch(name, want, got string) *Error {
	return NewError(ErrorCodeRegistryTypeMismatch,
		fmt.Sprintf("Registry entry '%s' has unexpected type", name)).
		WithContext("name", name).
		WithContext("want", want).
		WithContext("got", got).
		WithSuggestion("Two components are sharing one registry name; give each its own")
}

// ErrInvalidConfiguration creates an error for configuration validation failures
func ErrInvalidConfiguration(field string, value interface{}, reason string) *Error {
	return NewError(ErrorCodeInvalidConfiguration,
		fmt.Sprintf("Invalid configuration: %s", reason)).
		WithContext("field", field).
		WithContext("value", value).
		WithSuggestion(
			"Review the runtime configuration and ensure all values are valid.\n" +
				"See the Config struct documentation for valid ranges.")
}

// IsCode checks if an error (or anything it wraps) has the specified code.
func IsCode(err error, code ErrorCode) bool {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Code == code
	}
	return false
}

// CodeOf returns the error code from an error, or empty string if none.
func CodeOf(err error) ErrorCode {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return ""
}

// ClassOf returns the error class, defaulting to ClassTransient for plain
// errors so that unknown failures are retried rather than escalated.
func ClassOf(err error) ErrorClass {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Class
	}
	return ClassTransient
}

// Retryable reports whether the caller may retry after a backoff.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransient, ClassExhausted:
		return true
	default:
		return false
	}
}

// Attempts extracts the per-replica attempt records from an
// ALL_REPLICAS_FAILED error, or nil for any other error.
func Attempts(err error) []RouteAttempt {
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Code != ErrorCodeAllReplicasFailed {
		return nil
	}
	attempts, _ := rerr.Context["attempts"].([]RouteAttempt)
	return attempts
}
