// Package engine provides the shared error taxonomy and the background
// sweeper for the DriftWarden drift detection and reconciliation engine.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for surfacing and
// retry decisions.
type ErrorClass string

const (
	// ErrorClassValidation indicates malformed input. Surfaced to the
	// caller, never retried.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassConflict indicates a concurrency conflict such as a held
	// promotion lock or an onboarding already in progress. Carries the
	// blocking entity's identity.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPersistence indicates a store or version-control commit
	// failure. The operation is not-yet-applied and safe to retry.
	ErrorClassPersistence ErrorClass = "persistence"

	// ErrorClassAdapter indicates a runtime or VCS host API call failure.
	// Collected per-item during batch operations.
	ErrorClassAdapter ErrorClass = "external_adapter"

	// ErrorClassPolicyBlocked indicates a drift policy denied the action.
	// Carries the specific blocking reason.
	ErrorClassPolicyBlocked ErrorClass = "policy_blocked"
)

// Error is a classified error with enough structured context for a caller
// to render an actionable message without a follow-up query.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource id that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information, e.g. the
	// blocking promotion id on a conflict or the blocking incident id on a
	// policy block.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassValidation,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPersistenceError creates a new persistence error.
func NewPersistenceError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassPersistence,
		Message: message,
		Err:     err,
	}
}

// NewAdapterError creates a new external-adapter error.
func NewAdapterError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassAdapter,
		Message: message,
		Err:     err,
	}
}

// NewPolicyBlockedError creates a new policy-blocked error.
func NewPolicyBlockedError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassPolicyBlocked,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(resourceID string) *Error {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns a detail field, or nil when absent.
func (e *Error) Detail(key string) interface{} {
	if e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool {
	return classOf(err) == ErrorClassValidation
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPersistence returns true if the error is classified as persistence.
func IsPersistence(err error) bool {
	return classOf(err) == ErrorClassPersistence
}

// IsAdapter returns true if the error is classified as external-adapter.
func IsAdapter(err error) bool {
	return classOf(err) == ErrorClassAdapter
}

// IsPolicyBlocked returns true if the error is classified as policy-blocked.
func IsPolicyBlocked(err error) bool {
	return classOf(err) == ErrorClassPolicyBlocked
}

// IsRetryable returns true if the operation that produced the error is safe
// to retry as-is. Only persistence failures qualify: nothing was committed.
// Not-found lookups are excluded; retrying them cannot succeed.
func IsRetryable(err error) bool {
	return IsPersistence(err) && !IsNotFound(err)
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound reports a lookup for a record that does not exist.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// Code extracts the error code from err, or "" for unclassified errors.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Class extracts the error class as a string, or "unclassified". Used for
// metrics labels.
func Class(err error) string {
	if c := classOf(err); c != "" {
		return string(c)
	}
	return "unclassified"
}

func classOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeAlreadyExists       = "ALREADY_EXISTS"
	ErrCodePromotionLockHeld   = "PROMOTION_LOCK_HELD"
	ErrCodeOnboardingInFlight  = "ONBOARDING_IN_PROGRESS"
	ErrCodeCommitFailed        = "COMMIT_FAILED"
	ErrCodeRecordWriteFailed   = "RECORD_WRITE_FAILED"
	ErrCodeAdapterUnavailable  = "ADAPTER_UNAVAILABLE"
	ErrCodeDriftBlocked        = "DRIFT_BLOCKED"
	ErrCodeGuardrailDenied     = "GUARDRAIL_DENIED"
	ErrCodeExpiredDriftBlocked = "EXPIRED_DRIFT_BLOCKED"
	ErrCodeApprovalRequired    = "APPROVAL_REQUIRED"
	ErrCodeTerminalArtifact    = "TERMINAL_ARTIFACT"
)
