package verrors

import (
	"fmt"
)

// VoxError is the structured error type used across voxcore's subsystems.
// It carries enough context for the HTTP adapter to pick a status code and
// for the CLI to print an actionable message.
type VoxError struct {
	// Code is the unique error code (e.g., "ERR_204_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, NotFound, Validation, Internal).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable is always false in this engine: it has no network calls to
	// retry (embeddings arrive pre-computed from the caller). Kept so the
	// shape matches callers that check it defensively.
	Retryable bool

	// Suggestion is an actionable suggestion for the operator, e.g.
	// "delete vectors.bin and reingest".
	Suggestion string
}

// Error implements the error interface.
func (e *VoxError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *VoxError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code, so
// errors.Is(err, verrors.New(ErrCodeNotFound, "", nil)) works without
// comparing messages.
func (e *VoxError) Is(target error) bool {
	if t, ok := target.(*VoxError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error. Returns the error for chaining.
func (e *VoxError) WithDetail(key, value string) *VoxError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion. Returns the error for chaining.
func (e *VoxError) WithSuggestion(suggestion string) *VoxError {
	e.Suggestion = suggestion
	return e
}

// New creates a new VoxError. Category and severity are derived from the code.
func New(code string, message string, cause error) *VoxError {
	return &VoxError{
		Code:     code,
		Message:  message,
		Category: categoryFromCode(code),
		Severity: severityFromCode(code),
		Cause:    cause,
	}
}

// Wrap creates a VoxError from an existing error. Returns nil for a nil err.
func Wrap(code string, err error) *VoxError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a fatal, open-time configuration error.
func ConfigError(code, message string, cause error) *VoxError {
	return New(code, message, cause)
}

// IOError creates a disk/file error.
func IOError(message string, cause error) *VoxError {
	return New(ErrCodeFileNotFound, message, cause)
}

// NotFoundError creates a not-found error for a missing document or chunk.
func NotFoundError(kind, id string) *VoxError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s %q not found", kind, id), nil)
}

// ValidationError creates an input-validation error.
func ValidationError(message string, cause error) *VoxError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates a store/index failure error.
func InternalError(message string, cause error) *VoxError {
	return New(ErrCodeInternal, message, cause)
}

// IsNotFound reports whether err is a VoxError carrying ErrCodeNotFound.
func IsNotFound(err error) bool {
	return GetCode(err) == ErrCodeNotFound
}

// IsFatal reports whether err has fatal severity and should abort startup.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if ve, ok := err.(*VoxError); ok {
		return ve.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a VoxError, or "" if err isn't one.
func GetCode(err error) string {
	if ve, ok := err.(*VoxError); ok {
		return ve.Code
	}
	return ""
}

// GetCategory extracts the category from a VoxError, or "" if err isn't one.
func GetCategory(err error) Category {
	if ve, ok := err.(*VoxError); ok {
		return ve.Category
	}
	return ""
}
