package verrors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// FormatForCLI formats an error for CLI output: a message line, an optional
// hint, and the code for reference.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	ve, ok := err.(*VoxError)
	if !ok {
		ve = Wrap(ErrCodeInternal, err)
	}

	msg := fmt.Sprintf("Error: %s\n", ve.Message)
	if ve.Suggestion != "" {
		msg += fmt.Sprintf("  Hint: %s\n", ve.Suggestion)
	}
	msg += fmt.Sprintf("  Code: %s\n", ve.Code)

	return msg
}

// jsonError is the wire representation of a VoxError produced by
// FormatJSON.
type jsonError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Severity   string            `json:"severity"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Retryable  bool              `json:"retryable"`
}

// FormatJSON returns the JSON representation of an error, for machine
// consumption. internal/httpapi does not use it: its error bodies are
// plain text.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}

	ve, ok := err.(*VoxError)
	if !ok {
		ve = Wrap(ErrCodeInternal, err)
	}

	je := jsonError{
		Code:       ve.Code,
		Message:    ve.Message,
		Category:   string(ve.Category),
		Severity:   string(ve.Severity),
		Details:    ve.Details,
		Suggestion: ve.Suggestion,
		Retryable:  ve.Retryable,
	}
	if ve.Cause != nil {
		je.Cause = ve.Cause.Error()
	}

	return json.Marshal(je)
}

// FormatForLog returns key-value pairs suitable for slog attributes.
func FormatForLog(err error) map[string]any {
	if err == nil {
		return nil
	}

	ve, ok := err.(*VoxError)
	if !ok {
		return map[string]any{"error": err.Error()}
	}

	result := map[string]any{
		"error_code": ve.Code,
		"message":    ve.Message,
		"category":   string(ve.Category),
		"severity":   string(ve.Severity),
		"retryable":  ve.Retryable,
	}
	if ve.Cause != nil {
		result["cause"] = ve.Cause.Error()
	}
	if ve.Suggestion != "" {
		result["suggestion"] = ve.Suggestion
	}
	for k, v := range ve.Details {
		result["detail_"+k] = v
	}

	return result
}

// HTTPStatus maps an error's category to the HTTP status code the
// internal/httpapi adapter writes.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	ve, ok := err.(*VoxError)
	if !ok {
		return http.StatusInternalServerError
	}

	switch ve.Category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
