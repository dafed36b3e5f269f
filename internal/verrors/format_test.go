package verrors

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatForCLI_BasicError(t *testing.T) {
	err := New(ErrCodeFileNotFound, "vectors.bin not found", nil)

	result := FormatForCLI(err)

	assert.Contains(t, result, "vectors.bin not found")
	assert.Contains(t, result, "ERR_201_FILE_NOT_FOUND")
}

func TestFormatForCLI_WithSuggestion(t *testing.T) {
	err := New(ErrCodeDimensionMismatch, "dimension mismatch", nil).
		WithSuggestion("reingest with the configured dimension")

	result := FormatForCLI(err)

	assert.Contains(t, result, "Hint:")
	assert.Contains(t, result, "reingest with the configured dimension")
}

func TestFormatForCLI_ShortFormat(t *testing.T) {
	err := New(ErrCodeFileNotFound, "file not found", nil)

	result := FormatForCLI(err)

	lines := strings.Split(strings.TrimSpace(result), "\n")
	assert.LessOrEqual(t, len(lines), 5, "should be concise")
}

func TestFormatForCLI_StandardError(t *testing.T) {
	err := errors.New("something went wrong")

	result := FormatForCLI(err)

	assert.Contains(t, result, "something went wrong")
	assert.Contains(t, result, ErrCodeInternal)
}

func TestFormatForCLI_NilError(t *testing.T) {
	assert.Empty(t, FormatForCLI(nil))
}

func TestFormatJSON_BasicError(t *testing.T) {
	err := New(ErrCodeFileNotFound, "file not found", nil).
		WithDetail("path", "/data/vectors.bin").
		WithSuggestion("check the data directory")

	data, jsonErr := FormatJSON(err)
	require.NoError(t, jsonErr)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, ErrCodeFileNotFound, result["code"])
	assert.Equal(t, "file not found", result["message"])
	assert.Equal(t, string(CategoryIO), result["category"])
	assert.Equal(t, string(SeverityError), result["severity"])
	assert.Equal(t, "check the data directory", result["suggestion"])

	details, ok := result["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/data/vectors.bin", details["path"])
}

func TestFormatJSON_StandardError(t *testing.T) {
	err := errors.New("generic error")

	data, jsonErr := FormatJSON(err)
	require.NoError(t, jsonErr)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, ErrCodeInternal, result["code"])
	assert.Equal(t, "generic error", result["message"])
}

func TestFormatJSON_NilError(t *testing.T) {
	data, err := FormatJSON(nil)

	assert.NoError(t, err)
	assert.Equal(t, "null", strings.TrimSpace(string(data)))
}

func TestFormatJSON_WithCause(t *testing.T) {
	cause := errors.New("underlying error")
	err := New(ErrCodeInternal, "operation failed", cause)

	data, jsonErr := FormatJSON(err)
	require.NoError(t, jsonErr)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))

	assert.Equal(t, "underlying error", result["cause"])
}

func TestFormatForLog_BasicError(t *testing.T) {
	err := New(ErrCodeNotFound, "chunk not found", nil).WithDetail("chunk_id", "c-1")

	fields := FormatForLog(err)

	assert.Equal(t, ErrCodeNotFound, fields["error_code"])
	assert.Equal(t, "c-1", fields["detail_chunk_id"])
}

func TestFormatForLog_StandardError(t *testing.T) {
	fields := FormatForLog(errors.New("plain"))

	assert.Equal(t, "plain", fields["error"])
}

func TestFormatForLog_NilError(t *testing.T) {
	assert.Nil(t, FormatForLog(nil))
}

func TestHTTPStatus_MapsCategoryToStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", ValidationError("bad input", nil), http.StatusBadRequest},
		{"not found", NotFoundError("document", "d1"), http.StatusNotFound},
		{"internal", InternalError("store failure", nil), http.StatusInternalServerError},
		{"io", IOError("disk error", nil), http.StatusInternalServerError},
		{"standard error", errors.New("plain"), http.StatusInternalServerError},
		{"nil", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}
