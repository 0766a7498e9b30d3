package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIErrorHelpers(t *testing.T) {
	tests := []struct {
		name       string
		err        *APIError
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{"invalid request", InvalidRequestWithError(fmt.Errorf("unexpected EOF")), http.StatusBadRequest, CodeInvalidRequest, "Invalid request format"},
		{"field validation", ErrValidation("partitions", "required"), http.StatusBadRequest, CodeValidationFailed, "Request validation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, tt.err.StatusCode)
			assert.Equal(t, tt.wantCode, tt.err.ErrorCode)
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestInvalidRequestCarriesDecodeError(t *testing.T) {
	err := InvalidRequestWithError(fmt.Errorf("unexpected EOF"))
	assert.Equal(t, "unexpected EOF", err.Details)
}

func TestValidationErrorsKeepEveryField(t *testing.T) {
	err := NewValidationErrors([]ValidationError{
		{Field: "from", Message: "required"},
		{Field: "to", Message: "required"},
	})
	details, ok := err.Details.(ValidationErrors)
	require.True(t, ok)
	assert.Len(t, details.Errors, 2)

	single, ok := ErrValidation("limit", "limit must be between 1 and 500").Details.(ValidationErrors)
	require.True(t, ok)
	assert.Equal(t, []ValidationError{{Field: "limit", Message: "limit must be between 1 and 500"}}, single.Errors)
}

func TestProblemDetailsFlattensExtensions(t *testing.T) {
	pd := NewProblemDetails(http.StatusNotFound, TypeAssetNotFound, "Asset Not Found", "unknown asset: x", "/api/assets/x").
		WithExtension("trace_id", "abc").
		WithExtension("type", "ignored")

	data, err := json.Marshal(pd)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, TypeAssetNotFound, body["type"], "standard members win over extensions")
	assert.Equal(t, "abc", body["trace_id"])
	assert.Equal(t, float64(404), body["status"])
	assert.Equal(t, "/api/assets/x", body["instance"])
}
