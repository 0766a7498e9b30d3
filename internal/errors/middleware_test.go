package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metrofleet/internal/shared/testutil"
)

func TestRecoveryMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		includeStack bool
		wantPanicExt bool
	}{
		{"production", false, false},
		{"development", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, handler := testutil.NewTestLogger(t)
			h := NewErrorHandler(logger, tt.includeStack)

			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic("boom")
			})
			rec := httptest.NewRecorder()
			RecoveryMiddleware(h)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/assets", nil))

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, TypeInternal, body["type"])
			_, hasPanic := body["panic"]
			assert.Equal(t, tt.wantPanicExt, hasPanic)

			testutil.AssertLogContains(t, handler, slog.LevelError, "panic recovered")
		})
	}
}

func TestRecoveryMiddlewarePassesThrough(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	h := NewErrorHandler(logger, false)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	rec := httptest.NewRecorder()
	RecoveryMiddleware(h)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
}
