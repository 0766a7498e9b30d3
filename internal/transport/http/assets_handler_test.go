package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "metrofleet/internal/errors"
	"metrofleet/internal/middleware"
	"metrofleet/internal/operations"
	"metrofleet/internal/operations/testutil"
	sharedtest "metrofleet/internal/shared/testutil"
	api "metrofleet/pkg/contracts/api/v1"
)

type assetsFixture struct {
	harness *testutil.Harness
	raw     *testutil.MockAsset
	fct     *testutil.MockAsset
	router  chi.Router
}

func newAssetsFixture(t *testing.T) *assetsFixture {
	t.Helper()
	raw := testutil.NewMockAsset("raw_trips", true)
	fct := testutil.NewMockAsset("fct_trips", false, "raw_trips")
	h := testutil.NewHarness(t, testutil.TestConfig(), raw, fct)

	logger, _ := sharedtest.NewTestLogger(t)
	handler := NewAssetsHandler(h.Scheduler, apierrors.NewErrorHandler(logger, false), middleware.NewValidator(logger), logger)

	r := chi.NewRouter()
	r.Mount("/api/assets", handler.Routes())
	return &assetsFixture{harness: h, raw: raw, fct: fct, router: r}
}

func (f *assetsFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	assert.Equal(t, apierrors.ContentTypeProblem, rec.Header().Get("Content-Type"))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestListAssetsInTopologicalOrder(t *testing.T) {
	f := newAssetsFixture(t)

	rec := f.do(t, http.MethodGet, "/api/assets/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.GraphResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"raw_trips", "fct_trips"}, resp.Order)
	require.Len(t, resp.Assets, 2)
	assert.True(t, resp.Assets[0].Partitioned)
	assert.False(t, resp.Assets[1].Partitioned)
}

func TestGetPartitions(t *testing.T) {
	f := newAssetsFixture(t)

	rec := f.do(t, http.MethodGet, "/api/assets/raw_trips/partitions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status operations.AssetStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status.Partitions, 6, "2024-01 through 2024-06")
	assert.Equal(t, "2024-01", status.Partitions[0].Partition)
	assert.Equal(t, operations.StateUnscheduled, status.Partitions[0].State)
}

func TestUnknownAssetIsNotFound(t *testing.T) {
	f := newAssetsFixture(t)

	for _, path := range []string{
		"/api/assets/nope/partitions",
		"/api/assets/nope/records",
	} {
		rec := f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		body := decodeProblem(t, rec)
		assert.Equal(t, apierrors.TypeAssetNotFound, body["type"])
	}
}

func TestMaterializeQueues(t *testing.T) {
	f := newAssetsFixture(t)

	rec := f.do(t, http.MethodPost, "/api/assets/raw_trips/materialize", `{"partitions":["2024-01","2024-02"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp api.MaterializeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"2024-01", "2024-02"}, resp.Queued)

	f.harness.WaitIdle(t)
	assert.Equal(t, operations.StateSuccess, f.harness.PartitionState(t, "raw_trips", "2024-01").State)
	assert.Equal(t, operations.StateSuccess, f.harness.PartitionState(t, "raw_trips", "2024-02").State)
}

func TestMaterializeWaitReturnsRecords(t *testing.T) {
	f := newAssetsFixture(t)
	f.raw.Rows = 42

	rec := f.do(t, http.MethodPost, "/api/assets/raw_trips/materialize", `{"partitions":["2024-03"],"wait":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.MaterializeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, operations.RecordSuccess, resp.Records[0].Status)
	assert.Equal(t, "2024-03", resp.Records[0].Partition)
	assert.Equal(t, int64(42), resp.Records[0].Rows)
}

func TestMaterializeWaitReportsFailureInRecord(t *testing.T) {
	f := newAssetsFixture(t)
	f.raw.MaterializeFunc = func(ctx context.Context, run operations.RunContext) (operations.Output, error) {
		return operations.Output{}, errors.New("source offline")
	}

	rec := f.do(t, http.MethodPost, "/api/assets/raw_trips/materialize", `{"partitions":["2024-01"],"wait":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.MaterializeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, operations.RecordFailed, resp.Records[0].Status)
	assert.Contains(t, resp.Records[0].Error, "source offline")
}

func TestMaterializeBlockedByDependency(t *testing.T) {
	f := newAssetsFixture(t)

	rec := f.do(t, http.MethodPost, "/api/assets/fct_trips/materialize", `{"wait":true}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, apierrors.TypeDependencyUnsatisfied, body["type"])
	assert.Zero(t, f.fct.CallCount())
}

func TestMaterializeRejectsBadBodies(t *testing.T) {
	f := newAssetsFixture(t)

	tests := []struct {
		name   string
		asset  string
		body   string
		status int
	}{
		{"bad month", "raw_trips", `{"partitions":["2024-13"]}`, http.StatusBadRequest},
		{"unknown field", "raw_trips", `{"partition":"2024-01"}`, http.StatusBadRequest},
		{"malformed json", "raw_trips", `{"partitions":`, http.StatusBadRequest},
		{"before horizon", "raw_trips", `{"partitions":["2023-12"]}`, http.StatusBadRequest},
		{"partitioned without keys", "raw_trips", `{}`, http.StatusBadRequest},
		{"partition on unpartitioned", "fct_trips", `{"partitions":["2024-01"]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/assets/"+tt.asset+"/materialize", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			decodeProblem(t, rec)
		})
	}
	assert.Zero(t, f.raw.CallCount())
}

func TestMaterializeRequiresJSON(t *testing.T) {
	f := newAssetsFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/assets/raw_trips/materialize", strings.NewReader("partitions=2024-01"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestBackfill(t *testing.T) {
	f := newAssetsFixture(t)

	rec := f.do(t, http.MethodPost, "/api/assets/raw_trips/backfill", `{"from":"2024-01","to":"2024-03"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp api.BackfillResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Queued)

	f.harness.WaitIdle(t)
	assert.Equal(t, 3, f.raw.CallCount())
	assert.Equal(t, 1, f.raw.PartitionCalls("2024-02"))
}

func TestBackfillRejectsInvertedRange(t *testing.T) {
	f := newAssetsFixture(t)

	rec := f.do(t, http.MethodPost, "/api/assets/raw_trips/backfill", `{"from":"2024-03","to":"2024-01"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/assets/raw_trips/backfill", `{"from":"2024-01"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, "VALIDATION_FAILED", body["error_code"])
}

func TestGetRecords(t *testing.T) {
	f := newAssetsFixture(t)
	_, err := f.harness.Scheduler.Trigger(context.Background(), "raw_trips", "2024-01")
	require.NoError(t, err)
	f.harness.WaitIdle(t)

	rec := f.do(t, http.MethodGet, "/api/assets/raw_trips/records?partition=2024-01&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.RecordsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2024-01", resp.Partition)
	require.Len(t, resp.Records, 2, "pending and terminal record")
	assert.Equal(t, operations.RecordSuccess, resp.Records[0].Status)

	rec = f.do(t, http.MethodGet, "/api/assets/raw_trips/records?partition=2024-05", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records":[]`)

	rec = f.do(t, http.MethodGet, "/api/assets/raw_trips/records?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
