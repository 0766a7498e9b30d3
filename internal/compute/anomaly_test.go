package compute_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metrofleet/internal/compute"
	"metrofleet/internal/config"
	"metrofleet/internal/load"
	"metrofleet/internal/operations"
	"metrofleet/internal/shared/testutil"
	"metrofleet/internal/warehouse"
)

func detectorJSON(t *testing.T, d compute.ZScoreDetector) []byte {
	t.Helper()
	data, err := json.Marshal(d)
	require.NoError(t, err)
	return data
}

func standardDetector() compute.ZScoreDetector {
	return compute.ZScoreDetector{
		Version:   "test",
		Features:  compute.AnomalyFeatures,
		Means:     []float64{2, 20, 900},
		Stds:      []float64{1, 5, 300},
		Threshold: 3,
	}
}

// recentTrips returns five trips, the second of them far too long and the
// fourth without a fare
func recentTrips() *warehouse.Batch {
	b := warehouse.NewBatch(
		warehouse.Col("vendor_id", warehouse.TypeInt64),
		warehouse.Col("pickup_datetime", warehouse.TypeTimestamp),
		warehouse.Col("trip_distance", warehouse.TypeFloat64),
		warehouse.Col("total_amount", warehouse.TypeFloat64),
		warehouse.Col("duration_seconds", warehouse.TypeFloat64),
	)
	base := time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC)
	_ = b.Append(int64(1), base, 2.1, 21.0, 840.0)
	_ = b.Append(int64(2), base.Add(-time.Minute), 50.0, 22.0, 900.0)
	_ = b.Append(int64(1), base.Add(-2*time.Minute), 1.5, 18.5, 600.0)
	_ = b.Append(int64(2), base.Add(-3*time.Minute), 3.0, nil, 1200.0)
	_ = b.Append(int64(1), base.Add(-4*time.Minute), 2.4, 24.0, 1000.0)
	return b
}

func newAnomalyStage(t *testing.T, q compute.Querier, mem *warehouse.Memory) (*compute.AnomalyStage, *compute.ModelStore, *testutil.BufferedSlogHandler) {
	t.Helper()
	logger, logs := testutil.NewTestLogger(t)
	models, err := compute.OpenModelStore(context.Background(), "mem://", logger)
	require.NoError(t, err)
	t.Cleanup(func() { models.Close() })

	loader := load.NewLoader(mem, config.LoadConfig{}, logger)
	return compute.NewAnomalyStage(q, loader, "compliance_flags", models, computeConfig(compute.WritePerGroup), logger), models, logs
}

func TestAnomalyMissingModelIsUnavailable(t *testing.T) {
	q := &stubQuerier{batch: recentTrips()}
	stage, _, _ := newAnomalyStage(t, q, warehouse.NewMemory())

	_, err := stage.Run(context.Background(), "run-1")
	require.Error(t, err)
	assert.Equal(t, operations.KindModelUnavailable, operations.KindOf(err))
	assert.False(t, operations.IsRetryable(err))
	assert.Zero(t, q.calls, "no scan without a model")
}

func TestAnomalyAppendsFlaggedTrips(t *testing.T) {
	ctx := context.Background()
	mem := warehouse.NewMemory()
	q := &stubQuerier{batch: recentTrips()}
	stage, models, logs := newAnomalyStage(t, q, mem)
	require.NoError(t, models.Save(ctx, "anomaly_detector.json", detectorJSON(t, standardDetector())))

	res, err := stage.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, compute.AnomalyResult{Scanned: 5, Scored: 4, Flagged: 1}, res)
	assert.Equal(t, []any{10000}, q.params[0])
	assert.True(t, logs.ContainsMessage("trips with missing features not scored"))

	snap, ok := mem.Snapshot("compliance_flags")
	require.True(t, ok)
	require.Equal(t, 1, snap.Len())
	row := snap.Row(0)
	assert.Equal(t, int64(2), row[0])
	assert.Equal(t, 50.0, row[2])
	assert.Equal(t, int64(-1), row[5])
	assert.Equal(t, "IsolationForest_v1", row[6])
	assert.Equal(t, "run-1", row[7])
	assert.False(t, row[8].(time.Time).IsZero())

	// flags accumulate across runs
	_, err = stage.Run(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, 2, mem.RowCount("compliance_flags"))
}

func TestAnomalyNothingFlaggedCreatesNoTable(t *testing.T) {
	ctx := context.Background()
	mem := warehouse.NewMemory()
	trips := recentTrips().Select([]int{0, 2, 4})
	stage, models, _ := newAnomalyStage(t, &stubQuerier{batch: trips}, mem)
	require.NoError(t, models.Save(ctx, "anomaly_detector.json", detectorJSON(t, standardDetector())))

	res, err := stage.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, res.Flagged)
	assert.Empty(t, mem.Tables())
}

func TestAnomalyRejectsMismatchedArtifact(t *testing.T) {
	ctx := context.Background()
	stage, models, _ := newAnomalyStage(t, &stubQuerier{batch: recentTrips()}, warehouse.NewMemory())
	d := standardDetector()
	d.Features = []string{"fare_amount"}
	require.NoError(t, models.Save(ctx, "anomaly_detector.json", detectorJSON(t, d)))

	_, err := stage.Run(ctx, "run-1")
	require.Error(t, err)
	assert.Equal(t, operations.KindValidation, operations.KindOf(err))
}

func TestZScoreDetectorPredict(t *testing.T) {
	d, err := compute.DecodeDetector(detectorJSON(t, compute.ZScoreDetector{
		Features: compute.AnomalyFeatures,
		Means:    []float64{2, 20, 900},
		Stds:     []float64{1, 0, 300},
	}))
	require.NoError(t, err)
	assert.Equal(t, compute.DefaultThreshold, d.Threshold)

	tests := []struct {
		name string
		row  []float64
		want int
	}{
		{"typical", []float64{2.5, 20, 1000}, compute.LabelNormal},
		{"long distance", []float64{6, 20, 900}, compute.LabelAnomaly},
		{"negative duration", []float64{2, 20, -100}, compute.LabelAnomaly},
		{"zero spread feature ignored", []float64{2, 5000, 900}, compute.LabelNormal},
		{"on the threshold", []float64{5, 20, 900}, compute.LabelNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels, err := d.Predict([][]float64{tt.row})
			require.NoError(t, err)
			assert.Equal(t, []int{tt.want}, labels)
		})
	}

	_, err = d.Predict([][]float64{{1, 2}})
	assert.Error(t, err)
}

func TestDecodeDetectorValidatesShape(t *testing.T) {
	_, err := compute.DecodeDetector([]byte(`{"features":["trip_distance","total_amount","duration_seconds"],"means":[1,2],"stds":[1,1,1]}`))
	assert.Error(t, err)

	_, err = compute.DecodeDetector([]byte(`not json`))
	assert.Error(t, err)
}

func TestFileModelStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "models")
	require.NoError(t, os.MkdirAll(dir, 0755))

	store, err := compute.OpenModelStore(ctx, "file://"+dir, nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load(ctx, "anomaly_detector.json")
	assert.Equal(t, operations.KindModelUnavailable, operations.KindOf(err))

	require.NoError(t, store.Save(ctx, "anomaly_detector.json", []byte(`{"version":"1"}`)))
	ok, err := store.Exists(ctx, "anomaly_detector.json")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := store.Load(ctx, "anomaly_detector.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"1"}`, string(data))
	assert.FileExists(t, filepath.Join(dir, "anomaly_detector.json"))
}
