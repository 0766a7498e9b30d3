package compute_test

import (
	"context"
	"errors"
	"sync"
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

// stubQuerier answers every query with the same batch
type stubQuerier struct {
	mu     sync.Mutex
	batch  *warehouse.Batch
	err    error
	calls  int
	params [][]any
}

func (q *stubQuerier) Query(_ context.Context, _ string, args ...any) (*warehouse.Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	q.params = append(q.params, args)
	return q.batch, q.err
}

func computeConfig(policy string) config.ComputeConfig {
	cfg := config.Default().Compute
	cfg.ForecastWritePolicy = policy
	return cfg
}

// demand builds a (ds, pickup_borough, trips) result with n hours per group
func demand(groups map[string]int) *warehouse.Batch {
	b := warehouse.NewBatch(
		warehouse.Col("ds", warehouse.TypeTimestamp),
		warehouse.Col("pickup_borough", warehouse.TypeString),
		warehouse.Col("trips", warehouse.TypeInt64),
	)
	for group, n := range groups {
		for i, ts := range testutil.Hours(testutil.Month(2024, time.January), n) {
			_ = b.Append(ts, group, int64(10+i%24))
		}
	}
	return b
}

func newForecastStage(t *testing.T, q compute.Querier, mem *warehouse.Memory, policy string) (*compute.ForecastStage, *testutil.BufferedSlogHandler) {
	logger, logs := testutil.NewTestLogger(t)
	loader := load.NewLoader(mem, config.LoadConfig{}, logger)
	return compute.NewForecastStage(q, loader, "demand_forecasts", nil, computeConfig(policy), logger), logs
}

func TestForecastSkipsShortGroupsAndWritesHorizon(t *testing.T) {
	mem := warehouse.NewMemory()
	q := &stubQuerier{batch: demand(map[string]int{"Manhattan": 200, "Staten Island": 40})}
	stage, logs := newForecastStage(t, q, mem, compute.WritePerGroup)

	res, err := stage.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Manhattan"}, res.Groups)
	assert.Equal(t, []string{"Staten Island"}, res.Skipped)
	assert.Equal(t, int64(168), res.Rows)
	assert.Equal(t, 168, mem.RowCount("demand_forecasts"))
	assert.True(t, logs.ContainsAttr("group", "Staten Island"))

	snap, ok := mem.Snapshot("demand_forecasts")
	require.True(t, ok)
	assert.Equal(t, []string{"forecast_timestamp", "predicted_value", "conf_lower", "conf_upper", "group_dimension"}, snap.Names())

	lastObserved := testutil.Month(2024, time.January).Add(199 * time.Hour)
	first := snap.Row(0)
	assert.Equal(t, lastObserved.Add(time.Hour), first[0])
	assert.Equal(t, "Manhattan", first[4])
	for _, row := range snap.Rows() {
		v, lo, hi := row[1].(float64), row[2].(float64), row[3].(float64)
		assert.LessOrEqual(t, lo, v)
		assert.LessOrEqual(t, v, hi)
		assert.GreaterOrEqual(t, lo, 0.0)
	}
}

func TestForecastIgnoresUnknownAndNullBoroughs(t *testing.T) {
	b := demand(map[string]int{"Queens": 60, "Unknown": 100})
	for _, ts := range testutil.Hours(testutil.Month(2024, time.February), 100) {
		_ = b.Append(ts, nil, int64(3))
	}

	mem := warehouse.NewMemory()
	stage, _ := newForecastStage(t, &stubQuerier{batch: b}, mem, compute.WritePerGroup)

	series, err := stage.HourlyDemand(context.Background())
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "Queens", series[0].Group)
	assert.Equal(t, 60, series[0].Len())
}

func forecastGroups(t *testing.T, mem *warehouse.Memory) map[string]int {
	t.Helper()
	snap, ok := mem.Snapshot("demand_forecasts")
	require.True(t, ok)
	col, ok := snap.Column(compute.GroupColumn)
	require.True(t, ok)
	out := make(map[string]int)
	for _, g := range col.Values {
		out[g.(string)]++
	}
	return out
}

func TestForecastPerGroupDropsSkippedGroups(t *testing.T) {
	ctx := context.Background()
	mem := warehouse.NewMemory()
	q := &stubQuerier{batch: demand(map[string]int{"Manhattan": 200, "Queens": 100, "Bronx": 100})}
	stage, _ := newForecastStage(t, q, mem, compute.WritePerGroup)

	_, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 504, mem.RowCount("demand_forecasts"))

	// Queens falls below the minimum and Bronx is gone from the fact table
	q.batch = demand(map[string]int{"Manhattan": 220, "Queens": 10})
	res, err := stage.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Manhattan"}, res.Groups)
	assert.Equal(t, []string{"Queens"}, res.Skipped)
	assert.Equal(t, map[string]int{"Manhattan": 168}, forecastGroups(t, mem))
}

func TestForecastWithoutQualifyingGroupsClearsTable(t *testing.T) {
	ctx := context.Background()
	mem := warehouse.NewMemory()
	q := &stubQuerier{batch: demand(map[string]int{"Bronx": 100})}
	stage, _ := newForecastStage(t, q, mem, compute.WritePerGroup)

	_, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 168, mem.RowCount("demand_forecasts"))

	q.batch = demand(map[string]int{"Bronx": 12})
	res, err := stage.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Groups)
	assert.Zero(t, mem.RowCount("demand_forecasts"))
}

func TestForecastOverwriteDropsStaleGroups(t *testing.T) {
	ctx := context.Background()
	mem := warehouse.NewMemory()
	q := &stubQuerier{batch: demand(map[string]int{"Bronx": 100})}
	stage, _ := newForecastStage(t, q, mem, compute.WriteOverwrite)

	_, err := stage.Run(ctx)
	require.NoError(t, err)

	q.batch = demand(map[string]int{"Brooklyn": 100})
	_, err = stage.Run(ctx)
	require.NoError(t, err)

	snap, _ := mem.Snapshot("demand_forecasts")
	require.Equal(t, 168, snap.Len())
	groups, _ := snap.Column(compute.GroupColumn)
	for _, g := range groups.Values {
		assert.Equal(t, "Brooklyn", g)
	}
}

func TestForecastWithoutQualifyingGroupsOnFreshWarehouse(t *testing.T) {
	mem := warehouse.NewMemory()
	stage, logs := newForecastStage(t, &stubQuerier{batch: demand(map[string]int{"Bronx": 12})}, mem, compute.WriteOverwrite)

	res, err := stage.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Rows)
	assert.Empty(t, mem.Tables())
	assert.True(t, logs.ContainsMessage("no group has enough history, clearing forecasts"))
}

func TestForecastQueryFailureIsRetryable(t *testing.T) {
	stage, _ := newForecastStage(t, &stubQuerier{err: errors.New("relation \"fct_trips\" does not exist")}, warehouse.NewMemory(), compute.WritePerGroup)

	_, err := stage.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, operations.KindExtractionFailed, operations.KindOf(err))
	assert.True(t, operations.IsRetryable(err))
}

func TestSeasonalForecasterRepeatsWeeklyProfile(t *testing.T) {
	start := testutil.Month(2024, time.January)
	series := compute.Series{Group: "Manhattan"}
	for _, ts := range testutil.Hours(start, 2*168) {
		series.Observations = append(series.Observations, compute.Observation{Time: ts, Value: float64(ts.Hour())})
	}

	model, err := compute.SeasonalForecaster{}.Fit(series)
	require.NoError(t, err)

	points := model.Forecast(48)
	require.Len(t, points, 48)
	for i, p := range points {
		assert.Equal(t, series.Last().Add(time.Duration(i+1)*time.Hour), p.Time)
		assert.InDelta(t, float64(p.Time.Hour()), p.Value, 1e-9)
		assert.InDelta(t, p.Value, p.Upper, 1e-9, "a perfect fit has no band")
	}
}

func TestSeasonalForecasterBandWidth(t *testing.T) {
	// every hour-of-week slot sees 5 and 15, so the residual sd is 5
	start := testutil.Month(2024, time.January)
	series := compute.Series{Group: "Bronx"}
	for i, ts := range testutil.Hours(start, 2*168) {
		v := 5.0
		if i >= 168 {
			v = 15.0
		}
		series.Observations = append(series.Observations, compute.Observation{Time: ts, Value: v})
	}

	model, err := compute.SeasonalForecaster{Interval: 0.8}.Fit(series)
	require.NoError(t, err)

	p := model.Forecast(1)[0]
	assert.InDelta(t, 10.0, p.Value, 1e-9)
	assert.InDelta(t, 10.0+1.2816*5, p.Upper, 1e-3)
	assert.InDelta(t, 10.0-1.2816*5, p.Lower, 1e-3)
}

func TestSeasonalForecasterNeedsTwoPoints(t *testing.T) {
	_, err := compute.SeasonalForecaster{}.Fit(compute.Series{Group: "EWR", Observations: []compute.Observation{{Time: time.Now(), Value: 1}}})
	assert.Error(t, err)
}
