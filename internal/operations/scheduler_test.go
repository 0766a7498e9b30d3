package operations_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metrofleet/internal/operations"
	"metrofleet/internal/operations/testutil"
)

func TestTriggerBlockedUntilDependencySucceeds(t *testing.T) {
	raw := testutil.NewMockAsset("raw_yellow_trips", true)
	stats := testutil.NewMockAsset("trip_stats", true, "raw_yellow_trips")
	h := testutil.NewHarness(t, testutil.TestConfig(), raw, stats)
	ctx := context.Background()

	rec, err := h.Scheduler.Trigger(ctx, "trip_stats", "2024-01")
	require.Error(t, err)
	assert.ErrorIs(t, err, operations.ErrDependencyUnsatisfied)
	assert.Nil(t, rec)
	assert.Equal(t, 0, stats.CallCount())

	records, err := h.Scheduler.Records(ctx, "trip_stats", "", 0)
	require.NoError(t, err)
	assert.Empty(t, records, "a blocked key writes no record")
	assert.Equal(t, operations.StateUnscheduled, h.PartitionState(t, "trip_stats", "2024-01").State)

	rec, err = h.Scheduler.Trigger(ctx, "raw_yellow_trips", "2024-01")
	require.NoError(t, err)
	assert.Equal(t, operations.RecordSuccess, rec.Status)

	// success pushes the same partition of the dependent
	h.WaitIdle(t)
	assert.Equal(t, 1, stats.PartitionCalls("2024-01"))
	assert.Equal(t, operations.StateSuccess, h.PartitionState(t, "trip_stats", "2024-01").State)
	assert.Equal(t, 0, stats.PartitionCalls("2024-02"))
}

func TestConcurrentTriggersShareOneExecution(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	raw := testutil.NewMockAsset("raw_weather", true)
	raw.MaterializeFunc = func(ctx context.Context, run operations.RunContext) (operations.Output, error) {
		started.Add(1)
		<-release
		return operations.Output{Rows: 744}, nil
	}
	h := testutil.NewHarness(t, testutil.TestConfig(), raw)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*operations.MaterializationRecord, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.Scheduler.Trigger(context.Background(), "raw_weather", "2024-03")
		}(i)
	}

	require.Eventually(t, func() bool { return started.Load() == 1 }, 2*time.Second, time.Millisecond)
	// give the remaining callers time to join the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, raw.CallCount())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].RunID, results[i].RunID)
		assert.Equal(t, int64(744), results[i].Rows)
	}
}

func TestRateLimitedPartitionFailsWithoutTouchingSiblings(t *testing.T) {
	taxi := testutil.NewMockAsset("raw_taxi_file", true)
	taxi.MaterializeFunc = func(ctx context.Context, run operations.RunContext) (operations.Output, error) {
		if run.Partition.Key == "2024-02" {
			return operations.Output{}, operations.NewExtractionError("download exited with code 2", "rate limited", nil)
		}
		return operations.Output{Rows: 1}, nil
	}
	cfg := testutil.TestConfig()
	cfg.RetryConfig.MaxAttempts = 1
	h := testutil.NewHarness(t, cfg, taxi)

	n, err := h.Scheduler.Backfill("raw_taxi_file", "2024-01", "2024-03")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	h.WaitIdle(t)

	failed := h.PartitionState(t, "raw_taxi_file", "2024-02")
	assert.Equal(t, operations.StateFailed, failed.State)
	assert.Contains(t, failed.LastError, "rate limited")
	assert.Equal(t, operations.KindExtractionFailed, failed.ErrorKind)

	assert.Equal(t, operations.StateSuccess, h.PartitionState(t, "raw_taxi_file", "2024-01").State)
	assert.Equal(t, operations.StateSuccess, h.PartitionState(t, "raw_taxi_file", "2024-03").State)

	records, err := h.Scheduler.Records(context.Background(), "raw_taxi_file", "2024-02", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, operations.RecordFailed, records[0].Status)
	assert.Contains(t, records[0].Error, "rate limited")
}

func TestRetryableFailureIsRetriedWithBackoff(t *testing.T) {
	var calls atomic.Int32
	raw := testutil.NewMockAsset("raw_weather", true)
	raw.MaterializeFunc = func(ctx context.Context, run operations.RunContext) (operations.Output, error) {
		if calls.Add(1) < 3 {
			return operations.Output{}, operations.NewLoadError("raw_weather", errors.New("connection reset"))
		}
		return operations.Output{Rows: 10}, nil
	}
	h := testutil.NewHarness(t, testutil.TestConfig(), raw)

	require.NoError(t, h.Scheduler.Enqueue("raw_weather", "2024-04"))
	h.WaitIdle(t)

	assert.Equal(t, 3, raw.CallCount())
	calls3 := raw.Calls()
	for i, c := range calls3 {
		assert.Equal(t, i+1, c.Attempt)
	}
	assert.Equal(t, operations.StateSuccess, h.PartitionState(t, "raw_weather", "2024-04").State)
	assert.Len(t, h.Events.OfType(operations.EventRetry), 2)

	records, err := h.Scheduler.Records(context.Background(), "raw_weather", "2024-04", 0)
	require.NoError(t, err)
	// pending + terminal record per attempt, newest first
	require.Len(t, records, 6)
	assert.Equal(t, operations.RecordSuccess, records[0].Status)
	assert.Equal(t, 3, records[0].Attempt)
}

func TestRetriesStopAtMaxAttempts(t *testing.T) {
	raw := testutil.NewMockAsset("raw_weather", true)
	raw.MaterializeFunc = func(ctx context.Context, run operations.RunContext) (operations.Output, error) {
		return operations.Output{}, operations.NewExtractionError("archive returned 503", "upstream unavailable", nil)
	}
	h := testutil.NewHarness(t, testutil.TestConfig(), raw)

	require.NoError(t, h.Scheduler.Enqueue("raw_weather", "2024-04"))
	h.WaitIdle(t)

	assert.Equal(t, 3, raw.CallCount())
	assert.Equal(t, operations.StateFailed, h.PartitionState(t, "raw_weather", "2024-04").State)
}

func TestFatalFailureIsNotRetried(t *testing.T) {
	raw := testutil.NewMockAsset("raw_weather", true)
	raw.MaterializeFunc = func(ctx context.Context, run operations.RunContext) (operations.Output, error) {
		return operations.Output{}, operations.NewSchemaBootstrapError("raw_weather", errors.New("permission denied"))
	}
	h := testutil.NewHarness(t, testutil.TestConfig(), raw)

	_, err := h.Scheduler.Trigger(context.Background(), "raw_weather", "2024-04")
	require.Error(t, err)
	assert.Equal(t, operations.KindSchemaBootstrapFailed, operations.KindOf(err))
	h.WaitIdle(t)

	assert.Equal(t, 1, raw.CallCount())
	assert.Empty(t, h.Events.OfType(operations.EventRetry))
}

func TestMissingModelIsRecordedAsSkippedSuccess(t *testing.T) {
	facts := testutil.NewMockAsset("fct_trips", false)
	fraud := testutil.NewMockAsset("fraud_detection_job", false, "fct_trips")
	fraud.MaterializeFunc = func(ctx context.Context, run operations.RunContext) (operations.Output, error) {
		return operations.Output{}, operations.NewModelUnavailableError("anomaly_detector.json", nil)
	}
	h := testutil.NewHarness(t, testutil.TestConfig(), facts, fraud)

	rec, err := h.Scheduler.Trigger(context.Background(), "fct_trips", "")
	require.NoError(t, err)
	assert.Equal(t, operations.RecordSuccess, rec.Status)
	h.WaitIdle(t)

	require.Equal(t, 1, fraud.CallCount())
	records, err := h.Scheduler.Records(context.Background(), "fraud_detection_job", "", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, operations.RecordSuccess, records[0].Status)
	assert.Equal(t, "skipped", records[0].Message)
	assert.Len(t, h.Events.OfType(operations.EventSkipped), 1)
	_, logged := h.Logs.FindMessage("asset skipped")
	assert.True(t, logged)
}

func TestFailureOnlyBlocksTransitiveDependents(t *testing.T) {
	raw := testutil.NewMockAsset("raw_yellow_trips", true)
	raw.MaterializeFunc = func(ctx context.Context, run operations.RunContext) (operations.Output, error) {
		if run.Partition.Key == "2024-02" {
			return operations.Output{}, operations.NewValidationError("bad file")
		}
		return operations.Output{Rows: 5}, nil
	}
	stats := testutil.NewMockAsset("trip_stats", true, "raw_yellow_trips")
	facts := testutil.NewMockAsset("fct_trips", false, "raw_yellow_trips")
	holidays := testutil.NewMockAsset("raw_holidays", false)
	h := testutil.NewHarness(t, testutil.TestConfig(), raw, stats, facts, holidays)

	require.NoError(t, h.Scheduler.Enqueue("raw_yellow_trips", "2024-01", "2024-02"))
	require.NoError(t, h.Scheduler.Enqueue("raw_holidays"))
	h.WaitIdle(t)

	assert.Equal(t, 1, stats.PartitionCalls("2024-01"))
	assert.Equal(t, 0, stats.PartitionCalls("2024-02"))
	assert.Equal(t, 0, facts.CallCount(), "whole-asset dependent waits while a partition is failed")
	assert.Equal(t, 1, holidays.CallCount())
	assert.Equal(t, operations.StateSuccess, h.PartitionState(t, "raw_holidays", "").State)
}

func TestWholeAssetDependentRunsOnceAfterBackfill(t *testing.T) {
	raw := testutil.NewMockAsset("raw_yellow_trips", true)
	facts := testutil.NewMockAsset("fct_trips", false, "raw_yellow_trips")
	revenue := testutil.NewMockAsset("dm_daily_revenue", false, "fct_trips")
	h := testutil.NewHarness(t, testutil.TestConfig(), raw, facts, revenue)

	_, err := h.Scheduler.Backfill("raw_yellow_trips", "2024-01", "2024-05")
	require.NoError(t, err)
	h.WaitIdle(t)

	assert.Equal(t, 5, raw.CallCount())
	assert.Equal(t, 1, facts.CallCount())
	assert.Equal(t, 1, revenue.CallCount())
}

func TestPinnedDependency(t *testing.T) {
	baseline := testutil.NewMockAsset("baseline", true)
	compare := &testutil.MockAsset{
		AssetName:     "compare",
		IsPartitioned: true,
		Deps:          []operations.AssetRef{{Asset: "baseline", Partition: "2024-01"}},
		Rows:          1,
	}
	h := testutil.NewHarness(t, testutil.TestConfig(), baseline, compare)
	ctx := context.Background()

	_, err := h.Scheduler.Trigger(ctx, "compare", "2024-03")
	assert.ErrorIs(t, err, operations.ErrDependencyUnsatisfied)

	_, err = h.Scheduler.Trigger(ctx, "baseline", "2024-01")
	require.NoError(t, err)
	h.WaitIdle(t)

	// the blocked key became known and is pushed once the pin succeeds
	assert.Equal(t, 1, compare.PartitionCalls("2024-03"))
}

func TestEnqueueValidation(t *testing.T) {
	raw := testutil.NewMockAsset("raw_weather", true)
	holidays := testutil.NewMockAsset("raw_holidays", false)
	h := testutil.NewHarness(t, testutil.TestConfig(), raw, holidays)

	tests := []struct {
		name       string
		asset      string
		partitions []string
		want       error
	}{
		{"unknown asset", "nope", []string{"2024-01"}, operations.ErrUnknownAsset},
		{"malformed key", "raw_weather", []string{"2024-13"}, operations.ErrInvalidPartition},
		{"before horizon", "raw_weather", []string{"2023-12"}, operations.ErrInvalidPartition},
		{"missing partition", "raw_weather", nil, operations.ErrInvalidPartition},
		{"partition on unpartitioned", "raw_holidays", []string{"2024-01"}, operations.ErrInvalidPartition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Scheduler.Enqueue(tt.asset, tt.partitions...)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStatusListsCalendarPartitions(t *testing.T) {
	raw := testutil.NewMockAsset("raw_weather", true)
	h := testutil.NewHarness(t, testutil.TestConfig(), raw)

	_, err := h.Scheduler.Trigger(context.Background(), "raw_weather", "2024-02")
	require.NoError(t, err)

	st, err := h.Scheduler.Status("raw_weather")
	require.NoError(t, err)
	require.Len(t, st.Partitions, 6)
	for i, p := range st.Partitions {
		assert.Equal(t, fmt.Sprintf("2024-%02d", i+1), p.Partition)
	}
	assert.Equal(t, operations.StateSuccess, st.Partitions[1].State)
	assert.Equal(t, operations.StateUnscheduled, st.Partitions[0].State)

	_, err = h.Scheduler.Status("nope")
	assert.ErrorIs(t, err, operations.ErrUnknownAsset)
}

func TestStateRestoredFromRecords(t *testing.T) {
	store := operations.NewMemoryRecordStore()
	finished := testutil.Now.Add(-time.Hour)
	require.NoError(t, store.Append(context.Background(), operations.MaterializationRecord{
		ID: "r1", RunID: "run-1", Asset: "raw_yellow_trips", Partition: "2024-01",
		Status: operations.RecordSuccess, Attempt: 1, StartedAt: finished, FinishedAt: &finished,
	}))

	raw := testutil.NewMockAsset("raw_yellow_trips", true)
	stats := testutil.NewMockAsset("trip_stats", true, "raw_yellow_trips")
	h := testutil.NewHarnessWithStore(t, testutil.TestConfig(), store, raw, stats)

	rec, err := h.Scheduler.Trigger(context.Background(), "trip_stats", "2024-01")
	require.NoError(t, err)
	assert.Equal(t, operations.RecordSuccess, rec.Status)
	assert.Equal(t, 0, raw.CallCount())
}

func TestListenerReceivesLifecycle(t *testing.T) {
	raw := testutil.NewMockAsset("raw_weather", true)
	h := testutil.NewHarness(t, testutil.TestConfig(), raw)

	require.NoError(t, h.Scheduler.Enqueue("raw_weather", "2024-01"))
	h.WaitIdle(t)

	var types []operations.EventType
	for _, e := range h.Events.Events() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []operations.EventType{
		operations.EventQueued,
		operations.EventStarted,
		operations.EventSucceeded,
	}, types)
}

func TestSummaryFollowsTopologicalOrder(t *testing.T) {
	facts := testutil.NewMockAsset("fct_trips", false, "raw_yellow_trips")
	raw := testutil.NewMockAsset("raw_yellow_trips", true)
	h := testutil.NewHarness(t, testutil.TestConfig(), facts, raw)

	_, err := h.Scheduler.Trigger(context.Background(), "raw_yellow_trips", "2024-01")
	require.NoError(t, err)
	h.WaitIdle(t)

	sum := h.Scheduler.Summary()
	require.Len(t, sum, 2)
	assert.Equal(t, "raw_yellow_trips", sum[0].Asset)
	assert.Equal(t, 1, sum[0].Counts[operations.StateSuccess])
	assert.Equal(t, "fct_trips", sum[1].Asset)
}

func TestPanickingBodyFailsTheKey(t *testing.T) {
	raw := testutil.NewMockAsset("raw_weather", true)
	raw.MaterializeFunc = func(ctx context.Context, run operations.RunContext) (operations.Output, error) {
		panic("boom")
	}
	h := testutil.NewHarness(t, testutil.TestConfig(), raw)

	_, err := h.Scheduler.Trigger(context.Background(), "raw_weather", "2024-01")
	require.Error(t, err)
	assert.Equal(t, operations.KindInternal, operations.KindOf(err))
	assert.Equal(t, operations.StateFailed, h.PartitionState(t, "raw_weather", "2024-01").State)
}
