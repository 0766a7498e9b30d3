package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metrofleet/internal/operations"
	"metrofleet/internal/partition"
	sharedtest "metrofleet/internal/shared/testutil"
)

// Now is the fixed clock used by scheduler tests
var Now = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

// TestCalendar returns a monthly calendar from 2024-01 to the month of Now
func TestCalendar(t *testing.T) *partition.Calendar {
	t.Helper()
	cal, err := partition.NewMonthly(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		partition.WithClock(func() time.Time { return Now }))
	require.NoError(t, err)
	return cal
}

// TestConfig returns a scheduler configuration with millisecond backoff
func TestConfig() operations.Config {
	return operations.Config{
		Workers:      4,
		AssetTimeout: 5 * time.Second,
		RetryConfig: operations.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

// Harness bundles a started scheduler with its collaborators
type Harness struct {
	Scheduler *operations.Scheduler
	Store     *operations.MemoryRecordStore
	Events    *operations.EventLog
	Logs      *sharedtest.BufferedSlogHandler
}

// NewHarness builds the graph from assets, starts a scheduler and stops it
// when the test ends.
func NewHarness(t *testing.T, cfg operations.Config, assets ...operations.Asset) *Harness {
	t.Helper()
	return NewHarnessWithStore(t, cfg, operations.NewMemoryRecordStore(), assets...)
}

// NewHarnessWithStore is NewHarness with a pre-populated record store
func NewHarnessWithStore(t *testing.T, cfg operations.Config, store *operations.MemoryRecordStore, assets ...operations.Asset) *Harness {
	t.Helper()

	registry := operations.NewRegistry()
	for _, a := range assets {
		require.NoError(t, registry.Register(a))
	}
	graph, err := registry.Build()
	require.NoError(t, err)

	logger, logs := sharedtest.NewTestLogger(t)
	events := &operations.EventLog{}
	sched := operations.NewScheduler(graph, TestCalendar(t), store, cfg,
		operations.WithLogger(logger),
		operations.WithClock(func() time.Time { return Now }),
		operations.WithListener(events))

	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)

	return &Harness{Scheduler: sched, Store: store, Events: events, Logs: logs}
}

// WaitIdle waits for the scheduler to drain, failing the test after 5s
func (h *Harness) WaitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Scheduler.WaitIdle(ctx))
}

// PartitionState returns the state of one key
func (h *Harness) PartitionState(t *testing.T, asset, key string) operations.PartitionStatus {
	t.Helper()
	st, err := h.Scheduler.Status(asset)
	require.NoError(t, err)
	for _, p := range st.Partitions {
		if p.Partition == key {
			return p
		}
	}
	t.Fatalf("partition %s of %s not in status", key, asset)
	return operations.PartitionStatus{}
}
