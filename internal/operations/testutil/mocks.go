package testutil

import (
	"context"
	"sync"

	"metrofleet/internal/operations"
)

// MockAsset is a configurable asset that records every call
type MockAsset struct {
	AssetName     string
	IsPartitioned bool
	Deps          []operations.AssetRef

	// MaterializeFunc runs instead of the default body, which reports Rows
	MaterializeFunc func(ctx context.Context, run operations.RunContext) (operations.Output, error)
	Rows            int64

	mu    sync.Mutex
	calls []operations.RunContext
}

// NewMockAsset creates a mock depending on the named assets
func NewMockAsset(name string, partitioned bool, deps ...string) *MockAsset {
	m := &MockAsset{AssetName: name, IsPartitioned: partitioned, Rows: 1}
	for _, d := range deps {
		m.Deps = append(m.Deps, operations.Dep(d))
	}
	return m
}

func (m *MockAsset) Name() string                        { return m.AssetName }
func (m *MockAsset) Partitioned() bool                   { return m.IsPartitioned }
func (m *MockAsset) Dependencies() []operations.AssetRef { return m.Deps }

// Materialize records the call and runs MaterializeFunc
func (m *MockAsset) Materialize(ctx context.Context, run operations.RunContext) (operations.Output, error) {
	m.mu.Lock()
	m.calls = append(m.calls, run)
	m.mu.Unlock()

	if m.MaterializeFunc != nil {
		return m.MaterializeFunc(ctx, run)
	}
	return operations.Output{Rows: m.Rows}, nil
}

// Calls returns a copy of the recorded run contexts
func (m *MockAsset) Calls() []operations.RunContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]operations.RunContext(nil), m.calls...)
}

// CallCount returns the number of body executions
func (m *MockAsset) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// PartitionCalls counts body executions of one partition key
func (m *MockAsset) PartitionCalls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Partition.Key == key {
			n++
		}
	}
	return n
}
