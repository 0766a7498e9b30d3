package operations

import (
	"context"
	"log/slog"

	"metrofleet/internal/partition"
)

// Asset is a named, materializable dataset. Partitioned assets are
// materialized one monthly partition at a time; unpartitioned assets as a
// whole.
type Asset interface {
	Name() string
	Partitioned() bool
	Dependencies() []AssetRef
	Materialize(ctx context.Context, run RunContext) (Output, error)
}

// AssetRef names an upstream asset. An empty Partition means the same
// partition when both sides are partitioned, and the whole asset otherwise.
// A non-empty Partition pins one partition of a partitioned upstream.
type AssetRef struct {
	Asset     string `json:"asset"`
	Partition string `json:"partition,omitempty"`
}

// Dep is shorthand for an unpinned reference.
func Dep(asset string) AssetRef {
	return AssetRef{Asset: asset}
}

// RunContext describes one execution of an asset body.
type RunContext struct {
	RunID   string
	Attempt int
	// Partition is zero for unpartitioned assets.
	Partition partition.Partition
	Logger    *slog.Logger
}

// Output is what a successful body reports back.
type Output struct {
	Rows    int64
	Message string
}

// MaterializeFunc is the body of a FuncAsset.
type MaterializeFunc func(ctx context.Context, run RunContext) (Output, error)

// FuncAsset adapts a function to the Asset interface.
type FuncAsset struct {
	AssetName   string
	IsPartition bool
	Deps        []AssetRef
	Fn          MaterializeFunc
}

func (a *FuncAsset) Name() string             { return a.AssetName }
func (a *FuncAsset) Partitioned() bool        { return a.IsPartition }
func (a *FuncAsset) Dependencies() []AssetRef { return a.Deps }

func (a *FuncAsset) Materialize(ctx context.Context, run RunContext) (Output, error) {
	return a.Fn(ctx, run)
}
