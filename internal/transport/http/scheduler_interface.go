package http

import (
	"context"

	"metrofleet/internal/operations"
)

// AssetScheduler is the part of operations.Scheduler the asset handlers use
type AssetScheduler interface {
	Summary() []operations.AssetSummary
	Status(asset string) (operations.AssetStatus, error)
	Records(ctx context.Context, asset, partitionKey string, limit int) ([]operations.MaterializationRecord, error)
	Trigger(ctx context.Context, asset, partitionKey string) (*operations.MaterializationRecord, error)
	Enqueue(asset string, partitions ...string) error
	Backfill(asset, from, to string) (int, error)
}

var _ AssetScheduler = (*operations.Scheduler)(nil)
