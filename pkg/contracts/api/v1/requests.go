// Package api contains the request and response bodies of the metrofleet
// HTTP API. Version v1 is the current stable API version.
package api

import (
	"time"

	"metrofleet/internal/operations"
)

// MaterializeRequest asks for partitions of one asset to be materialized.
// Unpartitioned assets take no partitions. With Wait set the call returns
// the terminal records; otherwise the keys are queued.
type MaterializeRequest struct {
	Partitions []string `json:"partitions" validate:"omitempty,max=240,dive,partition"`
	Wait       bool     `json:"wait,omitempty"`
}

// BackfillRequest queues every partition from From to To, both inclusive
type BackfillRequest struct {
	From string `json:"from" validate:"required,partition"`
	To   string `json:"to" validate:"required,partition"`
}

// MaterializeResponse reports what a materialize call did
type MaterializeResponse struct {
	Asset   string                             `json:"asset"`
	Queued  []string                           `json:"queued,omitempty"`
	Records []operations.MaterializationRecord `json:"records,omitempty"`
}

// BackfillResponse reports how many partitions were queued
type BackfillResponse struct {
	Asset  string `json:"asset"`
	From   string `json:"from"`
	To     string `json:"to"`
	Queued int    `json:"queued"`
}

// GraphResponse is the asset graph with per-asset state counts, in
// topological order
type GraphResponse struct {
	Order  []string                  `json:"order"`
	Assets []operations.AssetSummary `json:"assets"`
}

// RecordsResponse lists materialization records, newest first
type RecordsResponse struct {
	Asset     string                             `json:"asset"`
	Partition string                             `json:"partition,omitempty"`
	Records   []operations.MaterializationRecord `json:"records"`
}

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
	WSClients int               `json:"ws_clients"`
	CheckedAt time.Time         `json:"checked_at"`
}
