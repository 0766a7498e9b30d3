// Package partition divides history into monthly, half-open time windows.
//
// Partitions are the unit of idempotent ingestion: every load replaces exactly
// one window of its target table, so re-running a month never duplicates rows.
// The calendar is pure arithmetic and never touches the warehouse.
package partition
