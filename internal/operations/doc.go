// Package operations builds the asset graph and schedules asset
// materializations.
//
// Core components:
//
// Registry collects Asset definitions and builds an immutable Graph. Build
// rejects unknown dependencies and cycles and computes a topological order,
// breaking ties by registration order.
//
// Scheduler tracks every (asset, partition) through
// Unscheduled → Running → Success | Failed. A key runs only when all of its
// dependencies are Success. When a key succeeds its dependents are
// evaluated and the eligible ones are queued for the worker pool. Retryable
// failures are retried automatically with exponential backoff.
//
// Each run appends a pending and a terminal MaterializationRecord to a
// RecordStore, opens an asset.materialize span and publishes Events to
// listeners such as the websocket hub.
//
// Example usage:
//
//	registry := operations.NewRegistry()
//	registry.MustRegister(rawTrips, rawWeather, fctTrips)
//	graph, err := registry.Build()
//	if err != nil {
//		return err
//	}
//
//	sched := operations.NewScheduler(graph, calendar, store, operations.NewConfig(),
//		operations.WithLogger(logger))
//	if err := sched.Start(ctx); err != nil {
//		return err
//	}
//	defer sched.Stop()
//
//	rec, err := sched.Trigger(ctx, "raw_weather", "2024-01")
package operations
