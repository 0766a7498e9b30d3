// Package app wires the metrofleet service together and manages its
// lifecycle.
//
// # Initialization Flow
//
//	1. Initialize logging and OpenTelemetry
//	2. Open the warehouse, the record store and the model bucket
//	3. Build the asset graph and the scheduler
//	4. Start the websocket hub and register it as a scheduler listener
//	5. Register the cron schedules
//	6. Set up the router and the HTTP server
//
// # Graceful Shutdown
//
// Run stops when its context is cancelled. The HTTP server drains first, then
// cron stops firing, the scheduler cancels in-flight runs and the hub closes
// its clients. Telemetry is flushed last so shutdown spans are exported.
//
// The app does not call os.Exit; errors are returned to cmd/metrofleet.
package app
