// Package http implements the REST handlers of the metrofleet API. Handlers
// are thin: they decode and validate the request, call the scheduler and
// render the result. Every error goes through errors.ErrorHandler and is
// written as RFC 7807 problem details.
//
// Routes, mounted under /api by the application:
//
//	GET  /health
//	GET  /assets
//	GET  /assets/{asset}/partitions
//	GET  /assets/{asset}/records?partition=&limit=
//	POST /assets/{asset}/materialize
//	POST /assets/{asset}/backfill
package http
