// Package server exposes an Engine over HTTP.
//
// Routes:
//
//	POST   /v1/runs                  start a run, optionally waiting for the result
//	GET    /v1/runs/:run_id          run status, trace and result
//	DELETE /v1/runs/:run_id          cancel a run
//	GET    /v1/runs/:run_id/events   WebSocket stream of the run's step events
//	POST   /v1/definitions/validate  validate a pipeline definition
//	GET    /health                   liveness
//	GET    /metrics                  Prometheus scrape endpoint (when configured)
//
// Runs started through the server outlive the request that created them and
// stay queryable after they finished, up to Options.RetainRuns handles.
package server
