// Package api implements the HTTP REST API for alertflow-server.
//
// New(pipeline, store, sink) returns an http.Handler that serves:
//
//	GET  /api/v1/health      : alarm counts by state, recent deliveries by status
//	POST /api/v1/events      : ingest one AlertEvent; 202 with its id, or
//	                            200 with every DeliveryResult when ?wait=true
//	GET  /api/v1/deliveries  : recent results; filters: event_id, severity, status, limit
//	GET  /api/v1/alarms      : alarm state table and suppression rule status
//	GET  /api/v1/deadletters : newest dead-letter records with diagnostic hints
//
// All endpoints respond with Content-Type: application/json and return 405
// for other methods. Event bodies are validated with go-playground/validator
// before they reach the pipeline; request types are in types.go.
package api
