// Package auth enforces the shared API key on both ingestion surfaces.
//
// APIKeyInterceptor guards the gRPC IngestService; Middleware guards the REST
// API and the WebSocket upgrade. Both read the same header, compare in
// constant time, and let everything through when mode is not "apikey" or no
// key is configured, which keeps local development friction-free.
package auth
