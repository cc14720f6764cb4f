// Package shipper sends the agent's AlertEvents to alertflow-server over
// the IngestService unary RPC.
//
// Shipper.Ship() is non-blocking: events are placed in an in-memory channel
// (default capacity 1000). When the buffer is full the oldest entry is
// evicted so the latest readings are always preserved.
//
// Shipper.Run() drains the buffer in batches of up to batch_size,
// reconnecting with truncated exponential backoff (1s→60s, ±25% jitter) on
// connection or send errors. Permanent gRPC errors (Unauthenticated,
// PermissionDenied, InvalidArgument) discard the batch instead of retrying.
//
// Auth: mTLS via credentials.NewTLS(), API key via gRPC metadata header,
// or insecure (plaintext) for local development.
package shipper
