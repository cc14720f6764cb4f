// Package dedup coalesces logically identical events within a window.
//
// An event's identity is (source, metricName, dimensions, state); Key hashes
// the canonical form with SHA-256 so that dimension order does not matter.
// Memory is a sharded TTL cache for single-instance deployments; Redis uses
// SET NX PX so that several servers share one window.
package dedup
