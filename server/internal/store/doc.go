// Package store keeps the most recent delivery results in memory so the API
// and dashboard can show what happened to each event. Entries expire after a
// TTL and are evicted by a background loop.
package store
