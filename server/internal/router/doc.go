// Package router fans an enriched event out to the subscriptions of its
// severity tier.
//
// For each event Route:
//
//   - claims the event's identity key in the dedup cache; a duplicate inside
//     the window yields one Skipped-Deduped result per matching subscription
//   - publishes the event to the aggregate subject, if configured, in its
//     own goroutine; failures there are logged and never affect routing
//   - delivers to every matching subscription concurrently, each attempt
//     under its own deadline, retrying transient failures with truncated
//     exponential backoff and jitter
//   - dead-letters the event when attempts are exhausted or the adapter
//     reports a permanent failure
//
// Every result, including intermediate Retrying ones, is passed to the
// registered observers.
package router
