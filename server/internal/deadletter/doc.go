// Package deadletter stores deliveries that could not be completed: the full
// enriched event, the subscription it was meant for, the reason and every
// attempt made. Records are kept for manual replay and purged after a
// retention period on a cron schedule.
//
// SQLite (modernc.org/sqlite, no cgo) is the durable sink; Memory serves
// tests and deployments that opt out of persistence.
package deadletter
