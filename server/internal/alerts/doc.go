// Package alerts is the ingestion pipeline. It assigns ids, computes the
// state of raw samples and cost readings, classifies, runs the suppression
// engine, and hands surviving events to the router after enrichment and
// redaction.
package alerts
