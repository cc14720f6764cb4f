// Package evaluate holds the stateless breach and anomaly decisions used by
// the alert pipeline: CloudWatch-style threshold comparison, dual-threshold
// cost anomaly detection with an explicit baseline staleness policy, and
// budget warning/critical levels.
//
// Nothing in this package forecasts. Expected values and their as-of
// timestamps are supplied by the upstream collaborator that observes spend.
package evaluate
