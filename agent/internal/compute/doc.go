// Package compute evaluates the agent's watch rules against scrape results.
//
// Engine.Process reduces the matching series of each rule (sum, avg, max,
// or per-minute rate of a counter) and emits a raw-sample AlertEvent. The
// server compares Value to Threshold and decides the alarm state; the agent
// only decides INSUFFICIENT_DATA, when a scrape fails or the metric is
// absent. Process accepts an injectable time.Time so tests are
// deterministic.
package compute
