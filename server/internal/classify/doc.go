// Package classify assigns a severity tier to an AlertEvent.
//
// Rules are evaluated in a fixed order and the first match wins:
//
//  1. SecurityFinding source  -> security
//  2. CostAnomaly source      -> cost
//  3. heartbeat or state OK   -> info
//  4. status-check or host-health failure -> critical
//  5. any other breach        -> warning
//
// An unrecognised source is an error. Callers decide whether to fall back to
// a configured default tier or drop the event; Classify never guesses.
package classify
