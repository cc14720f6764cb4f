// Package suppress implements composite alarm evaluation and temporal
// suppression.
//
// Composite rules are boolean expressions over alarm states, written the way
// CloudWatch composite alarm rules are:
//
//	ALARM(db-cpu) AND (ALARM(api-5xx) OR NOT OK(api-latency))
//
// Expressions are parsed once into a small AST (And, Or, Not, AlarmRef) and
// evaluated against the AlarmStateTable, which this package owns. Each rule
// moves through Idle -> Pending -> Suppressing -> Idle:
//
//   - Pending: the rule's suppressor alarm was in ALARM when a composite
//     notification was produced, so the notification is held for the wait
//     period. If the suppressor clears, or the composite flips back, the
//     held notification is cancelled. If the wait period expires first the
//     notification is released and the rule enters Suppressing.
//   - Suppressing: further notifications are dropped until the extension
//     period has elapsed.
//
// Rules are locked individually and alarm table entries are locked per
// alarm; there is no engine-wide lock. Evaluation failures fail open: the
// notification is passed through and the error is logged.
package suppress
