package evaluate

import "github.com/obsidianstack/alertflow/pkg/types"

// EvaluateThreshold reports whether value breaches threshold under op.
// An unrecognised operator never breaches.
func EvaluateThreshold(value, threshold float64, op types.ComparisonOperator) bool {
	switch op {
	case types.GreaterThanThreshold:
		return value > threshold
	case types.GreaterThanOrEqualToThreshold:
		return value >= threshold
	case types.LessThanThreshold:
		return value < threshold
	case types.LessThanOrEqualToThreshold:
		return value <= threshold
	}
	return false
}

// ThresholdState maps a threshold decision onto an alarm state.
func ThresholdState(value, threshold float64, op types.ComparisonOperator) types.State {
	if EvaluateThreshold(value, threshold, op) {
		return types.StateAlarm
	}
	return types.StateOK
}

// ValidOperator reports whether op is one of the four supported operators.
func ValidOperator(op types.ComparisonOperator) bool {
	return op.IsGreater() || op.IsLess()
}
