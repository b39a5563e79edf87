package backtest

import (
	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
	"github.com/quantpipe-labs/quantpipe-go/internal/rules"
)

// GenerateOpenSignal evaluates the decision rules row by row and returns one
// boolean per row. A rule contributes only when its predicted class matches
// the backtest direction (1 for long, 0 for short) and its confidence clears
// the floor; its thresholds are ANDed, rules are ORed. A threshold naming an
// unknown feature or operator makes that rule false for every row.
func GenerateOpenSignal(f *frame.Frame, decisionRules []rules.DecisionRule, backtestType string, minConfidence float64) []bool {
	signal := make([]bool, f.Len())

	targetClass := 1
	if backtestType == "short" {
		targetClass = 0
	}

	for _, rule := range decisionRules {
		if rule.PredictedClass != targetClass {
			continue
		}
		if rule.Confidence < minConfidence {
			continue
		}
		for i := 0; i < f.Len(); i++ {
			if signal[i] {
				continue
			}
			if ruleMatches(f, rule, i) {
				signal[i] = true
			}
		}
	}
	return signal
}

func ruleMatches(f *frame.Frame, rule rules.DecisionRule, i int) bool {
	for _, threshold := range rule.Thresholds {
		value, ok := f.Value(threshold.Feature, i)
		if threshold.Feature == "" || !ok {
			return false
		}
		switch threshold.Operator {
		case "<=":
			if !(value <= threshold.Value) {
				return false
			}
		case ">":
			if !(value > threshold.Value) {
				return false
			}
		case "<":
			if !(value < threshold.Value) {
				return false
			}
		case ">=":
			if !(value >= threshold.Value) {
				return false
			}
		case "==":
			if value != threshold.Value {
				return false
			}
		case "!=":
			if value == threshold.Value {
				return false
			}
		default:
			return false
		}
	}
	return true
}
