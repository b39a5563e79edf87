// Package rules defines the decision-rule vocabulary shared by the
// analysis, backtest and walk-forward engines, plus the classifier-fitting
// capability the pipeline consumes: fit a shallow classifier, get back
// path-threshold rules.
package rules

import (
	"context"
	"errors"
)

// Threshold is one feature condition inside a rule.
type Threshold struct {
	Feature  string  `json:"feature"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

// DecisionRule is a conjunction of thresholds extracted from one tree leaf.
// Confidence is the majority-class fraction at that leaf.
type DecisionRule struct {
	PredictedClass int         `json:"predicted_class"`
	Confidence     float64     `json:"confidence"`
	Samples        int         `json:"samples,omitempty"`
	Thresholds     []Threshold `json:"thresholds"`
}

// TrainerConfig bounds the shallow classifier fit.
type TrainerConfig struct {
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	MinRuleSamples  int
}

func (c TrainerConfig) Validate() error {
	if c.MaxDepth < 1 {
		return errors.New("max depth must be >= 1")
	}
	if c.MinSamplesSplit < 2 {
		return errors.New("min samples split must be >= 2")
	}
	if c.MinSamplesLeaf < 1 {
		return errors.New("min samples leaf must be >= 1")
	}
	if c.MinRuleSamples < 1 {
		return errors.New("min rule samples must be >= 1")
	}
	return nil
}

// FitResult carries the extracted rules and the accuracy of the fitted
// classifier on its own training rows.
type FitResult struct {
	Rules         []DecisionRule
	TrainAccuracy float64
}

// Trainer fits a shallow classifier on row-major features with binary
// labels and returns path-threshold rules. Implementations must be
// deterministic for a fixed input.
type Trainer interface {
	Fit(ctx context.Context, features [][]float64, labels []int, featureNames []string, cfg TrainerConfig) (FitResult, error)
}
