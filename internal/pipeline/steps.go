// Package pipeline owns run orchestration: step registry, parameter
// normalization, pipeline config resolution and the continuation logic
// that chains steps after each success.
package pipeline

import (
	"errors"
	"fmt"
)

// Step names, in canonical pipeline order.
const (
	StepDataDownload          = "data_download"
	StepFeatureCalculation    = "feature_calculation"
	StepLabelCalculation      = "label_calculation"
	StepModelTraining         = "model_training"
	StepModelInterpretation   = "model_interpretation"
	StepModelAnalysis         = "model_analysis"
	StepBacktestConstruction  = "backtest_construction"
	StepWalkForwardEvaluation = "walk_forward_evaluation"
)

// PipelineRunStepName marks a run that chains multiple steps; its
// workflow_runs.step_name carries this value instead of a single step.
const PipelineRunStepName = "pipeline"

// DefaultSteps is the full chain in execution order.
var DefaultSteps = []string{
	StepDataDownload,
	StepFeatureCalculation,
	StepLabelCalculation,
	StepModelTraining,
	StepModelInterpretation,
	StepModelAnalysis,
	StepBacktestConstruction,
	StepWalkForwardEvaluation,
}

// taskNameByStep maps step names to queue task names.
var taskNameByStep = map[string]string{
	StepDataDownload:          "quantpipe.data_download",
	StepFeatureCalculation:    "quantpipe.feature_calculation",
	StepLabelCalculation:      "quantpipe.label_calculation",
	StepModelTraining:         "quantpipe.model_training",
	StepModelInterpretation:   "quantpipe.model_interpretation",
	StepModelAnalysis:         "quantpipe.model_analysis",
	StepBacktestConstruction:  "quantpipe.backtest_construction",
	StepWalkForwardEvaluation: "quantpipe.walk_forward_evaluation",
}

// TaskNameByStep resolves the queue task name for a step.
func TaskNameByStep(step string) (string, bool) {
	name, ok := taskNameByStep[step]
	return name, ok
}

var (
	ErrUnknownStep   = errors.New("unknown step")
	ErrInvalidParams = errors.New("invalid step params")
)

func unknownStepError(step string) error {
	return fmt.Errorf("%w: %s", ErrUnknownStep, step)
}

func paramsError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}
