package pipeline

import (
	"errors"
	"testing"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
)

func pipelineRun(config, state map[string]any) domain.Run {
	return domain.Run{
		ID:           "run-1",
		WorkflowName: "default",
		StepName:     PipelineRunStepName,
		Status:       domain.RunStatusRunning,
		Params: domain.Metadata{
			"pipeline": map[string]any{
				"config": config,
				"state":  state,
			},
		},
	}
}

func TestIsPipelineRun(t *testing.T) {
	if !IsPipelineRun(pipelineRun(nil, nil)) {
		t.Fatalf("pipeline run not recognized")
	}
	single := domain.Run{StepName: StepDataDownload}
	if IsPipelineRun(single) {
		t.Fatalf("single-step run misclassified as pipeline")
	}
}

func TestConfigStateOf_AbsentSections(t *testing.T) {
	run := domain.Run{Params: domain.Metadata{}}
	if got := ConfigOf(run); len(got) != 0 {
		t.Fatalf("ConfigOf=%v, want empty", got)
	}
	if got := StateOf(run); len(got) != 0 {
		t.Fatalf("StateOf=%v, want empty", got)
	}
}

func TestStepsOf(t *testing.T) {
	run := pipelineRun(map[string]any{
		"steps": []any{"data_download", "", "feature_calculation"},
	}, nil)
	steps := StepsOf(run)
	if len(steps) != 2 || steps[0] != StepDataDownload || steps[1] != StepFeatureCalculation {
		t.Fatalf("steps=%v", steps)
	}

	// no configured steps falls back to the full chain
	fallback := StepsOf(pipelineRun(map[string]any{}, nil))
	if len(fallback) != len(DefaultSteps) {
		t.Fatalf("fallback steps=%v", fallback)
	}
}

func TestPatchState_Accumulates(t *testing.T) {
	run := pipelineRun(map[string]any{"steps": []any{"data_download"}}, map[string]any{
		"raw_artifact_id": "raw-1",
	})

	params := PatchState(run, map[string]any{"features_artifact_id": "feat-1"})
	state := params["pipeline"].(map[string]any)["state"].(map[string]any)
	if state["raw_artifact_id"] != "raw-1" || state["features_artifact_id"] != "feat-1" {
		t.Fatalf("state=%v", state)
	}
	// config survives the patch
	cfg := params["pipeline"].(map[string]any)["config"].(map[string]any)
	if _, ok := cfg["steps"]; !ok {
		t.Fatalf("config lost by PatchState: %v", params)
	}
	// the input run is not mutated
	if _, ok := StateOf(run)["features_artifact_id"]; ok {
		t.Fatalf("PatchState mutated the input run")
	}
}

func TestBuildNextStepKwargs_FeatureCalculation(t *testing.T) {
	run := pipelineRun(map[string]any{
		"feature_calculation": map[string]any{"alpha_types": []any{"alpha_ch"}},
	}, map[string]any{
		"raw_artifact_id": "raw-1",
	})

	kwargs, err := BuildNextStepKwargs(run, StepFeatureCalculation)
	if err != nil {
		t.Fatalf("BuildNextStepKwargs: %v", err)
	}
	if kwargs["raw_artifact_id"] != "raw-1" {
		t.Fatalf("kwargs=%v", kwargs)
	}
	alphas := kwargs["alpha_types"].([]string)
	if len(alphas) != 1 || alphas[0] != "alpha_ch" {
		t.Fatalf("alpha_types=%v, want config section value", alphas)
	}
}

func TestBuildNextStepKwargs_MissingState(t *testing.T) {
	run := pipelineRun(nil, map[string]any{})
	if _, err := BuildNextStepKwargs(run, StepModelTraining); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("err=%v, want ErrInvalidParams for missing state ids", err)
	}

	// the literal "none" is treated as missing
	run = pipelineRun(nil, map[string]any{"raw_artifact_id": "None"})
	if _, err := BuildNextStepKwargs(run, StepFeatureCalculation); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("err=%v, want ErrInvalidParams for a none id", err)
	}
}

func TestBuildNextStepKwargs_BacktestDefaults(t *testing.T) {
	run := pipelineRun(nil, map[string]any{
		"features_artifact_id": "feat-1",
		"analysis_artifact_id": "ana-1",
	})
	kwargs, err := BuildNextStepKwargs(run, StepBacktestConstruction)
	if err != nil {
		t.Fatalf("BuildNextStepKwargs: %v", err)
	}
	if kwargs["pnl_mode"] != "price" || kwargs["initial_balance"] != 1000.0 {
		t.Fatalf("kwargs=%v, want backtest defaults", kwargs)
	}
	if kwargs["features_artifact_id"] != "feat-1" || kwargs["analysis_artifact_id"] != "ana-1" {
		t.Fatalf("kwargs=%v", kwargs)
	}
}

func TestBuildNextStepKwargs_UnknownStep(t *testing.T) {
	run := pipelineRun(nil, nil)
	if _, err := BuildNextStepKwargs(run, "mystery"); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("err=%v, want ErrUnknownStep", err)
	}
}
