package pipeline

import (
	"strings"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
)

// IsPipelineRun reports whether the run chains multiple steps.
func IsPipelineRun(run domain.Run) bool {
	return run.StepName == PipelineRunStepName
}

// ConfigOf extracts params.pipeline.config, empty when absent.
func ConfigOf(run domain.Run) map[string]any {
	return subDocument(subDocument(run.Params, "pipeline"), "config")
}

// StateOf extracts params.pipeline.state, empty when absent.
func StateOf(run domain.Run) map[string]any {
	return subDocument(subDocument(run.Params, "pipeline"), "state")
}

// StepsOf returns the configured step list, falling back to the default
// chain when the config carries none.
func StepsOf(run domain.Run) []string {
	raw, ok := ConfigOf(run)["steps"].([]any)
	if !ok {
		return append([]string(nil), DefaultSteps...)
	}
	var steps []string
	for _, v := range raw {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		steps = append(steps, s)
	}
	if len(steps) == 0 {
		return append([]string(nil), DefaultSteps...)
	}
	return steps
}

// PatchState merges the patch into params.pipeline.state and returns the
// updated params document. The input run is not mutated.
func PatchState(run domain.Run, patch map[string]any) domain.Metadata {
	params := make(domain.Metadata, len(run.Params)+1)
	for k, v := range run.Params {
		params[k] = v
	}
	pipelineDoc := subDocument(params, "pipeline")
	state := DeepMerge(subDocument(pipelineDoc, "state"), patch)

	newPipeline := make(map[string]any, len(pipelineDoc)+1)
	for k, v := range pipelineDoc {
		newPipeline[k] = v
	}
	newPipeline["state"] = state
	params["pipeline"] = newPipeline
	return params
}

func subDocument(doc map[string]any, key string) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	sub, ok := doc[key].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return sub
}

// requireStateID fetches a non-empty artifact id from the pipeline state.
func requireStateID(state map[string]any, key string) (string, error) {
	value, ok := state[key]
	if !ok || value == nil {
		return "", paramsError("pipeline state missing %s", key)
	}
	s, ok := value.(string)
	if !ok {
		return "", paramsError("pipeline state %s is not a string", key)
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return "", paramsError("pipeline state %s is invalid", key)
	}
	return s, nil
}

func optionalStateValue(state map[string]any, key string) any {
	if v, ok := state[key]; ok {
		return v
	}
	return nil
}
