package domain

import "strings"

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// StepStatus represents the lifecycle state of a single workflow step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusQueued    StepStatus = "queued"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusCanceled  StepStatus = "canceled"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the step can no longer change state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusCanceled:
		return true
	default:
		return false
	}
}

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusCreated):
		return RunStatusCreated
	case string(RunStatusQueued):
		return RunStatusQueued
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusSucceeded):
		return RunStatusSucceeded
	case string(RunStatusFailed):
		return RunStatusFailed
	case string(RunStatusCanceled):
		return RunStatusCanceled
	default:
		return ""
	}
}

// CanTransitionRunStatus enforces forward-only run state progression.
// Terminal states never transition except to themselves.
func CanTransitionRunStatus(current, next RunStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	if current.Terminal() {
		return false
	}
	return runStatusOrder(current) < runStatusOrder(next)
}

func runStatusOrder(status RunStatus) int {
	switch status {
	case RunStatusCreated:
		return 1
	case RunStatusQueued:
		return 2
	case RunStatusRunning:
		return 3
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return 4
	default:
		return 0
	}
}

// ArtifactKind classifies the payload an artifact carries.
type ArtifactKind string

const (
	ArtifactKindRaw      ArtifactKind = "raw"
	ArtifactKindFeatures ArtifactKind = "features"
	ArtifactKindLabels   ArtifactKind = "labels"
	ArtifactKindModel    ArtifactKind = "model"
	ArtifactKindPlots    ArtifactKind = "plots"
	ArtifactKindAnalysis ArtifactKind = "analysis"
	ArtifactKindBacktest ArtifactKind = "backtest"
)

// Valid reports whether the kind is one of the known artifact kinds.
func (k ArtifactKind) Valid() bool {
	switch k {
	case ArtifactKindRaw, ArtifactKindFeatures, ArtifactKindLabels,
		ArtifactKindModel, ArtifactKindPlots, ArtifactKindAnalysis, ArtifactKindBacktest:
		return true
	default:
		return false
	}
}
