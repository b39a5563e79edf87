package domain

import (
	"errors"
	"strings"
	"time"
)

// Metadata is an opaque JSON document attached to runs, steps and artifacts.
type Metadata map[string]any

// Run represents one invocation of a workflow, either a single step or a
// full pipeline whose steps are chained automatically.
type Run struct {
	ID           string
	WorkflowName string
	StepName     string
	Status       RunStatus
	Params       Metadata
	Error        *ErrorPayload
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Step is one stage of execution within a run, backed by one queued task.
// QueueTaskID is diagnostic only and never authoritative for state.
type Step struct {
	ID          string
	RunID       string
	Name        string
	QueueTaskID string
	Status      StepStatus
	Progress    int
	Message     string
	Error       *ErrorPayload
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.WorkflowName) == "" {
		return errors.New("workflow name is required")
	}
	if strings.TrimSpace(r.StepName) == "" {
		return errors.New("step name is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("run status is invalid")
	}
	return nil
}

func (s Step) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("step id is required")
	}
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("step run id is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("step name is required")
	}
	if s.Progress < 0 || s.Progress > 100 {
		return errors.New("step progress must be within [0, 100]")
	}
	return nil
}
