package repo

import (
	"context"
	"errors"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
)

// ErrNotFound is returned when a run, step, artifact or template does not exist.
var ErrNotFound = errors.New("not found")

type RunFilter struct {
	WorkflowName string
	Status       string
	Limit        int
	Offset       int
}

type ArtifactFilter struct {
	RunID string
	Kind  string
	Limit int
}

type TemplateFilter struct {
	Limit  int
	Offset int
}

// StepUpdate carries optional fields for a step status transition. Nil
// fields leave the stored value untouched.
type StepUpdate struct {
	Progress *int
	Message  *string
	Error    *domain.ErrorPayload
}

// RunRepository manages workflow runs. Status mutators apply the lifecycle
// timestamp rules: started_at is set on the first transition to running and
// finished_at on any terminal transition.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	SetRunStatus(ctx context.Context, id string, status domain.RunStatus, errPayload *domain.ErrorPayload) error
	UpdateRunParams(ctx context.Context, id string, params domain.Metadata) error
}

// StepRepository manages workflow steps. SetStepStatus clamps progress to
// [0, 100], never lowers it, and forces it to 100 on success.
type StepRepository interface {
	CreateStep(ctx context.Context, step domain.Step) error
	GetStep(ctx context.Context, id string) (domain.Step, error)
	ListSteps(ctx context.Context, runID string) ([]domain.Step, error)
	SetStepStatus(ctx context.Context, id string, status domain.StepStatus, update StepUpdate) error
	SetStepQueueTaskID(ctx context.Context, id, taskID string) error
	CancelOpenSteps(ctx context.Context, runID, message string) error
}

// ArtifactRepository manages artifact records. Artifacts are written once
// and immutable afterwards.
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, artifact domain.Artifact) error
	GetArtifact(ctx context.Context, id string) (domain.Artifact, error)
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]domain.Artifact, error)
}

// TemplateRepository manages reusable pipeline templates.
type TemplateRepository interface {
	CreateTemplate(ctx context.Context, template domain.PipelineTemplate) error
	GetTemplate(ctx context.Context, id string) (domain.PipelineTemplate, error)
	GetDefaultTemplate(ctx context.Context) (domain.PipelineTemplate, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]domain.PipelineTemplate, error)
	UpdateTemplate(ctx context.Context, template domain.PipelineTemplate) error
	DeleteTemplate(ctx context.Context, id string) error
	SetDefaultTemplate(ctx context.Context, id string) error
}

// Store bundles the repositories and scopes a unit of work. Tx runs fn
// against a store whose writes commit or roll back together.
type Store interface {
	Runs() RunRepository
	Steps() StepRepository
	Artifacts() ArtifactRepository
	Templates() TemplateRepository
	Tx(ctx context.Context, fn func(Store) error) error
}
