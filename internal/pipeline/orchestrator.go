package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/queue"
	"github.com/quantpipe-labs/quantpipe-go/internal/repo"
)

// Orchestrator creates runs, enqueues their tasks and chains pipeline
// steps after each success. The database is the source of truth for run
// state; an enqueue failure is recorded on the run, never retried here.
type Orchestrator struct {
	store  repo.Store
	queue  queue.TaskQueue
	logger *slog.Logger
	now    func() time.Time
}

func NewOrchestrator(store repo.Store, taskQueue queue.TaskQueue, logger *slog.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if taskQueue == nil {
		return nil, errors.New("task queue is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Orchestrator{store: store, queue: taskQueue, logger: logger, now: time.Now}, nil
}

// CreateRunAndEnqueue creates a single-step run with normalized params
// and enqueues its task. The run is returned even when enqueueing fails;
// in that case the run and step are already marked failed.
func (o *Orchestrator) CreateRunAndEnqueue(ctx context.Context, workflowName, stepName string, params map[string]any) (domain.Run, domain.Step, string, error) {
	taskName, ok := TaskNameByStep(stepName)
	if !ok {
		return domain.Run{}, domain.Step{}, "", unknownStepError(stepName)
	}
	normalized, err := NormalizeParams(stepName, params)
	if err != nil {
		return domain.Run{}, domain.Step{}, "", err
	}

	run, step, err := o.createQueuedRun(ctx, workflowName, stepName, stepName, normalized)
	if err != nil {
		return domain.Run{}, domain.Step{}, "", err
	}

	payload := taskPayload(run.ID, step.ID, normalized)
	taskID := o.enqueueOrFail(ctx, taskName, payload, run.ID, step.ID)
	return run, step, taskID, nil
}

// CreatePipelineRunAndEnqueue resolves the pipeline config, creates the
// chained run and enqueues its first step.
func (o *Orchestrator) CreatePipelineRunAndEnqueue(ctx context.Context, req PipelineRunRequest) (domain.Run, domain.Step, string, error) {
	if err := req.Normalize(); err != nil {
		return domain.Run{}, domain.Step{}, "", err
	}
	configDoc, templateID, err := ResolveConfig(ctx, o.store.Templates(), req)
	if err != nil {
		return domain.Run{}, domain.Step{}, "", err
	}

	steps := stepsFromConfig(configDoc)
	if len(steps) == 0 {
		return domain.Run{}, domain.Step{}, "", paramsError("pipeline steps must not be empty")
	}
	firstStep := steps[0]
	if firstStep != StepDataDownload {
		return domain.Run{}, domain.Step{}, "", paramsError("pipeline must start with %s", StepDataDownload)
	}
	taskName, ok := TaskNameByStep(firstStep)
	if !ok {
		return domain.Run{}, domain.Step{}, "", unknownStepError(firstStep)
	}

	pipelineDoc := map[string]any{
		"config": configDoc,
		"state":  map[string]any{},
	}
	if templateID != "" {
		pipelineDoc["template_id"] = templateID
	}
	runParams := domain.Metadata{"pipeline": pipelineDoc}

	run, step, err := o.createQueuedRun(ctx, req.WorkflowName, PipelineRunStepName, firstStep, runParams)
	if err != nil {
		return domain.Run{}, domain.Step{}, "", err
	}

	kwargs, _ := configDoc[StepDataDownload].(map[string]any)
	payload := taskPayload(run.ID, step.ID, kwargs)
	taskID := o.enqueueOrFail(ctx, taskName, payload, run.ID, step.ID)
	return run, step, taskID, nil
}

// CancelRun marks a non-terminal run canceled along with its open steps.
// Canceling a terminal run is a no-op that still reports success.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) (bool, error) {
	run, err := o.store.Runs().GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if run.Status.Terminal() {
		return true, nil
	}

	err = o.store.Tx(ctx, func(tx repo.Store) error {
		if err := tx.Runs().SetRunStatus(ctx, runID, domain.RunStatusCanceled, nil); err != nil {
			return err
		}
		return tx.Steps().CancelOpenSteps(ctx, runID, "canceled")
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ContinuePipelineIfNeeded advances a pipeline run after a step succeeds:
// it persists the produced state patch, re-reads only the run status to
// honor cancellation, and either finishes the run or queues the next
// step. The boolean reports whether the run was a pipeline run at all.
func (o *Orchestrator) ContinuePipelineIfNeeded(ctx context.Context, run domain.Run, step domain.Step, statePatch map[string]any) (bool, error) {
	if !IsPipelineRun(run) {
		return false, nil
	}
	runs := o.store.Runs()

	if len(statePatch) > 0 {
		run.Params = PatchState(run, statePatch)
		if err := runs.UpdateRunParams(ctx, run.ID, run.Params); err != nil {
			return true, fmt.Errorf("persist pipeline state: %w", err)
		}
	}

	// Only the status is taken from the re-read; the params stay as merged
	// above so a concurrent writer cannot drop the fresh state keys.
	fresh, err := runs.GetRun(ctx, run.ID)
	if err != nil {
		return true, err
	}
	if fresh.Status == domain.RunStatusCanceled || fresh.Status == domain.RunStatusFailed {
		return true, nil
	}

	steps := StepsOf(run)
	idx := -1
	for i, name := range steps {
		if name == step.Name {
			idx = i
			break
		}
	}
	if idx < 0 {
		payload := domain.NewError(domain.ErrorCodeValidation,
			fmt.Sprintf("step not in pipeline steps: %s", step.Name))
		return true, runs.SetRunStatus(ctx, run.ID, domain.RunStatusFailed, payload)
	}

	if idx >= len(steps)-1 {
		return true, runs.SetRunStatus(ctx, run.ID, domain.RunStatusSucceeded, nil)
	}

	nextStepName := steps[idx+1]
	taskName, ok := TaskNameByStep(nextStepName)
	if !ok {
		payload := domain.NewError(domain.ErrorCodeValidation,
			fmt.Sprintf("unknown next step: %s", nextStepName))
		return true, o.failNextStep(ctx, run.ID, nextStepName, "pipeline config error", payload)
	}

	kwargs, err := BuildNextStepKwargs(run, nextStepName)
	if err != nil {
		payload := domain.NewError(domain.ErrorCodeValidation, err.Error())
		return true, o.failNextStep(ctx, run.ID, nextStepName, "pipeline params error", payload)
	}

	nextStep := domain.Step{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		Name:      nextStepName,
		Status:    domain.StepStatusPending,
		CreatedAt: o.now().UTC(),
	}
	err = o.store.Tx(ctx, func(tx repo.Store) error {
		if err := tx.Steps().CreateStep(ctx, nextStep); err != nil {
			return err
		}
		return tx.Steps().SetStepStatus(ctx, nextStep.ID, domain.StepStatusQueued, repo.StepUpdate{
			Progress: intPtr(0),
			Message:  strPtr("queued"),
		})
	})
	if err != nil {
		return true, fmt.Errorf("create next step: %w", err)
	}

	o.enqueueOrFail(ctx, taskName, taskPayload(run.ID, nextStep.ID, kwargs), run.ID, nextStep.ID)
	return true, nil
}

// createQueuedRun persists the run with its first step and moves both to
// queued in one transaction.
func (o *Orchestrator) createQueuedRun(ctx context.Context, workflowName, runStepName, firstStepName string, params domain.Metadata) (domain.Run, domain.Step, error) {
	now := o.now().UTC()
	run := domain.Run{
		ID:           uuid.NewString(),
		WorkflowName: workflowName,
		StepName:     runStepName,
		Status:       domain.RunStatusCreated,
		Params:       params,
		CreatedAt:    now,
	}
	if err := run.Validate(); err != nil {
		return domain.Run{}, domain.Step{}, err
	}
	step := domain.Step{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		Name:      firstStepName,
		Status:    domain.StepStatusPending,
		CreatedAt: now,
	}

	err := o.store.Tx(ctx, func(tx repo.Store) error {
		if err := tx.Runs().CreateRun(ctx, run); err != nil {
			return err
		}
		if err := tx.Steps().CreateStep(ctx, step); err != nil {
			return err
		}
		if err := tx.Runs().SetRunStatus(ctx, run.ID, domain.RunStatusQueued, nil); err != nil {
			return err
		}
		return tx.Steps().SetStepStatus(ctx, step.ID, domain.StepStatusQueued, repo.StepUpdate{
			Progress: intPtr(0),
			Message:  strPtr("queued"),
		})
	})
	if err != nil {
		return domain.Run{}, domain.Step{}, err
	}
	run.Status = domain.RunStatusQueued
	step.Status = domain.StepStatusQueued
	return run, step, nil
}

// enqueueOrFail pushes the task and records the queue task id. On enqueue
// failure the step and run are marked failed with a dependency error; the
// returned id is empty in that case.
func (o *Orchestrator) enqueueOrFail(ctx context.Context, taskName string, payload map[string]any, runID, stepID string) string {
	taskID, err := o.queue.Enqueue(ctx, taskName, payload)
	if err != nil {
		o.logger.Error("enqueue failed",
			"task", taskName, "run_id", runID, "step_id", stepID, "error", err)
		errPayload := domain.NewError(domain.ErrorCodeDependencyUnavailable, err.Error())
		if ferr := o.store.Tx(ctx, func(tx repo.Store) error {
			if err := tx.Steps().SetStepStatus(ctx, stepID, domain.StepStatusFailed, repo.StepUpdate{
				Message: strPtr("enqueue failed"),
				Error:   errPayload,
			}); err != nil {
				return err
			}
			return tx.Runs().SetRunStatus(ctx, runID, domain.RunStatusFailed, errPayload)
		}); ferr != nil {
			o.logger.Error("failed to record enqueue failure",
				"run_id", runID, "step_id", stepID, "error", ferr)
		}
		return ""
	}

	if err := o.store.Steps().SetStepQueueTaskID(ctx, stepID, taskID); err != nil {
		o.logger.Warn("failed to record queue task id",
			"step_id", stepID, "task_id", taskID, "error", err)
	}
	return taskID
}

// failNextStep records a failed placeholder step for the unreachable next
// stage and fails the run.
func (o *Orchestrator) failNextStep(ctx context.Context, runID, stepName, message string, payload *domain.ErrorPayload) error {
	nextStep := domain.Step{
		ID:        uuid.NewString(),
		RunID:     runID,
		Name:      stepName,
		Status:    domain.StepStatusPending,
		CreatedAt: o.now().UTC(),
	}
	return o.store.Tx(ctx, func(tx repo.Store) error {
		if err := tx.Steps().CreateStep(ctx, nextStep); err != nil {
			return err
		}
		if err := tx.Steps().SetStepStatus(ctx, nextStep.ID, domain.StepStatusFailed, repo.StepUpdate{
			Message: strPtr(message),
			Error:   payload,
		}); err != nil {
			return err
		}
		return tx.Runs().SetRunStatus(ctx, runID, domain.RunStatusFailed, payload)
	})
}

func taskPayload(runID, stepID string, kwargs map[string]any) map[string]any {
	payload := make(map[string]any, len(kwargs)+2)
	for k, v := range kwargs {
		payload[k] = v
	}
	payload["run_id"] = runID
	payload["step_id"] = stepID
	return payload
}

func stepsFromConfig(cfg map[string]any) []string {
	raw, ok := cfg["steps"].([]any)
	if !ok {
		return nil
	}
	var steps []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			steps = append(steps, s)
		}
	}
	return steps
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
