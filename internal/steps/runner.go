// Package steps executes the queued worker tasks. The Runner owns the
// shared collaborators and the step lifecycle: it moves the database rows
// through running to a terminal state, reports progress, honors
// cancellation at stage boundaries and hands successful pipeline steps
// back to the orchestrator for chaining.
package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/quantpipe-labs/quantpipe-go/internal/artifacts"
	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
	"github.com/quantpipe-labs/quantpipe-go/internal/marketdata"
	"github.com/quantpipe-labs/quantpipe-go/internal/pipeline"
	"github.com/quantpipe-labs/quantpipe-go/internal/queue"
	"github.com/quantpipe-labs/quantpipe-go/internal/repo"
	"github.com/quantpipe-labs/quantpipe-go/internal/rules"
	"github.com/quantpipe-labs/quantpipe-go/internal/walkforward"
)

// errCanceled aborts a handler after the step row was already marked
// canceled; the wrapper swallows it.
var errCanceled = errors.New("run canceled")

// errDependency marks failures of external collaborators so they surface
// as dependency_unavailable instead of task_failed.
var errDependency = errors.New("dependency unavailable")

// Runner executes step tasks against the shared collaborators.
type Runner struct {
	store     repo.Store
	recorder  *artifacts.Recorder
	files     *artifacts.Store
	orch      *pipeline.Orchestrator
	market    marketdata.Source
	trainer   rules.Trainer
	evaluator *walkforward.Evaluator
	logger    *slog.Logger
}

func NewRunner(
	store repo.Store,
	recorder *artifacts.Recorder,
	files *artifacts.Store,
	orch *pipeline.Orchestrator,
	market marketdata.Source,
	trainer rules.Trainer,
	evaluator *walkforward.Evaluator,
	logger *slog.Logger,
) (*Runner, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if recorder == nil {
		return nil, errors.New("artifact recorder is required")
	}
	if files == nil {
		return nil, errors.New("artifact store is required")
	}
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if market == nil {
		return nil, errors.New("market data source is required")
	}
	if trainer == nil {
		return nil, errors.New("rule trainer is required")
	}
	if evaluator == nil {
		return nil, errors.New("walk-forward evaluator is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Runner{
		store:     store,
		recorder:  recorder,
		files:     files,
		orch:      orch,
		market:    market,
		trainer:   trainer,
		evaluator: evaluator,
		logger:    logger,
	}, nil
}

// handlerFunc runs one step and returns the pipeline state patch to
// persist on success.
type handlerFunc func(ctx context.Context, run domain.Run, step domain.Step, payload map[string]any) (map[string]any, error)

// Register wires every step handler onto the pool under its task name.
func (r *Runner) Register(pool *queue.Pool) error {
	handlers := map[string]handlerFunc{
		pipeline.StepDataDownload:          r.dataDownload,
		pipeline.StepFeatureCalculation:    r.featureCalculation,
		pipeline.StepLabelCalculation:      r.labelCalculation,
		pipeline.StepModelTraining:         r.modelTraining,
		pipeline.StepModelInterpretation:   r.modelInterpretation,
		pipeline.StepModelAnalysis:         r.modelAnalysis,
		pipeline.StepBacktestConstruction:  r.backtestConstruction,
		pipeline.StepWalkForwardEvaluation: r.walkForwardEvaluation,
	}
	for _, stepName := range pipeline.DefaultSteps {
		taskName, ok := pipeline.TaskNameByStep(stepName)
		if !ok {
			return fmt.Errorf("no task name for step %s", stepName)
		}
		if err := pool.Register(taskName, r.wrap(handlers[stepName])); err != nil {
			return err
		}
	}
	return nil
}

// wrap adapts a handler to the queue contract: it resolves the run and
// step rows, transitions them to running, recovers panics and records the
// terminal state. Errors are persisted on the rows and also returned so
// the pool logs the failure.
func (r *Runner) wrap(h handlerFunc) queue.Handler {
	return func(ctx context.Context, task queue.Task) error {
		runID, _ := task.Payload["run_id"].(string)
		stepID, _ := task.Payload["step_id"].(string)
		if runID == "" || stepID == "" {
			return fmt.Errorf("task %s payload missing run_id or step_id", task.Name)
		}

		run, err := r.store.Runs().GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("load run %s: %w", runID, err)
		}
		step, err := r.store.Steps().GetStep(ctx, stepID)
		if err != nil {
			return fmt.Errorf("load step %s: %w", stepID, err)
		}
		if run.Status == domain.RunStatusCanceled {
			_ = r.store.Steps().SetStepStatus(ctx, stepID, domain.StepStatusCanceled, repo.StepUpdate{
				Message: strPtr("canceled before start"),
			})
			return nil
		}

		if err := r.store.Runs().SetRunStatus(ctx, runID, domain.RunStatusRunning, nil); err != nil {
			return fmt.Errorf("mark run running: %w", err)
		}
		if err := r.store.Steps().SetStepStatus(ctx, stepID, domain.StepStatusRunning, repo.StepUpdate{
			Progress: intPtr(0),
			Message:  strPtr("started"),
		}); err != nil {
			return fmt.Errorf("mark step running: %w", err)
		}

		patch, err := r.runHandler(ctx, h, run, step, task.Payload)
		if err != nil {
			if errors.Is(err, errCanceled) {
				return nil
			}
			r.fail(ctx, run.ID, step.ID, err)
			return err
		}
		return r.succeed(ctx, run, step, patch)
	}
}

func (r *Runner) runHandler(ctx context.Context, h handlerFunc, run domain.Run, step domain.Step, payload map[string]any) (patch map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec, stack: debug.Stack()}
		}
	}()
	return h(ctx, run, step, payload)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// fail records the error on the step and the run in one transaction.
func (r *Runner) fail(ctx context.Context, runID, stepID string, cause error) {
	payload := &domain.ErrorPayload{
		Code:    classify(cause),
		Message: cause.Error(),
	}
	var pe *panicError
	if errors.As(cause, &pe) {
		payload.Trace = string(pe.stack)
	}

	err := r.store.Tx(ctx, func(tx repo.Store) error {
		if err := tx.Steps().SetStepStatus(ctx, stepID, domain.StepStatusFailed, repo.StepUpdate{
			Message: strPtr("failed"),
			Error:   payload,
		}); err != nil {
			return err
		}
		return tx.Runs().SetRunStatus(ctx, runID, domain.RunStatusFailed, payload)
	})
	if err != nil {
		r.logger.Error("failed to record step failure",
			"run_id", runID, "step_id", stepID, "error", err)
	}
}

func classify(err error) domain.ErrorCode {
	switch {
	case errors.Is(err, pipeline.ErrInvalidParams):
		return domain.ErrorCodeValidation
	case errors.Is(err, repo.ErrNotFound):
		return domain.ErrorCodeNotFound
	case errors.Is(err, errDependency),
		errors.Is(err, queue.ErrQueueClosed),
		errors.Is(err, queue.ErrQueueFull),
		errors.Is(err, queue.ErrUnknownTask):
		return domain.ErrorCodeDependencyUnavailable
	default:
		return domain.ErrorCodeTaskFailed
	}
}

// succeed finishes the step and either chains the pipeline or completes a
// standalone run.
func (r *Runner) succeed(ctx context.Context, run domain.Run, step domain.Step, patch map[string]any) error {
	if err := r.store.Steps().SetStepStatus(ctx, step.ID, domain.StepStatusSucceeded, repo.StepUpdate{
		Progress: intPtr(100),
		Message:  strPtr("succeeded"),
	}); err != nil {
		return fmt.Errorf("mark step succeeded: %w", err)
	}

	wasPipeline, err := r.orch.ContinuePipelineIfNeeded(ctx, run, step, patch)
	if err != nil {
		return fmt.Errorf("continue pipeline: %w", err)
	}
	if !wasPipeline {
		return r.store.Runs().SetRunStatus(ctx, run.ID, domain.RunStatusSucceeded, nil)
	}
	return nil
}

// progress is best effort; a failed update never aborts the step.
func (r *Runner) progress(ctx context.Context, stepID string, pct int, message string) {
	if err := r.store.Steps().SetStepStatus(ctx, stepID, domain.StepStatusRunning, repo.StepUpdate{
		Progress: intPtr(pct),
		Message:  strPtr(message),
	}); err != nil {
		r.logger.Warn("progress update failed", "step_id", stepID, "error", err)
	}
}

// checkCanceled re-reads the run between stages. A canceled run marks the
// step canceled and returns errCanceled so the handler unwinds.
func (r *Runner) checkCanceled(ctx context.Context, runID, stepID string) error {
	run, err := r.store.Runs().GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("re-read run %s: %w", runID, err)
	}
	if run.Status != domain.RunStatusCanceled {
		return nil
	}
	if err := r.store.Steps().SetStepStatus(ctx, stepID, domain.StepStatusCanceled, repo.StepUpdate{
		Message: strPtr("canceled"),
	}); err != nil {
		r.logger.Warn("failed to mark step canceled", "step_id", stepID, "error", err)
	}
	return errCanceled
}

// decodeParams fills target from the task payload minus the routing keys.
// The payload was normalized upstream, so decoding is lenient; Validate
// still guards against a corrupted document.
func decodeParams(payload map[string]any, target interface{ Validate() error }) error {
	doc := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "run_id" || k == "step_id" {
			continue
		}
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrInvalidParams, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrInvalidParams, err)
	}
	return target.Validate()
}

// loadFrame fetches an artifact row and decodes its parquet payload.
func (r *Runner) loadFrame(ctx context.Context, artifactID string) (*frame.Frame, domain.Artifact, error) {
	art, err := r.store.Artifacts().GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, domain.Artifact{}, fmt.Errorf("artifact %s: %w", artifactID, err)
	}
	data, err := r.files.ReadFile(art.URI)
	if err != nil {
		return nil, domain.Artifact{}, fmt.Errorf("artifact %s: %w", artifactID, err)
	}
	f, err := frame.Unmarshal(data)
	if err != nil {
		return nil, domain.Artifact{}, fmt.Errorf("artifact %s: %w", artifactID, err)
	}
	return f, art, nil
}

func metaString(meta domain.Metadata, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
