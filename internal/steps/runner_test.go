package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

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

// memStore is an in-memory repo.Store; Tx runs the callback against the
// store itself, which is enough for single-goroutine tests.
type memStore struct {
	mu        sync.Mutex
	runs      map[string]domain.Run
	steps     map[string]domain.Step
	artifacts map[string]domain.Artifact
}

func newMemStore() *memStore {
	return &memStore{
		runs:      make(map[string]domain.Run),
		steps:     make(map[string]domain.Step),
		artifacts: make(map[string]domain.Artifact),
	}
}

func (s *memStore) Runs() repo.RunRepository           { return s }
func (s *memStore) Steps() repo.StepRepository         { return s }
func (s *memStore) Artifacts() repo.ArtifactRepository { return s }
func (s *memStore) Templates() repo.TemplateRepository { return stubTemplates{} }
func (s *memStore) Tx(ctx context.Context, fn func(repo.Store) error) error {
	return fn(s)
}

func (s *memStore) CreateRun(ctx context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *memStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	return out, nil
}

func (s *memStore) SetRunStatus(ctx context.Context, id string, status domain.RunStatus, errPayload *domain.ErrorPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	// terminal states stick, mirroring the forward-only transition rule
	if run.Status.Terminal() {
		return nil
	}
	run.Status = status
	if errPayload != nil {
		run.Error = errPayload
	}
	s.runs[id] = run
	return nil
}

func (s *memStore) UpdateRunParams(ctx context.Context, id string, params domain.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.Params = params
	s.runs[id] = run
	return nil
}

func (s *memStore) CreateStep(ctx context.Context, step domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step.ID] = step
	return nil
}

func (s *memStore) GetStep(ctx context.Context, id string) (domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return domain.Step{}, repo.ErrNotFound
	}
	return step, nil
}

func (s *memStore) ListSteps(ctx context.Context, runID string) ([]domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Step
	for _, step := range s.steps {
		if step.RunID == runID {
			out = append(out, step)
		}
	}
	return out, nil
}

func (s *memStore) SetStepStatus(ctx context.Context, id string, status domain.StepStatus, update repo.StepUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return repo.ErrNotFound
	}
	step.Status = status
	if update.Progress != nil && *update.Progress > step.Progress {
		step.Progress = *update.Progress
	}
	if status == domain.StepStatusSucceeded {
		step.Progress = 100
	}
	if update.Message != nil {
		step.Message = *update.Message
	}
	if update.Error != nil {
		step.Error = update.Error
	}
	s.steps[id] = step
	return nil
}

func (s *memStore) SetStepQueueTaskID(ctx context.Context, id, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return repo.ErrNotFound
	}
	step.QueueTaskID = taskID
	s.steps[id] = step
	return nil
}

func (s *memStore) CancelOpenSteps(ctx context.Context, runID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, step := range s.steps {
		if step.RunID != runID || step.Status.Terminal() {
			continue
		}
		step.Status = domain.StepStatusCanceled
		step.Message = message
		s.steps[id] = step
	}
	return nil
}

func (s *memStore) CreateArtifact(ctx context.Context, artifact domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifact.ID] = artifact
	return nil
}

func (s *memStore) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return domain.Artifact{}, repo.ErrNotFound
	}
	return artifact, nil
}

func (s *memStore) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Artifact
	for _, artifact := range s.artifacts {
		if filter.RunID != "" && artifact.RunID != filter.RunID {
			continue
		}
		out = append(out, artifact)
	}
	return out, nil
}

type stubTemplates struct{}

func (stubTemplates) CreateTemplate(ctx context.Context, tpl domain.PipelineTemplate) error {
	return nil
}

func (stubTemplates) GetTemplate(ctx context.Context, id string) (domain.PipelineTemplate, error) {
	return domain.PipelineTemplate{}, repo.ErrNotFound
}

func (stubTemplates) GetDefaultTemplate(ctx context.Context) (domain.PipelineTemplate, error) {
	return domain.PipelineTemplate{}, repo.ErrNotFound
}

func (stubTemplates) ListTemplates(ctx context.Context, filter repo.TemplateFilter) ([]domain.PipelineTemplate, error) {
	return nil, nil
}

func (stubTemplates) UpdateTemplate(ctx context.Context, tpl domain.PipelineTemplate) error {
	return nil
}

func (stubTemplates) DeleteTemplate(ctx context.Context, id string) error     { return nil }
func (stubTemplates) SetDefaultTemplate(ctx context.Context, id string) error { return nil }

type queuedTask struct {
	name    string
	payload map[string]any
}

type fakeQueue struct {
	tasks []queuedTask
	err   error
}

func (q *fakeQueue) Enqueue(ctx context.Context, taskName string, payload map[string]any) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.tasks = append(q.tasks, queuedTask{name: taskName, payload: payload})
	return fmt.Sprintf("task-%d", len(q.tasks)), nil
}

type fakeSource struct {
	frame *frame.Frame
	err   error
}

func (s *fakeSource) Fetch(ctx context.Context, req marketdata.Request) (*frame.Frame, error) {
	if s.err != nil {
		return nil, s.err
	}
	if req.Progress != nil {
		req.Progress(1)
	}
	return s.frame, nil
}

// candleFrame builds 30-minute OHLCV bars with a gently rising close.
func candleFrame(n int) *frame.Frame {
	times := make([]time.Time, n)
	opens := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	vols := make([]float64, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		times[i] = start.Add(time.Duration(i) * 30 * time.Minute)
		price := 100 + float64(i)
		opens[i] = price
		highs[i] = price + 1
		lows[i] = price - 1
		closes[i] = price
		vols[i] = 1000
	}
	f := frame.New(times)
	for _, col := range []struct {
		name   string
		values []float64
	}{
		{"open", opens}, {"high", highs}, {"low", lows}, {"close", closes}, {"volume", vols},
	} {
		if err := f.AddColumn(col.name, col.values); err != nil {
			panic(err)
		}
	}
	return f
}

type testEnv struct {
	store  *memStore
	queue  *fakeQueue
	source *fakeSource
	runner *Runner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	files, err := artifacts.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	recorder, err := artifacts.NewRecorder(files, store, slog.Default())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	taskQueue := &fakeQueue{}
	orch, err := pipeline.NewOrchestrator(store, taskQueue, slog.Default())
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	trainer := rules.NewCARTTrainer()
	evaluator, err := walkforward.NewEvaluator(trainer, slog.Default())
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	source := &fakeSource{frame: candleFrame(64)}
	runner, err := NewRunner(store, recorder, files, orch, source, trainer, evaluator, slog.Default())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return &testEnv{store: store, queue: taskQueue, source: source, runner: runner}
}

// seedRun inserts a queued run and step directly, bypassing the
// orchestrator, so wrap can be exercised in isolation.
func (e *testEnv) seedRun(t *testing.T, stepName string, params domain.Metadata) (domain.Run, domain.Step) {
	t.Helper()
	run := domain.Run{
		ID:           "run-" + stepName,
		WorkflowName: "default",
		StepName:     stepName,
		Status:       domain.RunStatusQueued,
		Params:       params,
		CreatedAt:    time.Now().UTC(),
	}
	step := domain.Step{
		ID:        "step-" + stepName,
		RunID:     run.ID,
		Name:      stepName,
		Status:    domain.StepStatusQueued,
		CreatedAt: run.CreatedAt,
	}
	if run.StepName == pipeline.PipelineRunStepName {
		step.ID = "step-pipeline-first"
		step.Name = pipeline.StepDataDownload
	}
	if err := e.store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := e.store.CreateStep(context.Background(), step); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}
	return run, step
}

func downloadPayload(runID, stepID string) map[string]any {
	return map[string]any{
		"run_id":     runID,
		"step_id":    stepID,
		"symbol":     "BTCUSDT",
		"start_date": "2024-01-01",
		"end_date":   "2024-01-02",
		"interval":   "30m",
	}
}

func TestRunner_DataDownloadSucceedsStandaloneRun(t *testing.T) {
	env := newTestEnv(t)
	run, step := env.seedRun(t, pipeline.StepDataDownload, domain.Metadata{"symbol": "BTCUSDT"})

	handler := env.runner.wrap(env.runner.dataDownload)
	err := handler(context.Background(), queue.Task{
		ID:      "task-1",
		Name:    "quantpipe.data_download",
		Payload: downloadPayload(run.ID, step.ID),
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	gotRun, _ := env.store.GetRun(context.Background(), run.ID)
	if gotRun.Status != domain.RunStatusSucceeded {
		t.Fatalf("run status=%s, want succeeded", gotRun.Status)
	}
	gotStep, _ := env.store.GetStep(context.Background(), step.ID)
	if gotStep.Status != domain.StepStatusSucceeded || gotStep.Progress != 100 {
		t.Fatalf("step=%+v, want succeeded at 100", gotStep)
	}

	arts, _ := env.store.ListArtifacts(context.Background(), repo.ArtifactFilter{RunID: run.ID})
	if len(arts) != 1 {
		t.Fatalf("artifacts=%d, want 1", len(arts))
	}
	art := arts[0]
	if art.Kind != domain.ArtifactKindRaw {
		t.Fatalf("kind=%s, want raw", art.Kind)
	}
	if !strings.Contains(art.URI, "BTCUSDT_BINANCE_2024-01-01_2024-01-02_30m.parquet") {
		t.Fatalf("uri=%q", art.URI)
	}

	// the payload decodes back to the fetched candles
	data, err := env.runner.files.ReadFile(art.URI)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	decoded, err := frame.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Len() != 64 {
		t.Fatalf("rows=%d, want 64", decoded.Len())
	}
}

func TestRunner_CanceledBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	run, step := env.seedRun(t, pipeline.StepDataDownload, nil)
	if err := env.store.SetRunStatus(context.Background(), run.ID, domain.RunStatusCanceled, nil); err != nil {
		t.Fatalf("SetRunStatus: %v", err)
	}

	handler := env.runner.wrap(env.runner.dataDownload)
	if err := handler(context.Background(), queue.Task{
		Payload: downloadPayload(run.ID, step.ID),
	}); err != nil {
		t.Fatalf("handler: %v", err)
	}

	gotStep, _ := env.store.GetStep(context.Background(), step.ID)
	if gotStep.Status != domain.StepStatusCanceled {
		t.Fatalf("step status=%s, want canceled", gotStep.Status)
	}
}

func TestRunner_ValidationErrorFailsRun(t *testing.T) {
	env := newTestEnv(t)
	run, step := env.seedRun(t, pipeline.StepDataDownload, nil)

	payload := downloadPayload(run.ID, step.ID)
	delete(payload, "symbol")

	handler := env.runner.wrap(env.runner.dataDownload)
	if err := handler(context.Background(), queue.Task{Payload: payload}); err == nil {
		t.Fatalf("handler accepted a payload without symbol")
	}

	gotRun, _ := env.store.GetRun(context.Background(), run.ID)
	if gotRun.Status != domain.RunStatusFailed {
		t.Fatalf("run status=%s, want failed", gotRun.Status)
	}
	if gotRun.Error == nil || gotRun.Error.Code != domain.ErrorCodeValidation {
		t.Fatalf("run error=%+v, want validation_error", gotRun.Error)
	}
	gotStep, _ := env.store.GetStep(context.Background(), step.ID)
	if gotStep.Status != domain.StepStatusFailed || gotStep.Error == nil {
		t.Fatalf("step=%+v, want failed with error payload", gotStep)
	}
}

func TestRunner_SourceFailureIsDependencyUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.source.err = errors.New("exchange unreachable")
	run, step := env.seedRun(t, pipeline.StepDataDownload, nil)

	handler := env.runner.wrap(env.runner.dataDownload)
	if err := handler(context.Background(), queue.Task{
		Payload: downloadPayload(run.ID, step.ID),
	}); err == nil {
		t.Fatalf("handler swallowed the fetch failure")
	}

	gotRun, _ := env.store.GetRun(context.Background(), run.ID)
	if gotRun.Error == nil || gotRun.Error.Code != domain.ErrorCodeDependencyUnavailable {
		t.Fatalf("run error=%+v, want dependency_unavailable", gotRun.Error)
	}
}

func TestRunner_PanicBecomesTaskFailedWithTrace(t *testing.T) {
	env := newTestEnv(t)
	run, step := env.seedRun(t, pipeline.StepDataDownload, nil)

	boom := func(ctx context.Context, run domain.Run, step domain.Step, payload map[string]any) (map[string]any, error) {
		panic("boom")
	}
	handler := env.runner.wrap(boom)
	if err := handler(context.Background(), queue.Task{
		Payload: map[string]any{"run_id": run.ID, "step_id": step.ID},
	}); err == nil {
		t.Fatalf("panic not surfaced as error")
	}

	gotRun, _ := env.store.GetRun(context.Background(), run.ID)
	if gotRun.Error == nil || gotRun.Error.Code != domain.ErrorCodeTaskFailed {
		t.Fatalf("run error=%+v, want task_failed", gotRun.Error)
	}
	gotStep, _ := env.store.GetStep(context.Background(), step.ID)
	if gotStep.Error == nil || gotStep.Error.Trace == "" {
		t.Fatalf("step error=%+v, want a stack trace", gotStep.Error)
	}
}

func TestRunner_MissingRoutingKeys(t *testing.T) {
	env := newTestEnv(t)
	handler := env.runner.wrap(env.runner.dataDownload)
	if err := handler(context.Background(), queue.Task{
		Payload: map[string]any{"symbol": "BTCUSDT"},
	}); err == nil {
		t.Fatalf("payload without run_id/step_id accepted")
	}
}

func TestRunner_PipelineStepChainsNext(t *testing.T) {
	env := newTestEnv(t)

	configDoc, err := pipeline.DefaultConfigDocument("BTCUSDT", "2024-01-01", "2024-01-02", "30m")
	if err != nil {
		t.Fatalf("DefaultConfigDocument: %v", err)
	}
	configDoc = pipeline.DeepMerge(configDoc, map[string]any{
		"steps": []any{pipeline.StepDataDownload, pipeline.StepFeatureCalculation},
	})
	run, step := env.seedRun(t, pipeline.PipelineRunStepName, domain.Metadata{
		"pipeline": map[string]any{
			"config": configDoc,
			"state":  map[string]any{},
		},
	})

	handler := env.runner.wrap(env.runner.dataDownload)
	if err := handler(context.Background(), queue.Task{
		Payload: downloadPayload(run.ID, step.ID),
	}); err != nil {
		t.Fatalf("handler: %v", err)
	}

	// the run stays running; the orchestrator queued the next step
	gotRun, _ := env.store.GetRun(context.Background(), run.ID)
	if gotRun.Status != domain.RunStatusRunning {
		t.Fatalf("run status=%s, want running mid-pipeline", gotRun.Status)
	}
	if len(env.queue.tasks) != 1 {
		t.Fatalf("queued tasks=%d, want 1", len(env.queue.tasks))
	}
	next := env.queue.tasks[0]
	if next.name != "quantpipe."+pipeline.StepFeatureCalculation {
		t.Fatalf("task=%q", next.name)
	}
	rawID, _ := next.payload["raw_artifact_id"].(string)
	if rawID == "" {
		t.Fatalf("next payload=%v, want raw_artifact_id", next.payload)
	}
	if _, err := env.store.GetArtifact(context.Background(), rawID); err != nil {
		t.Fatalf("raw artifact %s not recorded: %v", rawID, err)
	}

	// state patch persisted on the run params
	state := pipeline.StateOf(gotRun)
	if state["raw_artifact_id"] != rawID {
		t.Fatalf("state=%v, want raw_artifact_id %s", state, rawID)
	}

	steps, _ := env.store.ListSteps(context.Background(), run.ID)
	var queuedNext bool
	for _, s := range steps {
		if s.Name == pipeline.StepFeatureCalculation && s.Status == domain.StepStatusQueued {
			queuedNext = true
		}
	}
	if !queuedNext {
		t.Fatalf("feature_calculation step not queued: %+v", steps)
	}
}

func TestRunner_LastPipelineStepSucceedsRun(t *testing.T) {
	env := newTestEnv(t)

	configDoc, err := pipeline.DefaultConfigDocument("BTCUSDT", "2024-01-01", "2024-01-02", "30m")
	if err != nil {
		t.Fatalf("DefaultConfigDocument: %v", err)
	}
	configDoc = pipeline.DeepMerge(configDoc, map[string]any{
		"steps": []any{pipeline.StepDataDownload},
	})
	run, step := env.seedRun(t, pipeline.PipelineRunStepName, domain.Metadata{
		"pipeline": map[string]any{
			"config": configDoc,
			"state":  map[string]any{},
		},
	})

	handler := env.runner.wrap(env.runner.dataDownload)
	if err := handler(context.Background(), queue.Task{
		Payload: downloadPayload(run.ID, step.ID),
	}); err != nil {
		t.Fatalf("handler: %v", err)
	}

	gotRun, _ := env.store.GetRun(context.Background(), run.ID)
	if gotRun.Status != domain.RunStatusSucceeded {
		t.Fatalf("run status=%s, want succeeded after the final step", gotRun.Status)
	}
	if len(env.queue.tasks) != 0 {
		t.Fatalf("queued tasks=%v, want none", env.queue.tasks)
	}
}

// cancelOnStepLoadStore cancels the run while the worker loads the step
// row, landing the cancel between the run fetch and the mark-running
// write inside wrap.
type cancelOnStepLoadStore struct {
	*memStore
}

func (s *cancelOnStepLoadStore) Steps() repo.StepRepository { return s }

func (s *cancelOnStepLoadStore) GetStep(ctx context.Context, id string) (domain.Step, error) {
	step, err := s.memStore.GetStep(ctx, id)
	if err != nil {
		return step, err
	}
	if err := s.memStore.SetRunStatus(ctx, step.RunID, domain.RunStatusCanceled, nil); err != nil {
		return step, err
	}
	return step, nil
}

func TestRunner_CancelDuringStartDoesNotResurrectRun(t *testing.T) {
	store := &cancelOnStepLoadStore{memStore: newMemStore()}
	files, err := artifacts.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	recorder, err := artifacts.NewRecorder(files, store, slog.Default())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	orch, err := pipeline.NewOrchestrator(store, &fakeQueue{}, slog.Default())
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	trainer := rules.NewCARTTrainer()
	evaluator, err := walkforward.NewEvaluator(trainer, slog.Default())
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	runner, err := NewRunner(store, recorder, files, orch, &fakeSource{frame: candleFrame(64)}, trainer, evaluator, slog.Default())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	run := domain.Run{
		ID:           "run-race",
		WorkflowName: "default",
		StepName:     pipeline.StepDataDownload,
		Status:       domain.RunStatusQueued,
		CreatedAt:    time.Now().UTC(),
	}
	step := domain.Step{
		ID:        "step-race",
		RunID:     run.ID,
		Name:      pipeline.StepDataDownload,
		Status:    domain.StepStatusQueued,
		CreatedAt: run.CreatedAt,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.CreateStep(context.Background(), step); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}

	handler := runner.wrap(runner.dataDownload)
	if err := handler(context.Background(), queue.Task{
		Payload: downloadPayload(run.ID, step.ID),
	}); err != nil {
		t.Fatalf("handler: %v", err)
	}

	gotRun, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if gotRun.Status != domain.RunStatusCanceled {
		t.Fatalf("run status=%s, want canceled to stick through the start race", gotRun.Status)
	}
}

func TestRunner_FeatureCalculationProducesFeatureFrame(t *testing.T) {
	env := newTestEnv(t)

	raw := candleFrame(80)
	data, err := frame.Marshal(raw)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	run, step := env.seedRun(t, pipeline.StepFeatureCalculation, nil)
	files := env.runner.files
	result, err := files.WriteBytes(run.ID, string(domain.ArtifactKindRaw), "raw.parquet", data)
	if err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	rawArt := domain.Artifact{
		ID: "art-raw", RunID: run.ID, StepID: "seed",
		Kind: domain.ArtifactKindRaw, URI: result.URI,
	}
	if err := env.store.CreateArtifact(context.Background(), rawArt); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}

	handler := env.runner.wrap(env.runner.featureCalculation)
	if err := handler(context.Background(), queue.Task{
		Payload: map[string]any{
			"run_id":          run.ID,
			"step_id":         step.ID,
			"raw_artifact_id": rawArt.ID,
			"alpha_types":     []any{"alpha158"},
		},
	}); err != nil {
		t.Fatalf("handler: %v", err)
	}

	arts, _ := env.store.ListArtifacts(context.Background(), repo.ArtifactFilter{RunID: run.ID})
	var featArt *domain.Artifact
	for i := range arts {
		if arts[i].Kind == domain.ArtifactKindFeatures {
			featArt = &arts[i]
		}
	}
	if featArt == nil {
		t.Fatalf("features artifact not recorded: %v", arts)
	}
	payload, err := files.ReadFile(featArt.URI)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	decoded, err := frame.Unmarshal(payload)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.Has("feature_rsi_14") || !decoded.Has("close") {
		t.Fatalf("columns=%v, want features plus raw columns", decoded.Names())
	}
}
