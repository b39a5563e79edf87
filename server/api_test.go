package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/quantpipe-labs/quantpipe-go/internal/artifacts"
	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/pipeline"
	"github.com/quantpipe-labs/quantpipe-go/internal/repo"
)

// memStore backs the handlers without a database. Tx runs the callback
// against the store itself.
type memStore struct {
	mu        sync.Mutex
	runs      map[string]domain.Run
	steps     map[string]domain.Step
	artifacts map[string]domain.Artifact
	templates map[string]domain.PipelineTemplate
}

func newMemStore() *memStore {
	return &memStore{
		runs:      make(map[string]domain.Run),
		steps:     make(map[string]domain.Step),
		artifacts: make(map[string]domain.Artifact),
		templates: make(map[string]domain.PipelineTemplate),
	}
}

func (s *memStore) Runs() repo.RunRepository           { return s }
func (s *memStore) Steps() repo.StepRepository         { return s }
func (s *memStore) Artifacts() repo.ArtifactRepository { return s }
func (s *memStore) Templates() repo.TemplateRepository { return s }
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
		if filter.Status != "" && string(run.Status) != filter.Status {
			continue
		}
		if filter.WorkflowName != "" && run.WorkflowName != filter.WorkflowName {
			continue
		}
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
		if filter.Kind != "" && string(artifact.Kind) != filter.Kind {
			continue
		}
		out = append(out, artifact)
	}
	return out, nil
}

func (s *memStore) CreateTemplate(ctx context.Context, template domain.PipelineTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[template.ID] = template
	return nil
}

func (s *memStore) GetTemplate(ctx context.Context, id string) (domain.PipelineTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	template, ok := s.templates[id]
	if !ok {
		return domain.PipelineTemplate{}, repo.ErrNotFound
	}
	return template, nil
}

func (s *memStore) GetDefaultTemplate(ctx context.Context) (domain.PipelineTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, template := range s.templates {
		if template.IsDefault {
			return template, nil
		}
	}
	return domain.PipelineTemplate{}, repo.ErrNotFound
}

func (s *memStore) ListTemplates(ctx context.Context, filter repo.TemplateFilter) ([]domain.PipelineTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PipelineTemplate, 0, len(s.templates))
	for _, template := range s.templates {
		out = append(out, template)
	}
	return out, nil
}

func (s *memStore) UpdateTemplate(ctx context.Context, template domain.PipelineTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[template.ID]; !ok {
		return repo.ErrNotFound
	}
	s.templates[template.ID] = template
	return nil
}

func (s *memStore) DeleteTemplate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

func (s *memStore) SetDefaultTemplate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return repo.ErrNotFound
	}
	for tid, template := range s.templates {
		template.IsDefault = tid == id
		s.templates[tid] = template
	}
	return nil
}

type fakeQueue struct {
	tasks []string
	err   error
}

func (q *fakeQueue) Enqueue(ctx context.Context, taskName string, payload map[string]any) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.tasks = append(q.tasks, taskName)
	return fmt.Sprintf("task-%d", len(q.tasks)), nil
}

type apiEnv struct {
	store *memStore
	queue *fakeQueue
	files *artifacts.Store
	mux   *http.ServeMux
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	store := newMemStore()
	taskQueue := &fakeQueue{}
	orch, err := pipeline.NewOrchestrator(store, taskQueue, slog.Default())
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	files, err := artifacts.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	mux := http.NewServeMux()
	newServerAPI(slog.Default(), store, orch, files).register(mux)
	return &apiEnv{store: store, queue: taskQueue, files: files, mux: mux}
}

func (e *apiEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("X-Request-Id", "req-1")
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateRun(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/runs", map[string]any{
		"step_name": "data_download",
		"params": map[string]any{
			"symbol":     "BTCUSDT",
			"start_date": "2024-01-01",
			"end_date":   "2024-01-02",
			"interval":   "30m",
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d, body=%s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	run := body["run"].(map[string]any)
	if run["workflow_name"] != "default" || run["status"] != "queued" {
		t.Fatalf("run=%v", run)
	}
	if body["queue_task_id"] == "" {
		t.Fatalf("queue task id missing: %v", body)
	}
	if len(env.queue.tasks) != 1 || env.queue.tasks[0] != "quantpipe.data_download" {
		t.Fatalf("enqueued=%v", env.queue.tasks)
	}
}

func TestCreateRun_Validation(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/runs", map[string]any{"params": map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 without step_name", rec.Code)
	}
	body := decodeMap(t, rec)
	if body["error"] != "validation_error" || body["request_id"] != "req-1" {
		t.Fatalf("body=%v", body)
	}

	// unknown step surfaces as a validation error too
	rec = env.do(t, http.MethodPost, "/runs", map[string]any{"step_name": "mystery"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 for unknown step", rec.Code)
	}
	if decodeMap(t, rec)["error"] != "validation_error" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestGetRun_NotFound(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/runs/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	if decodeMap(t, rec)["error"] != "not_found" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestCancelRun(t *testing.T) {
	env := newAPIEnv(t)
	run := domain.Run{
		ID: "run-1", WorkflowName: "default", StepName: "data_download",
		Status: domain.RunStatusRunning, CreatedAt: time.Now().UTC(),
	}
	step := domain.Step{
		ID: "step-1", RunID: run.ID, Name: "data_download",
		Status: domain.StepStatusRunning, CreatedAt: run.CreatedAt,
	}
	_ = env.store.CreateRun(context.Background(), run)
	_ = env.store.CreateStep(context.Background(), step)

	rec := env.do(t, http.MethodPost, "/runs/run-1/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", rec.Code, rec.Body.String())
	}
	got := decodeMap(t, rec)["run"].(map[string]any)
	if got["status"] != "canceled" {
		t.Fatalf("run=%v, want canceled", got)
	}
	gotStep, _ := env.store.GetStep(context.Background(), "step-1")
	if gotStep.Status != domain.StepStatusCanceled {
		t.Fatalf("step status=%s, want canceled", gotStep.Status)
	}

	rec = env.do(t, http.MethodPost, "/runs/ghost/cancel", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404 for unknown run", rec.Code)
	}
}

func TestCreatePipelineRun(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/pipeline-runs", map[string]any{
		"symbol":     "BTCUSDT",
		"start_date": "2024-01-01",
		"end_date":   "2024-02-01",
		"interval":   "30m",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d, body=%s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	run := body["run"].(map[string]any)
	if run["step_name"] != "pipeline" {
		t.Fatalf("run=%v", run)
	}
	step := body["step"].(map[string]any)
	if step["name"] != "data_download" {
		t.Fatalf("step=%v, want data_download first", step)
	}

	// missing symbol is rejected before anything is enqueued
	before := len(env.queue.tasks)
	rec = env.do(t, http.MethodPost, "/pipeline-runs", map[string]any{
		"start_date": "2024-01-01", "end_date": "2024-02-01",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
	if len(env.queue.tasks) != before {
		t.Fatalf("invalid request reached the queue")
	}
}

func TestDownloadArtifact(t *testing.T) {
	env := newAPIEnv(t)
	payload := []byte(`{"final_balance":1004}`)
	result, err := env.files.WriteBytes("run-1", "backtest", "backtest_stats.json", payload)
	if err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	artifact := domain.Artifact{
		ID: "art-1", RunID: "run-1", Kind: domain.ArtifactKindBacktest,
		URI: result.URI, SHA256: result.SHA256, Bytes: result.Bytes,
		CreatedAt: time.Now().UTC(),
	}
	_ = env.store.CreateArtifact(context.Background(), artifact)

	rec := env.do(t, http.MethodGet, "/artifacts/art-1/download", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type=%q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="backtest_stats.json"` {
		t.Fatalf("disposition=%q", got)
	}
	if rec.Body.String() != string(payload) {
		t.Fatalf("body=%q", rec.Body.String())
	}

	// a row pointing outside the store root is rejected, not served
	escape := domain.Artifact{ID: "art-2", RunID: "run-1", URI: "../../etc/passwd"}
	_ = env.store.CreateArtifact(context.Background(), escape)
	rec = env.do(t, http.MethodGet, "/artifacts/art-2/download", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 for escaping uri", rec.Code)
	}
	if decodeMap(t, rec)["error"] != "invalid_artifact_uri" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestRunSummary(t *testing.T) {
	env := newAPIEnv(t)
	run := domain.Run{
		ID: "run-1", WorkflowName: "default", StepName: "pipeline",
		Status: domain.RunStatusSucceeded, CreatedAt: time.Now().UTC(),
	}
	_ = env.store.CreateRun(context.Background(), run)

	stats, err := env.files.WriteBytes("run-1", "backtest", "backtest_stats.json", []byte(`{"win_rate":0.5}`))
	if err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	_ = env.store.CreateArtifact(context.Background(), domain.Artifact{
		ID: "art-stats", RunID: "run-1", Kind: domain.ArtifactKindBacktest, URI: stats.URI,
	})
	plot, err := env.files.WriteBytes("run-1", "plots", "shap_summary_bar.png", []byte("png"))
	if err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	_ = env.store.CreateArtifact(context.Background(), domain.Artifact{
		ID: "art-plot", RunID: "run-1", Kind: domain.ArtifactKindPlots, URI: plot.URI,
	})

	rec := env.do(t, http.MethodGet, "/runs/run-1/summary", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	sections := body["sections"].(map[string]any)
	bt := sections["backtest_stats"].(map[string]any)
	if bt["win_rate"] != 0.5 {
		t.Fatalf("sections=%v", sections)
	}
	plots := body["plots"].(map[string]any)
	if plots["shap_summary_bar"] != "art-plot" {
		t.Fatalf("plots=%v", plots)
	}
}

func TestTemplateLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	config, err := pipeline.DefaultConfigDocument("BTCUSDT", "2024-01-01", "2024-02-01", "30m")
	if err != nil {
		t.Fatalf("DefaultConfigDocument: %v", err)
	}
	rec := env.do(t, http.MethodPost, "/templates", map[string]any{
		"name":   "baseline",
		"config": config,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d, body=%s", rec.Code, rec.Body.String())
	}
	created := decodeMap(t, rec)
	templateID := created["id"].(string)
	if templateID == "" || created["name"] != "baseline" {
		t.Fatalf("created=%v", created)
	}

	rec = env.do(t, http.MethodPut, "/templates/"+templateID, map[string]any{"name": "tuned"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", rec.Code, rec.Body.String())
	}
	if decodeMap(t, rec)["name"] != "tuned" {
		t.Fatalf("update ignored: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/templates/"+templateID+"/set-default", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", rec.Code, rec.Body.String())
	}
	if decodeMap(t, rec)["is_default"] != true {
		t.Fatalf("set-default ignored: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodDelete, "/templates/"+templateID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/templates/"+templateID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404 after delete", rec.Code)
	}
}
