package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/quantpipe-labs/quantpipe-go/internal/artifacts"
	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/pipeline"
	"github.com/quantpipe-labs/quantpipe-go/internal/repo"
)

type serverAPI struct {
	logger *slog.Logger
	store  repo.Store
	orch   *pipeline.Orchestrator
	files  *artifacts.Store
}

func newServerAPI(logger *slog.Logger, store repo.Store, orch *pipeline.Orchestrator, files *artifacts.Store) *serverAPI {
	return &serverAPI{
		logger: logger,
		store:  store,
		orch:   orch,
		files:  files,
	}
}

func (api *serverAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", api.handleCreateRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancelRun)
	mux.HandleFunc("GET /runs/{run_id}/steps", api.handleListSteps)
	mux.HandleFunc("GET /runs/{run_id}/artifacts", api.handleListArtifacts)
	mux.HandleFunc("GET /runs/{run_id}/summary", api.handleRunSummary)

	mux.HandleFunc("POST /pipeline-runs", api.handleCreatePipelineRun)

	mux.HandleFunc("GET /artifacts/{artifact_id}", api.handleGetArtifact)
	mux.HandleFunc("GET /artifacts/{artifact_id}/download", api.handleDownloadArtifact)

	api.registerTemplates(mux)
}

type runResponse struct {
	ID           string               `json:"id"`
	WorkflowName string               `json:"workflow_name"`
	StepName     string               `json:"step_name"`
	Status       domain.RunStatus     `json:"status"`
	Params       domain.Metadata      `json:"params,omitempty"`
	Error        *domain.ErrorPayload `json:"error,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	FinishedAt   *time.Time           `json:"finished_at,omitempty"`
}

type stepResponse struct {
	ID          string               `json:"id"`
	RunID       string               `json:"run_id"`
	Name        string               `json:"name"`
	QueueTaskID string               `json:"queue_task_id,omitempty"`
	Status      domain.StepStatus    `json:"status"`
	Progress    int                  `json:"progress"`
	Message     string               `json:"message,omitempty"`
	Error       *domain.ErrorPayload `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
}

type artifactResponse struct {
	ID        string              `json:"id"`
	RunID     string              `json:"run_id"`
	StepID    string              `json:"step_id,omitempty"`
	Kind      domain.ArtifactKind `json:"kind"`
	Filename  string              `json:"filename"`
	URI       string              `json:"uri"`
	SHA256    string              `json:"sha256,omitempty"`
	Bytes     int64               `json:"bytes"`
	Metadata  domain.Metadata     `json:"metadata,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

func toRunResponse(run domain.Run) runResponse {
	return runResponse{
		ID:           run.ID,
		WorkflowName: run.WorkflowName,
		StepName:     run.StepName,
		Status:       run.Status,
		Params:       run.Params,
		Error:        run.Error,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	}
}

func toStepResponse(step domain.Step) stepResponse {
	return stepResponse{
		ID:          step.ID,
		RunID:       step.RunID,
		Name:        step.Name,
		QueueTaskID: step.QueueTaskID,
		Status:      step.Status,
		Progress:    step.Progress,
		Message:     step.Message,
		Error:       step.Error,
		CreatedAt:   step.CreatedAt,
		StartedAt:   step.StartedAt,
		FinishedAt:  step.FinishedAt,
	}
}

func toArtifactResponse(artifact domain.Artifact) artifactResponse {
	return artifactResponse{
		ID:        artifact.ID,
		RunID:     artifact.RunID,
		StepID:    artifact.StepID,
		Kind:      artifact.Kind,
		Filename:  path.Base(artifact.URI),
		URI:       artifact.URI,
		SHA256:    artifact.SHA256,
		Bytes:     artifact.Bytes,
		Metadata:  artifact.Metadata,
		CreatedAt: artifact.CreatedAt,
	}
}

func (api *serverAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkflowName string         `json:"workflow_name"`
		StepName     string         `json:"step_name"`
		Params       map[string]any `json:"params"`
	}
	if err := decodeBody(r, &body); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "bad_request")
		return
	}
	if body.WorkflowName == "" {
		body.WorkflowName = "default"
	}
	if strings.TrimSpace(body.StepName) == "" {
		api.writeValidationError(w, r, "step_name is required")
		return
	}

	run, step, taskID, err := api.orch.CreateRunAndEnqueue(r.Context(), body.WorkflowName, body.StepName, body.Params)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"run":           toRunResponse(run),
		"step":          toStepResponse(step),
		"queue_task_id": taskID,
	})
}

func (api *serverAPI) handleCreatePipelineRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.PipelineRunRequest
	if err := decodeBody(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "bad_request")
		return
	}
	run, step, taskID, err := api.orch.CreatePipelineRunAndEnqueue(r.Context(), req)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"run":           toRunResponse(run),
		"step":          toStepResponse(step),
		"queue_task_id": taskID,
	})
}

func (api *serverAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		WorkflowName: strings.TrimSpace(r.URL.Query().Get("workflow_name")),
		Status:       strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:        clampInt(parseIntQuery(r, "limit", 50), 1, 500),
		Offset:       clampInt(parseIntQuery(r, "offset", 0), 0, 1<<30),
	}
	runs, err := api.store.Runs().ListRuns(r.Context(), filter)
	if err != nil {
		api.internalError(w, r, err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *serverAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	run, err := api.store.Runs().GetRun(r.Context(), runID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	steps, err := api.store.Steps().ListSteps(r.Context(), runID)
	if err != nil {
		api.internalError(w, r, err)
		return
	}
	stepOut := make([]stepResponse, 0, len(steps))
	for _, step := range steps {
		stepOut = append(stepOut, toStepResponse(step))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run":   toRunResponse(run),
		"steps": stepOut,
	})
}

func (api *serverAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	found, err := api.orch.CancelRun(r.Context(), runID)
	if err != nil {
		api.internalError(w, r, err)
		return
	}
	if !found {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	run, err := api.store.Runs().GetRun(r.Context(), runID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"run": toRunResponse(run)})
}

func (api *serverAPI) handleListSteps(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if _, err := api.store.Runs().GetRun(r.Context(), runID); err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	steps, err := api.store.Steps().ListSteps(r.Context(), runID)
	if err != nil {
		api.internalError(w, r, err)
		return
	}
	out := make([]stepResponse, 0, len(steps))
	for _, step := range steps {
		out = append(out, toStepResponse(step))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"steps": out})
}

func (api *serverAPI) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if _, err := api.store.Runs().GetRun(r.Context(), runID); err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	filter := repo.ArtifactFilter{
		RunID: runID,
		Kind:  strings.TrimSpace(r.URL.Query().Get("kind")),
		Limit: clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	list, err := api.store.Artifacts().ListArtifacts(r.Context(), filter)
	if err != nil {
		api.internalError(w, r, err)
		return
	}
	out := make([]artifactResponse, 0, len(list))
	for _, artifact := range list {
		out = append(out, toArtifactResponse(artifact))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

func (api *serverAPI) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := strings.TrimSpace(r.PathValue("artifact_id"))
	artifact, err := api.store.Artifacts().GetArtifact(r.Context(), artifactID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toArtifactResponse(artifact))
}

func (api *serverAPI) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := strings.TrimSpace(r.PathValue("artifact_id"))
	artifact, err := api.store.Artifacts().GetArtifact(r.Context(), artifactID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	f, err := api.files.Open(artifact.URI)
	if err != nil {
		if errors.Is(err, artifacts.ErrPathEscape) {
			api.writeError(w, r, http.StatusBadRequest, "invalid_artifact_uri")
			return
		}
		api.internalError(w, r, err)
		return
	}
	defer f.Close()

	filename := path.Base(artifact.URI)
	w.Header().Set("Content-Type", contentTypeFor(filename))
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if artifact.Bytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(artifact.Bytes, 10))
	}
	if _, err := io.Copy(w, f); err != nil {
		api.logger.Warn("artifact download interrupted", "artifact_id", artifactID, "error", err)
	}
}

func contentTypeFor(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".json"):
		return "application/json"
	case strings.HasSuffix(filename, ".png"):
		return "image/png"
	case strings.HasSuffix(filename, ".parquet"):
		return "application/vnd.apache.parquet"
	case strings.HasSuffix(filename, ".txt"):
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

func decodeBody(r *http.Request, target any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(target)
}

func (api *serverAPI) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidParams), errors.Is(err, pipeline.ErrUnknownStep):
		api.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "validation_error",
			"detail":     err.Error(),
			"request_id": r.Header.Get("X-Request-Id"),
		})
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	default:
		api.internalError(w, r, err)
	}
}

func (api *serverAPI) writeValidationError(w http.ResponseWriter, r *http.Request, detail string) {
	api.writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":      "validation_error",
		"detail":     detail,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *serverAPI) internalError(w http.ResponseWriter, r *http.Request, err error) {
	api.logger.Error("request failed",
		"method", r.Method, "path", r.URL.Path, "error", err)
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}

func (api *serverAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *serverAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
