package main

import (
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/repo"
)

// summarySections maps well-known JSON artifact filenames to their section
// key in the run summary. First occurrence per filename wins.
var summarySections = map[string]string{
	"backtest_stats.json":            "backtest_stats",
	"equity_curve.json":              "equity_curve",
	"walk_forward_stats.json":        "walk_forward_stats",
	"walk_forward_equity_curve.json": "walk_forward_equity_curve",
	"shap_metadata.json":             "shap_metadata",
	"surrogate_rules.json":           "surrogate_rules",
}

var summaryPlots = map[string]string{
	"shap_summary_bar.png": "shap_summary_bar",
	"shap_summary_dot.png": "shap_summary_dot",
}

// handleRunSummary collects the reportable artifacts of a run into one
// response so clients do not have to walk the artifact list themselves.
func (api *serverAPI) handleRunSummary(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	run, err := api.store.Runs().GetRun(r.Context(), runID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	list, err := api.store.Artifacts().ListArtifacts(r.Context(), repo.ArtifactFilter{RunID: runID, Limit: 500})
	if err != nil {
		api.internalError(w, r, err)
		return
	}

	sections := map[string]json.RawMessage{}
	plots := map[string]string{}
	for _, artifact := range list {
		filename := path.Base(artifact.URI)
		if key, ok := summaryPlots[filename]; ok {
			if _, seen := plots[key]; !seen {
				plots[key] = artifact.ID
			}
			continue
		}
		key, ok := summarySections[filename]
		if !ok {
			continue
		}
		if _, seen := sections[key]; seen {
			continue
		}
		data, err := api.files.ReadFile(artifact.URI)
		if err != nil {
			api.logger.Warn("summary artifact unreadable",
				"run_id", runID, "artifact_id", artifact.ID, "error", err)
			continue
		}
		if !json.Valid(data) {
			continue
		}
		sections[key] = json.RawMessage(data)
	}

	api.writeJSON(w, http.StatusOK, runSummaryResponse{
		RunID:    run.ID,
		Status:   run.Status,
		Sections: sections,
		Plots:    plots,
	})
}

type runSummaryResponse struct {
	RunID    string                     `json:"run_id"`
	Status   domain.RunStatus           `json:"status"`
	Sections map[string]json.RawMessage `json:"sections"`
	Plots    map[string]string          `json:"plots"`
}
