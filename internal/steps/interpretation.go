package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/model"
	"github.com/quantpipe-labs/quantpipe-go/internal/pipeline"
	"github.com/quantpipe-labs/quantpipe-go/internal/plot"
)

// modelInterpretation explains the trained model over a sample of the
// feature rows: per-feature mean attribution charts plus a metadata
// document tying them together. It contributes nothing to pipeline state.
func (r *Runner) modelInterpretation(ctx context.Context, run domain.Run, step domain.Step, payload map[string]any) (map[string]any, error) {
	var p pipeline.ModelInterpretationParams
	if err := decodeParams(payload, &p); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 10, "loading model")
	modelArt, err := r.store.Artifacts().GetArtifact(ctx, p.ModelArtifactID)
	if err != nil {
		return nil, fmt.Errorf("model artifact %s: %w", p.ModelArtifactID, err)
	}
	modelData, err := r.files.ReadFile(modelArt.URI)
	if err != nil {
		return nil, err
	}
	m, err := model.Unmarshal(modelData)
	if err != nil {
		return nil, err
	}

	featuresID := derefString(p.FeaturesArtifactID)
	if featuresID == "" {
		featuresID = metaString(modelArt.Metadata, "features_artifact_id")
	}
	if featuresID == "" {
		return nil, fmt.Errorf("%w: features_artifact_id not provided and absent from model metadata", pipeline.ErrInvalidParams)
	}
	labelsID := derefString(p.LabelsArtifactID)
	if labelsID == "" {
		labelsID = metaString(modelArt.Metadata, "labels_artifact_id")
	}

	r.progress(ctx, step.ID, 35, "sampling rows")
	featuresFrame, _, err := r.loadFrame(ctx, featuresID)
	if err != nil {
		return nil, err
	}
	if err := r.checkCanceled(ctx, run.ID, step.ID); err != nil {
		return nil, err
	}

	totalRows := featuresFrame.Len()
	stride := 1
	if totalRows > p.MaxSamples {
		stride = totalRows / p.MaxSamples
	}
	columns := make([][]float64, len(m.FeatureNames))
	for i, name := range m.FeatureNames {
		if col, ok := featuresFrame.Column(name); ok {
			columns[i] = col
		}
	}

	meanAbs := make(map[string]float64)
	meanSigned := make(map[string]float64)
	sampled := 0
	row := make([]float64, len(m.FeatureNames))
	for i := 0; i < totalRows && sampled < p.MaxSamples; i += stride {
		for j := range columns {
			if columns[j] == nil {
				row[j] = math.NaN()
			} else {
				row[j] = columns[j][i]
			}
		}
		for feature, contribution := range m.Contributions(row) {
			meanAbs[feature] += math.Abs(contribution)
			meanSigned[feature] += contribution
		}
		sampled++
	}
	if sampled == 0 {
		return nil, fmt.Errorf("features artifact %s has no rows", featuresID)
	}
	for feature := range meanAbs {
		meanAbs[feature] /= float64(sampled)
		meanSigned[feature] /= float64(sampled)
	}
	if err := r.checkCanceled(ctx, run.ID, step.ID); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 70, "rendering charts")
	ranked := make([]plot.Series, 0, len(meanAbs))
	for feature, value := range meanAbs {
		ranked = append(ranked, plot.Series{Label: feature, Value: value})
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].Value > ranked[b].Value })
	if len(ranked) > p.MaxDisplay {
		ranked = ranked[:p.MaxDisplay]
	}
	signed := make([]plot.Series, len(ranked))
	for i, s := range ranked {
		signed[i] = plot.Series{Label: s.Label, Value: meanSigned[s.Label]}
	}

	barPNG, err := plot.RenderBars(ranked)
	if err != nil {
		return nil, err
	}
	dotPNG, err := plot.RenderDots(signed)
	if err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 85, "writing artifacts")
	importance := m.Importance()
	if len(importance) > 20 {
		importance = importance[:20]
	}
	shapMeta := domain.Metadata{
		"model_artifact_id":    p.ModelArtifactID,
		"features_artifact_id": featuresID,
		"labels_artifact_id":   labelsID,
		"total_rows":           totalRows,
		"sampled_rows":         sampled,
		"max_display":          p.MaxDisplay,
		"feature_cols":         m.FeatureNames,
		"top20_importance":     importance,
	}

	if _, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindPlots, "shap_summary_bar.png", barPNG, domain.Metadata{
		"model_artifact_id": p.ModelArtifactID,
		"chart":             "bar",
	}); err != nil {
		return nil, err
	}
	if _, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindPlots, "shap_summary_dot.png", dotPNG, domain.Metadata{
		"model_artifact_id": p.ModelArtifactID,
		"chart":             "dot",
	}); err != nil {
		return nil, err
	}
	metaJSON, err := json.MarshalIndent(shapMeta, "", "  ")
	if err != nil {
		return nil, err
	}
	if _, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindPlots, "shap_metadata.json", metaJSON, shapMeta); err != nil {
		return nil, err
	}
	return nil, nil
}

// importanceFromMeta decodes the top20_importance metadata entry through a
// JSON round trip, which handles both in-process values and values read
// back from the database.
func importanceFromMeta(meta domain.Metadata) []model.Importance {
	raw, ok := meta["top20_importance"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []model.Importance
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
