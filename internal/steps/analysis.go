package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/features"
	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
	"github.com/quantpipe-labs/quantpipe-go/internal/pipeline"
	"github.com/quantpipe-labs/quantpipe-go/internal/rules"
	"github.com/quantpipe-labs/quantpipe-go/internal/walkforward"
)

// AnalysisReport is the payload of the surrogate_rules.json artifact. The
// backtest step reads it back to obtain the entry rules.
type AnalysisReport struct {
	ModelArtifactID    string               `json:"model_artifact_id,omitempty"`
	SelectedFeatures   []string             `json:"selected_features"`
	LabelThresholdUsed *float64             `json:"label_threshold_used"`
	TrainAccuracy      float64              `json:"train_accuracy"`
	Rules              []rules.DecisionRule `json:"rules"`
}

// modelAnalysis distills the trained model into explicit decision rules by
// fitting a shallow surrogate tree on the labeled feature rows.
func (r *Runner) modelAnalysis(ctx context.Context, run domain.Run, step domain.Step, payload map[string]any) (map[string]any, error) {
	var p pipeline.ModelAnalysisParams
	if err := decodeParams(payload, &p); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 20, "loading artifacts")
	modelArt, err := r.store.Artifacts().GetArtifact(ctx, p.ModelArtifactID)
	if err != nil {
		return nil, fmt.Errorf("model artifact %s: %w", p.ModelArtifactID, err)
	}
	featuresID := derefString(p.FeaturesArtifactID)
	if featuresID == "" {
		featuresID = metaString(modelArt.Metadata, "features_artifact_id")
	}
	labelsID := derefString(p.LabelsArtifactID)
	if labelsID == "" {
		labelsID = metaString(modelArt.Metadata, "labels_artifact_id")
	}
	if featuresID == "" || labelsID == "" {
		return nil, fmt.Errorf("%w: features and labels artifact ids not provided and absent from model metadata", pipeline.ErrInvalidParams)
	}

	featuresFrame, _, err := r.loadFrame(ctx, featuresID)
	if err != nil {
		return nil, err
	}
	labelsFrame, _, err := r.loadFrame(ctx, labelsID)
	if err != nil {
		return nil, err
	}
	merged, err := walkforward.MergeFeaturesLabels(featuresFrame, labelsFrame)
	if err != nil {
		return nil, err
	}
	if err := r.checkCanceled(ctx, run.ID, step.ID); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 40, "selecting features")
	selected := selectAnalysisFeatures(p, modelArt.Metadata, merged)
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: no usable feature columns for analysis", pipeline.ErrInvalidParams)
	}

	data, err := walkforward.PrepareSurrogateData(merged, selected, p.LabelThreshold)
	if err != nil {
		return nil, err
	}
	if err := r.checkCanceled(ctx, run.ID, step.ID); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 70, "fitting surrogate tree")
	fit, err := r.trainer.Fit(ctx, data.X, data.Y, data.FeatureNames, rules.TrainerConfig{
		MaxDepth:        p.MaxDepth,
		MinSamplesSplit: p.MinSamplesSplit,
		MinSamplesLeaf:  p.MinSamplesLeaf,
		MinRuleSamples:  p.MinRuleSamples,
	})
	if err != nil {
		return nil, err
	}
	if err := r.checkCanceled(ctx, run.ID, step.ID); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 90, "writing artifacts")
	report := AnalysisReport{
		ModelArtifactID:    p.ModelArtifactID,
		SelectedFeatures:   data.FeatureNames,
		LabelThresholdUsed: data.UsedThreshold,
		TrainAccuracy:      fit.TrainAccuracy,
		Rules:              fit.Rules,
	}
	rulesJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, err
	}
	rulesArt, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindAnalysis, "surrogate_rules.json", rulesJSON, domain.Metadata{
		"model_artifact_id": p.ModelArtifactID,
		"rules_count":       len(fit.Rules),
		"train_accuracy":    fit.TrainAccuracy,
		"selected_features": data.FeatureNames,
	})
	if err != nil {
		return nil, err
	}
	if _, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindAnalysis, "surrogate_tree.txt",
		[]byte(renderRulesText(report)), domain.Metadata{
			"model_artifact_id": p.ModelArtifactID,
		}); err != nil {
		return nil, err
	}
	return map[string]any{"analysis_artifact_id": rulesArt.ID}, nil
}

// selectAnalysisFeatures picks the surrogate inputs: explicit selection
// first, then the model's top importance names, then any feature_ columns.
func selectAnalysisFeatures(p pipeline.ModelAnalysisParams, modelMeta domain.Metadata, merged *frame.Frame) []string {
	if len(p.SelectedFeatures) > 0 {
		var out []string
		for _, name := range p.SelectedFeatures {
			if merged.Has(name) {
				out = append(out, name)
			}
		}
		return capFeatures(out, p.MaxFeatures)
	}

	var fromImportance []string
	for _, imp := range importanceFromMeta(modelMeta) {
		if merged.Has(imp.Feature) {
			fromImportance = append(fromImportance, imp.Feature)
		}
	}
	if len(fromImportance) > 0 {
		return capFeatures(fromImportance, p.MaxFeatures)
	}

	var prefixed []string
	for _, name := range merged.Names() {
		if strings.HasPrefix(name, features.FeaturePrefix) {
			prefixed = append(prefixed, name)
		}
	}
	return capFeatures(prefixed, p.MaxFeatures)
}

func capFeatures(names []string, limit int) []string {
	if limit > 0 && len(names) > limit {
		return names[:limit]
	}
	return names
}

// renderRulesText is the human-readable companion of the rules artifact.
func renderRulesText(report AnalysisReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "surrogate tree rules (train accuracy %.4f)\n", report.TrainAccuracy)
	if report.LabelThresholdUsed != nil {
		fmt.Fprintf(&b, "label threshold: %g\n", *report.LabelThresholdUsed)
	}
	fmt.Fprintf(&b, "features: %s\n\n", strings.Join(report.SelectedFeatures, ", "))
	for i, rule := range report.Rules {
		fmt.Fprintf(&b, "rule %d: class=%d confidence=%.4f samples=%d\n",
			i+1, rule.PredictedClass, rule.Confidence, rule.Samples)
		for _, t := range rule.Thresholds {
			fmt.Fprintf(&b, "  %s %s %g\n", t.Feature, t.Operator, t.Value)
		}
	}
	if len(report.Rules) == 0 {
		b.WriteString("no rules extracted\n")
	}
	return b.String()
}
