package steps

import (
	"context"
	"errors"
	"math"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/model"
	"github.com/quantpipe-labs/quantpipe-go/internal/pipeline"
	"github.com/quantpipe-labs/quantpipe-go/internal/walkforward"
)

// modelTraining fits the boosted-stump model on the labeled feature rows
// and records the serialized model artifact.
func (r *Runner) modelTraining(ctx context.Context, run domain.Run, step domain.Step, payload map[string]any) (map[string]any, error) {
	var p pipeline.ModelTrainingParams
	if err := decodeParams(payload, &p); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 15, "loading artifacts")
	featuresFrame, _, err := r.loadFrame(ctx, p.FeaturesArtifactID)
	if err != nil {
		return nil, err
	}
	labelsFrame, _, err := r.loadFrame(ctx, p.LabelsArtifactID)
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

	r.progress(ctx, step.ID, 30, "building training matrix")
	featureCols := walkforward.CandidateFeatureColumns(merged)
	if len(featureCols) == 0 {
		return nil, errors.New("merged frame has no feature columns")
	}
	labelCol, _ := merged.Column(walkforward.LabelColumn)
	columns := make([][]float64, len(featureCols))
	for i, name := range featureCols {
		columns[i], _ = merged.Column(name)
	}

	var x [][]float64
	var y []float64
	for i := 0; i < merged.Len(); i++ {
		if math.IsNaN(labelCol[i]) {
			continue
		}
		row := make([]float64, len(featureCols))
		for j := range columns {
			row[j] = columns[j][i]
		}
		x = append(x, row)
		y = append(y, labelCol[i])
	}
	if len(x) == 0 {
		return nil, errors.New("no labeled rows to train on")
	}
	if err := r.checkCanceled(ctx, run.ID, step.ID); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 50, "training model")
	m, err := model.Train(ctx, x, y, featureCols, model.Config{
		NumBoostRound: p.NumBoostRound,
		NumThreads:    p.NumThreads,
	})
	if err != nil {
		return nil, err
	}
	r.progress(ctx, step.ID, 90, "training complete")
	if err := r.checkCanceled(ctx, run.ID, step.ID); err != nil {
		return nil, err
	}

	importance := m.Importance()
	if len(importance) > 20 {
		importance = importance[:20]
	}

	r.progress(ctx, step.ID, 95, "writing artifact")
	data, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	art, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindModel, "model.json", data, domain.Metadata{
		"features_artifact_id": p.FeaturesArtifactID,
		"labels_artifact_id":   p.LabelsArtifactID,
		"num_boost_round":      p.NumBoostRound,
		"num_threads":          p.NumThreads,
		"train_samples":        len(x),
		"num_features":         len(featureCols),
		"top20_importance":     importance,
		"params": map[string]any{
			"num_boost_round": p.NumBoostRound,
			"num_threads":     p.NumThreads,
		},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"model_artifact_id": art.ID}, nil
}
