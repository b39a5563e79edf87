package steps

import (
	"context"
	"fmt"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
	"github.com/quantpipe-labs/quantpipe-go/internal/labels"
	"github.com/quantpipe-labs/quantpipe-go/internal/pipeline"
)

// labelCalculation derives filter-gated training labels from the raw
// candles.
func (r *Runner) labelCalculation(ctx context.Context, run domain.Run, step domain.Step, payload map[string]any) (map[string]any, error) {
	var p pipeline.LabelCalculationParams
	if err := decodeParams(payload, &p); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 10, "loading raw data")
	raw, _, err := r.loadFrame(ctx, p.RawArtifactID)
	if err != nil {
		return nil, err
	}
	if err := r.checkCanceled(ctx, run.ID, step.ID); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 40, "computing labels")
	out, stats, err := labels.Compute(raw, labels.Params{
		Window:      p.Window,
		LookForward: p.LookForward,
		LabelType:   p.LabelType,
		FilterType:  p.FilterType,
		Threshold:   p.Threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidParams, err)
	}
	if err := r.checkCanceled(ctx, run.ID, step.ID); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 90, "writing artifact")
	data, err := frame.Marshal(out)
	if err != nil {
		return nil, err
	}
	filename := fmt.Sprintf("labels_%s_%s.parquet", p.LabelType, p.FilterType)
	art, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindLabels, filename, data, domain.Metadata{
		"raw_artifact_id": p.RawArtifactID,
		"window":          p.Window,
		"look_forward":    p.LookForward,
		"label_type":      p.LabelType,
		"filter_type":     p.FilterType,
		"threshold":       p.Threshold,
		"total_samples":   stats.TotalSamples,
		"non_nan_labels":  stats.NonNaNLabels,
		"label_mean":      stats.LabelMean,
		"label_std":       stats.LabelStd,
		"positive_ratio":  stats.PositiveRatio,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"labels_artifact_id": art.ID}, nil
}
