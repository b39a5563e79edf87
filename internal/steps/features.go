package steps

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/features"
	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
	"github.com/quantpipe-labs/quantpipe-go/internal/pipeline"
)

// featureCalculation derives the feature frame from the raw candles.
func (r *Runner) featureCalculation(ctx context.Context, run domain.Run, step domain.Step, payload map[string]any) (map[string]any, error) {
	var p pipeline.FeatureCalculationParams
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

	out, cols, err := features.Compute(raw, p.AlphaTypes)
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
	sortedTypes := normalizedAlphaTypes(p.AlphaTypes)
	filename := fmt.Sprintf("features_%s.parquet", strings.Join(sortedTypes, "_"))
	art, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindFeatures, filename, data, domain.Metadata{
		"raw_artifact_id": p.RawArtifactID,
		"alpha_types":     sortedTypes,
		"total_features":  len(cols),
		"feature_columns": cols,
		"rows":            out.Len(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"features_artifact_id": art.ID}, nil
}

func normalizedAlphaTypes(alphaTypes []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range alphaTypes {
		name := strings.ToLower(strings.TrimSpace(t))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
