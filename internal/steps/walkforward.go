package steps

import (
	"context"
	"encoding/json"

	"github.com/quantpipe-labs/quantpipe-go/internal/backtest"
	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/pipeline"
	"github.com/quantpipe-labs/quantpipe-go/internal/walkforward"
)

// walkForwardEvaluation runs the rolling train/test evaluation. A skipped
// evaluation (data too short, no feasible windows, section disabled) is a
// successful step whose stats artifact records the reason.
func (r *Runner) walkForwardEvaluation(ctx context.Context, run domain.Run, step domain.Step, payload map[string]any) (map[string]any, error) {
	var p pipeline.WalkForwardEvaluationParams
	if err := decodeParams(payload, &p); err != nil {
		return nil, err
	}

	cfg, enabled := r.walkForwardConfig(run, p)
	if !enabled {
		report := walkforward.Report{
			Status:  "skipped",
			Reason:  "walk_forward_evaluation disabled in pipeline config",
			Windows: []walkforward.WindowResult{},
		}
		return r.writeWalkForwardArtifacts(ctx, run, step, p, report)
	}

	r.progress(ctx, step.ID, 5, "loading artifacts")
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

	r.progress(ctx, step.ID, 25, "evaluating windows")
	checkpoint := func(ctx context.Context, progress int, message string) error {
		if err := r.checkCanceled(ctx, run.ID, step.ID); err != nil {
			return err
		}
		r.progress(ctx, step.ID, progress, message)
		return nil
	}
	report, err := r.evaluator.Run(ctx, merged, cfg, checkpoint)
	if err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 85, "writing artifacts")
	return r.writeWalkForwardArtifacts(ctx, run, step, p, report)
}

func (r *Runner) writeWalkForwardArtifacts(ctx context.Context, run domain.Run, step domain.Step, p pipeline.WalkForwardEvaluationParams, report walkforward.Report) (map[string]any, error) {
	statsJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, err
	}
	statsArt, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindBacktest, "walk_forward_stats.json", statsJSON, domain.Metadata{
		"features_artifact_id": p.FeaturesArtifactID,
		"labels_artifact_id":   p.LabelsArtifactID,
		"status":               report.Status,
		"reason":               report.Reason,
		"windows":              report.Overall.Windows,
		"auto_adjusted":        report.Config.AutoAdjusted,
	})
	if err != nil {
		return nil, err
	}
	patch := map[string]any{"walk_forward_stats_artifact_id": statsArt.ID}

	if !report.Skipped() {
		equityJSON, err := json.Marshal(map[string]any{"points": report.EquityPoints})
		if err != nil {
			return nil, err
		}
		equityArt, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindBacktest, "walk_forward_equity_curve.json", equityJSON, domain.Metadata{
			"features_artifact_id": p.FeaturesArtifactID,
			"labels_artifact_id":   p.LabelsArtifactID,
			"points":               len(report.EquityPoints),
		})
		if err != nil {
			return nil, err
		}
		patch["walk_forward_equity_curve_artifact_id"] = equityArt.ID
	}
	return patch, nil
}

// walkForwardConfig assembles the evaluation config. Window sizes come
// from the task params; the label, analysis and backtest settings come
// from the run's pipeline config when present, with the standalone
// defaults otherwise.
func (r *Runner) walkForwardConfig(run domain.Run, p pipeline.WalkForwardEvaluationParams) (walkforward.Config, bool) {
	cfg := pipeline.ConfigOf(run)

	label := pipeline.LabelCalculationConfig{Window: 29, LookForward: 10, LabelType: "up", FilterType: "rsi"}
	decodeConfigSection(cfg, pipeline.StepLabelCalculation, &label)

	analysis := pipeline.ModelAnalysisConfig{
		MaxFeatures:     8,
		MaxDepth:        3,
		MinSamplesSplit: 100,
		MinSamplesLeaf:  50,
		MinRuleSamples:  50,
	}
	decodeConfigSection(cfg, pipeline.StepModelAnalysis, &analysis)

	bt := pipeline.BacktestConstructionConfig{
		LookForwardBars:      10,
		WinProfit:            4.0,
		LossCost:             5.0,
		InitialBalance:       1000.0,
		PnlMode:              "price",
		FeeRate:              0.0004,
		PositionFraction:     1.0,
		BacktestType:         "long",
		FilterType:           "rsi",
		OrderIntervalMinutes: 30,
	}
	decodeConfigSection(cfg, pipeline.StepBacktestConstruction, &bt)

	wf := pipeline.WalkForwardEvaluationConfig{Enabled: true}
	decodeConfigSection(cfg, pipeline.StepWalkForwardEvaluation, &wf)

	return walkforward.Config{
		Windows: walkforward.WindowParams{
			TrainBars:  p.TrainBars,
			TestBars:   p.TestBars,
			StepBars:   p.StepBars,
			MaxWindows: p.MaxWindows,
		},
		LabelWindow:      label.Window,
		LabelLookForward: label.LookForward,
		Analysis: walkforward.AnalysisParams{
			SelectedFeatures: analysis.SelectedFeatures,
			MaxFeatures:      analysis.MaxFeatures,
			MaxDepth:         analysis.MaxDepth,
			MinSamplesSplit:  analysis.MinSamplesSplit,
			MinSamplesLeaf:   analysis.MinSamplesLeaf,
			MinRuleSamples:   analysis.MinRuleSamples,
			LabelThreshold:   analysis.LabelThreshold,
		},
		Backtest: backtest.Config{
			LookForwardBars:      bt.LookForwardBars,
			WinProfit:            bt.WinProfit,
			LossCost:             bt.LossCost,
			InitialBalance:       bt.InitialBalance,
			BacktestType:         bt.BacktestType,
			FilterType:           bt.FilterType,
			OrderIntervalMinutes: bt.OrderIntervalMinutes,
			PnlMode:              bt.PnlMode,
			FeeRate:              bt.FeeRate,
			SlippageBps:          bt.SlippageBps,
			PositionFraction:     bt.PositionFraction,
			PositionNotional:     bt.PositionNotional,
		},
		MinRuleConfidence: bt.MinRuleConfidence,
	}, wf.Enabled
}

// decodeConfigSection best-effort fills target from the named config
// section, keeping the preset defaults for absent values.
func decodeConfigSection(cfg map[string]any, key string, target any) {
	section, ok := cfg[key].(map[string]any)
	if !ok {
		return
	}
	data, err := json.Marshal(section)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, target)
}
