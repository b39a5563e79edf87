package pipeline

import (
	"encoding/json"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
)

// BuildNextStepKwargs assembles the task payload for the next pipeline
// step from the run's config sub-tree and the artifact ids accumulated in
// the pipeline state. A missing required state key is a validation error;
// the pipeline cannot proceed without it.
func BuildNextStepKwargs(run domain.Run, nextStepName string) (map[string]any, error) {
	cfg := ConfigOf(run)
	state := StateOf(run)

	switch nextStepName {
	case StepFeatureCalculation:
		rawID, err := requireStateID(state, "raw_artifact_id")
		if err != nil {
			return nil, err
		}
		section := FeatureCalculationConfig{AlphaTypes: []string{"alpha158"}}
		decodeSection(cfg, StepFeatureCalculation, &section)
		return map[string]any{
			"raw_artifact_id": rawID,
			"alpha_types":     section.AlphaTypes,
			"instrument_name": section.InstrumentName,
		}, nil

	case StepLabelCalculation:
		rawID, err := requireStateID(state, "raw_artifact_id")
		if err != nil {
			return nil, err
		}
		section := LabelCalculationConfig{Window: 29, LookForward: 10, LabelType: "up", FilterType: "rsi"}
		decodeSection(cfg, StepLabelCalculation, &section)
		return map[string]any{
			"raw_artifact_id": rawID,
			"window":          section.Window,
			"look_forward":    section.LookForward,
			"label_type":      section.LabelType,
			"filter_type":     section.FilterType,
			"threshold":       section.Threshold,
		}, nil

	case StepModelTraining:
		featuresID, err := requireStateID(state, "features_artifact_id")
		if err != nil {
			return nil, err
		}
		labelsID, err := requireStateID(state, "labels_artifact_id")
		if err != nil {
			return nil, err
		}
		section := ModelTrainingConfig{NumBoostRound: 500, NumThreads: 4}
		decodeSection(cfg, StepModelTraining, &section)
		return map[string]any{
			"features_artifact_id": featuresID,
			"labels_artifact_id":   labelsID,
			"num_boost_round":      section.NumBoostRound,
			"num_threads":          section.NumThreads,
		}, nil

	case StepModelInterpretation:
		modelID, err := requireStateID(state, "model_artifact_id")
		if err != nil {
			return nil, err
		}
		section := ModelInterpretationConfig{MaxSamples: 5000, MaxDisplay: 20}
		decodeSection(cfg, StepModelInterpretation, &section)
		return map[string]any{
			"model_artifact_id":    modelID,
			"features_artifact_id": optionalStateValue(state, "features_artifact_id"),
			"labels_artifact_id":   optionalStateValue(state, "labels_artifact_id"),
			"max_samples":          section.MaxSamples,
			"max_display":          section.MaxDisplay,
		}, nil

	case StepModelAnalysis:
		modelID, err := requireStateID(state, "model_artifact_id")
		if err != nil {
			return nil, err
		}
		section := ModelAnalysisConfig{
			MaxFeatures:     8,
			MaxDepth:        3,
			MinSamplesSplit: 100,
			MinSamplesLeaf:  50,
			MinRuleSamples:  50,
		}
		decodeSection(cfg, StepModelAnalysis, &section)
		return map[string]any{
			"model_artifact_id":    modelID,
			"features_artifact_id": optionalStateValue(state, "features_artifact_id"),
			"labels_artifact_id":   optionalStateValue(state, "labels_artifact_id"),
			"selected_features":    section.SelectedFeatures,
			"max_features":         section.MaxFeatures,
			"max_depth":            section.MaxDepth,
			"min_samples_split":    section.MinSamplesSplit,
			"min_samples_leaf":     section.MinSamplesLeaf,
			"min_rule_samples":     section.MinRuleSamples,
			"label_threshold":      section.LabelThreshold,
		}, nil

	case StepBacktestConstruction:
		featuresID, err := requireStateID(state, "features_artifact_id")
		if err != nil {
			return nil, err
		}
		analysisID, err := requireStateID(state, "analysis_artifact_id")
		if err != nil {
			return nil, err
		}
		section := BacktestConstructionConfig{
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
		decodeSection(cfg, StepBacktestConstruction, &section)
		return map[string]any{
			"features_artifact_id":   featuresID,
			"analysis_artifact_id":   analysisID,
			"look_forward_bars":      section.LookForwardBars,
			"win_profit":             section.WinProfit,
			"loss_cost":              section.LossCost,
			"initial_balance":        section.InitialBalance,
			"pnl_mode":               section.PnlMode,
			"fee_rate":               section.FeeRate,
			"slippage_bps":           section.SlippageBps,
			"position_fraction":      section.PositionFraction,
			"position_notional":      section.PositionNotional,
			"backtest_type":          section.BacktestType,
			"filter_type":            section.FilterType,
			"order_interval_minutes": section.OrderIntervalMinutes,
			"min_rule_confidence":    section.MinRuleConfidence,
		}, nil

	case StepWalkForwardEvaluation:
		featuresID, err := requireStateID(state, "features_artifact_id")
		if err != nil {
			return nil, err
		}
		labelsID, err := requireStateID(state, "labels_artifact_id")
		if err != nil {
			return nil, err
		}
		section := WalkForwardEvaluationConfig{
			Enabled:    true,
			TrainBars:  20000,
			TestBars:   5000,
			StepBars:   5000,
			MaxWindows: 10,
		}
		decodeSection(cfg, StepWalkForwardEvaluation, &section)
		return map[string]any{
			"features_artifact_id": featuresID,
			"labels_artifact_id":   labelsID,
			"train_bars":           section.TrainBars,
			"test_bars":            section.TestBars,
			"step_bars":            section.StepBars,
			"max_windows":          section.MaxWindows,
		}, nil
	}

	return nil, unknownStepError(nextStepName)
}

// decodeSection best-effort fills target from the named config section,
// keeping the preset defaults for absent or malformed values.
func decodeSection(cfg map[string]any, key string, target any) {
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
