package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quantpipe-labs/quantpipe-go/internal/repo"
)

// Config is the full pipeline configuration, one section per step plus
// the ordered step list. It is persisted as a JSON document under
// params.pipeline.config on the run.
type Config struct {
	Steps                 []string                    `json:"steps"`
	DataDownload          DataDownloadParams          `json:"data_download"`
	FeatureCalculation    FeatureCalculationConfig    `json:"feature_calculation"`
	LabelCalculation      LabelCalculationConfig      `json:"label_calculation"`
	ModelTraining         ModelTrainingConfig         `json:"model_training"`
	ModelInterpretation   ModelInterpretationConfig   `json:"model_interpretation"`
	ModelAnalysis         ModelAnalysisConfig         `json:"model_analysis"`
	BacktestConstruction  BacktestConstructionConfig  `json:"backtest_construction"`
	WalkForwardEvaluation WalkForwardEvaluationConfig `json:"walk_forward_evaluation"`
}

type FeatureCalculationConfig struct {
	AlphaTypes     []string `json:"alpha_types"`
	InstrumentName *string  `json:"instrument_name"`
}

type LabelCalculationConfig struct {
	Window      int      `json:"window"`
	LookForward int      `json:"look_forward"`
	LabelType   string   `json:"label_type"`
	FilterType  string   `json:"filter_type"`
	Threshold   *float64 `json:"threshold"`
}

type ModelTrainingConfig struct {
	NumBoostRound int `json:"num_boost_round"`
	NumThreads    int `json:"num_threads"`
}

type ModelInterpretationConfig struct {
	MaxSamples int `json:"max_samples"`
	MaxDisplay int `json:"max_display"`
}

type ModelAnalysisConfig struct {
	SelectedFeatures []string `json:"selected_features"`
	MaxFeatures      int      `json:"max_features"`
	MaxDepth         int      `json:"max_depth"`
	MinSamplesSplit  int      `json:"min_samples_split"`
	MinSamplesLeaf   int      `json:"min_samples_leaf"`
	MinRuleSamples   int      `json:"min_rule_samples"`
	LabelThreshold   *float64 `json:"label_threshold"`
}

type BacktestConstructionConfig struct {
	LookForwardBars      int      `json:"look_forward_bars"`
	WinProfit            float64  `json:"win_profit"`
	LossCost             float64  `json:"loss_cost"`
	InitialBalance       float64  `json:"initial_balance"`
	PnlMode              string   `json:"pnl_mode"`
	FeeRate              float64  `json:"fee_rate"`
	SlippageBps          float64  `json:"slippage_bps"`
	PositionFraction     float64  `json:"position_fraction"`
	PositionNotional     *float64 `json:"position_notional"`
	BacktestType         string   `json:"backtest_type"`
	FilterType           string   `json:"filter_type"`
	OrderIntervalMinutes int      `json:"order_interval_minutes"`
	MinRuleConfidence    float64  `json:"min_rule_confidence"`
}

type WalkForwardEvaluationConfig struct {
	Enabled    bool `json:"enabled"`
	TrainBars  int  `json:"train_bars"`
	TestBars   int  `json:"test_bars"`
	StepBars   int  `json:"step_bars"`
	MaxWindows int  `json:"max_windows"`
}

func (c *Config) setDefaults() {
	c.Steps = append([]string(nil), DefaultSteps...)
	c.DataDownload.setDefaults()
	c.FeatureCalculation = FeatureCalculationConfig{AlphaTypes: []string{"alpha158"}}
	c.LabelCalculation = LabelCalculationConfig{Window: 29, LookForward: 10, LabelType: "up", FilterType: "rsi"}
	c.ModelTraining = ModelTrainingConfig{NumBoostRound: 500, NumThreads: 4}
	c.ModelInterpretation = ModelInterpretationConfig{MaxSamples: 5000, MaxDisplay: 20}
	c.ModelAnalysis = ModelAnalysisConfig{
		MaxFeatures:     8,
		MaxDepth:        3,
		MinSamplesSplit: 100,
		MinSamplesLeaf:  50,
		MinRuleSamples:  50,
	}
	c.BacktestConstruction = BacktestConstructionConfig{
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
	c.WalkForwardEvaluation = WalkForwardEvaluationConfig{
		Enabled:    true,
		TrainBars:  20000,
		TestBars:   5000,
		StepBars:   5000,
		MaxWindows: 10,
	}
}

func (c *Config) Validate() error {
	if len(c.Steps) == 0 {
		return paramsError("steps must not be empty")
	}
	for _, step := range c.Steps {
		if strings.TrimSpace(step) == "" {
			return paramsError("steps must not contain empty names")
		}
	}
	if err := c.DataDownload.Validate(); err != nil {
		return err
	}
	if len(c.FeatureCalculation.AlphaTypes) == 0 {
		return paramsError("feature_calculation.alpha_types must not be empty")
	}
	if c.LabelCalculation.Window < 3 {
		return paramsError("label_calculation.window must be >= 3")
	}
	if c.LabelCalculation.LookForward < 1 {
		return paramsError("label_calculation.look_forward must be >= 1")
	}
	if c.LabelCalculation.LabelType != "up" && c.LabelCalculation.LabelType != "down" {
		return paramsError("label_calculation.label_type must be up or down")
	}
	if c.LabelCalculation.FilterType != "rsi" && c.LabelCalculation.FilterType != "cti" {
		return paramsError("label_calculation.filter_type must be rsi or cti")
	}
	if c.ModelTraining.NumBoostRound < 1 || c.ModelTraining.NumThreads < 1 {
		return paramsError("model_training bounds violated")
	}
	if c.ModelInterpretation.MaxSamples < 1 || c.ModelInterpretation.MaxSamples > 200000 {
		return paramsError("model_interpretation.max_samples must be in [1, 200000]")
	}
	if c.ModelInterpretation.MaxDisplay < 1 || c.ModelInterpretation.MaxDisplay > 100 {
		return paramsError("model_interpretation.max_display must be in [1, 100]")
	}
	a := c.ModelAnalysis
	if a.MaxFeatures < 1 || a.MaxFeatures > 50 {
		return paramsError("model_analysis.max_features must be in [1, 50]")
	}
	if a.MaxDepth < 1 || a.MaxDepth > 20 {
		return paramsError("model_analysis.max_depth must be in [1, 20]")
	}
	if a.MinSamplesSplit < 2 || a.MinSamplesLeaf < 1 || a.MinRuleSamples < 1 {
		return paramsError("model_analysis sample minimums violated")
	}
	bt := c.BacktestConstruction
	if err := validateBacktestSettings(backtestSettings{
		LookForwardBars:      bt.LookForwardBars,
		PnlMode:              bt.PnlMode,
		FeeRate:              bt.FeeRate,
		SlippageBps:          bt.SlippageBps,
		PositionFraction:     bt.PositionFraction,
		PositionNotional:     bt.PositionNotional,
		BacktestType:         bt.BacktestType,
		FilterType:           bt.FilterType,
		OrderIntervalMinutes: bt.OrderIntervalMinutes,
		MinRuleConfidence:    bt.MinRuleConfidence,
	}); err != nil {
		return err
	}
	wf := c.WalkForwardEvaluation
	return validateWindowSettings(wf.TrainBars, wf.TestBars, wf.StepBars, wf.MaxWindows)
}

// PipelineRunRequest creates a chained run. The download fields always
// override whatever the template carries; config overrides merge on top.
type PipelineRunRequest struct {
	WorkflowName    string         `json:"workflow_name"`
	TemplateID      string         `json:"template_id"`
	Symbol          string         `json:"symbol"`
	StartDate       string         `json:"start_date"`
	EndDate         string         `json:"end_date"`
	Interval        string         `json:"interval"`
	ConfigOverrides map[string]any `json:"config_overrides"`
}

func (r *PipelineRunRequest) Normalize() error {
	if r.WorkflowName == "" {
		r.WorkflowName = "default"
	}
	if r.Interval == "" {
		r.Interval = "1m"
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return paramsError("symbol is required")
	}
	if strings.TrimSpace(r.StartDate) == "" {
		return paramsError("start_date is required")
	}
	if strings.TrimSpace(r.EndDate) == "" {
		return paramsError("end_date is required")
	}
	return nil
}

// DeepMerge overlays patch onto base recursively. Maps merge key by key;
// any other value in patch replaces the base value.
func DeepMerge(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		patchMap, patchIsMap := v.(map[string]any)
		baseMap, baseIsMap := merged[k].(map[string]any)
		if patchIsMap && baseIsMap {
			merged[k] = DeepMerge(baseMap, patchMap)
			continue
		}
		merged[k] = v
	}
	return merged
}

// DefaultConfigDocument builds the normalized default config with the
// given download parameters filled in.
func DefaultConfigDocument(symbol, startDate, endDate, interval string) (map[string]any, error) {
	var cfg Config
	cfg.setDefaults()
	cfg.DataDownload = DataDownloadParams{
		Symbol:    symbol,
		StartDate: startDate,
		EndDate:   endDate,
		Interval:  interval,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return toDocument(&cfg)
}

// NormalizeConfigDocument strictly validates a raw config document and
// returns it with defaults filled in.
func NormalizeConfigDocument(raw map[string]any) (map[string]any, error) {
	var cfg Config
	cfg.setDefaults()
	if err := strictDecode(raw, &cfg); err != nil {
		return nil, paramsError("pipeline config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return toDocument(&cfg)
}

// ResolveConfig produces the normalized pipeline config for a request:
// the named template, else the default template, else built-in defaults,
// with the request's download fields forced on top and overrides merged
// last. It returns the template id used, if any.
func ResolveConfig(ctx context.Context, templates repo.TemplateRepository, req PipelineRunRequest) (map[string]any, string, error) {
	var base map[string]any
	templateID := ""

	if req.TemplateID != "" {
		tpl, err := templates.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, "", paramsError("template %s not found", req.TemplateID)
			}
			return nil, "", fmt.Errorf("load template: %w", err)
		}
		templateID = tpl.ID
		base = tpl.Config
	} else {
		tpl, err := templates.GetDefaultTemplate(ctx)
		switch {
		case err == nil:
			templateID = tpl.ID
			base = tpl.Config
		case errors.Is(err, repo.ErrNotFound):
		default:
			return nil, "", fmt.Errorf("load default template: %w", err)
		}
	}

	if len(base) == 0 {
		doc, err := DefaultConfigDocument(req.Symbol, req.StartDate, req.EndDate, req.Interval)
		if err != nil {
			return nil, "", err
		}
		base = doc
	}

	base = DeepMerge(base, map[string]any{
		"data_download": map[string]any{
			"symbol":     req.Symbol,
			"start_date": req.StartDate,
			"end_date":   req.EndDate,
			"interval":   req.Interval,
		},
	})
	if len(req.ConfigOverrides) > 0 {
		base = DeepMerge(base, req.ConfigOverrides)
	}

	normalized, err := NormalizeConfigDocument(base)
	if err != nil {
		return nil, "", err
	}
	return normalized, templateID, nil
}
