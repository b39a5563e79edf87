package pipeline

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Step params mirror the accepted request body for standalone runs. Each
// type starts from its defaults, decodes strictly (unknown keys rejected)
// and validates bounds. Normalized params are what gets persisted on the
// run and handed to the worker.

type stepParams interface {
	setDefaults()
	Validate() error
}

type DataDownloadParams struct {
	Symbol    string  `json:"symbol"`
	StartDate string  `json:"start_date"`
	EndDate   string  `json:"end_date"`
	Interval  string  `json:"interval"`
	Proxy     *string `json:"proxy"`
}

func (p *DataDownloadParams) setDefaults() { p.Interval = "1m" }

func (p *DataDownloadParams) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return paramsError("symbol is required")
	}
	if strings.TrimSpace(p.StartDate) == "" {
		return paramsError("start_date is required")
	}
	if strings.TrimSpace(p.EndDate) == "" {
		return paramsError("end_date is required")
	}
	if strings.TrimSpace(p.Interval) == "" {
		return paramsError("interval must not be empty")
	}
	return nil
}

type FeatureCalculationParams struct {
	RawArtifactID  string   `json:"raw_artifact_id"`
	AlphaTypes     []string `json:"alpha_types"`
	InstrumentName *string  `json:"instrument_name"`
}

func (p *FeatureCalculationParams) setDefaults() {}

func (p *FeatureCalculationParams) Validate() error {
	if strings.TrimSpace(p.RawArtifactID) == "" {
		return paramsError("raw_artifact_id is required")
	}
	if len(p.AlphaTypes) == 0 {
		return paramsError("alpha_types must not be empty")
	}
	return nil
}

type LabelCalculationParams struct {
	RawArtifactID string   `json:"raw_artifact_id"`
	Window        int      `json:"window"`
	LookForward   int      `json:"look_forward"`
	LabelType     string   `json:"label_type"`
	FilterType    string   `json:"filter_type"`
	Threshold     *float64 `json:"threshold"`
}

func (p *LabelCalculationParams) setDefaults() {
	p.Window = 29
	p.LookForward = 10
	p.LabelType = "up"
	p.FilterType = "rsi"
}

func (p *LabelCalculationParams) Validate() error {
	if strings.TrimSpace(p.RawArtifactID) == "" {
		return paramsError("raw_artifact_id is required")
	}
	if p.Window < 3 {
		return paramsError("window must be >= 3")
	}
	if p.LookForward < 1 {
		return paramsError("look_forward must be >= 1")
	}
	if p.LabelType != "up" && p.LabelType != "down" {
		return paramsError("label_type must be up or down")
	}
	if p.FilterType != "rsi" && p.FilterType != "cti" {
		return paramsError("filter_type must be rsi or cti")
	}
	return nil
}

type ModelTrainingParams struct {
	FeaturesArtifactID string `json:"features_artifact_id"`
	LabelsArtifactID   string `json:"labels_artifact_id"`
	NumBoostRound      int    `json:"num_boost_round"`
	NumThreads         int    `json:"num_threads"`
}

func (p *ModelTrainingParams) setDefaults() {
	p.NumBoostRound = 500
	p.NumThreads = 4
}

func (p *ModelTrainingParams) Validate() error {
	if strings.TrimSpace(p.FeaturesArtifactID) == "" {
		return paramsError("features_artifact_id is required")
	}
	if strings.TrimSpace(p.LabelsArtifactID) == "" {
		return paramsError("labels_artifact_id is required")
	}
	if p.NumBoostRound < 1 {
		return paramsError("num_boost_round must be >= 1")
	}
	if p.NumThreads < 1 {
		return paramsError("num_threads must be >= 1")
	}
	return nil
}

type ModelInterpretationParams struct {
	ModelArtifactID    string  `json:"model_artifact_id"`
	FeaturesArtifactID *string `json:"features_artifact_id"`
	LabelsArtifactID   *string `json:"labels_artifact_id"`
	MaxSamples         int     `json:"max_samples"`
	MaxDisplay         int     `json:"max_display"`
}

func (p *ModelInterpretationParams) setDefaults() {
	p.MaxSamples = 5000
	p.MaxDisplay = 20
}

func (p *ModelInterpretationParams) Validate() error {
	if strings.TrimSpace(p.ModelArtifactID) == "" {
		return paramsError("model_artifact_id is required")
	}
	if p.MaxSamples < 1 || p.MaxSamples > 200000 {
		return paramsError("max_samples must be in [1, 200000]")
	}
	if p.MaxDisplay < 1 || p.MaxDisplay > 100 {
		return paramsError("max_display must be in [1, 100]")
	}
	return nil
}

type ModelAnalysisParams struct {
	ModelArtifactID    string   `json:"model_artifact_id"`
	FeaturesArtifactID *string  `json:"features_artifact_id"`
	LabelsArtifactID   *string  `json:"labels_artifact_id"`
	SelectedFeatures   []string `json:"selected_features"`
	MaxFeatures        int      `json:"max_features"`
	MaxDepth           int      `json:"max_depth"`
	MinSamplesSplit    int      `json:"min_samples_split"`
	MinSamplesLeaf     int      `json:"min_samples_leaf"`
	MinRuleSamples     int      `json:"min_rule_samples"`
	LabelThreshold     *float64 `json:"label_threshold"`
}

func (p *ModelAnalysisParams) setDefaults() {
	p.MaxFeatures = 8
	p.MaxDepth = 3
	p.MinSamplesSplit = 100
	p.MinSamplesLeaf = 50
	p.MinRuleSamples = 50
}

func (p *ModelAnalysisParams) Validate() error {
	if strings.TrimSpace(p.ModelArtifactID) == "" {
		return paramsError("model_artifact_id is required")
	}
	if p.MaxFeatures < 1 || p.MaxFeatures > 50 {
		return paramsError("max_features must be in [1, 50]")
	}
	if p.MaxDepth < 1 || p.MaxDepth > 20 {
		return paramsError("max_depth must be in [1, 20]")
	}
	if p.MinSamplesSplit < 2 {
		return paramsError("min_samples_split must be >= 2")
	}
	if p.MinSamplesLeaf < 1 {
		return paramsError("min_samples_leaf must be >= 1")
	}
	if p.MinRuleSamples < 1 {
		return paramsError("min_rule_samples must be >= 1")
	}
	return nil
}

type BacktestConstructionParams struct {
	FeaturesArtifactID   string   `json:"features_artifact_id"`
	AnalysisArtifactID   string   `json:"analysis_artifact_id"`
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

func (p *BacktestConstructionParams) setDefaults() {
	p.LookForwardBars = 10
	p.WinProfit = 4.0
	p.LossCost = 5.0
	p.InitialBalance = 1000.0
	p.PnlMode = "price"
	p.FeeRate = 0.0004
	p.PositionFraction = 1.0
	p.BacktestType = "long"
	p.FilterType = "rsi"
	p.OrderIntervalMinutes = 30
}

func (p *BacktestConstructionParams) Validate() error {
	if strings.TrimSpace(p.FeaturesArtifactID) == "" {
		return paramsError("features_artifact_id is required")
	}
	if strings.TrimSpace(p.AnalysisArtifactID) == "" {
		return paramsError("analysis_artifact_id is required")
	}
	return validateBacktestSettings(backtestSettings{
		LookForwardBars:      p.LookForwardBars,
		PnlMode:              p.PnlMode,
		FeeRate:              p.FeeRate,
		SlippageBps:          p.SlippageBps,
		PositionFraction:     p.PositionFraction,
		PositionNotional:     p.PositionNotional,
		BacktestType:         p.BacktestType,
		FilterType:           p.FilterType,
		OrderIntervalMinutes: p.OrderIntervalMinutes,
		MinRuleConfidence:    p.MinRuleConfidence,
	})
}

// backtestSettings is the shared validation surface between standalone
// backtest params and the pipeline config section.
type backtestSettings struct {
	LookForwardBars      int
	PnlMode              string
	FeeRate              float64
	SlippageBps          float64
	PositionFraction     float64
	PositionNotional     *float64
	BacktestType         string
	FilterType           string
	OrderIntervalMinutes int
	MinRuleConfidence    float64
}

func validateBacktestSettings(s backtestSettings) error {
	if s.LookForwardBars < 1 || s.LookForwardBars > 5000 {
		return paramsError("look_forward_bars must be in [1, 5000]")
	}
	if s.PnlMode != "fixed" && s.PnlMode != "price" {
		return paramsError("pnl_mode must be fixed or price")
	}
	if s.FeeRate < 0 {
		return paramsError("fee_rate must be >= 0")
	}
	if s.SlippageBps < 0 {
		return paramsError("slippage_bps must be >= 0")
	}
	if s.PositionFraction <= 0 || s.PositionFraction > 1 {
		return paramsError("position_fraction must be in (0, 1]")
	}
	if s.PositionNotional != nil && *s.PositionNotional <= 0 {
		return paramsError("position_notional must be > 0")
	}
	if s.BacktestType != "long" && s.BacktestType != "short" {
		return paramsError("backtest_type must be long or short")
	}
	if s.FilterType != "rsi" && s.FilterType != "cti" {
		return paramsError("filter_type must be rsi or cti")
	}
	if s.OrderIntervalMinutes < 0 || s.OrderIntervalMinutes > 24*60 {
		return paramsError("order_interval_minutes must be in [0, 1440]")
	}
	if s.MinRuleConfidence < 0 || s.MinRuleConfidence > 1 {
		return paramsError("min_rule_confidence must be in [0, 1]")
	}
	return nil
}

type WalkForwardEvaluationParams struct {
	FeaturesArtifactID string `json:"features_artifact_id"`
	LabelsArtifactID   string `json:"labels_artifact_id"`
	TrainBars          int    `json:"train_bars"`
	TestBars           int    `json:"test_bars"`
	StepBars           int    `json:"step_bars"`
	MaxWindows         int    `json:"max_windows"`
}

func (p *WalkForwardEvaluationParams) setDefaults() {
	p.TrainBars = 20000
	p.TestBars = 5000
	p.StepBars = 5000
	p.MaxWindows = 10
}

func (p *WalkForwardEvaluationParams) Validate() error {
	if strings.TrimSpace(p.FeaturesArtifactID) == "" {
		return paramsError("features_artifact_id is required")
	}
	if strings.TrimSpace(p.LabelsArtifactID) == "" {
		return paramsError("labels_artifact_id is required")
	}
	return validateWindowSettings(p.TrainBars, p.TestBars, p.StepBars, p.MaxWindows)
}

func validateWindowSettings(trainBars, testBars, stepBars, maxWindows int) error {
	if trainBars < 1 {
		return paramsError("train_bars must be >= 1")
	}
	if testBars < 1 {
		return paramsError("test_bars must be >= 1")
	}
	if stepBars < 1 {
		return paramsError("step_bars must be >= 1")
	}
	if maxWindows < 1 || maxWindows > 200 {
		return paramsError("max_windows must be in [1, 200]")
	}
	return nil
}

var paramsFactory = map[string]func() stepParams{
	StepDataDownload:          func() stepParams { return &DataDownloadParams{} },
	StepFeatureCalculation:    func() stepParams { return &FeatureCalculationParams{} },
	StepLabelCalculation:      func() stepParams { return &LabelCalculationParams{} },
	StepModelTraining:         func() stepParams { return &ModelTrainingParams{} },
	StepModelInterpretation:   func() stepParams { return &ModelInterpretationParams{} },
	StepModelAnalysis:         func() stepParams { return &ModelAnalysisParams{} },
	StepBacktestConstruction:  func() stepParams { return &BacktestConstructionParams{} },
	StepWalkForwardEvaluation: func() stepParams { return &WalkForwardEvaluationParams{} },
}

// NormalizeParams validates the raw params for a step and returns the
// normalized document with defaults filled in.
func NormalizeParams(stepName string, raw map[string]any) (map[string]any, error) {
	factory, ok := paramsFactory[stepName]
	if !ok {
		return nil, unknownStepError(stepName)
	}
	params := factory()
	params.setDefaults()

	if err := strictDecode(raw, params); err != nil {
		return nil, paramsError("%v", err)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return toDocument(params)
}

// strictDecode unmarshals a document into target, rejecting unknown keys.
// Defaults already present on target survive for absent keys.
func strictDecode(doc map[string]any, target any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func toDocument(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
