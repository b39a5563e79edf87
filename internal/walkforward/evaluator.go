// Package walkforward runs rolling train/test evaluation over a merged
// feature+label frame: per window it trims leaky label rows from the train
// tail, fits the rule trainer, backtests the extracted rules on the
// out-of-sample slice with a compounding balance, and stitches the window
// equity curves into one report.
package walkforward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantpipe-labs/quantpipe-go/internal/backtest"
	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
	"github.com/quantpipe-labs/quantpipe-go/internal/rules"
)

// maxEquityPoints caps the stitched curve kept in the report; only the
// most recent points survive.
const maxEquityPoints = 5000

// AnalysisParams configure per-window rule extraction.
type AnalysisParams struct {
	SelectedFeatures []string `json:"selected_features,omitempty"`
	MaxFeatures      int      `json:"max_features"`
	MaxDepth         int      `json:"max_depth"`
	MinSamplesSplit  int      `json:"min_samples_split"`
	MinSamplesLeaf   int      `json:"min_samples_leaf"`
	MinRuleSamples   int      `json:"min_rule_samples"`
	LabelThreshold   *float64 `json:"label_threshold"`
}

// Config is the full evaluation configuration. Backtest.InitialBalance
// seeds the first window; later windows compound from the running balance.
type Config struct {
	Windows           WindowParams
	LabelWindow       int
	LabelLookForward  int
	Analysis          AnalysisParams
	Backtest          backtest.Config
	MinRuleConfidence float64
}

// LeakageBars is the count of train-tail rows whose labels may reference
// test-range prices and therefore get trimmed before fitting.
func (c Config) LeakageBars() int {
	return c.LabelLookForward + c.LabelWindow/2
}

// Checkpoint is called after each window with updated progress. Returning
// an error stops the evaluation; the error is passed through to the caller.
type Checkpoint func(ctx context.Context, progress int, message string) error

// WindowResult is the per-window section of the stats report.
type WindowResult struct {
	WindowIndex        int            `json:"window_index"`
	TrainStart         time.Time      `json:"train_start"`
	TrainEnd           time.Time      `json:"train_end"`
	TestStart          time.Time      `json:"test_start"`
	TestEnd            time.Time      `json:"test_end"`
	TrainRows          int            `json:"train_rows"`
	TestRows           int            `json:"test_rows"`
	SelectedFeatures   []string       `json:"selected_features"`
	LabelThresholdUsed *float64       `json:"label_threshold_used"`
	RulesCount         int            `json:"rules_count"`
	TrainAccuracy      float64        `json:"train_accuracy"`
	BacktestStats      backtest.Stats `json:"backtest_stats"`
}

// Overall aggregates across windows.
type Overall struct {
	Windows                 int     `json:"windows"`
	ProfitableWindows       int     `json:"profitable_windows,omitempty"`
	AvgWindowProfitRate     float64 `json:"avg_window_profit_rate,omitempty"`
	MedianWindowProfitRate  float64 `json:"median_window_profit_rate,omitempty"`
	InitialBalance          float64 `json:"initial_balance,omitempty"`
	FinalBalance            float64 `json:"final_balance,omitempty"`
	Profit                  float64 `json:"profit,omitempty"`
	ProfitRate              float64 `json:"profit_rate,omitempty"`
	MaxDrawdown             float64 `json:"max_drawdown,omitempty"`
}

// ReportConfig echoes requested and effective parameters into the stats
// artifact so a reader can see whether sizes were auto adjusted.
type ReportConfig struct {
	Requested        WindowParams    `json:"requested"`
	Effective        WindowParams    `json:"effective"`
	AutoAdjusted     bool            `json:"auto_adjusted"`
	LabelWindow      int             `json:"label_window"`
	LabelLookForward int             `json:"label_look_forward"`
	LabelLeakageBars int             `json:"label_leakage_bars"`
	Rows             int             `json:"rows"`
	Analysis         *AnalysisParams `json:"analysis,omitempty"`
	Backtest         *backtest.Config `json:"backtest,omitempty"`
}

// Report is the complete evaluation outcome. Status is success or
// skipped; skipped is a valid terminal outcome, not an error.
type Report struct {
	Status       string                  `json:"status"`
	Reason       string                  `json:"reason,omitempty"`
	Config       ReportConfig            `json:"config"`
	Overall      Overall                 `json:"overall"`
	Windows      []WindowResult          `json:"windows"`
	EquityPoints []backtest.BalancePoint `json:"-"`
}

func (r Report) Skipped() bool { return r.Status == "skipped" }

type Evaluator struct {
	trainer rules.Trainer
	logger  *slog.Logger
}

func NewEvaluator(trainer rules.Trainer, logger *slog.Logger) (*Evaluator, error) {
	if trainer == nil {
		return nil, errors.New("trainer is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Evaluator{trainer: trainer, logger: logger}, nil
}

// Run evaluates the merged frame. The checkpoint, when non-nil, receives
// progress in [25, 80] after each completed window.
func (e *Evaluator) Run(ctx context.Context, merged *frame.Frame, cfg Config, checkpoint Checkpoint) (Report, error) {
	if err := cfg.Windows.Validate(); err != nil {
		return Report{}, err
	}
	if err := cfg.Backtest.Validate(); err != nil {
		return Report{}, err
	}

	n := merged.Len()
	leakage := cfg.LeakageBars()
	plan, reason, err := PlanWindows(n, cfg.Windows, cfg.Backtest.LookForwardBars, leakage)
	reportCfg := reportConfigFor(plan, cfg)
	if err != nil {
		if errors.Is(err, ErrInsufficientData) {
			return skippedReport(reportCfg, reason), nil
		}
		return Report{}, err
	}
	if plan.AutoAdjusted && checkpoint != nil {
		msg := fmt.Sprintf("data too short, windows shrunk (train=%d test=%d)",
			plan.Effective.TrainBars, plan.Effective.TestBars)
		if err := checkpoint(ctx, 25, msg); err != nil {
			return Report{}, err
		}
	}

	eff := plan.Effective
	balance := cfg.Backtest.InitialBalance

	var windows []WindowResult
	var equity []backtest.BalancePoint

	windowIdx := 0
	start := 0
	for windowIdx < eff.MaxWindows {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}

		trainStart := start
		trainEnd := trainStart + eff.TrainBars
		testEnd := trainEnd + eff.TestBars
		if testEnd > n {
			break
		}

		trainEndEffective := trainEnd - plan.LeakageBars
		if trainEndEffective < trainStart {
			trainEndEffective = trainStart
		}
		trainSlice, err := merged.Slice(trainStart, trainEndEffective)
		if err != nil {
			return Report{}, err
		}
		testSlice, err := merged.Slice(trainEnd, testEnd)
		if err != nil {
			return Report{}, err
		}
		if trainSlice.Len() < minTrainRows || testSlice.Len() <= cfg.Backtest.LookForwardBars {
			break
		}

		selected := cfg.Analysis.SelectedFeatures
		if len(selected) == 0 {
			selected = SelectTopFeaturesByCorr(trainSlice, cfg.Analysis.MaxFeatures)
		}
		if len(selected) == 0 {
			selected = FallbackFeatures(trainSlice, cfg.Analysis.MaxFeatures)
		}
		if len(selected) == 0 {
			windowIdx++
			start += eff.StepBars
			continue
		}

		data, err := PrepareSurrogateData(trainSlice, selected, cfg.Analysis.LabelThreshold)
		if err != nil {
			return Report{}, err
		}
		if len(data.X) < 20 {
			windowIdx++
			start += eff.StepBars
			continue
		}

		fit, err := e.trainer.Fit(ctx, data.X, data.Y, data.FeatureNames, trainerConfigFor(cfg.Analysis, len(data.X)))
		if err != nil {
			if ctx.Err() != nil {
				return Report{}, err
			}
			e.logger.Warn("window fit failed, skipping window",
				"window", windowIdx+1, "error", err)
			windowIdx++
			start += eff.StepBars
			continue
		}

		signal := backtest.GenerateOpenSignal(testSlice, fit.Rules, cfg.Backtest.BacktestType, cfg.MinRuleConfidence)

		btCfg := cfg.Backtest
		btCfg.InitialBalance = balance
		result, err := backtest.Run(testSlice, signal, btCfg)
		if err != nil {
			return Report{}, fmt.Errorf("window %d backtest: %w", windowIdx+1, err)
		}

		equity = stitchEquity(equity, result.Balances)
		balance = result.Stats.FinalBalance

		windows = append(windows, WindowResult{
			WindowIndex:        windowIdx + 1,
			TrainStart:         trainSlice.Time(0),
			TrainEnd:           trainSlice.Time(trainSlice.Len() - 1),
			TestStart:          testSlice.Time(0),
			TestEnd:            testSlice.Time(testSlice.Len() - 1),
			TrainRows:          trainSlice.Len(),
			TestRows:           testSlice.Len(),
			SelectedFeatures:   selected,
			LabelThresholdUsed: data.UsedThreshold,
			RulesCount:         len(fit.Rules),
			TrainAccuracy:      fit.TrainAccuracy,
			BacktestStats:      result.Stats,
		})

		windowIdx++
		start += eff.StepBars

		if checkpoint != nil {
			progress := 25 + windowIdx*55/eff.MaxWindows
			if progress > 80 {
				progress = 80
			}
			msg := fmt.Sprintf("window %d/%d", windowIdx, eff.MaxWindows)
			if err := checkpoint(ctx, progress, msg); err != nil {
				return Report{}, err
			}
		}
	}

	if len(windows) == 0 {
		return skippedReport(reportCfg, ReasonNoWindows), nil
	}

	// aggregate over the full stitched curve; the cap below only limits
	// how many points the artifact retains
	overall := buildOverall(cfg.Backtest.InitialBalance, balance, windows, equity)
	if len(equity) > maxEquityPoints {
		equity = equity[len(equity)-maxEquityPoints:]
	}

	return Report{
		Status:       "success",
		Config:       reportCfg,
		Overall:      overall,
		Windows:      windows,
		EquityPoints: equity,
	}, nil
}

// trainerConfigFor scales the rule extraction minimums down for small
// training sets so a sparse window can still produce rules.
func trainerConfigFor(a AnalysisParams, rows int) rules.TrainerConfig {
	split := a.MinSamplesSplit
	if limit := max(2, rows/2); split > limit {
		split = limit
	}
	leaf := a.MinSamplesLeaf
	if limit := max(1, rows/10); leaf > limit {
		leaf = limit
	}
	ruleSamples := a.MinRuleSamples
	if limit := max(1, rows/4); ruleSamples > limit {
		ruleSamples = limit
	}
	return rules.TrainerConfig{
		MaxDepth:        a.MaxDepth,
		MinSamplesSplit: split,
		MinSamplesLeaf:  leaf,
		MinRuleSamples:  ruleSamples,
	}
}

// stitchEquity appends a window curve, dropping its first point when it
// repeats the previous window's final timestamp.
func stitchEquity(acc, window []backtest.BalancePoint) []backtest.BalancePoint {
	if len(acc) > 0 && len(window) > 0 && acc[len(acc)-1].Time.Equal(window[0].Time) {
		window = window[1:]
	}
	return append(acc, window...)
}

func buildOverall(initialBalance, finalBalance float64, windows []WindowResult, equity []backtest.BalancePoint) Overall {
	rates := make([]float64, 0, len(windows))
	profitable := 0
	for _, w := range windows {
		rates = append(rates, w.BacktestStats.ProfitRate)
		if w.BacktestStats.ProfitRate > 0 {
			profitable++
		}
	}

	profit := finalBalance - initialBalance
	profitRate := 0.0
	if initialBalance > 0 {
		profitRate = profit / initialBalance
	}

	return Overall{
		Windows:                len(windows),
		ProfitableWindows:      profitable,
		AvgWindowProfitRate:    mean(rates),
		MedianWindowProfitRate: medianOf(rates),
		InitialBalance:         initialBalance,
		FinalBalance:           finalBalance,
		Profit:                 profit,
		ProfitRate:             profitRate,
		MaxDrawdown:            backtest.MaxDrawdown(equityFirstBalance(equity), equity),
	}
}

// equityFirstBalance seeds the drawdown peak with the first stitched
// point, which carries the initial balance of the first window.
func equityFirstBalance(equity []backtest.BalancePoint) float64 {
	if len(equity) == 0 {
		return 0
	}
	return equity[0].Balance
}

func reportConfigFor(plan Plan, cfg Config) ReportConfig {
	analysis := cfg.Analysis
	bt := cfg.Backtest
	return ReportConfig{
		Requested:        plan.Requested,
		Effective:        plan.Effective,
		AutoAdjusted:     plan.AutoAdjusted,
		LabelWindow:      cfg.LabelWindow,
		LabelLookForward: cfg.LabelLookForward,
		LabelLeakageBars: plan.LeakageBars,
		Rows:             plan.Rows,
		Analysis:         &analysis,
		Backtest:         &bt,
	}
}

func skippedReport(cfg ReportConfig, reason string) Report {
	return Report{
		Status:  "skipped",
		Reason:  reason,
		Config:  cfg,
		Overall: Overall{Windows: 0},
		Windows: []WindowResult{},
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
