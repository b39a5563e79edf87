package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantpipe-labs/quantpipe-go/internal/backtest"
	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
	"github.com/quantpipe-labs/quantpipe-go/internal/pipeline"
)

// backtestConstruction replays the extracted rules over the feature frame
// and records the equity curve, trades and stats artifacts.
func (r *Runner) backtestConstruction(ctx context.Context, run domain.Run, step domain.Step, payload map[string]any) (map[string]any, error) {
	var p pipeline.BacktestConstructionParams
	if err := decodeParams(payload, &p); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 25, "loading artifacts")
	featuresFrame, _, err := r.loadFrame(ctx, p.FeaturesArtifactID)
	if err != nil {
		return nil, err
	}
	analysisArt, err := r.store.Artifacts().GetArtifact(ctx, p.AnalysisArtifactID)
	if err != nil {
		return nil, fmt.Errorf("analysis artifact %s: %w", p.AnalysisArtifactID, err)
	}
	analysisData, err := r.files.ReadFile(analysisArt.URI)
	if err != nil {
		return nil, err
	}
	var report AnalysisReport
	if err := json.Unmarshal(analysisData, &report); err != nil {
		return nil, fmt.Errorf("decode analysis artifact %s: %w", p.AnalysisArtifactID, err)
	}
	if len(report.Rules) == 0 {
		return nil, fmt.Errorf("%w: analysis artifact carries no rules", pipeline.ErrInvalidParams)
	}
	for _, rule := range report.Rules {
		for _, t := range rule.Thresholds {
			if !featuresFrame.Has(t.Feature) {
				return nil, fmt.Errorf("%w: rule feature %s not in features artifact", pipeline.ErrInvalidParams, t.Feature)
			}
		}
	}
	if err := r.checkCanceled(ctx, run.ID, step.ID); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 50, "running backtest")
	cfg := backtest.Config{
		LookForwardBars:      p.LookForwardBars,
		WinProfit:            p.WinProfit,
		LossCost:             p.LossCost,
		InitialBalance:       p.InitialBalance,
		BacktestType:         p.BacktestType,
		FilterType:           p.FilterType,
		OrderIntervalMinutes: p.OrderIntervalMinutes,
		PnlMode:              p.PnlMode,
		FeeRate:              p.FeeRate,
		SlippageBps:          p.SlippageBps,
		PositionFraction:     p.PositionFraction,
		PositionNotional:     p.PositionNotional,
	}
	signal := backtest.GenerateOpenSignal(featuresFrame, report.Rules, p.BacktestType, p.MinRuleConfidence)
	result, err := backtest.Run(featuresFrame, signal, cfg)
	if err != nil {
		return nil, err
	}
	if err := r.checkCanceled(ctx, run.ID, step.ID); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 85, "writing artifacts")
	sharedMeta := domain.Metadata{
		"features_artifact_id": p.FeaturesArtifactID,
		"analysis_artifact_id": p.AnalysisArtifactID,
	}

	equityParquet, err := frame.Marshal(equityFrame(result.Balances))
	if err != nil {
		return nil, err
	}
	if _, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindBacktest, "equity_curve.parquet", equityParquet, sharedMeta); err != nil {
		return nil, err
	}

	equityJSON, err := json.Marshal(map[string]any{"points": result.Balances})
	if err != nil {
		return nil, err
	}
	equityArt, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindBacktest, "equity_curve.json", equityJSON, sharedMeta)
	if err != nil {
		return nil, err
	}

	tradesParquet, err := frame.Marshal(tradesFrame(result.Trades))
	if err != nil {
		return nil, err
	}
	if _, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindBacktest, "trades.parquet", tradesParquet, domain.Metadata{
		"features_artifact_id": p.FeaturesArtifactID,
		"analysis_artifact_id": p.AnalysisArtifactID,
		"total_trades":         len(result.Trades),
	}); err != nil {
		return nil, err
	}

	statsJSON, err := json.MarshalIndent(result.Stats, "", "  ")
	if err != nil {
		return nil, err
	}
	statsArt, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindBacktest, "backtest_stats.json", statsJSON, domain.Metadata{
		"features_artifact_id": p.FeaturesArtifactID,
		"analysis_artifact_id": p.AnalysisArtifactID,
		"total_trades":         result.Stats.TotalTrades,
		"final_balance":        result.Stats.FinalBalance,
		"profit_rate":          result.Stats.ProfitRate,
		"max_drawdown":         result.Stats.MaxDrawdown,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"backtest_stats_artifact_id":    statsArt.ID,
		"equity_curve_json_artifact_id": equityArt.ID,
	}, nil
}

func equityFrame(points []backtest.BalancePoint) *frame.Frame {
	times := make([]time.Time, len(points))
	balances := make([]float64, len(points))
	for i, p := range points {
		times[i] = p.Time
		balances[i] = p.Balance
	}
	f := frame.New(times)
	_ = f.AddColumn("balance", balances)
	return f
}

func tradesFrame(trades []backtest.Trade) *frame.Frame {
	times := make([]time.Time, len(trades))
	cols := map[string][]float64{
		"entry_price":   make([]float64, len(trades)),
		"exit_price":    make([]float64, len(trades)),
		"qty":           make([]float64, len(trades)),
		"notional":      make([]float64, len(trades)),
		"gross_pnl":     make([]float64, len(trades)),
		"fee":           make([]float64, len(trades)),
		"net_pnl":       make([]float64, len(trades)),
		"is_win":        make([]float64, len(trades)),
		"balance_after": make([]float64, len(trades)),
	}
	for i, t := range trades {
		times[i] = t.Time
		cols["entry_price"][i] = t.EntryPrice
		cols["exit_price"][i] = t.ExitPrice
		cols["qty"][i] = t.Qty
		cols["notional"][i] = t.Notional
		cols["gross_pnl"][i] = t.GrossPnl
		cols["fee"][i] = t.Fee
		cols["net_pnl"][i] = t.NetPnl
		if t.IsWin {
			cols["is_win"][i] = 1
		}
		cols["balance_after"][i] = t.BalanceAfter
	}
	f := frame.New(times)
	for _, name := range []string{
		"entry_price", "exit_price", "qty", "notional",
		"gross_pnl", "fee", "net_pnl", "is_win", "balance_after",
	} {
		_ = f.AddColumn(name, cols[name])
	}
	return f
}
