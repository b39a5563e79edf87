// Package backtest replays decision-rule entry signals over a price frame
// and produces a balance curve, the executed trades and summary statistics.
// Positions exit after a fixed number of bars; there is no intra-trade exit.
package backtest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
	"github.com/quantpipe-labs/quantpipe-go/internal/indicators"
)

const CloseColumn = "close"

// Config holds the execution parameters. Zero values are not defaulted
// here; callers resolve defaults before invoking Run.
type Config struct {
	LookForwardBars      int      `json:"look_forward_bars"`
	WinProfit            float64  `json:"win_profit,omitempty"`
	LossCost             float64  `json:"loss_cost,omitempty"`
	InitialBalance       float64  `json:"initial_balance"`
	BacktestType         string   `json:"backtest_type"` // long or short
	FilterType           string   `json:"filter_type"`   // rsi or cti
	OrderIntervalMinutes int      `json:"order_interval_minutes"`
	PnlMode              string   `json:"pnl_mode"` // fixed or price
	FeeRate              float64  `json:"fee_rate"`
	SlippageBps          float64  `json:"slippage_bps"`
	PositionFraction     float64  `json:"position_fraction"`
	PositionNotional     *float64 `json:"position_notional"`
}

func (c Config) Validate() error {
	if c.LookForwardBars < 1 {
		return errors.New("look_forward_bars must be >= 1")
	}
	if c.OrderIntervalMinutes < 0 {
		return errors.New("order_interval_minutes must be >= 0")
	}
	switch c.PnlMode {
	case "fixed", "price":
	default:
		return fmt.Errorf("pnl_mode must be fixed or price, got %q", c.PnlMode)
	}
	switch c.BacktestType {
	case "long", "short":
	default:
		return fmt.Errorf("backtest_type must be long or short, got %q", c.BacktestType)
	}
	switch c.FilterType {
	case "rsi", "cti":
	default:
		return fmt.Errorf("filter_type must be rsi or cti, got %q", c.FilterType)
	}
	if c.FeeRate < 0 {
		return errors.New("fee_rate must be >= 0")
	}
	if c.SlippageBps < 0 {
		return errors.New("slippage_bps must be >= 0")
	}
	if c.PositionFraction <= 0 || c.PositionFraction > 1 {
		return errors.New("position_fraction must be in (0, 1]")
	}
	return nil
}

// BalancePoint is one point of the equity curve.
type BalancePoint struct {
	Time    time.Time `json:"datetime"`
	Balance float64   `json:"balance"`
}

// Trade records one round trip. Entry and exit prices include slippage;
// the mid fields are the unadjusted closes.
type Trade struct {
	Time         time.Time `json:"datetime"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	EntryMid     float64   `json:"entry_price_mid"`
	ExitMid      float64   `json:"exit_price_mid"`
	Qty          float64   `json:"qty,omitempty"`
	Notional     float64   `json:"notional,omitempty"`
	GrossPnl     float64   `json:"gross_pnl"`
	Fee          float64   `json:"fee"`
	NetPnl       float64   `json:"net_pnl"`
	IsWin        bool      `json:"is_win"`
	BalanceAfter float64   `json:"balance_after"`
}

type Stats struct {
	TotalTrades      int      `json:"total_trades"`
	WinningTrades    int      `json:"winning_trades"`
	LosingTrades     int      `json:"losing_trades"`
	WinRate          float64  `json:"win_rate"`
	InitialBalance   float64  `json:"initial_balance"`
	FinalBalance     float64  `json:"final_balance"`
	Profit           float64  `json:"profit"`
	ProfitRate       float64  `json:"profit_rate"`
	MaxDrawdown      float64  `json:"max_drawdown"`
	PnlMode          string   `json:"pnl_mode"`
	FeeRate          float64  `json:"fee_rate"`
	SlippageBps      float64  `json:"slippage_bps"`
	PositionFraction float64  `json:"position_fraction"`
	PositionNotional *float64 `json:"position_notional"`
	GrossPnl         float64  `json:"gross_pnl"`
	FeesPaid         float64  `json:"fees_paid"`
	NetPnl           float64  `json:"net_pnl"`
	AvgNetPnlPerTrade float64 `json:"avg_net_pnl_per_trade"`
}

type Result struct {
	Balances []BalancePoint
	Trades   []Trade
	Stats    Stats
}

// Run executes the strategy. openSignal must have one entry per frame row.
// The frame must carry a close column and more rows than LookForwardBars.
func Run(f *frame.Frame, openSignal []bool, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	closes, ok := f.Column(CloseColumn)
	if !ok {
		return Result{}, fmt.Errorf("frame missing %s column", CloseColumn)
	}
	if len(openSignal) != f.Len() {
		return Result{}, fmt.Errorf("open signal has %d entries, frame has %d rows", len(openSignal), f.Len())
	}
	if f.Len() <= cfg.LookForwardBars {
		return Result{}, fmt.Errorf("need more than %d rows, got %d", cfg.LookForwardBars, f.Len())
	}

	var filter []float64
	if cfg.FilterType == "rsi" {
		filter = indicators.RSI(closes, 14)
	} else {
		filter = indicators.CTI(closes)
	}

	slippageRate := cfg.SlippageBps / 10000.0
	balance := cfg.InitialBalance

	balances := make([]BalancePoint, 0, f.Len())
	var trades []Trade
	var lastOrderTime time.Time
	haveLastOrder := false

	var totalFee, totalGross float64

	for i := 0; i < f.Len()-cfg.LookForwardBars; i++ {
		now := f.Time(i)

		canOrder := true
		if haveLastOrder && cfg.OrderIntervalMinutes > 0 {
			if now.Sub(lastOrderTime).Minutes() < float64(cfg.OrderIntervalMinutes) {
				canOrder = false
			}
		}

		if openSignal[i] && canOrder && filterAllows(cfg, filter[i]) {
			entry := closes[i]
			future := closes[i+cfg.LookForwardBars]

			if cfg.PnlMode == "fixed" {
				isWin := future > entry
				if cfg.BacktestType == "short" {
					isWin = future < entry
				}
				pnl := -cfg.LossCost
				if isWin {
					pnl = cfg.WinProfit
				}
				balance += pnl
				totalGross += pnl
				trades = append(trades, Trade{
					Time:         now,
					EntryPrice:   entry,
					ExitPrice:    future,
					EntryMid:     entry,
					ExitMid:      future,
					GrossPnl:     pnl,
					Fee:          0,
					NetPnl:       pnl,
					IsWin:        isWin,
					BalanceAfter: balance,
				})
				lastOrderTime = now
				haveLastOrder = true
			} else if trade, ok := priceTrade(cfg, now, entry, future, balance, slippageRate); ok {
				totalFee += trade.Fee
				totalGross += trade.GrossPnl
				balance += trade.NetPnl
				trade.BalanceAfter = balance
				trades = append(trades, trade)
				lastOrderTime = now
				haveLastOrder = true
			}
		}

		balances = append(balances, BalancePoint{Time: now, Balance: balance})
	}

	// keep the curve continuous through the tail where no position can open
	for i := f.Len() - cfg.LookForwardBars; i < f.Len(); i++ {
		balances = append(balances, BalancePoint{Time: f.Time(i), Balance: balance})
	}

	return Result{
		Balances: balances,
		Trades:   trades,
		Stats:    buildStats(cfg, balances, trades, balance, totalGross, totalFee),
	}, nil
}

func filterAllows(cfg Config, indicator float64) bool {
	if math.IsNaN(indicator) {
		return false
	}
	if cfg.FilterType == "rsi" {
		if cfg.BacktestType == "long" {
			return indicator < 30
		}
		return indicator > 70
	}
	if cfg.BacktestType == "long" {
		return indicator < -0.5
	}
	return indicator > 0.5
}

// priceTrade sizes and settles one price-mode trade. It declines (ok=false)
// on non-finite prices, exhausted balance or non-positive executable prices.
func priceTrade(cfg Config, now time.Time, entry, future, balance, slippageRate float64) (Trade, bool) {
	if !isFinite(entry) || !isFinite(future) {
		return Trade{}, false
	}
	if balance <= 0 {
		return Trade{}, false
	}

	notional := balance * cfg.PositionFraction
	if cfg.PositionNotional != nil {
		notional = math.Min(*cfg.PositionNotional, balance)
	}
	if notional <= 0 {
		return Trade{}, false
	}

	var entryExec, exitExec float64
	if cfg.BacktestType == "long" {
		entryExec = entry * (1 + slippageRate)
		exitExec = future * (1 - slippageRate)
	} else {
		entryExec = entry * (1 - slippageRate)
		exitExec = future * (1 + slippageRate)
	}
	if entryExec <= 0 || exitExec <= 0 {
		return Trade{}, false
	}

	qty := notional / entryExec
	gross := qty * (exitExec - entryExec)
	if cfg.BacktestType == "short" {
		gross = qty * (entryExec - exitExec)
	}
	fee := (qty*entryExec + qty*exitExec) * cfg.FeeRate
	net := gross - fee

	return Trade{
		Time:       now,
		EntryPrice: entryExec,
		ExitPrice:  exitExec,
		EntryMid:   entry,
		ExitMid:    future,
		Qty:        qty,
		Notional:   notional,
		GrossPnl:   gross,
		Fee:        fee,
		NetPnl:     net,
		IsWin:      net > 0,
	}, true
}

func buildStats(cfg Config, balances []BalancePoint, trades []Trade, finalBalance, totalGross, totalFee float64) Stats {
	wins := 0
	for _, t := range trades {
		if t.IsWin {
			wins++
		}
	}
	total := len(trades)
	winRate := 0.0
	if total > 0 {
		winRate = float64(wins) / float64(total)
	}

	profit := finalBalance - cfg.InitialBalance
	profitRate := 0.0
	if cfg.InitialBalance > 0 {
		profitRate = profit / cfg.InitialBalance
	}
	avgNet := 0.0
	if total > 0 {
		avgNet = profit / float64(total)
	}

	return Stats{
		TotalTrades:       total,
		WinningTrades:     wins,
		LosingTrades:      total - wins,
		WinRate:           winRate,
		InitialBalance:    cfg.InitialBalance,
		FinalBalance:      finalBalance,
		Profit:            profit,
		ProfitRate:        profitRate,
		MaxDrawdown:       MaxDrawdown(cfg.InitialBalance, balances),
		PnlMode:           cfg.PnlMode,
		FeeRate:           cfg.FeeRate,
		SlippageBps:       cfg.SlippageBps,
		PositionFraction:  cfg.PositionFraction,
		PositionNotional:  cfg.PositionNotional,
		GrossPnl:          totalGross,
		FeesPaid:          totalFee,
		NetPnl:            profit,
		AvgNetPnlPerTrade: avgNet,
	}
}

// MaxDrawdown returns the largest peak-to-trough loss fraction of the
// balance curve, seeding the peak with the initial balance.
func MaxDrawdown(initialBalance float64, balances []BalancePoint) float64 {
	peak := initialBalance
	maxDD := 0.0
	for _, p := range balances {
		if p.Balance > peak {
			peak = p.Balance
		}
		if peak > 0 {
			if dd := (peak - p.Balance) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
