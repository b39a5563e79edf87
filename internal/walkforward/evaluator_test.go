package walkforward

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/quantpipe-labs/quantpipe-go/internal/backtest"
	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
	"github.com/quantpipe-labs/quantpipe-go/internal/rules"
)

// recordingTrainer returns a single unconditional long rule and records
// the training matrix size of every call.
type recordingTrainer struct {
	fitRows []int
}

func (tr *recordingTrainer) Fit(ctx context.Context, features [][]float64, labels []int, featureNames []string, cfg rules.TrainerConfig) (rules.FitResult, error) {
	tr.fitRows = append(tr.fitRows, len(features))
	return rules.FitResult{
		Rules:         []rules.DecisionRule{{PredictedClass: 1, Confidence: 1}},
		TrainAccuracy: 1,
	}, nil
}

// evalFrame builds a merged feature+label frame with a strictly falling
// close, one finite feature column and a dense binary label.
func evalFrame(t *testing.T, n int) *frame.Frame {
	t.Helper()
	times := make([]time.Time, n)
	closes := make([]float64, n)
	feature := make([]float64, n)
	label := make([]float64, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		times[i] = start.Add(time.Duration(i) * 30 * time.Minute)
		closes[i] = 100000 - float64(i)
		feature[i] = float64(i % 50)
		label[i] = float64(i % 2)
	}
	return buildFrame(t, times, map[string][]float64{
		"close":         closes,
		"feature_trend": feature,
		LabelColumn:     label,
	})
}

func evalConfig() Config {
	return Config{
		Windows: WindowParams{
			TrainBars:  1000,
			TestBars:   1500,
			StepBars:   1500,
			MaxWindows: 4,
		},
		LabelWindow:      10,
		LabelLookForward: 5,
		Analysis: AnalysisParams{
			SelectedFeatures: []string{"feature_trend"},
			MaxFeatures:      5,
			MaxDepth:         3,
			MinSamplesSplit:  10,
			MinSamplesLeaf:   5,
			MinRuleSamples:   10,
		},
		Backtest: backtest.Config{
			LookForwardBars:  5,
			WinProfit:        10,
			LossCost:         1,
			InitialBalance:   10000,
			BacktestType:     "long",
			FilterType:       "cti",
			PnlMode:          "fixed",
			PositionFraction: 1,
		},
		MinRuleConfidence: 0.5,
	}
}

func TestEvaluator_RunWalksWindows(t *testing.T) {
	trainer := &recordingTrainer{}
	evaluator, err := NewEvaluator(trainer, slog.Default())
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	cfg := evalConfig()
	merged := evalFrame(t, 7000)

	var progresses []int
	checkpoint := func(ctx context.Context, progress int, message string) error {
		progresses = append(progresses, progress)
		return nil
	}

	report, err := evaluator.Run(context.Background(), merged, cfg, checkpoint)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Skipped() {
		t.Fatalf("report skipped: %s", report.Reason)
	}
	if len(report.Windows) != 4 {
		t.Fatalf("windows=%d, want 4", len(report.Windows))
	}

	// the train tail whose labels could reference test prices is trimmed
	// before fitting
	wantTrainRows := cfg.Windows.TrainBars - cfg.LeakageBars()
	if len(trainer.fitRows) != 4 {
		t.Fatalf("fit calls=%d, want 4", len(trainer.fitRows))
	}
	for i, rows := range trainer.fitRows {
		if rows != wantTrainRows {
			t.Fatalf("fit %d saw %d rows, want %d", i+1, rows, wantTrainRows)
		}
	}
	for _, w := range report.Windows {
		if w.TrainRows != wantTrainRows {
			t.Fatalf("window %d train_rows=%d, want %d", w.WindowIndex, w.TrainRows, wantTrainRows)
		}
		if w.TestRows != cfg.Windows.TestBars {
			t.Fatalf("window %d test_rows=%d, want %d", w.WindowIndex, w.TestRows, cfg.Windows.TestBars)
		}
	}

	// every window loses on a falling close, so balances compound downward
	// from one window's final into the next window's initial
	prev := cfg.Backtest.InitialBalance
	for _, w := range report.Windows {
		if w.BacktestStats.InitialBalance != prev {
			t.Fatalf("window %d initial=%v, want prior final %v", w.WindowIndex, w.BacktestStats.InitialBalance, prev)
		}
		if w.BacktestStats.FinalBalance >= prev {
			t.Fatalf("window %d final=%v did not lose from %v", w.WindowIndex, w.BacktestStats.FinalBalance, prev)
		}
		prev = w.BacktestStats.FinalBalance
	}
	if report.Overall.FinalBalance != prev {
		t.Fatalf("overall final=%v, want %v", report.Overall.FinalBalance, prev)
	}
	if report.Overall.ProfitableWindows != 0 {
		t.Fatalf("profitable windows=%d, want 0", report.Overall.ProfitableWindows)
	}

	// four windows of 1500 test bars stitch to 6000 points; only the most
	// recent 5000 survive in the report
	if len(report.EquityPoints) != maxEquityPoints {
		t.Fatalf("equity points=%d, want %d", len(report.EquityPoints), maxEquityPoints)
	}

	// the drawdown peak is the very first stitched balance, which the
	// retained tail no longer contains; the overall figure must still
	// measure from it
	wantDD := (cfg.Backtest.InitialBalance - report.Overall.FinalBalance) / cfg.Backtest.InitialBalance
	if math.Abs(report.Overall.MaxDrawdown-wantDD) > 1e-9 {
		t.Fatalf("max_drawdown=%v, want %v over the full curve", report.Overall.MaxDrawdown, wantDD)
	}
	tail := report.EquityPoints
	tailDD := backtest.MaxDrawdown(tail[0].Balance, tail)
	if report.Overall.MaxDrawdown <= tailDD {
		t.Fatalf("max_drawdown=%v not above the retained-tail figure %v", report.Overall.MaxDrawdown, tailDD)
	}

	if len(progresses) != 4 || progresses[len(progresses)-1] != 80 {
		t.Fatalf("progresses=%v, want 4 checkpoints ending at 80", progresses)
	}
}

func TestEvaluator_RunSkipsShortData(t *testing.T) {
	trainer := &recordingTrainer{}
	evaluator, err := NewEvaluator(trainer, slog.Default())
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	report, err := evaluator.Run(context.Background(), evalFrame(t, 100), evalConfig(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Skipped() {
		t.Fatalf("status=%s, want skipped on short data", report.Status)
	}
	if report.Reason != ReasonTooFewRows {
		t.Fatalf("reason=%q, want %q", report.Reason, ReasonTooFewRows)
	}
	if len(trainer.fitRows) != 0 {
		t.Fatalf("fit calls=%d, want none", len(trainer.fitRows))
	}
}

func TestStitchEquity(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(30 * time.Minute)
	t2 := t0.Add(time.Hour)

	acc := []backtest.BalancePoint{{Time: t0, Balance: 100}, {Time: t1, Balance: 101}}

	// a window opening on the previous window's final timestamp drops its
	// duplicate first point
	joined := stitchEquity(acc, []backtest.BalancePoint{{Time: t1, Balance: 101}, {Time: t2, Balance: 102}})
	if len(joined) != 3 {
		t.Fatalf("points=%d, want 3 after boundary de-duplication", len(joined))
	}
	if !joined[2].Time.Equal(t2) {
		t.Fatalf("last point at %v, want %v", joined[2].Time, t2)
	}

	// distinct boundary timestamps are all kept
	joined = stitchEquity(acc, []backtest.BalancePoint{{Time: t2, Balance: 102}})
	if len(joined) != 3 {
		t.Fatalf("points=%d, want 3 with no overlap", len(joined))
	}
}
