// Package labels assigns training targets to raw candles. A row only
// receives a label when the entry filter fires there; everything else is
// NaN so the trainer never learns from bars the strategy could not act on.
package labels

import (
	"errors"
	"fmt"
	"math"

	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
	"github.com/quantpipe-labs/quantpipe-go/internal/indicators"
)

// LabelColumn is the target column name in persisted label artifacts.
const LabelColumn = "label"

// Params controls label construction. Window smooths the future return
// with a centered mean, LookForward sets the horizon in bars. Threshold,
// when set, binarizes the smoothed return.
type Params struct {
	Window      int
	LookForward int
	LabelType   string // up or down
	FilterType  string // rsi or cti
	Threshold   *float64
}

func (p Params) Validate() error {
	if p.Window < 3 {
		return errors.New("window must be >= 3")
	}
	if p.LookForward < 1 {
		return errors.New("look_forward must be >= 1")
	}
	switch p.LabelType {
	case "up", "down":
	default:
		return fmt.Errorf("label_type must be up or down, got %q", p.LabelType)
	}
	switch p.FilterType {
	case "rsi", "cti":
	default:
		return fmt.Errorf("filter_type must be rsi or cti, got %q", p.FilterType)
	}
	return nil
}

// Stats summarizes the produced labels for artifact metadata.
type Stats struct {
	TotalSamples  int     `json:"total_samples"`
	NonNaNLabels  int     `json:"non_nan_labels"`
	LabelMean     float64 `json:"label_mean"`
	LabelStd      float64 `json:"label_std"`
	PositiveRatio float64 `json:"positive_ratio"`
}

// Compute returns a frame with a single label column aligned to the raw
// timestamps, plus summary stats. Labels are the centered-mean smoothed
// future return over LookForward bars, signed so that a profitable move
// in the labeled direction is positive; rows where the filter does not
// fire stay NaN.
func Compute(raw *frame.Frame, p Params) (*frame.Frame, Stats, error) {
	if err := p.Validate(); err != nil {
		return nil, Stats{}, err
	}
	if raw == nil || raw.Len() == 0 {
		return nil, Stats{}, errors.New("raw frame is empty")
	}
	closes, ok := raw.Column("close")
	if !ok {
		return nil, Stats{}, errors.New("raw frame missing close column")
	}
	n := raw.Len()

	var filter []float64
	if p.FilterType == "rsi" {
		filter = indicators.RSI(closes, 14)
	} else {
		filter = indicators.CTI(closes)
	}

	// forward return over the horizon, smoothed by a centered window mean;
	// the half window on the right is additional lookahead the walk-forward
	// planner accounts for when trimming training tails
	smoothed := centeredMean(closes, p.Window)
	labels := make([]float64, n)
	for i := range labels {
		labels[i] = math.NaN()
	}

	for i := 0; i < n-p.LookForward; i++ {
		if !filterFires(p, filter[i]) {
			continue
		}
		base := smoothed[i]
		future := smoothed[i+p.LookForward]
		if math.IsNaN(base) || math.IsNaN(future) || base == 0 {
			continue
		}
		ret := future/base - 1
		if p.LabelType == "down" {
			ret = -ret
		}
		if p.Threshold != nil {
			if ret > *p.Threshold {
				labels[i] = 1
			} else {
				labels[i] = 0
			}
		} else {
			labels[i] = ret
		}
	}

	out := frame.New(raw.Times())
	if err := out.AddColumn(LabelColumn, labels); err != nil {
		return nil, Stats{}, err
	}
	return out, buildStats(labels), nil
}

// filterFires mirrors the backtest entry filter: oversold for up labels,
// overbought for down labels.
func filterFires(p Params, indicator float64) bool {
	if math.IsNaN(indicator) {
		return false
	}
	if p.FilterType == "rsi" {
		if p.LabelType == "up" {
			return indicator < 30
		}
		return indicator > 70
	}
	if p.LabelType == "up" {
		return indicator < -0.5
	}
	return indicator > 0.5
}

func centeredMean(values []float64, window int) []float64 {
	half := window / 2
	out := make([]float64, len(values))
	for i := range values {
		lo := i - half
		hi := i + half
		if lo < 0 || hi >= len(values) {
			out[i] = math.NaN()
			continue
		}
		var sum float64
		for j := lo; j <= hi; j++ {
			sum += values[j]
		}
		out[i] = sum / float64(hi-lo+1)
	}
	return out
}

func buildStats(labels []float64) Stats {
	s := Stats{TotalSamples: len(labels)}
	var sum, sq float64
	positive := 0
	for _, v := range labels {
		if math.IsNaN(v) {
			continue
		}
		s.NonNaNLabels++
		sum += v
		sq += v * v
		if v > 0 {
			positive++
		}
	}
	if s.NonNaNLabels > 0 {
		n := float64(s.NonNaNLabels)
		s.LabelMean = sum / n
		variance := sq/n - s.LabelMean*s.LabelMean
		if variance > 0 {
			s.LabelStd = math.Sqrt(variance)
		}
		s.PositiveRatio = float64(positive) / n
	}
	return s
}
