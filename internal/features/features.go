// Package features derives model inputs from raw OHLCV history. The
// output frame keeps the raw price columns (later stages need close for
// execution) and adds feature_* columns per requested alpha family.
package features

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
	"github.com/quantpipe-labs/quantpipe-go/internal/indicators"
)

// FeaturePrefix marks derived columns so downstream stages can find them
// without a schema.
const FeaturePrefix = "feature_"

// Compute builds the feature frame for the requested alpha families.
// Unknown families are an error. The returned names list the feature
// columns in insertion order.
func Compute(raw *frame.Frame, alphaTypes []string) (*frame.Frame, []string, error) {
	if raw == nil || raw.Len() == 0 {
		return nil, nil, fmt.Errorf("raw frame is empty")
	}
	for _, col := range []string{"open", "high", "low", "close", "volume"} {
		if !raw.Has(col) {
			return nil, nil, fmt.Errorf("raw frame missing %s column", col)
		}
	}
	if len(alphaTypes) == 0 {
		return nil, nil, fmt.Errorf("no alpha types requested")
	}

	out := frame.New(raw.Times())
	for _, col := range []string{"open", "high", "low", "close", "volume"} {
		values, _ := raw.Column(col)
		if err := out.AddColumn(col, values); err != nil {
			return nil, nil, err
		}
	}

	seen := make(map[string]bool)
	families := make([]string, 0, len(alphaTypes))
	for _, t := range alphaTypes {
		name := strings.ToLower(strings.TrimSpace(t))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		families = append(families, name)
	}
	sort.Strings(families)

	var featureCols []string
	add := func(name string, values []float64) error {
		full := FeaturePrefix + name
		if out.Has(full) {
			return nil
		}
		if err := out.AddColumn(full, values); err != nil {
			return err
		}
		featureCols = append(featureCols, full)
		return nil
	}

	closes, _ := raw.Column("close")
	highs, _ := raw.Column("high")
	lows, _ := raw.Column("low")
	vols, _ := raw.Column("volume")

	for _, family := range families {
		switch family {
		case "alpha158":
			if err := addAlpha158(add, closes, highs, lows, vols); err != nil {
				return nil, nil, err
			}
		case "alpha_ch":
			if err := addAlphaCH(add, closes, vols); err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, fmt.Errorf("unknown alpha type: %s", family)
		}
	}
	return out, featureCols, nil
}

// addAlpha158 is a compact rendition of the classic price/volume factor
// set: returns, moving-average ratios, rolling volatility, channel
// position and momentum over several horizons.
func addAlpha158(add func(string, []float64) error, closes, highs, lows, vols []float64) error {
	for _, h := range []int{1, 5, 10, 20, 60} {
		if err := add(fmt.Sprintf("ret_%d", h), pctChange(closes, h)); err != nil {
			return err
		}
	}
	for _, w := range []int{5, 10, 20, 60} {
		if err := add(fmt.Sprintf("ma_ratio_%d", w), maRatio(closes, w)); err != nil {
			return err
		}
		if err := add(fmt.Sprintf("std_%d", w), rollingStdRatio(closes, w)); err != nil {
			return err
		}
		if err := add(fmt.Sprintf("max_ratio_%d", w), extremumRatio(closes, highs, w, true)); err != nil {
			return err
		}
		if err := add(fmt.Sprintf("min_ratio_%d", w), extremumRatio(closes, lows, w, false)); err != nil {
			return err
		}
		if err := add(fmt.Sprintf("vol_ratio_%d", w), maRatio(vols, w)); err != nil {
			return err
		}
	}
	if err := add("rsi_14", indicators.RSI(closes, 14)); err != nil {
		return err
	}
	return add("cti", indicators.CTI(closes))
}

// addAlphaCH adds the channel/trend flavor factors: slope of the price
// ramp and volume-weighted momentum.
func addAlphaCH(add func(string, []float64) error, closes, vols []float64) error {
	if err := add("ch_cti", indicators.CTI(closes)); err != nil {
		return err
	}
	for _, w := range []int{10, 30} {
		if err := add(fmt.Sprintf("ch_slope_%d", w), slope(closes, w)); err != nil {
			return err
		}
	}
	return add("ch_vwm_20", volumeWeightedMomentum(closes, vols, 20))
}

func pctChange(values []float64, lag int) []float64 {
	out := nanSlice(len(values))
	for i := lag; i < len(values); i++ {
		prev := values[i-lag]
		if prev != 0 && !math.IsNaN(prev) {
			out[i] = values[i]/prev - 1
		}
	}
	return out
}

func maRatio(values []float64, window int) []float64 {
	out := nanSlice(len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			mean := sum / float64(window)
			if mean != 0 {
				out[i] = v / mean
			}
		}
	}
	return out
}

func rollingStdRatio(values []float64, window int) []float64 {
	out := nanSlice(len(values))
	var sum, sq float64
	for i, v := range values {
		sum += v
		sq += v * v
		if i >= window {
			sum -= values[i-window]
			sq -= values[i-window] * values[i-window]
		}
		if i >= window-1 && v != 0 {
			n := float64(window)
			variance := sq/n - (sum/n)*(sum/n)
			if variance > 0 {
				out[i] = math.Sqrt(variance) / v
			} else {
				out[i] = 0
			}
		}
	}
	return out
}

func extremumRatio(closes, reference []float64, window int, useMax bool) []float64 {
	out := nanSlice(len(closes))
	for i := window - 1; i < len(closes); i++ {
		ext := reference[i-window+1]
		for j := i - window + 2; j <= i; j++ {
			if useMax && reference[j] > ext {
				ext = reference[j]
			}
			if !useMax && reference[j] < ext {
				ext = reference[j]
			}
		}
		if ext != 0 {
			out[i] = closes[i] / ext
		}
	}
	return out
}

// slope is the least-squares slope of the window, normalized by the last
// close so symbols at different price scales compare.
func slope(values []float64, window int) []float64 {
	out := nanSlice(len(values))
	var sumX, sumXX float64
	for j := 0; j < window; j++ {
		sumX += float64(j)
		sumXX += float64(j) * float64(j)
	}
	fn := float64(window)
	denom := fn*sumXX - sumX*sumX
	for i := window - 1; i < len(values); i++ {
		var sumY, sumXY float64
		for j := 0; j < window; j++ {
			y := values[i-window+1+j]
			sumY += y
			sumXY += float64(j) * y
		}
		if values[i] != 0 {
			out[i] = (fn*sumXY - sumX*sumY) / denom / values[i]
		}
	}
	return out
}

func volumeWeightedMomentum(closes, vols []float64, window int) []float64 {
	out := nanSlice(len(closes))
	rets := pctChange(closes, 1)
	for i := window; i < len(closes); i++ {
		var num, den float64
		for j := i - window + 1; j <= i; j++ {
			if math.IsNaN(rets[j]) {
				continue
			}
			num += rets[j] * vols[j]
			den += vols[j]
		}
		if den > 0 {
			out[i] = num / den
		}
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
