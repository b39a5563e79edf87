// Package indicators holds the technical indicators shared by the label
// filter, the feature engine and the backtest entry filter.
package indicators

import "math"

// RSI computes the relative strength index over the close series using a
// simple moving average of gains and losses. The first period values are
// NaN, which the entry filter never matches.
func RSI(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = math.NaN()
	}
	if period < 1 || len(closes) <= period {
		return out
	}

	gains := make([]float64, len(closes))
	losses := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains[i] = delta
		} else {
			losses[i] = -delta
		}
	}

	var gainSum, lossSum float64
	for i := 1; i < len(closes); i++ {
		gainSum += gains[i]
		lossSum += losses[i]
		if i > period {
			gainSum -= gains[i-period]
			lossSum -= losses[i-period]
		}
		if i < period {
			continue
		}
		avgGain := gainSum / float64(period)
		avgLoss := lossSum / float64(period)
		if avgLoss == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain / avgLoss
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// ctiWindow is the lookback for the correlation trend indicator.
const ctiWindow = 20

// CTI is Ehlers' correlation trend indicator: the Pearson correlation of
// close against a linear ramp over a fixed window. Values lie in [-1, 1];
// strongly negative means a falling trend.
func CTI(closes []float64) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = math.NaN()
	}
	n := ctiWindow
	if len(closes) < n {
		return out
	}

	// ramp statistics are constant per window
	var sumX, sumXX float64
	for j := 0; j < n; j++ {
		x := float64(j)
		sumX += x
		sumXX += x * x
	}

	for i := n - 1; i < len(closes); i++ {
		var sumY, sumYY, sumXY float64
		valid := true
		for j := 0; j < n; j++ {
			y := closes[i-n+1+j]
			if math.IsNaN(y) {
				valid = false
				break
			}
			sumY += y
			sumYY += y * y
			sumXY += float64(j) * y
		}
		if !valid {
			continue
		}
		fn := float64(n)
		cov := fn*sumXY - sumX*sumY
		varX := fn*sumXX - sumX*sumX
		varY := fn*sumYY - sumY*sumY
		if varX <= 0 || varY <= 0 {
			continue
		}
		out[i] = cov / math.Sqrt(varX*varY)
	}
	return out
}
