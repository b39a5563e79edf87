// Package model implements the gradient-boosted regressor used by the
// training step: an additive ensemble of depth-one regression stumps fit
// to residuals. Each stump touches exactly one feature, which makes
// importance and per-feature attribution exact rather than approximated.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

const learningRate = 0.1

// Config bounds one training round.
type Config struct {
	NumBoostRound int `json:"num_boost_round"`
	NumThreads    int `json:"num_threads"`
}

func (c Config) Validate() error {
	if c.NumBoostRound < 1 {
		return errors.New("num_boost_round must be >= 1")
	}
	if c.NumThreads < 1 {
		return errors.New("num_threads must be >= 1")
	}
	return nil
}

// Stump is one boosting round: rows with feature <= threshold get the
// left value, the rest the right value, both already scaled by the
// learning rate. Gain is the squared-error reduction of the split.
type Stump struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      float64 `json:"left"`
	Right     float64 `json:"right"`
	Gain      float64 `json:"gain"`
}

// Model is a serialized-friendly boosted-stump ensemble.
type Model struct {
	FeatureNames []string `json:"feature_names"`
	BaseScore    float64  `json:"base_score"`
	Stumps       []Stump  `json:"stumps"`
	Config       Config   `json:"config"`
}

// Train fits the ensemble on row-major features against a continuous
// target. NaN cells are treated as missing and sent to the left branch.
func Train(ctx context.Context, features [][]float64, target []float64, featureNames []string, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(features) == 0 || len(features) != len(target) {
		return nil, fmt.Errorf("features/target mismatch: %d vs %d", len(features), len(target))
	}
	width := len(featureNames)
	for i, row := range features {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(row), width)
		}
	}

	base := 0.0
	for _, v := range target {
		base += v
	}
	base /= float64(len(target))

	residuals := make([]float64, len(target))
	for i, v := range target {
		residuals[i] = v - base
	}

	m := &Model{
		FeatureNames: append([]string(nil), featureNames...),
		BaseScore:    base,
		Config:       cfg,
	}

	for round := 0; round < cfg.NumBoostRound; round++ {
		if round%32 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		stump, ok := fitStump(features, residuals)
		if !ok {
			break
		}
		stump.Left *= learningRate
		stump.Right *= learningRate
		m.Stumps = append(m.Stumps, stump)

		for i, row := range features {
			residuals[i] -= stump.apply(row[stump.Feature])
		}
	}
	return m, nil
}

func (s Stump) apply(v float64) float64 {
	if math.IsNaN(v) || v <= s.Threshold {
		return s.Left
	}
	return s.Right
}

// Predict scores one feature row.
func (m *Model) Predict(row []float64) float64 {
	out := m.BaseScore
	for _, s := range m.Stumps {
		out += s.apply(row[s.Feature])
	}
	return out
}

// Importance sums split gain per feature, descending.
type Importance struct {
	Feature string  `json:"feature"`
	Gain    float64 `json:"gain"`
}

func (m *Model) Importance() []Importance {
	gain := make(map[int]float64)
	for _, s := range m.Stumps {
		gain[s.Feature] += s.Gain
	}
	out := make([]Importance, 0, len(gain))
	for idx, g := range gain {
		out = append(out, Importance{Feature: m.FeatureNames[idx], Gain: g})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Gain > out[b].Gain })
	return out
}

// Contributions returns the per-feature additive contribution for one
// row. Because every stump reads a single feature the decomposition is
// exact: base score plus the sum of contributions equals the prediction.
func (m *Model) Contributions(row []float64) map[string]float64 {
	out := make(map[string]float64)
	for _, s := range m.Stumps {
		out[m.FeatureNames[s.Feature]] += s.apply(row[s.Feature])
	}
	return out
}

// Marshal encodes the model as indented JSON for the model artifact.
func (m *Model) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func Unmarshal(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if len(m.FeatureNames) == 0 {
		return nil, errors.New("model has no feature names")
	}
	for _, s := range m.Stumps {
		if s.Feature < 0 || s.Feature >= len(m.FeatureNames) {
			return nil, fmt.Errorf("stump references feature %d outside %d names", s.Feature, len(m.FeatureNames))
		}
	}
	return &m, nil
}

// fitStump finds the single split minimizing squared error against the
// residuals. Rows whose candidate feature is NaN stay on the left.
func fitStump(features [][]float64, residuals []float64) (Stump, bool) {
	n := len(residuals)
	if n < 2 {
		return Stump{}, false
	}
	width := len(features[0])

	var total float64
	for _, r := range residuals {
		total += r
	}

	best := Stump{}
	bestGain := 0.0
	found := false

	type pair struct {
		v float64
		r float64
	}
	pairs := make([]pair, 0, n)

	for feature := 0; feature < width; feature++ {
		pairs = pairs[:0]
		nanSum := 0.0
		nanCount := 0
		for i, row := range features {
			v := row[feature]
			if math.IsNaN(v) {
				nanSum += residuals[i]
				nanCount++
				continue
			}
			pairs = append(pairs, pair{v: v, r: residuals[i]})
		}
		if len(pairs) < 2 {
			continue
		}
		sort.Slice(pairs, func(a, b int) bool { return pairs[a].v < pairs[b].v })

		leftSum := nanSum
		leftCount := nanCount
		for i := 0; i < len(pairs)-1; i++ {
			leftSum += pairs[i].r
			leftCount++
			if pairs[i].v == pairs[i+1].v {
				continue
			}
			rightCount := n - leftCount
			if leftCount == 0 || rightCount == 0 {
				continue
			}
			rightSum := total - leftSum

			// SSE reduction of a mean split simplifies to the sum of
			// squared group means weighted by counts.
			gain := leftSum*leftSum/float64(leftCount) +
				rightSum*rightSum/float64(rightCount) -
				total*total/float64(n)
			if gain > bestGain {
				bestGain = gain
				best = Stump{
					Feature:   feature,
					Threshold: (pairs[i].v + pairs[i+1].v) / 2,
					Left:      leftSum / float64(leftCount),
					Right:     rightSum / float64(rightCount),
					Gain:      gain,
				}
				found = true
			}
		}
	}
	if !found || bestGain <= 1e-12 {
		return Stump{}, false
	}
	return best, true
}
