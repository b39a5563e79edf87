package model

import (
	"context"
	"math"
	"testing"
)

// separable target: feature "x" fully determines the label, "noise" is
// constant and can never host a split.
func separableData() ([][]float64, []float64, []string) {
	features := [][]float64{
		{0, 5}, {0.1, 5}, {0.2, 5}, {0.3, 5},
		{0.8, 5}, {0.9, 5}, {1.0, 5}, {1.1, 5},
	}
	target := []float64{0, 0, 0, 0, 1, 1, 1, 1}
	return features, target, []string{"x", "noise"}
}

func TestTrain_SeparableConverges(t *testing.T) {
	features, target, names := separableData()
	m, err := Train(context.Background(), features, target, names, Config{NumBoostRound: 200, NumThreads: 1})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(m.Stumps) == 0 {
		t.Fatalf("no stumps fit")
	}
	if m.BaseScore != 0.5 {
		t.Fatalf("base score=%v, want 0.5", m.BaseScore)
	}
	for i, row := range features {
		got := m.Predict(row)
		if math.Abs(got-target[i]) > 0.01 {
			t.Fatalf("Predict(row %d)=%v, want near %v", i, got, target[i])
		}
	}
}

func TestModel_ImportanceOnlyUsedFeatures(t *testing.T) {
	features, target, names := separableData()
	m, err := Train(context.Background(), features, target, names, Config{NumBoostRound: 50, NumThreads: 1})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	imp := m.Importance()
	if len(imp) != 1 || imp[0].Feature != "x" {
		t.Fatalf("importance=%v, want only x", imp)
	}
	if imp[0].Gain <= 0 {
		t.Fatalf("gain=%v, want positive", imp[0].Gain)
	}
}

func TestModel_ContributionsAreExact(t *testing.T) {
	features, target, names := separableData()
	m, err := Train(context.Background(), features, target, names, Config{NumBoostRound: 50, NumThreads: 1})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	for _, row := range features {
		contrib := m.Contributions(row)
		sum := m.BaseScore
		for _, v := range contrib {
			sum += v
		}
		if math.Abs(sum-m.Predict(row)) > 1e-12 {
			t.Fatalf("base+contributions=%v, Predict=%v", sum, m.Predict(row))
		}
	}
}

func TestStump_NaNGoesLeft(t *testing.T) {
	s := Stump{Feature: 0, Threshold: 0.5, Left: -1, Right: 1}
	if got := s.apply(math.NaN()); got != -1 {
		t.Fatalf("apply(NaN)=%v, want left value", got)
	}
	if got := s.apply(0.6); got != 1 {
		t.Fatalf("apply(0.6)=%v, want right value", got)
	}
}

func TestTrain_ConstantTargetStops(t *testing.T) {
	features := [][]float64{{0}, {1}, {2}, {3}}
	target := []float64{2, 2, 2, 2}
	m, err := Train(context.Background(), features, target, []string{"x"}, Config{NumBoostRound: 20, NumThreads: 1})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(m.Stumps) != 0 {
		t.Fatalf("stumps=%d, want 0 on a constant target", len(m.Stumps))
	}
	if got := m.Predict([]float64{1}); got != 2 {
		t.Fatalf("Predict=%v, want base score 2", got)
	}
}

func TestTrain_Validation(t *testing.T) {
	features, target, names := separableData()
	if _, err := Train(context.Background(), features, target, names, Config{NumBoostRound: 0, NumThreads: 1}); err == nil {
		t.Fatalf("num_boost_round=0 accepted")
	}
	if _, err := Train(context.Background(), features, target[:4], names, Config{NumBoostRound: 10, NumThreads: 1}); err == nil {
		t.Fatalf("length mismatch accepted")
	}
	if _, err := Train(context.Background(), [][]float64{{1}}, []float64{1}, names, Config{NumBoostRound: 10, NumThreads: 1}); err == nil {
		t.Fatalf("short rows accepted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Train(ctx, features, target, names, Config{NumBoostRound: 10, NumThreads: 1}); err == nil {
		t.Fatalf("canceled context accepted")
	}
}

func TestModel_MarshalRoundTrip(t *testing.T) {
	features, target, names := separableData()
	m, err := Train(context.Background(), features, target, names, Config{NumBoostRound: 10, NumThreads: 1})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.BaseScore != m.BaseScore || len(decoded.Stumps) != len(m.Stumps) {
		t.Fatalf("decoded=%+v, want same shape as trained model", decoded)
	}
	if decoded.Predict([]float64{0, 5}) != m.Predict([]float64{0, 5}) {
		t.Fatalf("decoded model predicts differently")
	}
}

func TestUnmarshal_RejectsBadModels(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"feature_names":[]}`)); err == nil {
		t.Fatalf("model without feature names accepted")
	}
	if _, err := Unmarshal([]byte(`{"feature_names":["x"],"stumps":[{"feature":3}]}`)); err == nil {
		t.Fatalf("stump outside feature names accepted")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Fatalf("invalid json accepted")
	}
}
