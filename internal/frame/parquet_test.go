package frame

import (
	"math"
	"testing"
	"time"
)

func TestMarshalUnmarshal_Roundtrip(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(30 * time.Minute), base.Add(time.Hour)}
	f := New(times)
	if err := f.AddColumn("close", []float64{100, 101.5, 99.25}); err != nil {
		t.Fatalf("AddColumn: %v", err)
	}
	if err := f.AddColumn("feature_x", []float64{math.NaN(), 0.5, -0.5}); err != nil {
		t.Fatalf("AddColumn: %v", err)
	}

	data, err := Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.Len() != f.Len() {
		t.Fatalf("rows=%d, want %d", decoded.Len(), f.Len())
	}
	for i := range times {
		if !decoded.Time(i).Equal(times[i]) {
			t.Fatalf("time[%d]=%v, want %v", i, decoded.Time(i), times[i])
		}
	}
	closes, ok := decoded.Column("close")
	if !ok {
		t.Fatalf("decoded frame missing close column")
	}
	for i, want := range []float64{100, 101.5, 99.25} {
		if closes[i] != want {
			t.Fatalf("close[%d]=%v, want %v", i, closes[i], want)
		}
	}
	fx, ok := decoded.Column("feature_x")
	if !ok {
		t.Fatalf("decoded frame missing feature_x column")
	}
	if !math.IsNaN(fx[0]) {
		t.Fatalf("feature_x[0]=%v, want NaN", fx[0])
	}
	if fx[1] != 0.5 || fx[2] != -0.5 {
		t.Fatalf("feature_x=%v, want [NaN 0.5 -0.5]", fx)
	}
}

func TestUnmarshal_RejectsEmptyPayload(t *testing.T) {
	if _, err := Unmarshal(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestFrame_AddColumnValidation(t *testing.T) {
	f := New([]time.Time{time.Now(), time.Now()})
	if err := f.AddColumn(TimeColumn, []float64{1, 2}); err == nil {
		t.Fatalf("expected error for reserved column name")
	}
	if err := f.AddColumn("x", []float64{1}); err == nil {
		t.Fatalf("expected error for length mismatch")
	}
}

func TestFrame_SliceSharesData(t *testing.T) {
	times := []time.Time{time.Unix(0, 0), time.Unix(60, 0), time.Unix(120, 0), time.Unix(180, 0)}
	f := New(times)
	if err := f.AddColumn("x", []float64{1, 2, 3, 4}); err != nil {
		t.Fatalf("AddColumn: %v", err)
	}

	sub, err := f.Slice(1, 3)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if sub.Len() != 2 {
		t.Fatalf("sub rows=%d, want 2", sub.Len())
	}
	if v, _ := sub.Value("x", 0); v != 2 {
		t.Fatalf("sub x[0]=%v, want 2", v)
	}
	if _, err := f.Slice(2, 1); err == nil {
		t.Fatalf("expected error for inverted range")
	}
	if _, err := f.Slice(0, 5); err == nil {
		t.Fatalf("expected error for out-of-range end")
	}
}
