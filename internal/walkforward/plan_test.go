package walkforward

import (
	"errors"
	"testing"
)

func TestPlanWindows_FitsWithoutAdjustment(t *testing.T) {
	params := WindowParams{TrainBars: 500, TestBars: 100, StepBars: 100, MaxWindows: 5}
	plan, reason, err := PlanWindows(1000, params, 10, 15)
	if err != nil {
		t.Fatalf("PlanWindows: %v", err)
	}
	if reason != "" {
		t.Fatalf("reason=%q, want empty", reason)
	}
	if plan.AutoAdjusted {
		t.Fatalf("plan auto-adjusted although the data fits")
	}
	if plan.Effective != params {
		t.Fatalf("effective=%+v, want requested %+v", plan.Effective, params)
	}
	if plan.LeakageBars != 15 || plan.Rows != 1000 {
		t.Fatalf("plan bookkeeping=%+v", plan)
	}
}

func TestPlanWindows_TooFewRows(t *testing.T) {
	params := WindowParams{TrainBars: 500, TestBars: 100, StepBars: 100, MaxWindows: 5}
	plan, reason, err := PlanWindows(100, params, 10, 15)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err=%v, want ErrInsufficientData", err)
	}
	if reason != ReasonTooFewRows {
		t.Fatalf("reason=%q, want %q", reason, ReasonTooFewRows)
	}
	if plan.Requested != params {
		t.Fatalf("requested params lost from skip plan: %+v", plan)
	}
}

func TestPlanWindows_AutoAdjusts(t *testing.T) {
	params := WindowParams{TrainBars: 5000, TestBars: 1000, StepBars: 1000, MaxWindows: 5}
	plan, reason, err := PlanWindows(1000, params, 10, 15)
	if err != nil {
		t.Fatalf("PlanWindows: %v", err)
	}
	if reason != "" {
		t.Fatalf("reason=%q, want empty", reason)
	}
	if !plan.AutoAdjusted {
		t.Fatalf("plan not auto-adjusted for oversized request")
	}
	eff := plan.Effective
	if eff.TrainBars < minTrainRows {
		t.Fatalf("effective train=%d, want >= %d", eff.TrainBars, minTrainRows)
	}
	if eff.TrainBars+eff.TestBars+1 > 1000 {
		t.Fatalf("effective split %d+%d does not fit 1000 rows", eff.TrainBars, eff.TestBars)
	}
	if eff.StepBars > eff.TestBars {
		t.Fatalf("step=%d exceeds test=%d", eff.StepBars, eff.TestBars)
	}
	if eff.MaxWindows != params.MaxWindows {
		t.Fatalf("max windows=%d, want %d", eff.MaxWindows, params.MaxWindows)
	}
}

func TestPlanWindows_InfeasibleAfterShrink(t *testing.T) {
	// enough rows to pass the attempt floor but a look-forward so large
	// that no test slice can clear it
	params := WindowParams{TrainBars: 5000, TestBars: 1000, StepBars: 500, MaxWindows: 5}
	_, reason, err := PlanWindows(400, params, 320, 330)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err=%v, want ErrInsufficientData", err)
	}
	if reason != ReasonInfeasible {
		t.Fatalf("reason=%q, want %q", reason, ReasonInfeasible)
	}
}

func TestWindowParams_Validate(t *testing.T) {
	if err := (WindowParams{TrainBars: 1, TestBars: 1, StepBars: 1, MaxWindows: 1}).Validate(); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	bad := []WindowParams{
		{TrainBars: 0, TestBars: 1, StepBars: 1, MaxWindows: 1},
		{TrainBars: 1, TestBars: 1, StepBars: 0, MaxWindows: 1},
		{TrainBars: 1, TestBars: 1, StepBars: 1, MaxWindows: 0},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, p)
		}
	}
}
