package walkforward

import "errors"

// WindowParams are the requested rolling-split sizes in bars.
type WindowParams struct {
	TrainBars  int `json:"train_bars"`
	TestBars   int `json:"test_bars"`
	StepBars   int `json:"step_bars"`
	MaxWindows int `json:"max_windows"`
}

func (p WindowParams) Validate() error {
	if p.TrainBars <= 0 || p.TestBars <= 0 || p.StepBars <= 0 {
		return errors.New("train_bars, test_bars and step_bars must be > 0")
	}
	if p.MaxWindows <= 0 {
		return errors.New("max_windows must be > 0")
	}
	return nil
}

// Plan is the effective rolling split after feasibility adjustment.
type Plan struct {
	Requested    WindowParams
	Effective    WindowParams
	AutoAdjusted bool
	LeakageBars  int
	Rows         int
}

const (
	minTrainRows    = 200
	minAttemptFloor = 300
)

// skip reasons surfaced in the stats artifact
const (
	ReasonTooFewRows   = "too few rows for walk-forward evaluation; widen the time range or shorten the bar period"
	ReasonInfeasible   = "data too short to form a walk-forward window; widen the time range or shrink train/test sizes"
	ReasonNoWindows    = "no valid windows produced; data may be too short or window sizes unreasonable"
)

// ErrInsufficientData signals a skipped evaluation rather than a failure.
var ErrInsufficientData = errors.New("insufficient data for walk-forward windows")

// PlanWindows checks feasibility of the requested split against n rows and
// shrinks train/test when the data cannot hold one full window. The step
// never exceeds the effective test size so consecutive windows stay
// contiguous. On ErrInsufficientData the returned plan still carries the
// requested and effective numbers for the skip report.
func PlanWindows(n int, params WindowParams, lookForwardBars, leakageBars int) (Plan, string, error) {
	plan := Plan{
		Requested:   params,
		Effective:   params,
		LeakageBars: leakageBars,
		Rows:        n,
	}

	minRows := minAttemptFloor
	if lookForwardBars+50 > minRows {
		minRows = lookForwardBars + 50
	}
	if n < minRows {
		return plan, ReasonTooFewRows, ErrInsufficientData
	}

	if n >= params.TrainBars+params.TestBars+1 {
		return plan, "", nil
	}

	plan.AutoAdjusted = true
	testBars := n * 20 / 100
	if lookForwardBars+20 > testBars {
		testBars = lookForwardBars + 20
	}
	trainBars := n * 60 / 100
	if trainBars < minTrainRows {
		trainBars = minTrainRows
	}
	if trainBars+testBars+1 > n {
		trainBars = n - testBars - 1
	}
	if trainBars < minTrainRows {
		testBars = n * 10 / 100
		if lookForwardBars+20 > testBars {
			testBars = lookForwardBars + 20
		}
		trainBars = n - testBars - 1
	}
	if trainBars < minTrainRows || testBars <= lookForwardBars {
		plan.Effective.TrainBars = trainBars
		plan.Effective.TestBars = testBars
		return plan, ReasonInfeasible, ErrInsufficientData
	}

	stepBars := params.StepBars
	if stepBars > testBars {
		stepBars = testBars
	}
	plan.Effective = WindowParams{
		TrainBars:  trainBars,
		TestBars:   testBars,
		StepBars:   stepBars,
		MaxWindows: params.MaxWindows,
	}
	return plan, "", nil
}
