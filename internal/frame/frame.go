// Package frame holds the in-memory representation of tabular time-series
// artifacts: one timestamp per row plus named float64 columns. Frames are
// treated as immutable inputs by the computation engines; slicing shares
// the backing arrays without copying.
package frame

import (
	"errors"
	"fmt"
	"time"
)

// TimeColumn is the reserved name of the timestamp column in persisted
// tabular artifacts.
const TimeColumn = "datetime"

type Frame struct {
	times []time.Time
	names []string
	cols  map[string][]float64
}

func New(times []time.Time) *Frame {
	return &Frame{
		times: times,
		cols:  make(map[string][]float64),
	}
}

func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.times)
}

func (f *Frame) Time(i int) time.Time {
	return f.times[i]
}

func (f *Frame) Times() []time.Time {
	return f.times
}

// Names returns column names in insertion order.
func (f *Frame) Names() []string {
	return f.names
}

func (f *Frame) Has(name string) bool {
	if f == nil {
		return false
	}
	_, ok := f.cols[name]
	return ok
}

func (f *Frame) Column(name string) ([]float64, bool) {
	if f == nil {
		return nil, false
	}
	col, ok := f.cols[name]
	return col, ok
}

// Value returns the cell at column name, row i.
func (f *Frame) Value(name string, i int) (float64, bool) {
	col, ok := f.cols[name]
	if !ok || i < 0 || i >= len(col) {
		return 0, false
	}
	return col[i], true
}

func (f *Frame) AddColumn(name string, values []float64) error {
	if f == nil {
		return errors.New("frame is nil")
	}
	if name == "" || name == TimeColumn {
		return fmt.Errorf("invalid column name: %q", name)
	}
	if len(values) != len(f.times) {
		return fmt.Errorf("column %s has %d values, frame has %d rows", name, len(values), len(f.times))
	}
	if _, exists := f.cols[name]; !exists {
		f.names = append(f.names, name)
	}
	f.cols[name] = values
	return nil
}

// Slice returns the half-open row range [start, end) as a new frame that
// shares the backing arrays.
func (f *Frame) Slice(start, end int) (*Frame, error) {
	if f == nil {
		return nil, errors.New("frame is nil")
	}
	if start < 0 || end > len(f.times) || start > end {
		return nil, fmt.Errorf("slice [%d, %d) out of range for %d rows", start, end, len(f.times))
	}
	out := &Frame{
		times: f.times[start:end],
		names: append([]string(nil), f.names...),
		cols:  make(map[string][]float64, len(f.cols)),
	}
	for name, col := range f.cols {
		out.cols[name] = col[start:end]
	}
	return out, nil
}
