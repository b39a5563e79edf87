package walkforward

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
)

// LabelColumn is the target column merged from the labels frame.
const LabelColumn = "label"

// excludedColumns never participate in feature selection or training.
var excludedColumns = map[string]bool{
	frame.TimeColumn:   true,
	"open":             true,
	"high":             true,
	"low":              true,
	"close":            true,
	"volume":           true,
	LabelColumn:        true,
	"open_signal":      true,
	"filter_indicator": true,
}

// MergeFeaturesLabels inner-joins the two frames on timestamp and carries
// the label column over. Rows come out sorted by time. Labels may be NaN;
// they are dropped per training window, not globally, so the time axis
// stays dense for rolling splits.
func MergeFeaturesLabels(features, labels *frame.Frame) (*frame.Frame, error) {
	if features == nil || labels == nil {
		return nil, fmt.Errorf("features and labels frames are required")
	}
	labelCol, ok := labels.Column(LabelColumn)
	if !ok {
		return nil, fmt.Errorf("labels frame missing %s column", LabelColumn)
	}

	labelByTime := make(map[int64]float64, labels.Len())
	for i := 0; i < labels.Len(); i++ {
		labelByTime[labels.Time(i).UnixMilli()] = labelCol[i]
	}

	type rowRef struct {
		t   time.Time
		idx int
	}
	rows := make([]rowRef, 0, features.Len())
	for i := 0; i < features.Len(); i++ {
		if _, ok := labelByTime[features.Time(i).UnixMilli()]; ok {
			rows = append(rows, rowRef{t: features.Time(i), idx: i})
		}
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].t.Before(rows[b].t) })

	times := make([]time.Time, len(rows))
	for i, r := range rows {
		times[i] = r.t
	}
	merged := frame.New(times)

	for _, name := range features.Names() {
		src, _ := features.Column(name)
		col := make([]float64, len(rows))
		for i, r := range rows {
			col[i] = src[r.idx]
		}
		if err := merged.AddColumn(name, col); err != nil {
			return nil, err
		}
	}

	labelOut := make([]float64, len(rows))
	for i, r := range rows {
		labelOut[i] = labelByTime[r.t.UnixMilli()]
	}
	if err := merged.AddColumn(LabelColumn, labelOut); err != nil {
		return nil, err
	}
	return merged, nil
}

// SelectTopFeaturesByCorr ranks candidate columns by absolute Pearson
// correlation with the label over rows where the label is present. Fewer
// than 20 labeled rows yields no selection.
func SelectTopFeaturesByCorr(f *frame.Frame, maxFeatures int) []string {
	labels, ok := f.Column(LabelColumn)
	if !ok {
		return nil
	}
	valid := make([]int, 0, len(labels))
	for i, v := range labels {
		if !math.IsNaN(v) {
			valid = append(valid, i)
		}
	}
	if len(valid) < 20 {
		return nil
	}

	type scored struct {
		name string
		corr float64
	}
	var ranked []scored
	for _, name := range f.Names() {
		if excludedColumns[name] {
			continue
		}
		col, _ := f.Column(name)
		corr := pearson(col, labels, valid)
		if math.IsNaN(corr) || math.IsInf(corr, 0) {
			continue
		}
		ranked = append(ranked, scored{name: name, corr: math.Abs(corr)})
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].corr > ranked[b].corr })

	limit := maxFeatures
	if limit < 1 {
		limit = 1
	}
	if limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]string, 0, limit)
	for _, s := range ranked[:limit] {
		out = append(out, s.name)
	}
	return out
}

// CandidateFeatureColumns returns every column eligible as a model input,
// skipping the raw price columns and bookkeeping columns.
func CandidateFeatureColumns(f *frame.Frame) []string {
	var out []string
	for _, name := range f.Names() {
		if excludedColumns[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}

// FallbackFeatures returns the first maxFeatures non-excluded columns that
// carry at least one finite value, used when correlation ranking is empty.
func FallbackFeatures(f *frame.Frame, maxFeatures int) []string {
	limit := maxFeatures
	if limit < 1 {
		limit = 1
	}
	var out []string
	for _, name := range f.Names() {
		if excludedColumns[name] {
			continue
		}
		col, _ := f.Column(name)
		allNaN := true
		for _, v := range col {
			if !math.IsNaN(v) {
				allNaN = false
				break
			}
		}
		if allNaN {
			continue
		}
		out = append(out, name)
		if len(out) == limit {
			break
		}
	}
	return out
}

func pearson(x, labels []float64, valid []int) float64 {
	var n float64
	var sumX, sumY, sumXX, sumYY, sumXY float64
	for _, i := range valid {
		xv := x[i]
		yv := labels[i]
		if math.IsNaN(xv) || math.IsInf(xv, 0) {
			continue
		}
		n++
		sumX += xv
		sumY += yv
		sumXX += xv * xv
		sumYY += yv * yv
		sumXY += xv * yv
	}
	if n < 2 {
		return math.NaN()
	}
	cov := n*sumXY - sumX*sumY
	varX := n*sumXX - sumX*sumX
	varY := n*sumYY - sumY*sumY
	if varX <= 0 || varY <= 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(varX*varY)
}

// SurrogateData is a cleaned training matrix for the rule trainer.
type SurrogateData struct {
	X             [][]float64
	Y             []int
	FeatureNames  []string
	UsedThreshold *float64
}

// PrepareSurrogateData builds the training matrix from the selected
// columns: infinities become NaN, NaN cells take the column median over
// labeled rows, rows with a missing label are dropped and the label is
// binarized at the given threshold (or its median when nil). Labels that
// are already two-valued are cast directly.
func PrepareSurrogateData(f *frame.Frame, selected []string, labelThreshold *float64) (SurrogateData, error) {
	if len(selected) == 0 {
		return SurrogateData{}, fmt.Errorf("no features selected")
	}
	labels, ok := f.Column(LabelColumn)
	if !ok {
		return SurrogateData{}, fmt.Errorf("frame missing %s column", LabelColumn)
	}
	cols := make([][]float64, len(selected))
	for i, name := range selected {
		col, ok := f.Column(name)
		if !ok {
			return SurrogateData{}, fmt.Errorf("selected feature %s not in frame", name)
		}
		cols[i] = col
	}

	valid := make([]int, 0, len(labels))
	for i, v := range labels {
		if !math.IsNaN(v) {
			valid = append(valid, i)
		}
	}
	if len(valid) == 0 {
		return SurrogateData{FeatureNames: selected}, nil
	}

	medians := make([]float64, len(selected))
	for c, col := range cols {
		medians[c] = columnMedian(col, valid)
	}

	x := make([][]float64, len(valid))
	yRaw := make([]float64, len(valid))
	for r, idx := range valid {
		row := make([]float64, len(selected))
		for c, col := range cols {
			v := col[idx]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = medians[c]
			}
			row[c] = v
		}
		x[r] = row
		yRaw[r] = labels[idx]
	}

	y, usedThreshold := binarizeLabels(yRaw, labelThreshold)
	return SurrogateData{X: x, Y: y, FeatureNames: selected, UsedThreshold: usedThreshold}, nil
}

func binarizeLabels(y []float64, threshold *float64) ([]int, *float64) {
	distinct := make(map[float64]bool)
	for _, v := range y {
		distinct[v] = true
		if len(distinct) > 2 {
			break
		}
	}
	out := make([]int, len(y))
	if len(distinct) <= 2 {
		for i, v := range y {
			if v != 0 {
				out[i] = 1
			}
		}
		return out, nil
	}

	used := medianOf(y)
	if threshold != nil {
		used = *threshold
	}
	for i, v := range y {
		if v > used {
			out[i] = 1
		}
	}
	return out, &used
}

func columnMedian(col []float64, valid []int) float64 {
	values := make([]float64, 0, len(valid))
	for _, i := range valid {
		v := col[i]
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0
	}
	return medianOf(values)
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
