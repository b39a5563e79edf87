package frame

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Marshal encodes the frame as parquet, the interchange format for all
// tabular artifacts. Timestamps are stored as millisecond epoch values in
// the reserved datetime column.
func Marshal(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("frame is nil")
	}
	group := parquet.Group{
		TimeColumn: parquet.Leaf(parquet.Int64Type),
	}
	for _, name := range f.names {
		group[name] = parquet.Leaf(parquet.DoubleType)
	}
	schema := parquet.NewSchema("frame", group)

	rows := make([]map[string]any, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		row := make(map[string]any, len(f.names)+1)
		row[TimeColumn] = f.times[i].UnixMilli()
		for _, name := range f.names {
			row[name] = f.cols[name][i]
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	if err := parquet.Write[map[string]any](&buf, rows, schema); err != nil {
		return nil, fmt.Errorf("write parquet: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a parquet payload into a frame. Only parquet is
// accepted on read; any non-numeric column other than datetime is an error.
func Unmarshal(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty parquet payload")
	}
	rows, err := parquet.Read[map[string]any](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}

	times := make([]time.Time, 0, len(rows))
	names := make([]string, 0)
	seen := make(map[string]bool)
	for _, row := range rows {
		ts, ok := row[TimeColumn]
		if !ok {
			return nil, fmt.Errorf("parquet payload missing %s column", TimeColumn)
		}
		millis, err := toInt64(ts)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", TimeColumn, err)
		}
		times = append(times, time.UnixMilli(millis).UTC())
		for name := range row {
			if name == TimeColumn || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}

	f := New(times)
	for _, name := range names {
		col := make([]float64, len(rows))
		for i, row := range rows {
			value, ok := row[name]
			if !ok {
				col[i] = math.NaN()
				continue
			}
			v, err := toFloat64(value)
			if err != nil {
				return nil, fmt.Errorf("decode column %s: %w", name, err)
			}
			col[i] = v
		}
		if err := f.AddColumn(name, col); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case nil:
		return math.NaN(), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}
