package steps

import (
	"context"
	"fmt"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
	"github.com/quantpipe-labs/quantpipe-go/internal/marketdata"
	"github.com/quantpipe-labs/quantpipe-go/internal/pipeline"
)

// dataDownload fetches the requested candle range and records it as the
// raw parquet artifact the rest of the pipeline consumes.
func (r *Runner) dataDownload(ctx context.Context, run domain.Run, step domain.Step, payload map[string]any) (map[string]any, error) {
	var p pipeline.DataDownloadParams
	if err := decodeParams(payload, &p); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 5, "fetching candles")
	lastPct := 5
	f, err := r.market.Fetch(ctx, marketdata.Request{
		Symbol:    p.Symbol,
		StartDate: p.StartDate,
		EndDate:   p.EndDate,
		Interval:  p.Interval,
		Proxy:     derefString(p.Proxy),
		Progress: func(fraction float64) {
			pct := 5 + int(fraction*87)
			if pct > 92 {
				pct = 92
			}
			// one DB write per 5% keeps paging from hammering the store
			if pct >= lastPct+5 {
				lastPct = pct
				r.progress(ctx, step.ID, pct, "fetching candles")
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDependency, err)
	}
	if err := r.checkCanceled(ctx, run.ID, step.ID); err != nil {
		return nil, err
	}

	r.progress(ctx, step.ID, 92, "writing artifact")
	data, err := frame.Marshal(f)
	if err != nil {
		return nil, err
	}
	filename := fmt.Sprintf("%s_BINANCE_%s_%s_%s.parquet", p.Symbol, p.StartDate, p.EndDate, p.Interval)
	art, err := r.recorder.Put(ctx, run.ID, step.ID, domain.ArtifactKindRaw, filename, data, domain.Metadata{
		"symbol":     p.Symbol,
		"interval":   p.Interval,
		"start_date": p.StartDate,
		"end_date":   p.EndDate,
		"rows":       f.Len(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"raw_artifact_id": art.ID}, nil
}
