// Package marketdata fetches candlestick history for the download step.
// The HTTP client speaks the Binance klines wire format; any exchange
// mirror exposing the same endpoint works by pointing BaseURL at it.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quantpipe-labs/quantpipe-go/internal/frame"
)

// Request identifies one download. Dates are inclusive calendar days in
// UTC; Progress, when set, receives the fraction of the requested range
// fetched so far in [0, 1].
type Request struct {
	Symbol    string
	StartDate string
	EndDate   string
	Interval  string
	Proxy     string
	Progress  func(fraction float64)
}

// Source fetches OHLCV history as a frame with open, high, low, close
// and volume columns.
type Source interface {
	Fetch(ctx context.Context, req Request) (*frame.Frame, error)
}

const (
	defaultBaseURL = "https://api.binance.com"
	klinesPath     = "/api/v3/klines"
	pageLimit      = 1000
)

// intervalDurations maps supported kline intervals to their length.
var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// HTTPSource pages through the klines endpoint.
type HTTPSource struct {
	BaseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string) *HTTPSource {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &HTTPSource{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context, req Request) (*frame.Frame, error) {
	interval, ok := intervalDurations[req.Interval]
	if !ok {
		return nil, fmt.Errorf("unsupported interval: %s", req.Interval)
	}
	start, err := parseDay(req.StartDate)
	if err != nil {
		return nil, fmt.Errorf("start_date: %w", err)
	}
	end, err := parseDay(req.EndDate)
	if err != nil {
		return nil, fmt.Errorf("end_date: %w", err)
	}
	end = end.Add(24 * time.Hour) // end date is inclusive
	if !end.After(start) {
		return nil, errors.New("end_date must not precede start_date")
	}

	client := s.client
	if req.Proxy != "" {
		proxyURL, err := url.Parse(req.Proxy)
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		client = &http.Client{
			Timeout:   client.Timeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	var (
		times                            []time.Time
		opens, highs, lows, closes, vols []float64
	)
	totalSpan := end.Sub(start)
	cursor := start

	for cursor.Before(end) {
		rows, err := s.page(ctx, client, req.Symbol, req.Interval, cursor, end)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			times = append(times, row.openTime)
			opens = append(opens, row.open)
			highs = append(highs, row.high)
			lows = append(lows, row.low)
			closes = append(closes, row.close)
			vols = append(vols, row.volume)
		}
		last := rows[len(rows)-1].openTime
		cursor = last.Add(interval)
		if req.Progress != nil {
			fraction := float64(cursor.Sub(start)) / float64(totalSpan)
			if fraction > 1 {
				fraction = 1
			}
			req.Progress(fraction)
		}
		if len(rows) < pageLimit {
			break
		}
	}

	if len(times) == 0 {
		return nil, errors.New("no data returned for requested range")
	}

	f := frame.New(times)
	for _, col := range []struct {
		name   string
		values []float64
	}{
		{"open", opens}, {"high", highs}, {"low", lows}, {"close", closes}, {"volume", vols},
	} {
		if err := f.AddColumn(col.name, col.values); err != nil {
			return nil, err
		}
	}
	return f, nil
}

type kline struct {
	openTime time.Time
	open     float64
	high     float64
	low      float64
	close    float64
	volume   float64
}

func (s *HTTPSource) page(ctx context.Context, client *http.Client, symbol, interval string, from, to time.Time) ([]kline, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(to.UnixMilli()-1, 10))
	q.Set("limit", strconv.Itoa(pageLimit))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+klinesPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read klines response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines endpoint returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	out := make([]kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row has %d fields, expected >= 6", len(row))
		}
		var openMillis int64
		if err := json.Unmarshal(row[0], &openMillis); err != nil {
			return nil, fmt.Errorf("decode kline open time: %w", err)
		}
		k := kline{openTime: time.UnixMilli(openMillis).UTC()}
		for i, dst := range []*float64{&k.open, &k.high, &k.low, &k.close, &k.volume} {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				return nil, fmt.Errorf("decode kline field %d: %w", i+1, err)
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("parse kline field %d: %w", i+1, err)
			}
			*dst = v
		}
		out = append(out, k)
	}
	return out, nil
}

func parseDay(value string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date: %s", value)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
