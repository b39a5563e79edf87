package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

// klinesServer serves the Binance klines wire format, paging by the
// startTime query parameter at the requested interval.
func klinesServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		startMs, err := strconv.ParseInt(q.Get("startTime"), 10, 64)
		if err != nil {
			http.Error(w, "bad startTime", http.StatusBadRequest)
			return
		}
		endMs, err := strconv.ParseInt(q.Get("endTime"), 10, 64)
		if err != nil {
			http.Error(w, "bad endTime", http.StatusBadRequest)
			return
		}
		step, ok := intervalDurations[q.Get("interval")]
		if !ok {
			http.Error(w, "bad interval", http.StatusBadRequest)
			return
		}

		var rows [][]any
		for ts := startMs; ts <= endMs && len(rows) < pageLimit; ts += step.Milliseconds() {
			price := 100 + float64(len(rows))
			rows = append(rows, []any{
				ts,
				fmt.Sprintf("%.2f", price),
				fmt.Sprintf("%.2f", price+1),
				fmt.Sprintf("%.2f", price-1),
				fmt.Sprintf("%.2f", price+0.5),
				"1000.00",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	}))
}

func TestHTTPSource_FetchSinglePage(t *testing.T) {
	server := klinesServer(t)
	defer server.Close()

	source := NewHTTPSource(server.URL)
	f, err := source.Fetch(context.Background(), Request{
		Symbol:    "BTCUSDT",
		StartDate: "2024-01-01",
		EndDate:   "2024-01-01",
		Interval:  "1h",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	// the end date is inclusive, so one calendar day at 1h is 24 bars
	if f.Len() != 24 {
		t.Fatalf("rows=%d, want 24", f.Len())
	}
	for _, name := range []string{"open", "high", "low", "close", "volume"} {
		if !f.Has(name) {
			t.Fatalf("column %s missing", name)
		}
	}
	wantStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !f.Time(0).Equal(wantStart) {
		t.Fatalf("first bar=%v, want %v", f.Time(0), wantStart)
	}
	open, ok := f.Column("open")
	if !ok {
		t.Fatalf("open column missing")
	}
	if open[0] != 100 {
		t.Fatalf("open[0]=%v, want 100", open[0])
	}
}

func TestHTTPSource_FetchPagesAndReportsProgress(t *testing.T) {
	server := klinesServer(t)
	defer server.Close()

	var lastFraction float64
	source := NewHTTPSource(server.URL)
	f, err := source.Fetch(context.Background(), Request{
		Symbol:    "BTCUSDT",
		StartDate: "2024-01-01",
		EndDate:   "2024-01-01",
		Interval:  "1m",
		Progress:  func(fraction float64) { lastFraction = fraction },
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	// 1440 one-minute bars span two pages at the 1000-row page limit
	if f.Len() != 1440 {
		t.Fatalf("rows=%d, want 1440", f.Len())
	}
	if lastFraction != 1 {
		t.Fatalf("progress=%v, want 1 after the final page", lastFraction)
	}
}

func TestHTTPSource_FetchValidation(t *testing.T) {
	source := NewHTTPSource("http://localhost:1")

	if _, err := source.Fetch(context.Background(), Request{
		Symbol: "BTCUSDT", StartDate: "2024-01-01", EndDate: "2024-01-02", Interval: "7m",
	}); err == nil {
		t.Fatalf("unsupported interval accepted")
	}
	if _, err := source.Fetch(context.Background(), Request{
		Symbol: "BTCUSDT", StartDate: "not-a-date", EndDate: "2024-01-02", Interval: "1h",
	}); err == nil {
		t.Fatalf("bad start date accepted")
	}
	if _, err := source.Fetch(context.Background(), Request{
		Symbol: "BTCUSDT", StartDate: "2024-01-03", EndDate: "2024-01-01", Interval: "1h",
	}); err == nil {
		t.Fatalf("inverted range accepted")
	}
}

func TestHTTPSource_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL)
	if _, err := source.Fetch(context.Background(), Request{
		Symbol: "NOPE", StartDate: "2024-01-01", EndDate: "2024-01-01", Interval: "1h",
	}); err == nil {
		t.Fatalf("non-200 response accepted")
	}
}
