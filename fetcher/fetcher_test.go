package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	appconfig "barflow/config"
	"barflow/models"
)

func testConfig(baseURL string) *appconfig.Config {
	return &appconfig.Config{
		Source: appconfig.SourceConfig{
			Polygon: appconfig.PolygonConfig{
				BaseURL:    baseURL,
				Ticker:     "SPY",
				Multiplier: 1,
				Timespan:   "minute",
				Adjusted:   true,
				Limit:      50000,
				Timeout:    time.Second,
				APIKey:     "test-key",
				RateLimit: appconfig.RateLimitConfig{
					RequestsPerSecond: 1000,
					BurstSize:         100,
				},
				Retry: appconfig.RetryConfig{
					MaxAttempts:    2,
					InitialBackoff: time.Millisecond,
					MaxBackoff:     10 * time.Millisecond,
				},
			},
		},
	}
}

func testWindow() models.FetchWindow {
	return models.FetchWindow{
		From: time.Date(2024, 10, 19, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 10, 20, 0, 0, 0, 0, time.UTC),
	}
}

const responseBody = `{
	"ticker": "SPY",
	"queryCount": 2,
	"resultsCount": 2,
	"adjusted": true,
	"results": [
		{"v": 1000, "vw": 74.6, "o": 74.0, "c": 74.5, "h": 74.7, "l": 73.9, "t": 1729434600000, "n": 10},
		{"v": 2000, "vw": 74.8, "o": 74.5, "c": 75.0, "h": 75.1, "l": 74.4, "t": 1729434660000, "n": 20}
	],
	"status": "OK"
}`

func TestBackoffSequenceDeterministic(t *testing.T) {
	policy := newPolicy(appconfig.RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
	})
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := policy.Duration(); got != w {
			t.Errorf("delay[%d] = %s, want %s", i, got, w)
		}
	}
}

func TestBackoffSequenceCapped(t *testing.T) {
	policy := newPolicy(appconfig.RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     60 * time.Second,
	})
	want := []time.Duration{30 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := policy.Duration(); got != w {
			t.Errorf("delay[%d] = %s, want %s", i, got, w)
		}
	}
}

func TestFetchSuccess(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Query().Get("apiKey") != "test-key" {
			t.Errorf("missing apiKey query param")
		}
		if r.URL.Query().Get("sort") != "asc" {
			t.Errorf("missing sort=asc query param")
		}
		w.Write([]byte(responseBody))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL))
	bars, err := f.Fetch(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if bars[0].Timestamp != 1729434600000 {
		t.Errorf("unexpected first timestamp: %d", bars[0].Timestamp)
	}
	if requests.Load() != 1 {
		t.Errorf("expected 1 request, got %d", requests.Load())
	}
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(responseBody))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL))
	bars, err := f.Fetch(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if requests.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", requests.Load())
	}
}

func TestFetchExhaustsRetryBudget(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL))
	_, err := f.Fetch(context.Background(), testWindow())
	if err == nil {
		t.Fatalf("expected error")
	}
	var ferr *FetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *FetchError, got %T", err)
	}
	if ferr.Kind != KindExhausted {
		t.Errorf("expected exhausted kind, got %s", ferr.Kind)
	}
	// max_attempts=2 means one initial try plus two retries.
	if requests.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", requests.Load())
	}
}

func TestFetchClientErrorFailsFast(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL))
	_, err := f.Fetch(context.Background(), testWindow())
	var ferr *FetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if ferr.Kind != KindClient || ferr.Status != http.StatusNotFound {
		t.Errorf("unexpected error: %+v", ferr)
	}
	if requests.Load() != 1 {
		t.Errorf("expected no retries for 4xx, got %d requests", requests.Load())
	}
}

func TestFetchMalformedBodyFailsFast(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("this is not json"))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL))
	_, err := f.Fetch(context.Background(), testWindow())
	var ferr *FetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if ferr.Kind != KindClient {
		t.Errorf("expected client kind for malformed body, got %s", ferr.Kind)
	}
	if requests.Load() != 1 {
		t.Errorf("expected 1 request, got %d", requests.Load())
	}
}

func TestFetchInvalidWindow(t *testing.T) {
	f := NewFetcher(testConfig("http://unused"))
	window := models.FetchWindow{
		From: time.Date(2024, 10, 21, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 10, 20, 0, 0, 0, 0, time.UTC),
	}
	_, err := f.Fetch(context.Background(), window)
	var ferr *FetchError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if ferr.Kind != KindClient {
		t.Errorf("expected client kind, got %s", ferr.Kind)
	}
}

func TestFetchCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Source.Polygon.Retry.InitialBackoff = 5 * time.Second
	cfg.Source.Polygon.Retry.MaxBackoff = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	f := NewFetcher(cfg)
	start := time.Now()
	_, err := f.Fetch(ctx, testWindow())
	if err == nil {
		t.Fatalf("expected error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation did not interrupt backoff, took %s", elapsed)
	}
}
