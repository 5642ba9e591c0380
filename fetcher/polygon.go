package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	appconfig "barflow/config"
	"barflow/logger"
	"barflow/models"
)

// Fetcher performs bounded fetches of an aggregates time range with
// rate limiting and exponential backoff. It keeps no state between calls;
// the retry budget resets on every Fetch.
type Fetcher struct {
	config  *appconfig.Config
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

// NewFetcher creates a Fetcher for the configured aggregates endpoint.
func NewFetcher(cfg *appconfig.Config) *Fetcher {
	pc := cfg.Source.Polygon

	transport := &http.Transport{
		MaxIdleConns:        2,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}

	f := &Fetcher{
		config: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   pc.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(pc.RateLimit.RequestsPerSecond), pc.RateLimit.BurstSize),
		log:     logger.GetLogger(),
	}

	f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"ticker":       pc.Ticker,
		"timespan":     pc.Timespan,
		"multiplier":   pc.Multiplier,
		"timeout":      pc.Timeout,
		"max_attempts": pc.Retry.MaxAttempts,
	}).Info("fetcher initialized")

	return f
}

// newPolicy builds the deterministic delay policy for one Fetch call:
// initial, initial*2, initial*4, ... capped at max.
func newPolicy(rc appconfig.RetryConfig) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    rc.InitialBackoff,
		Max:    rc.MaxBackoff,
		Factor: 2,
		Jitter: false,
	}
}

// Fetch retrieves the aggregates for window. Transient failures (HTTP 429,
// 5xx, timeouts, transport errors) are retried up to the configured attempt
// budget; other failures return immediately. The terminal error is always a
// *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, window models.FetchWindow) ([]models.RawBar, error) {
	if window.From.After(window.To) {
		return nil, &FetchError{
			Kind: KindClient,
			Err:  fmt.Errorf("invalid window: from %s is after to %s", window.From, window.To),
		}
	}

	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"ticker": f.config.Source.Polygon.Ticker,
		"from":   window.From.UTC().Format("2006-01-02"),
		"to":     window.To.UTC().Format("2006-01-02"),
	})

	retry := f.config.Source.Polygon.Retry
	policy := newPolicy(retry)

	var lastErr *FetchError
	for attempt := 0; ; attempt++ {
		bars, ferr := f.fetchOnce(ctx, window)
		if ferr == nil {
			if attempt > 0 {
				log.WithFields(logger.Fields{"attempt": attempt + 1}).Info("fetch recovered after retry")
			}
			return bars, nil
		}
		if ferr.Kind != KindTransient {
			return nil, ferr
		}
		lastErr = ferr

		if attempt >= retry.MaxAttempts {
			log.WithError(lastErr).Error("retry budget exhausted, giving up")
			return nil, &FetchError{Kind: KindExhausted, Status: lastErr.Status, Err: lastErr}
		}

		delay := policy.Duration()
		logger.IncrementFetchRetry()
		log.WithError(ferr).WithFields(logger.Fields{
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Warn("transient fetch failure, backing off")

		select {
		case <-ctx.Done():
			return nil, &FetchError{Kind: KindTransient, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
}

// fetchOnce performs a single HTTP request for the window.
func (f *Fetcher) fetchOnce(ctx context.Context, window models.FetchWindow) ([]models.RawBar, *FetchError) {
	pc := f.config.Source.Polygon

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Kind: KindTransient, Err: err}
	}

	reqURL := fmt.Sprintf("%s/%s/range/%d/%s/%s/%s",
		pc.BaseURL,
		pc.Ticker,
		pc.Multiplier,
		pc.Timespan,
		window.From.UTC().Format("2006-01-02"),
		window.To.UTC().Format("2006-01-02"),
	)

	params := url.Values{}
	params.Set("apiKey", pc.APIKey)
	params.Set("adjusted", strconv.FormatBool(pc.Adjusted))
	params.Set("sort", "asc")
	params.Set("limit", strconv.Itoa(pc.Limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &FetchError{Kind: KindClient, Err: fmt.Errorf("failed to build request: %w", err)}
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	logger.LogPerformanceEntry(f.log.WithComponent("fetcher"), "fetcher", "api_request", time.Since(start), logger.Fields{
		"status": resp.StatusCode,
	})

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		kind := KindClient
		if retryableStatus(resp.StatusCode) {
			kind = KindTransient
		}
		return nil, &FetchError{
			Kind:   kind,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Kind: KindTransient, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	var aggResp models.AggregatesResponse
	if err := json.Unmarshal(body, &aggResp); err != nil {
		return nil, &FetchError{Kind: KindClient, Status: resp.StatusCode, Err: fmt.Errorf("malformed response body: %w", err)}
	}

	logger.IncrementFetchRead(len(body))
	f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"results_count": aggResp.ResultsCount,
		"status":        aggResp.Status,
	}).Debug("received aggregates response")

	return aggResp.Results, nil
}
