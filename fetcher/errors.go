package fetcher

import (
	"fmt"
	"net/http"
)

// Kind classifies a fetch failure for the ingestion loop.
type Kind int

const (
	// KindTransient covers timeouts, connection errors, HTTP 429 and 5xx.
	// These consume retry budget inside Fetch.
	KindTransient Kind = iota
	// KindClient covers non-retryable request failures: HTTP 4xx other
	// than 429 and malformed response bodies.
	KindClient
	// KindExhausted is returned once the retry budget is spent.
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindClient:
		return "client"
	case KindExhausted:
		return "max_retries_exceeded"
	default:
		return "unknown"
	}
}

// FetchError is the terminal error of one Fetch call. Status is the last
// HTTP status code observed, zero when the failure happened below HTTP.
type FetchError struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch failed (%s, status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch failed (%s): %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// retryableStatus reports whether an HTTP status code is worth retrying.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
