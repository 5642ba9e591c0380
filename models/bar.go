package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RawBar is one aggregate row as returned by the upstream aggregates API.
// Field keys follow the wire format; Volume and Transactions occasionally
// arrive as floats in scientific notation, hence FlexibleInt64.
type RawBar struct {
	Timestamp    int64         `json:"t"` // Unix timestamp in milliseconds
	Open         float64       `json:"o"`
	High         float64       `json:"h"`
	Low          float64       `json:"l"`
	Close        float64       `json:"c"`
	Volume       FlexibleInt64 `json:"v"`
	VWAP         float64       `json:"vw,omitempty"`
	Transactions FlexibleInt64 `json:"n,omitempty"`
}

// AggregatesResponse is the upstream aggregates API response envelope.
type AggregatesResponse struct {
	Ticker       string   `json:"ticker"`
	QueryCount   int      `json:"queryCount"`
	ResultsCount int      `json:"resultsCount"`
	Adjusted     bool     `json:"adjusted"`
	Results      []RawBar `json:"results"`
	Status       string   `json:"status"`
	RequestID    string   `json:"request_id"`
	Count        int      `json:"count"`
	NextURL      string   `json:"next_url,omitempty"`
}

// Bar is the normalized OHLCV record emitted to sinks. TimestampISO is the
// UTC ISO-8601 rendering of TimestampMs at second precision.
type Bar struct {
	Ticker       string  `json:"ticker"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Volume       int64   `json:"volume"`
	VWAP         float64 `json:"vwap"`
	Transactions int64   `json:"transactions"`
	TimestampMs  int64   `json:"timestamp_epoch"`
	TimestampISO string  `json:"timestamp_iso"`
}

// FetchWindow is the date range requested from the upstream API for one
// cycle. Boundary-day overlap between consecutive windows is expected and
// filtered by the ingestion loop against the watermark.
type FetchWindow struct {
	From time.Time
	To   time.Time
}

// BarBatch is one cycle's worth of normalized bars handed to sinks.
type BarBatch struct {
	BatchID     string      `json:"batch_id"`
	Ticker      string      `json:"ticker"`
	Bars        []Bar       `json:"bars"`
	RecordCount int         `json:"record_count"`
	Window      FetchWindow `json:"-"`
	FetchedAt   time.Time   `json:"fetched_at"`
}

// ISOFromEpochMs converts a Unix millisecond timestamp to a UTC ISO-8601
// string with second precision.
func ISOFromEpochMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05Z")
}

// FlexibleInt64 parses int or float (including scientific notation) to int64.
type FlexibleInt64 int64

// UnmarshalJSON parses int, float or numeric string. A JSON null counts
// as zero so one absent field does not reject the whole envelope.
func (f *FlexibleInt64) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = 0
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		val, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return err
		}
		*f = FlexibleInt64(int64(val))
		return nil
	}

	var intVal int64
	if err := json.Unmarshal(data, &intVal); err == nil {
		*f = FlexibleInt64(intVal)
		return nil
	}

	var floatVal float64
	if err := json.Unmarshal(data, &floatVal); err == nil {
		*f = FlexibleInt64(int64(floatVal))
		return nil
	}

	return fmt.Errorf("cannot parse as int64: %s", string(data))
}

// Int64 returns the underlying int64 value.
func (f FlexibleInt64) Int64() int64 {
	return int64(f)
}
