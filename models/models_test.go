package models

import (
	"encoding/json"
	"testing"
)

func TestAggregatesResponseJSON(t *testing.T) {
	payload := `{
		"ticker": "SPY",
		"queryCount": 2,
		"resultsCount": 2,
		"adjusted": true,
		"results": [
			{"v": 135647456, "vw": 74.6099, "o": 74.06, "c": 75.0875, "h": 75.15, "l": 73.7975, "t": 1729434600000, "n": 1},
			{"v": 1.2345e8, "vw": 74.2, "o": 74.1, "c": 74.3, "h": 74.4, "l": 74.0, "t": 1729434660000, "n": 5000}
		],
		"status": "OK",
		"request_id": "abc123",
		"count": 2
	}`
	var resp AggregatesResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Ticker != "SPY" || resp.ResultsCount != 2 || len(resp.Results) != 2 {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if resp.Results[0].Timestamp != 1729434600000 {
		t.Errorf("unexpected timestamp: %d", resp.Results[0].Timestamp)
	}
	if resp.Results[1].Volume.Int64() != 123450000 {
		t.Errorf("scientific-notation volume not parsed: %d", resp.Results[1].Volume.Int64())
	}
}

func TestFlexibleInt64String(t *testing.T) {
	var f FlexibleInt64
	if err := json.Unmarshal([]byte(`"42"`), &f); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if f.Int64() != 42 {
		t.Errorf("unexpected value: %d", f)
	}
	if err := json.Unmarshal([]byte(`"not-a-number"`), &f); err == nil {
		t.Errorf("expected error for non-numeric string")
	}
}

func TestFlexibleInt64Null(t *testing.T) {
	var r RawBar
	payload := `{"t": 1729434600000, "o": 74.06, "c": 75.0875, "v": null, "n": null}`
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		t.Fatalf("null volume should not fail the record: %v", err)
	}
	if r.Volume.Int64() != 0 || r.Transactions.Int64() != 0 {
		t.Errorf("null fields should decode to zero: v=%d n=%d", r.Volume.Int64(), r.Transactions.Int64())
	}
	if r.Timestamp != 1729434600000 {
		t.Errorf("unexpected timestamp: %d", r.Timestamp)
	}
}

func TestISOFromEpochMs(t *testing.T) {
	got := ISOFromEpochMs(1729434600000)
	want := "2024-10-20T14:30:00Z"
	if got != want {
		t.Errorf("ISOFromEpochMs = %q, want %q", got, want)
	}
	if ISOFromEpochMs(0) != "1970-01-01T00:00:00Z" {
		t.Errorf("epoch zero: %q", ISOFromEpochMs(0))
	}
}

func TestBarJSONFieldNames(t *testing.T) {
	bar := Bar{
		Ticker:       "SPY",
		Open:         74.06,
		High:         75.15,
		Low:          73.7975,
		Close:        75.0875,
		Volume:       135647456,
		VWAP:         74.6099,
		Transactions: 1,
		TimestampMs:  1729434600000,
		TimestampISO: "2024-10-20T14:30:00Z",
	}
	data, err := json.Marshal(bar)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"ticker", "open", "high", "low", "close", "volume", "vwap", "transactions", "timestamp_epoch", "timestamp_iso"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing field %q in %s", key, data)
		}
	}
}
