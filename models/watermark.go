package models

import "time"

// Watermark marks the last successfully processed data point. It is the
// resumption point for the next fetch window and the only durable state
// the service keeps.
type Watermark struct {
	LastProcessedTimestamp int64     `json:"last_processed_timestamp"`
	LastProcessedISO       string    `json:"last_processed_iso"`
	UpdatedAt              time.Time `json:"updated_at"`
}
