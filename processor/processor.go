package processor

import (
	appconfig "barflow/config"
	"barflow/logger"
	"barflow/models"
)

// Normalizer converts raw upstream bars into the internal Bar shape.
// It is stateless; Process is safe to call with any batch at any time.
type Normalizer struct {
	config *appconfig.Config
	log    *logger.Log
}

func NewNormalizer(cfg *appconfig.Config) *Normalizer {
	return &Normalizer{
		config: cfg,
		log:    logger.GetLogger(),
	}
}

// Process normalizes raw bars in order. Entries without a timestamp are
// dropped with a warning instead of failing the batch; everything else is
// passed through as-is since upstream data is trusted.
func (n *Normalizer) Process(raw []models.RawBar) []models.Bar {
	log := n.log.WithComponent("normalizer")

	ticker := n.config.Source.Polygon.Ticker
	bars := make([]models.Bar, 0, len(raw))
	dropped := 0

	for i, r := range raw {
		if r.Timestamp <= 0 {
			dropped++
			log.WithFields(logger.Fields{
				"index": i,
				"open":  r.Open,
				"close": r.Close,
			}).Warn("dropping record without timestamp")
			continue
		}

		bars = append(bars, models.Bar{
			Ticker:       ticker,
			Open:         r.Open,
			High:         r.High,
			Low:          r.Low,
			Close:        r.Close,
			Volume:       r.Volume.Int64(),
			VWAP:         r.VWAP,
			Transactions: r.Transactions.Int64(),
			TimestampMs:  r.Timestamp,
			TimestampISO: models.ISOFromEpochMs(r.Timestamp),
		})
	}

	logger.IncrementRecordsNormalized(len(bars))
	if dropped > 0 {
		logger.IncrementRecordsDropped(dropped)
		log.WithFields(logger.Fields{
			"dropped":    dropped,
			"normalized": len(bars),
		}).Warn("batch contained malformed records")
	}

	return bars
}
