package writer

import (
	"context"

	"barflow/logger"
	"barflow/models"
)

// ConsoleSink logs each normalized bar through the structured logger. It is
// the default sink and the one used during development.
type ConsoleSink struct {
	log *logger.Log
}

func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{log: logger.GetLogger()}
}

func (s *ConsoleSink) Name() string {
	return "console"
}

func (s *ConsoleSink) Accept(_ context.Context, batch models.BarBatch) error {
	log := s.log.WithComponent("console_sink")

	for _, bar := range batch.Bars {
		log.WithFields(logger.Fields{
			"ticker":       bar.Ticker,
			"timestamp":    bar.TimestampISO,
			"open":         bar.Open,
			"high":         bar.High,
			"low":          bar.Low,
			"close":        bar.Close,
			"volume":       bar.Volume,
			"vwap":         bar.VWAP,
			"transactions": bar.Transactions,
		}).Info("bar")
	}

	logger.IncrementSinkWrite(s.Name(), batch.RecordCount)
	return nil
}
