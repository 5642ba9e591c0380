package writer

import (
	"context"
	"errors"
	"fmt"

	"barflow/logger"
	"barflow/models"
)

// Sink delivers one batch of normalized bars to a destination. Accept must
// be safe for sequential reuse; the ingestion loop never calls it
// concurrently for the same sink.
type Sink interface {
	Name() string
	Accept(ctx context.Context, batch models.BarBatch) error
}

// Fanout delivers each batch to every configured sink. All sinks are tried
// even when an earlier one fails; the combined error is returned so the
// loop can hold back the watermark.
type Fanout struct {
	sinks []Sink
	log   *logger.Log
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{
		sinks: sinks,
		log:   logger.GetLogger(),
	}
}

func (f *Fanout) Name() string {
	return "fanout"
}

func (f *Fanout) Accept(ctx context.Context, batch models.BarBatch) error {
	var errs []error
	for _, s := range f.sinks {
		if err := f.deliver(ctx, s, batch); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) deliver(ctx context.Context, s Sink, batch models.BarBatch) error {
	log := f.log.WithComponent("writer").WithFields(logger.Fields{
		"sink":         s.Name(),
		"batch_id":     batch.BatchID,
		"record_count": batch.RecordCount,
	})

	if err := s.Accept(ctx, batch); err != nil {
		log.WithError(err).Error("sink rejected batch")
		return err
	}

	log.Debug("batch delivered")
	f.log.WithComponent("writer").LogMetric(s.Name(), "records_written", int64(batch.RecordCount), "counter", logger.Fields{
		"ticker": batch.Ticker,
	})
	return nil
}
