package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "barflow/config"
	"barflow/fetcher"
	"barflow/logger"
	"barflow/models"
	"barflow/writer"
)

// Fetcher retrieves raw bars for a window.
type Fetcher interface {
	Fetch(ctx context.Context, window models.FetchWindow) ([]models.RawBar, error)
}

// Processor normalizes raw bars.
type Processor interface {
	Process(raw []models.RawBar) []models.Bar
}

// WatermarkStore persists the last processed timestamp between cycles.
type WatermarkStore interface {
	Load() *models.Watermark
	Persist(timestampMs int64) error
}

// Loop drives the ingestion cycle: compute the fetch window from the
// watermark, fetch, normalize, deliver to sinks, then advance the
// watermark. The watermark only moves after the sink accepted the batch,
// so a crash or sink failure re-fetches rather than loses data.
type Loop struct {
	config    *appconfig.Config
	fetcher   Fetcher
	processor Processor
	store     WatermarkStore
	sink      writer.Sink
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log

	// now is replaceable for tests.
	now func() time.Time
}

func NewLoop(cfg *appconfig.Config, f Fetcher, p Processor, store WatermarkStore, sink writer.Sink) *Loop {
	return &Loop{
		config:    cfg,
		fetcher:   f,
		processor: p,
		store:     store,
		sink:      sink,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		now:       time.Now,
	}
}

// Start launches the ingestion loop. The first cycle runs immediately;
// subsequent cycles are spaced by the configured interval.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("ingestion loop already running")
	}
	l.running = true
	l.ctx = ctx
	l.mu.Unlock()

	l.log.WithComponent("ingest").WithFields(logger.Fields{
		"ticker":     l.config.Source.Polygon.Ticker,
		"interval":   l.config.Ingest.Interval.String(),
		"lookback":   l.config.Ingest.Lookback.String(),
		"state_path": l.config.State.Path,
	}).Info("starting ingestion loop")

	l.wg.Add(1)
	go l.run()

	return nil
}

// Stop waits for the current cycle to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()

	l.log.WithComponent("ingest").Info("stopping ingestion loop")
	l.wg.Wait()
	l.log.WithComponent("ingest").Info("ingestion loop stopped")
}

func (l *Loop) run() {
	defer l.wg.Done()

	log := l.log.WithComponent("ingest")

	for {
		l.runCycle()

		select {
		case <-l.ctx.Done():
			log.Info("ingestion loop exiting")
			return
		case <-time.After(l.config.Ingest.Interval):
		}
	}
}

// runCycle performs one fetch-process-persist cycle. Failures are logged
// and absorbed; the next cycle retries from the unchanged watermark.
func (l *Loop) runCycle() {
	start := l.now()
	log := l.log.WithComponent("ingest").WithFields(logger.Fields{
		"ticker": l.config.Source.Polygon.Ticker,
	})

	wm := l.store.Load()
	window := l.computeWindow(wm)

	raw, err := l.fetcher.Fetch(l.ctx, window)
	if err != nil {
		var ferr *fetcher.FetchError
		if errors.As(err, &ferr) {
			switch ferr.Kind {
			case fetcher.KindExhausted:
				log.WithError(ferr).Error("fetch gave up after exhausting retries, watermark unchanged")
			case fetcher.KindClient:
				log.WithError(ferr).Error("fetch rejected by upstream, watermark unchanged")
			default:
				log.WithError(ferr).Warn("fetch interrupted, watermark unchanged")
			}
		} else {
			log.WithError(err).Error("fetch failed, watermark unchanged")
		}
		return
	}

	// The window is inclusive at day granularity, so the first fetch of a
	// day re-reads bars already processed. Drop everything at or below the
	// watermark before normalizing.
	fresh := raw
	if wm != nil {
		fresh = make([]models.RawBar, 0, len(raw))
		for _, r := range raw {
			if r.Timestamp > wm.LastProcessedTimestamp {
				fresh = append(fresh, r)
			}
		}
	}

	if len(fresh) == 0 {
		log.WithFields(logger.Fields{
			"fetched":  len(raw),
			"duration": l.now().Sub(start).String(),
		}).Info("cycle complete, no new bars")
		return
	}

	bars := l.processor.Process(fresh)
	if len(bars) == 0 {
		log.Warn("cycle produced no usable bars, watermark unchanged")
		return
	}

	batch := models.BarBatch{
		BatchID:     uuid.NewString(),
		Ticker:      l.config.Source.Polygon.Ticker,
		Bars:        bars,
		RecordCount: len(bars),
		Window:      window,
		FetchedAt:   l.now().UTC(),
	}

	if err := l.sink.Accept(l.ctx, batch); err != nil {
		log.WithError(err).Error("sink delivery failed, watermark unchanged")
		return
	}

	latest := bars[0].TimestampMs
	for _, b := range bars[1:] {
		if b.TimestampMs > latest {
			latest = b.TimestampMs
		}
	}

	if err := l.store.Persist(latest); err != nil {
		log.WithError(err).Error("failed to persist watermark, next cycle will re-fetch")
		return
	}

	log.WithFields(logger.Fields{
		"batch_id":   batch.BatchID,
		"bars":       len(bars),
		"latest_bar": models.ISOFromEpochMs(latest),
		"from":       window.From.UTC().Format("2006-01-02"),
		"to":         window.To.UTC().Format("2006-01-02"),
		"duration":   l.now().Sub(start).String(),
	}).Info("cycle complete")
}

// computeWindow derives the fetch window from the watermark. Without a
// watermark the window starts at the configured lookback; with one it
// starts just past the last processed bar.
func (l *Loop) computeWindow(wm *models.Watermark) models.FetchWindow {
	to := l.now().UTC()
	if wm == nil {
		return models.FetchWindow{From: to.Add(-l.config.Ingest.Lookback), To: to}
	}
	return models.FetchWindow{
		From: time.UnixMilli(wm.LastProcessedTimestamp + 1).UTC(),
		To:   to,
	}
}
