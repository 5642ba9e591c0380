package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	appconfig "barflow/config"
	"barflow/logger"
	"barflow/models"
)

// JSONLSink writes each batch as a JSON Lines file under the configured
// directory, one bar per line. File names are derived from the ticker and
// fetch window so re-fetching the same window overwrites the previous file
// instead of duplicating records.
type JSONLSink struct {
	config *appconfig.Config
	log    *logger.Log
}

func NewJSONLSink(cfg *appconfig.Config) *JSONLSink {
	return &JSONLSink{
		config: cfg,
		log:    logger.GetLogger(),
	}
}

func (s *JSONLSink) Name() string {
	return "jsonl"
}

func (s *JSONLSink) Accept(_ context.Context, batch models.BarBatch) error {
	log := s.log.WithComponent("jsonl_sink").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"record_count": batch.RecordCount,
	})

	if batch.RecordCount == 0 {
		log.Debug("batch has no records, skipping")
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, bar := range batch.Bars {
		if err := enc.Encode(bar); err != nil {
			return fmt.Errorf("failed to encode bar: %w", err)
		}
	}

	dir := s.config.Sink.JSONL.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, s.fileName(batch))

	tmp, err := os.CreateTemp(dir, ".bars-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write bars: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close output file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to place output file: %w", err)
	}

	logger.IncrementSinkWrite(s.Name(), buf.Len())
	log.WithFields(logger.Fields{
		"path":      path,
		"file_size": buf.Len(),
	}).Info("batch written")

	return nil
}

// fileName is deterministic per ticker and window.
func (s *JSONLSink) fileName(batch models.BarBatch) string {
	return fmt.Sprintf("%s_%s_%s.jsonl",
		batch.Ticker,
		batch.Window.From.UTC().Format("20060102"),
		batch.Window.To.UTC().Format("20060102"),
	)
}
