package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"barflow/logger"
	"barflow/models"
)

// Store persists the last processed timestamp to a JSON file so the loop
// can resume where it left off across restarts.
type Store struct {
	path string
	log  *logger.Log
}

func NewStore(path string) *Store {
	return &Store{
		path: path,
		log:  logger.GetLogger(),
	}
}

// Load reads the watermark from disk. A missing or unreadable file is not
// an error: the loop falls back to the configured lookback. Returns nil
// when no usable watermark exists.
func (s *Store) Load() *models.Watermark {
	log := s.log.WithComponent("state").WithFields(logger.Fields{"path": s.path})

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("watermark file unreadable, starting fresh")
		}
		return nil
	}

	var wm models.Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		log.WithError(err).Warn("watermark file corrupt, starting fresh")
		return nil
	}
	if wm.LastProcessedTimestamp <= 0 {
		log.Warn("watermark file has no usable timestamp, starting fresh")
		return nil
	}

	log.WithFields(logger.Fields{
		"last_processed": wm.LastProcessedISO,
	}).Info("loaded watermark")
	return &wm
}

// Persist atomically writes the watermark for timestampMs. The file is
// written to a temp file in the same directory and renamed into place so
// a crash mid-write never leaves a truncated watermark behind.
func (s *Store) Persist(timestampMs int64) error {
	if timestampMs <= 0 {
		return fmt.Errorf("refusing to persist non-positive timestamp %d", timestampMs)
	}

	wm := models.Watermark{
		LastProcessedTimestamp: timestampMs,
		LastProcessedISO:       models.ISOFromEpochMs(timestampMs),
		UpdatedAt:              time.Now().UTC(),
	}

	data, err := json.MarshalIndent(wm, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal watermark: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create watermark directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".watermark-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp watermark file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close watermark file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace watermark file: %w", err)
	}

	logger.IncrementWatermarkPersist()
	s.log.WithComponent("state").WithFields(logger.Fields{
		"last_processed": wm.LastProcessedISO,
	}).Debug("persisted watermark")

	return nil
}
