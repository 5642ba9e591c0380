package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAbsentFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "watermark.json"))
	if wm := s.Load(); wm != nil {
		t.Fatalf("expected nil watermark for absent file, got %+v", wm)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watermark.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path)
	if wm := s.Load(); wm != nil {
		t.Fatalf("expected nil watermark for corrupt file, got %+v", wm)
	}
}

func TestLoadZeroTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watermark.json")
	if err := os.WriteFile(path, []byte(`{"last_processed_timestamp": 0}`), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path)
	if wm := s.Load(); wm != nil {
		t.Fatalf("expected nil watermark for zero timestamp, got %+v", wm)
	}
}

func TestPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watermark.json")
	s := NewStore(path)

	if err := s.Persist(1729434600000); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	wm := s.Load()
	if wm == nil {
		t.Fatal("expected watermark after persist")
	}
	if wm.LastProcessedTimestamp != 1729434600000 {
		t.Errorf("unexpected timestamp: %d", wm.LastProcessedTimestamp)
	}
	if wm.LastProcessedISO != "2024-10-20T14:30:00Z" {
		t.Errorf("unexpected ISO: %s", wm.LastProcessedISO)
	}
	if wm.UpdatedAt.IsZero() {
		t.Error("updated_at not set")
	}
}

func TestPersistCreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state", "watermark.json")
	s := NewStore(path)

	if err := s.Persist(1729434600000); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("watermark file not created: %v", err)
	}
}

func TestPersistLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "watermark.json"))

	for ts := int64(1000); ts <= 5000; ts += 1000 {
		if err := s.Persist(ts); err != nil {
			t.Fatalf("Persist failed: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("expected only watermark.json in dir, got %d entries", len(entries))
	}
}

func TestPersistRejectsNonPositive(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "watermark.json"))
	if err := s.Persist(0); err == nil {
		t.Error("expected error for zero timestamp")
	}
	if err := s.Persist(-5); err == nil {
		t.Error("expected error for negative timestamp")
	}
}

func TestPersistOverwrites(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "watermark.json"))
	if err := s.Persist(1000); err != nil {
		t.Fatal(err)
	}
	if err := s.Persist(2000); err != nil {
		t.Fatal(err)
	}
	wm := s.Load()
	if wm == nil || wm.LastProcessedTimestamp != 2000 {
		t.Fatalf("expected latest watermark, got %+v", wm)
	}
}
