package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dtup/internal/config"
	"dtup/internal/core"
)

const testCSV = `filename,license,platform,authors
ortho_a.tif,CC BY,drone,Someone
ortho_b.tif,CC BY,drone,Someone
stray_record.tif,CC BY,drone,Someone
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig("https://ingest.example.com/api/v1", base)
	cfg.Dedup = config.DedupConfig{Type: "memory"}
	return cfg
}

func testData(t *testing.T) (dataRoot, metadataPath string) {
	t.Helper()
	dataRoot = t.TempDir()
	for _, name := range []string{"ortho_a.tif", "ortho_b.tif", "no_metadata.tif"} {
		if err := os.WriteFile(filepath.Join(dataRoot, name), []byte("tif"), 0644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	metadataPath = filepath.Join(dataRoot, "metadata.csv")
	if err := os.WriteFile(metadataPath, []byte(testCSV), 0644); err != nil {
		t.Fatalf("writing metadata: %v", err)
	}
	return dataRoot, metadataPath
}

func newTestApp(t *testing.T, cfg *config.Config) *UploadApp {
	t.Helper()
	a, err := NewUploadApp(cfg, "Test")
	if err != nil {
		t.Fatalf("NewUploadApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestUploadApp_Prepare(t *testing.T) {
	cfg := testConfig(t)
	dataRoot, metadataPath := testData(t)
	a := newTestApp(t, cfg)

	batch, err := a.Prepare(dataRoot, metadataPath, false)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	if batch.Resumed {
		t.Error("Resumed = true for a first run")
	}
	if len(batch.Session.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2 (only files with metadata)", len(batch.Session.Tasks))
	}
	if len(batch.UnmatchedFiles) != 1 || batch.UnmatchedFiles[0] != "no_metadata.tif" {
		t.Errorf("UnmatchedFiles = %v", batch.UnmatchedFiles)
	}
	if len(batch.UnmatchedRecords) != 1 || batch.UnmatchedRecords[0] != "stray_record.tif" {
		t.Errorf("UnmatchedRecords = %v", batch.UnmatchedRecords)
	}
	if batch.PendingCount != 2 {
		t.Errorf("PendingCount = %d, want 2", batch.PendingCount)
	}

	t.Run("second prepare resumes", func(t *testing.T) {
		again, err := a.Prepare(dataRoot, metadataPath, false)
		if err != nil {
			t.Fatalf("Prepare() error = %v", err)
		}
		if !again.Resumed {
			t.Error("Resumed = false, want resumed session")
		}
		if again.Session.SessionID != batch.Session.SessionID {
			t.Errorf("SessionID = %q, want %q", again.Session.SessionID, batch.Session.SessionID)
		}
	})

	t.Run("fresh discards session", func(t *testing.T) {
		fresh, err := a.Prepare(dataRoot, metadataPath, true)
		if err != nil {
			t.Fatalf("Prepare() error = %v", err)
		}
		if fresh.Resumed {
			t.Error("Resumed = true despite fresh flag")
		}
		if fresh.Session.SessionID == batch.Session.SessionID {
			t.Error("fresh run reused the old session id")
		}
	})
}

func TestUploadApp_Prepare_EndpointMismatchStartsFresh(t *testing.T) {
	cfg := testConfig(t)
	dataRoot, metadataPath := testData(t)

	first := newTestApp(t, cfg)
	batch, err := first.Prepare(dataRoot, metadataPath, false)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	moved := testConfig(t)
	moved.APIEndpoint = "https://other.example.com/api/v1"
	second := newTestApp(t, moved)

	rebatch, err := second.Prepare(dataRoot, metadataPath, false)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if rebatch.Resumed {
		t.Error("Resumed = true across an endpoint change")
	}
	if rebatch.Session.SessionID == batch.Session.SessionID {
		t.Error("session must be replaced when the endpoint changes")
	}
}

func TestUploadApp_Prepare_NoFiles(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	empty := t.TempDir()
	meta := filepath.Join(empty, "m.csv")
	if err := os.WriteFile(meta, []byte(testCSV), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := a.Prepare(empty, meta, false)
	if err == nil || !strings.Contains(err.Error(), "no GeoTIFF or ZIP files") {
		t.Fatalf("Prepare() error = %v", err)
	}
}

func TestUploadApp_Prepare_BadMetadata(t *testing.T) {
	cfg := testConfig(t)
	dataRoot, _ := testData(t)
	a := newTestApp(t, cfg)

	_, err := a.Prepare(dataRoot, filepath.Join(dataRoot, "missing.csv"), false)
	if err == nil || !strings.Contains(err.Error(), "reading metadata") {
		t.Fatalf("Prepare() error = %v", err)
	}
}

func TestUploadApp_StatusAndRetry(t *testing.T) {
	cfg := testConfig(t)
	dataRoot, metadataPath := testData(t)
	a := newTestApp(t, cfg)

	t.Run("status without session", func(t *testing.T) {
		if _, err := a.Status(t.TempDir()); err == nil {
			t.Error("Status() should fail without a session")
		}
	})

	batch, err := a.Prepare(dataRoot, metadataPath, false)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	batch.Session.Task("ortho_a.tif").Status = core.StatusFailed
	if err := a.store.Save(batch.Session); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	sess, err := a.Status(dataRoot)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got := sess.Task("ortho_a.tif").Status; got != core.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}

	count, err := a.Retry(dataRoot, nil)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("Retry() = %d, want 1", count)
	}

	sess, err = a.Status(dataRoot)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got := sess.Task("ortho_a.tif").Status; got != core.StatusPending {
		t.Errorf("status after retry = %s, want pending", got)
	}
}
