package catalog

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"terratex/internal/tqt"
)

func writeTQT(t *testing.T, path string, depth, tileSize int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	err = tqt.Write(f, depth, tileSize, func(level, row, col int) (image.Image, error) {
		return image.NewRGBA(image.Rect(0, 0, tileSize, tileSize)), nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestScanMigratesAndDescribes(t *testing.T) {
	dir := t.TempDir()
	writeTQT(t, filepath.Join(dir, "alps.tqt"), 3, 8)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	c := New(dir, 256, zaptest.NewLogger(t))
	if err := c.Scan(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	entries := c.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Kind != KindTQT || e.Depth != 3 || e.TileSize != 8 || e.Width != 32 || e.Height != 32 {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.OriginalFilename != "alps.tqt" || e.CurrentFilename != e.ID+".tqt" {
		t.Fatalf("unexpected file names %+v", e)
	}
	if _, err := os.Stat(filepath.Join(dir, e.ID+".json")); err != nil {
		t.Fatalf("expected a sidecar: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alps.tqt")); !os.IsNotExist(err) {
		t.Fatal("expected the original file to be renamed")
	}

	if err := c.Scan(); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if again := c.Entries(); len(again) != 1 || again[0].ID != e.ID {
		t.Fatalf("expected a stable id across scans, got %+v", again)
	}
}

func TestProviderIdentity(t *testing.T) {
	dir := t.TempDir()
	writeTQT(t, filepath.Join(dir, "valley.tqt"), 2, 8)

	c := New(dir, 256, zaptest.NewLogger(t))
	if err := c.Scan(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	id := c.Entries()[0].ID

	p1, err := c.Provider(id)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if err := c.Scan(); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	p2, err := c.Provider(id)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if p1 != p2 {
		t.Fatal("expected the same provider for the same id")
	}
	if p1.Depth() != 2 || p1.TileSize() != 8 {
		t.Fatalf("unexpected provider shape %d/%d", p1.Depth(), p1.TileSize())
	}
	if _, err := p1.LoadImage(1, 1, 1); err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := c.Provider("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestCleanupOrphanedJSON(t *testing.T) {
	dir := t.TempDir()
	orphan := `{"id":"0b6f3c2e-0000-4000-8000-000000000000","current_filename":"gone.tqt","kind":"tqt"}`
	files := map[string]string{
		"0b6f3c2e-0000-4000-8000-000000000000.json": orphan,
	}
	files["broken.json"] = "{not json"
	files["mismatch.json"] = `{"id":"something-else","current_filename":"x.tqt"}`
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	c := New(dir, 256, zaptest.NewLogger(t))
	if err := c.Scan(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	for name := range files {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("expected %s to be removed", name)
		}
	}
	if len(c.Entries()) != 0 {
		t.Fatalf("expected no entries, got %d", len(c.Entries()))
	}
}

func TestScanMissingDir(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "nope"), 256, zaptest.NewLogger(t))
	if err := c.Scan(); err == nil {
		t.Fatal("expected an error for a missing data directory")
	}
}
