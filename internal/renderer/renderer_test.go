package renderer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"terratex/internal/catalog"
	"terratex/internal/gpu"
	"terratex/internal/texcache"
	"terratex/internal/tqt"
)

const testTileSize = 8

func tileColor(level, row, col int) color.RGBA {
	return color.RGBA{R: uint8(50 + level), G: uint8(row * 10), B: uint8(col * 10), A: 255}
}

func newTestRenderer(t *testing.T, budgetTiles int64, encodedTiles int) (*Renderer, string) {
	t.Helper()
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "terrain.tqt"))
	if err != nil {
		t.Fatal(err)
	}
	err = tqt.Write(f, 3, testTileSize, func(level, row, col int) (image.Image, error) {
		img := image.NewRGBA(image.Rect(0, 0, testTileSize, testTileSize))
		for i := 0; i < len(img.Pix); i += 4 {
			c := tileColor(level, row, col)
			img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
		}
		return img, nil
	})
	f.Close()
	if err != nil {
		t.Fatal(err)
	}

	log := zaptest.NewLogger(t)
	cat := catalog.New(dir, 256, log)
	if err := cat.Scan(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	cache := texcache.New(budgetTiles*gpu.TextureBytes(testTileSize, testTileSize), gpu.NewMemoryAllocator(0), log)
	r, err := New(cat, cache, encodedTiles, log)
	if err != nil {
		t.Fatal(err)
	}
	return r, cat.Entries()[0].ID
}

func decodeColor(t *testing.T, data []byte) color.RGBA {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return gpu.ToRGBA(img).RGBAAt(0, 0)
}

func TestRenderTile(t *testing.T) {
	r, id := newTestRenderer(t, 16, 100)

	res, err := r.RenderTile(id, 2, 3, 1)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got, want := decodeColor(t, res.Data), tileColor(2, 3, 1); got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if res.Size != len(res.Data) || len(res.ETag) != 16 {
		t.Fatalf("unexpected result metadata: size %d, etag %q", res.Size, res.ETag)
	}

	again, err := r.RenderTile(id, 2, 3, 1)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if again.ETag != res.ETag {
		t.Fatal("expected a stable etag")
	}

	stats := r.Stats()
	if stats.Loads != 1 || stats.Hits != 0 || stats.EncodedTiles != 1 {
		t.Fatalf("expected the second request to hit the encoded cache, got %+v", stats)
	}
	if stats.Active != 0 || stats.Inactive != 1 {
		t.Fatalf("expected the tile to be released after rendering, got %+v", stats)
	}
}

func TestRenderTileWithoutEncodedCache(t *testing.T) {
	r, id := newTestRenderer(t, 16, 0)

	for i := 0; i < 2; i++ {
		if _, err := r.RenderTile(id, 1, 0, 1); err != nil {
			t.Fatalf("render: %v", err)
		}
	}
	stats := r.Stats()
	if stats.Loads != 1 || stats.Hits != 1 || stats.EncodedTiles != 0 {
		t.Fatalf("expected the second request to reuse the resident texture, got %+v", stats)
	}
}

func TestRenderTileEvictsOverBudget(t *testing.T) {
	r, id := newTestRenderer(t, 2, 0)

	for col := 0; col < 4; col++ {
		if _, err := r.RenderTile(id, 2, 0, col); err != nil {
			t.Fatalf("render: %v", err)
		}
	}
	stats := r.Stats()
	if stats.Evictions != 2 || stats.UsedBytes != 2*gpu.TextureBytes(testTileSize, testTileSize) {
		t.Fatalf("expected two evictions and two resident tiles, got %+v", stats)
	}
}

func TestRenderTileErrors(t *testing.T) {
	r, id := newTestRenderer(t, 16, 10)

	if _, err := r.RenderTile("missing", 0, 0, 0); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, addr := range [][3]int{{3, 0, 0}, {-1, 0, 0}, {1, 2, 0}, {1, 0, -1}} {
		if _, err := r.RenderTile(id, addr[0], addr[1], addr[2]); !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("address %v: expected ErrOutOfRange, got %v", addr, err)
		}
	}
	if _, err := r.Meta("missing"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWarmupAndTrim(t *testing.T) {
	r, id := newTestRenderer(t, 64, 100)

	if err := r.Warmup(context.Background(), 1); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	stats := r.Stats()
	if stats.Loads != 5 || stats.Inactive != 5 || stats.EncodedTiles != 5 {
		t.Fatalf("expected levels 0 and 1 to be warm, got %+v", stats)
	}

	meta, err := r.Meta(id)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["depth"] != 3 || meta["tileSize"] != testTileSize {
		t.Fatalf("unexpected meta %v", meta)
	}

	r.Trim()
	stats = r.Stats()
	if stats.UsedBytes != 0 || stats.EncodedTiles != 0 || stats.Evictions != 5 {
		t.Fatalf("expected everything dropped, got %+v", stats)
	}

	r.Close()
}

func TestWarmupStopsWhenCancelled(t *testing.T) {
	r, _ := newTestRenderer(t, 64, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Warmup(ctx, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if stats := r.Stats(); stats.Loads != 0 || stats.EncodedTiles != 0 {
		t.Fatalf("expected no tiles rendered, got %+v", stats)
	}
}
