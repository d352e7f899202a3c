package tqt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"terratex/internal/gpu"
	"terratex/internal/texcache"
)

// tileColor encodes the address of a tile in its color.
func tileColor(level, row, col int) color.RGBA {
	return color.RGBA{R: uint8(level * 40), G: uint8(row * 16), B: uint8(col * 16), A: 255}
}

func solidTile(size int) TileFunc {
	return func(level, row, col int) (image.Image, error) {
		img := image.NewRGBA(image.Rect(0, 0, size, size))
		c := tileColor(level, row, col)
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				img.SetRGBA(x, y, c)
			}
		}
		return img, nil
	}
}

func writeTestTree(t *testing.T, depth, tileSize int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "color.tqt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := Write(f, depth, tileSize, solidTile(tileSize)); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestIndexing(t *testing.T) {
	if got := FullSize(3); got != 21 {
		t.Fatalf("expected 21 tiles for depth 3, got %d", got)
	}
	if got := FullSize(1); got != 1 {
		t.Fatalf("expected 1 tile for depth 1, got %d", got)
	}
	if NodeIndex(0, 0, 0) != 0 {
		t.Fatal("root must be at index 0")
	}
	for i, want := range []int{1, 2, 3, 4} {
		if got := NodeIndex(1, i/2, i%2); got != want {
			t.Fatalf("level 1 tile %d: expected index %d, got %d", i, want, got)
		}
	}
	if NodeIndex(2, 0, 0) != 5 || NodeIndex(2, 3, 3) != 20 {
		t.Fatal("level 2 must span indices 5 to 20")
	}
}

func TestRoundTrip(t *testing.T) {
	tree, err := Open(writeTestTree(t, 3, 16))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tree.Close()

	if tree.Depth() != 3 || tree.TileSize() != 16 {
		t.Fatalf("unexpected header: depth %d, tile size %d", tree.Depth(), tree.TileSize())
	}
	for level := 0; level < 3; level++ {
		n := 1 << level
		for row := 0; row < n; row++ {
			for col := 0; col < n; col++ {
				img, err := tree.LoadImage(level, row, col)
				if err != nil {
					t.Fatalf("load %d/%d/%d: %v", level, row, col, err)
				}
				got := gpu.ToRGBA(img).RGBAAt(7, 7)
				if want := tileColor(level, row, col); got != want {
					t.Fatalf("tile %d/%d/%d: expected %v, got %v", level, row, col, want, got)
				}
			}
		}
	}
}

func TestLoadImageOutOfRange(t *testing.T) {
	tree, err := Open(writeTestTree(t, 2, 8))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tree.Close()

	for _, addr := range [][3]int{{2, 0, 0}, {1, 2, 0}, {1, 0, -1}, {-1, 0, 0}} {
		if _, err := tree.LoadImage(addr[0], addr[1], addr[2]); !errors.Is(err, ErrBadTile) {
			t.Fatalf("address %v: expected ErrBadTile, got %v", addr, err)
		}
	}
}

func TestBadHeader(t *testing.T) {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], 0xdeadbeef)
	binary.LittleEndian.PutUint32(hdr[4:], Version)
	binary.LittleEndian.PutUint32(hdr[8:], 1)
	binary.LittleEndian.PutUint32(hdr[12:], 8)
	if _, err := newTree(bytes.NewReader(hdr[:]), headerSize); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("expected ErrBadHeader for bad magic, got %v", err)
	}

	binary.LittleEndian.PutUint32(hdr[0:], Magic)
	binary.LittleEndian.PutUint32(hdr[4:], 2)
	if _, err := newTree(bytes.NewReader(hdr[:]), headerSize); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("expected ErrBadHeader for bad version, got %v", err)
	}

	binary.LittleEndian.PutUint32(hdr[4:], Version)
	if _, err := newTree(bytes.NewReader(hdr[:]), headerSize); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("expected ErrBadHeader for a truncated offset table, got %v", err)
	}

	if _, err := newTree(bytes.NewReader(hdr[:4]), 4); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("expected ErrBadHeader for a short file, got %v", err)
	}
}

func TestWrongTileSize(t *testing.T) {
	path := writeTestTree(t, 1, 8)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// claim 16x16 tiles while the stored PNG is 8x8
	binary.LittleEndian.PutUint32(data[12:], 16)

	tree, err := newTree(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := tree.LoadImage(0, 0, 0); !errors.Is(err, ErrBadTile) {
		t.Fatalf("expected ErrBadTile, got %v", err)
	}
}

func TestWriteRejectsMismatchedTiles(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "bad.tqt"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := Write(f, 2, 16, solidTile(8)); err == nil {
		t.Fatal("expected an error for tiles of the wrong size")
	}
}

func TestTreeFeedsTextureCache(t *testing.T) {
	tree, err := Open(writeTestTree(t, 2, 8))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tree.Close()

	cache := texcache.New(texcache.DefaultBudget, gpu.NewMemoryAllocator(0), nil)
	tile := cache.Make(texcache.Key{Tree: tree, Level: 1, Row: 1, Col: 0})
	if err := tile.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer tile.Release()

	pixels := tile.Texture().(gpu.PixelReader).Pixels()
	if got, want := pixels.RGBAAt(0, 0), tileColor(1, 1, 0); got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if tile.SizeBytes() != gpu.TextureBytes(8, 8) {
		t.Fatalf("unexpected resident size %d", tile.SizeBytes())
	}

	broken := cache.Make(texcache.Key{Tree: tree, Level: 5})
	var decodeErr *texcache.DecodeError
	if err := broken.Activate(); !errors.As(err, &decodeErr) || !errors.Is(err, ErrBadTile) {
		t.Fatalf("expected a DecodeError wrapping ErrBadTile, got %v", err)
	}
}
