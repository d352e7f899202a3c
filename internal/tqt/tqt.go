// Package tqt reads and writes texture quad-tree files.
//
// A .tqt file stores a complete quad-tree of square PNG tiles. All integers
// are little endian:
//
//	u32 magic (0x00545154), u32 version (1), u32 depth, u32 tile size
//	u64 offset of every tile, in node index order
//	PNG data of every tile
//
// Level 0 holds a single tile; level L holds 2^L x 2^L tiles addressed by
// row and column.
package tqt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
)

const (
	Magic   uint32 = 0x00545154
	Version uint32 = 1

	headerSize = 16

	// 4^16/3 tiles is far beyond anything that fits on disk
	maxDepth = 16
)

var (
	ErrBadHeader = errors.New("invalid tqt header")
	ErrBadTile   = errors.New("invalid tqt tile")
)

// FullSize returns the number of tiles in a complete quad-tree of the
// given depth.
func FullSize(depth int) int {
	return (1 << (2 * depth)) / 3
}

// NodeIndex returns the position of a tile in the offset table.
func NodeIndex(level, row, col int) int {
	return FullSize(level) + (row << level) + col
}

// Tree is an open .tqt file. Tiles are decoded on demand.
type Tree struct {
	path     string
	r        io.ReaderAt
	closer   io.Closer
	depth    int
	tileSize int
	offsets  []uint64
	size     int64
}

// Open reads the header and offset table of the file at path.
func Open(path string) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open texture file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat texture file: %w", err)
	}

	t, err := newTree(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.path = path
	t.closer = f
	return t, nil
}

func newTree(r io.ReaderAt, size int64) (*Tree, error) {
	var hdr [headerSize]byte
	if err := readAt(r, hdr[:], 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	magic := binary.LittleEndian.Uint32(hdr[0:])
	version := binary.LittleEndian.Uint32(hdr[4:])
	depth := binary.LittleEndian.Uint32(hdr[8:])
	tileSize := binary.LittleEndian.Uint32(hdr[12:])

	switch {
	case magic != Magic:
		return nil, fmt.Errorf("%w: bad magic %#08x", ErrBadHeader, magic)
	case version != Version:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadHeader, version)
	case depth == 0 || depth > maxDepth:
		return nil, fmt.Errorf("%w: depth %d", ErrBadHeader, depth)
	case tileSize == 0:
		return nil, fmt.Errorf("%w: zero tile size", ErrBadHeader)
	}

	n := FullSize(int(depth))
	if headerSize+8*int64(n) > size {
		return nil, fmt.Errorf("%w: offset table of %d tiles exceeds file size", ErrBadHeader, n)
	}
	table := make([]byte, 8*n)
	if err := readAt(r, table, headerSize); err != nil {
		return nil, fmt.Errorf("%w: offset table: %v", ErrBadHeader, err)
	}
	offsets := make([]uint64, n)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(table[8*i:])
	}

	return &Tree{
		r:        r,
		depth:    int(depth),
		tileSize: int(tileSize),
		offsets:  offsets,
		size:     size,
	}, nil
}

func (t *Tree) Depth() int    { return t.depth }
func (t *Tree) TileSize() int { return t.tileSize }
func (t *Tree) Path() string  { return t.path }

// Contains reports whether the address is inside the tree.
func (t *Tree) Contains(level, row, col int) bool {
	if level < 0 || level >= t.depth {
		return false
	}
	n := 1 << level
	return row >= 0 && row < n && col >= 0 && col < n
}

// LoadImage decodes the tile at the given address.
func (t *Tree) LoadImage(level, row, col int) (image.Image, error) {
	if !t.Contains(level, row, col) {
		return nil, fmt.Errorf("%w: %d/%d/%d outside a tree of depth %d", ErrBadTile, level, row, col, t.depth)
	}
	start := int64(t.offsets[NodeIndex(level, row, col)])
	if start < headerSize || start >= t.size {
		return nil, fmt.Errorf("%w: %d/%d/%d has bad offset %d", ErrBadTile, level, row, col, start)
	}

	img, err := png.Decode(io.NewSectionReader(t.r, start, t.size-start))
	if err != nil {
		return nil, fmt.Errorf("%w: %d/%d/%d: %v", ErrBadTile, level, row, col, err)
	}
	b := img.Bounds()
	if b.Dx() != t.tileSize || b.Dy() != t.tileSize {
		return nil, fmt.Errorf("%w: %d/%d/%d is %dx%d, expected %d", ErrBadTile, level, row, col, b.Dx(), b.Dy(), t.tileSize)
	}
	return img, nil
}

func (t *Tree) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// readAt fills p from offset off. A short read is an error.
func readAt(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}
