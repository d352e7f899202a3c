package tqt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"io"
)

// TileFunc returns the image of the tile at the given address.
type TileFunc func(level, row, col int) (image.Image, error)

// Write encodes a complete quad-tree of the given depth to w. Every image
// returned by src must be tileSize x tileSize.
func Write(w io.WriteSeeker, depth, tileSize int, src TileFunc) error {
	if depth <= 0 || depth > maxDepth {
		return fmt.Errorf("invalid depth %d", depth)
	}
	if tileSize <= 0 {
		return fmt.Errorf("invalid tile size %d", tileSize)
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], Magic)
	binary.LittleEndian.PutUint32(hdr[4:], Version)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(depth))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(tileSize))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// reserve the offset table, it is filled in once the tiles are placed
	table := make([]byte, 8*FullSize(depth))
	if _, err := w.Write(table); err != nil {
		return fmt.Errorf("failed to write offset table: %w", err)
	}
	offset := int64(headerSize + len(table))

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	for level := 0; level < depth; level++ {
		n := 1 << level
		for row := 0; row < n; row++ {
			for col := 0; col < n; col++ {
				img, err := src(level, row, col)
				if err != nil {
					return fmt.Errorf("failed to produce tile %d/%d/%d: %w", level, row, col, err)
				}
				b := img.Bounds()
				if b.Dx() != tileSize || b.Dy() != tileSize {
					return fmt.Errorf("tile %d/%d/%d is %dx%d, expected %d", level, row, col, b.Dx(), b.Dy(), tileSize)
				}

				buf.Reset()
				if err := enc.Encode(&buf, img); err != nil {
					return fmt.Errorf("failed to encode tile %d/%d/%d: %w", level, row, col, err)
				}
				binary.LittleEndian.PutUint64(table[8*NodeIndex(level, row, col):], uint64(offset))
				if _, err := w.Write(buf.Bytes()); err != nil {
					return fmt.Errorf("failed to write tile %d/%d/%d: %w", level, row, col, err)
				}
				offset += int64(buf.Len())
			}
		}
	}

	if _, err := w.Seek(headerSize, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to offset table: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return fmt.Errorf("failed to write offset table: %w", err)
	}
	_, err := w.Seek(0, io.SeekEnd)
	return err
}
