// Package tilegen cuts quad-tree tiles out of one large source image with
// libvips. A Source is a texcache.TileProvider, so a big TIFF can be served
// without building a .tqt first.
package tilegen

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
)

const DefaultTileSize = 256

// Source produces the tiles of a quad-tree covering one image. Level 0 is
// the whole image scaled down to one tile; every level halves the source
// pixels covered by a tile.
type Source struct {
	path     string
	width    int
	height   int
	tileSize int
	depth    int
}

// Open reads the dimensions of the image at path.
func Open(path string, tileSize int) (*Source, error) {
	if tileSize <= 0 {
		return nil, fmt.Errorf("invalid tile size %d", tileSize)
	}
	img, err := LoadImage(path, vips.AccessSequential)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	s := &Source{
		path:     path,
		width:    img.Width(),
		height:   img.Height(),
		tileSize: tileSize,
	}
	s.depth = Depth(s.width, s.height, tileSize)
	return s, nil
}

// Depth returns the number of levels needed so that the deepest level
// samples the source at full resolution.
func Depth(width, height, tileSize int) int {
	maxDim := math.Max(float64(width), float64(height))
	maxZoom := int(math.Ceil(math.Log2(maxDim / float64(tileSize))))
	if maxZoom < 0 {
		maxZoom = 0
	}
	return maxZoom + 1
}

func (s *Source) Path() string  { return s.path }
func (s *Source) Width() int    { return s.width }
func (s *Source) Height() int   { return s.height }
func (s *Source) TileSize() int { return s.tileSize }
func (s *Source) Depth() int    { return s.depth }

// LoadImage renders the tile at the given address. Tiles that extend past
// the image edge are padded with a neutral background.
func (s *Source) LoadImage(level, row, col int) (image.Image, error) {
	data, err := s.RenderPNG(level, row, col)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile: %w", err)
	}
	return img, nil
}

// RenderPNG renders the tile at the given address as PNG.
func (s *Source) RenderPNG(level, row, col int) ([]byte, error) {
	if level < 0 || level >= s.depth {
		return nil, fmt.Errorf("level %d outside 0..%d", level, s.depth-1)
	}
	n := 1 << level
	if row < 0 || row >= n || col < 0 || col >= n {
		return nil, fmt.Errorf("tile %d/%d/%d outside the tree", level, row, col)
	}

	img, err := LoadImage(s.path, vips.AccessRandom)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	tileSize := float64(s.tileSize)

	// source pixels covered by one tile at this level
	pixelsPerTile := tileSize * math.Pow(2, float64(s.depth-1-level))

	startX := int(float64(col) * pixelsPerTile)
	startY := int(float64(row) * pixelsPerTile)
	endX := int(math.Min(float64(startX)+pixelsPerTile, float64(s.width)))
	endY := int(math.Min(float64(startY)+pixelsPerTile, float64(s.height)))

	width := endX - startX
	height := endY - startY
	if width <= 0 || height <= 0 {
		// the tree is square, the image may not be: this tile is all padding
		return s.emptyTile()
	}

	if err := img.ExtractArea(startX, startY, width, height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := img.Resize(tileSize/pixelsPerTile, resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// anchor at the top-left corner to keep tiles aligned
	if img.Width() < s.tileSize || img.Height() < s.tileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = backgroundColor
		if err := img.Embed(0, 0, s.tileSize, s.tileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	data, err := img.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	return data, nil
}

var backgroundColor = []float64{221, 221, 221} // #ddd

func (s *Source) emptyTile() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, s.tileSize, s.tileSize))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 221, 221, 221, 255
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Extensions lists the source image formats LoadImage understands.
var Extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// LoadImage opens an image with the vips loader matching its extension.
func LoadImage(path string, access vips.Access) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
