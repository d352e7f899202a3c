// Package renderer serves encoded tiles out of the texture cache. It is the
// single owner of its texcache.Cache: every cache call happens under one
// mutex, which stands in for the render thread of an interactive client.
package renderer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"terratex/internal/catalog"
	"terratex/internal/gpu"
	"terratex/internal/texcache"
)

var ErrOutOfRange = errors.New("tile address outside the tree")

type Renderer struct {
	catalog *catalog.Catalog
	logger  *zap.Logger

	mu    sync.Mutex
	cache *texcache.Cache

	// encoded PNGs by tileKey; nil when disabled
	encoded *lru.Cache
}

type TileResult struct {
	Data []byte
	ETag string
	Size int
}

type Stats struct {
	texcache.Stats
	EncodedTiles int `json:"encoded_tiles"`
}

type tileKey struct {
	id    string
	level int
	row   int
	col   int
}

// New creates a renderer over cache. encodedTiles bounds the number of
// encoded PNGs kept in memory; zero disables that layer.
func New(cat *catalog.Catalog, cache *texcache.Cache, encodedTiles int, logger *zap.Logger) (*Renderer, error) {
	r := &Renderer{
		catalog: cat,
		cache:   cache,
		logger:  logger,
	}
	if encodedTiles > 0 {
		encoded, err := lru.New(encodedTiles)
		if err != nil {
			return nil, fmt.Errorf("failed to create encoded tile cache: %w", err)
		}
		r.encoded = encoded
	}
	return r, nil
}

func (r *Renderer) RenderTile(id string, level, row, col int) (*TileResult, error) {
	key := tileKey{id: id, level: level, row: row, col: col}
	if r.encoded != nil {
		if cached, ok := r.encoded.Get(key); ok {
			data := cached.([]byte)
			return &TileResult{Data: data, ETag: etag(key), Size: len(data)}, nil
		}
	}

	provider, err := r.catalog.Provider(id)
	if err != nil {
		return nil, err
	}
	if level < 0 || level >= provider.Depth() || row < 0 || row >= 1<<level || col < 0 || col >= 1<<level {
		return nil, fmt.Errorf("%w: %d/%d/%d, depth %d", ErrOutOfRange, level, row, col, provider.Depth())
	}

	data, err := r.encodeTile(texcache.Key{Tree: provider, Level: level, Row: row, Col: col})
	if err != nil {
		return nil, err
	}
	if r.encoded != nil {
		r.encoded.Add(key, data)
	}
	return &TileResult{Data: data, ETag: etag(key), Size: len(data)}, nil
}

// encodeTile activates the tile, reads its texture back and releases it.
// The texture is only guaranteed to exist while the tile is active.
func (r *Renderer) encodeTile(key texcache.Key) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tile := r.cache.Make(key)
	if err := tile.Activate(); err != nil {
		return nil, err
	}
	defer tile.Release()

	reader, ok := tile.Texture().(gpu.PixelReader)
	if !ok {
		return nil, fmt.Errorf("texture of tile %d/%d/%d cannot be read back", key.Level, key.Row, key.Col)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, reader.Pixels()); err != nil {
		return nil, fmt.Errorf("failed to encode tile: %w", err)
	}
	return buf.Bytes(), nil
}

func etag(key tileKey) string {
	keyStr := fmt.Sprintf("%s/%d/%d/%d.png", key.id, key.level, key.row, key.col)
	hash := sha256.Sum256([]byte(keyStr))
	return hex.EncodeToString(hash[:])[:16]
}

func (r *Renderer) Meta(id string) (map[string]interface{}, error) {
	entry := r.catalog.Entry(id)
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}

	return map[string]interface{}{
		"id":       entry.ID,
		"name":     entry.OriginalFilename,
		"kind":     entry.Kind,
		"width":    entry.Width,
		"height":   entry.Height,
		"tileSize": entry.TileSize,
		"depth":    entry.Depth,
		"maxLevel": entry.Depth - 1,
		"bytes":    entry.Bytes,
		"format":   "png",
	}, nil
}

func (r *Renderer) Stats() Stats {
	r.mu.Lock()
	s := Stats{Stats: r.cache.Stats()}
	r.mu.Unlock()
	if r.encoded != nil {
		s.EncodedTiles = r.encoded.Len()
	}
	return s
}

// Trim drops every inactive texture and every encoded tile.
func (r *Renderer) Trim() {
	r.mu.Lock()
	r.cache.Trim()
	r.mu.Unlock()
	if r.encoded != nil {
		r.encoded.Purge()
	}
}

// Warmup renders the first levels of every catalog entry so their textures
// are resident before the first request. It stops early when ctx is done
// and reports ctx.Err() in that case.
func (r *Renderer) Warmup(ctx context.Context, levels int) error {
	entries := r.catalog.Entries()
	if len(entries) == 0 {
		return nil
	}

	r.logger.Info("Starting tile warmup", zap.Int("levels", levels), zap.Int("textures", len(entries)))

	rendered := 0
	for _, entry := range entries {
		maxLevel := levels
		if maxLevel > entry.Depth-1 {
			maxLevel = entry.Depth - 1
		}
		for level := 0; level <= maxLevel; level++ {
			n := 1 << level
			for row := 0; row < n; row++ {
				for col := 0; col < n; col++ {
					if err := ctx.Err(); err != nil {
						r.logger.Info("Tile warmup interrupted", zap.Int("tiles", rendered))
						return err
					}
					if _, err := r.RenderTile(entry.ID, level, row, col); err != nil {
						r.logger.Debug("Warmup tile failed",
							zap.String("texture", entry.ID),
							zap.Int("level", level),
							zap.Int("row", row),
							zap.Int("col", col),
							zap.Error(err),
						)
						continue
					}
					rendered++
				}
			}
		}
	}

	stats := r.Stats()
	r.logger.Info("Tile warmup completed",
		zap.Int("tiles", rendered),
		zap.Int64("resident_bytes", stats.UsedBytes),
		zap.Uint64("evictions", stats.Evictions),
	)
	return nil
}

// Close frees every texture.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Close()
}
