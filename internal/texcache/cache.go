// Package texcache keeps the GPU textures of quad-tree terrain tiles.
//
// Every tile address maps to exactly one *Tile for the life of the cache.
// A tile gets its texture lazily on the first Activate and keeps it after
// Release, so it can be reused right away. Released tiles with a texture
// are the only eviction candidates: when the resident bytes exceed the
// budget, the least recently activated of them lose their texture.
//
// A Cache is not safe for concurrent use. It must be driven from the
// goroutine that owns the GPU context.
package texcache

import (
	"errors"
	"fmt"
	"image"
	"slices"

	"go.uber.org/zap"

	"terratex/internal/gpu"
)

const (
	OneMiB = 1024 * 1024
	OneGiB = 1024 * OneMiB

	// DefaultBudget is the resident texture ceiling used by the tools.
	DefaultBudget = OneGiB
)

// TileProvider produces the decoded image of a tile of one quad-tree.
// Providers identify their tree inside a Key, so implementations must be
// comparable (pointer types).
type TileProvider interface {
	LoadImage(level, row, col int) (image.Image, error)
}

// Key addresses one tile of one quad-tree.
type Key struct {
	Tree  TileProvider
	Level int
	Row   int
	Col   int
}

func (k Key) String() string {
	return fmt.Sprintf("%p/%d/%d/%d", k.Tree, k.Level, k.Row, k.Col)
}

type Stats struct {
	Tiles        int    `json:"tiles"`
	Active       int    `json:"active"`
	Inactive     int    `json:"inactive"`
	UsedBytes    int64  `json:"used_bytes"`
	BudgetBytes  int64  `json:"budget_bytes"`
	PeakBytes    int64  `json:"peak_bytes"`
	Loads        uint64 `json:"loads"`
	Hits         uint64 `json:"hits"`
	Evictions    uint64 `json:"evictions"`
	EvictedBytes uint64 `json:"evicted_bytes"`
	Failures     uint64 `json:"failures"`
	OverBudget   uint64 `json:"over_budget"`
}

type Cache struct {
	alloc  gpu.Allocator
	params gpu.Params
	logger *zap.Logger

	table    map[Key]*Tile
	active   []*Tile
	inactive []*Tile

	budget int64
	used   int64
	peak   int64
	clock  uint64

	stats Stats
}

// New creates a cache that keeps at most budget bytes of textures resident,
// unless every resident tile is active. A negative budget panics.
func New(budget int64, alloc gpu.Allocator, logger *zap.Logger) *Cache {
	if budget < 0 {
		panic("budget < 0")
	}
	if alloc == nil {
		panic("nil allocator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		alloc:  alloc,
		params: gpu.DefaultParams,
		logger: logger,
		table:  make(map[Key]*Tile, 256),
		budget: budget,
	}
}

// Make returns the tile for key, creating it on first use. Equal keys
// always yield the same *Tile. The tile is not loaded or activated.
func (c *Cache) Make(key Key) *Tile {
	if key.Tree == nil {
		panic("texcache: key without tree")
	}
	if t, ok := c.table[key]; ok {
		return t
	}
	t := &Tile{cache: c, key: key, index: noIndex}
	c.table[key] = t
	return t
}

// makeActive moves t from the inactive list (if it is on it) to the end of
// the active list.
func (c *Cache) makeActive(t *Tile) {
	if t.active {
		panic("texcache: activate of an active tile")
	}
	if t.index != noIndex {
		c.inactive = removeAt(c.inactive, t)
	}
	t.index = len(c.active)
	c.active = append(c.active, t)
	t.active = true
}

func (c *Cache) release(t *Tile) {
	if !t.active {
		panic("texcache: release of an inactive tile")
	}
	c.active = removeAt(c.active, t)
	t.index = len(c.inactive)
	c.inactive = append(c.inactive, t)
	t.active = false
}

// removeAt swap-removes t from list at t.index and fixes the index of the
// element moved into its slot. t.index is left stale for the caller.
func removeAt(list []*Tile, t *Tile) []*Tile {
	if list[t.index] != t {
		panic("texcache: membership index out of sync")
	}
	last := len(list) - 1
	moved := list[last]
	list[t.index] = moved
	moved.index = t.index
	list[last] = nil
	return list[:last]
}

// allocate loads the image of t and creates its texture. When the device is
// out of memory, inactive textures are evicted (oldest first) and the
// allocation is retried until it succeeds or nothing is left to evict.
func (c *Cache) allocate(t *Tile) error {
	img, err := t.key.Tree.LoadImage(t.key.Level, t.key.Row, t.key.Col)
	if err != nil {
		c.stats.Failures++
		return &DecodeError{Key: t.key, Err: err}
	}

	for {
		tex, err := c.alloc.CreateTexture(img, c.params)
		if err == nil {
			t.tex = tex
			t.size = tex.SizeBytes()
			break
		}

		var exhausted *gpu.ResourceExhaustedError
		if !errors.As(err, &exhausted) || !c.evictOldest() {
			c.stats.Failures++
			c.logger.Warn("Texture allocation failed",
				zap.Int("level", t.key.Level),
				zap.Int("row", t.key.Row),
				zap.Int("col", t.key.Col),
				zap.Int64("used_bytes", c.used),
				zap.Error(err),
			)
			return fmt.Errorf("failed to allocate texture for tile %d/%d/%d: %w", t.key.Level, t.key.Row, t.key.Col, err)
		}
	}

	c.stats.Loads++
	c.used += t.size
	return nil
}

// reclaim evicts inactive tiles, least recently used first, until the
// resident bytes fit the budget or there is nothing left to evict. It runs
// after every activation, hits included.
func (c *Cache) reclaim() {
	if c.used <= c.budget || len(c.inactive) == 0 {
		return
	}

	victims := slices.Clone(c.inactive)
	slices.SortFunc(victims, func(a, b *Tile) int {
		switch {
		case a.lastUsed < b.lastUsed:
			return -1
		case a.lastUsed > b.lastUsed:
			return 1
		}
		return 0
	})
	for _, t := range victims {
		if c.used <= c.budget {
			break
		}
		c.evict(t)
	}
}

// evictOldest evicts the least recently used inactive tile. It reports
// whether a tile was evicted.
func (c *Cache) evictOldest() bool {
	if len(c.inactive) == 0 {
		return false
	}
	oldest := c.inactive[0]
	for _, t := range c.inactive[1:] {
		if t.lastUsed < oldest.lastUsed {
			oldest = t
		}
	}
	c.evict(oldest)
	return true
}

// evict frees the texture of an inactive tile and takes it off the inactive
// list. The tile itself stays in the table.
func (c *Cache) evict(t *Tile) {
	if t.active {
		panic("texcache: eviction of an active tile")
	}
	c.inactive = removeAt(c.inactive, t)
	t.index = noIndex

	c.alloc.DestroyTexture(t.tex)
	c.used -= t.size
	c.stats.Evictions++
	c.stats.EvictedBytes += uint64(t.size)

	c.logger.Debug("Evicted tile texture",
		zap.Int("level", t.key.Level),
		zap.Int("row", t.key.Row),
		zap.Int("col", t.key.Col),
		zap.Uint64("last_used", t.lastUsed),
		zap.Int64("bytes", t.size),
		zap.Int64("used_bytes", c.used),
	)

	t.tex = nil
	t.size = 0
}

// SetBudget changes the resident ceiling and evicts inactive textures until
// the cache fits it, if possible.
func (c *Cache) SetBudget(bytes int64) {
	if bytes < 0 {
		panic("budget < 0")
	}
	c.budget = bytes
	c.reclaim()
}

// Trim evicts every inactive texture.
func (c *Cache) Trim() {
	for len(c.inactive) > 0 {
		c.evict(c.inactive[len(c.inactive)-1])
	}
}

// Close destroys all resident textures, including those of active tiles.
// Tiles stay in the table in their cold state, so the cache can be reused.
func (c *Cache) Close() {
	c.Trim()
	for _, t := range c.active {
		c.alloc.DestroyTexture(t.tex)
		c.used -= t.size
		t.tex = nil
		t.size = 0
		t.index = noIndex
		t.active = false
	}
	clear(c.active)
	c.active = c.active[:0]
}

// Len returns the number of tiles ever made.
func (c *Cache) Len() int         { return len(c.table) }
func (c *Cache) ActiveLen() int   { return len(c.active) }
func (c *Cache) InactiveLen() int { return len(c.inactive) }
func (c *Cache) UsedBytes() int64 { return c.used }
func (c *Cache) Budget() int64    { return c.budget }

// PeakBytes returns the highest resident byte count the cache ever reached.
func (c *Cache) PeakBytes() int64 { return c.peak }

func (c *Cache) Stats() Stats {
	s := c.stats
	s.Tiles = len(c.table)
	s.Active = len(c.active)
	s.Inactive = len(c.inactive)
	s.UsedBytes = c.used
	s.BudgetBytes = c.budget
	s.PeakBytes = c.peak
	return s
}
