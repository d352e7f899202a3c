package texcache

import "terratex/internal/gpu"

const noIndex = -1

// Tile is the cache entry of one tile address. It owns at most one texture.
//
// A tile starts cold (no texture). Activate makes it active and resident;
// Release makes it inactive but leaves the texture in place. An inactive
// tile can go cold again when its texture is evicted. Active tiles are
// never evicted.
type Tile struct {
	cache *Cache
	key   Key

	tex      gpu.Texture
	size     int64
	lastUsed uint64

	// position in the active list if active, in the inactive list if not;
	// noIndex when the tile is on neither
	index  int
	active bool
}

// Activate marks the tile as in use, loading its texture if it has none.
// On error the tile stays cold and inactive. Activating an active tile
// panics.
func (t *Tile) Activate() error {
	if t.active {
		panic("texcache: activate of an active tile")
	}
	c := t.cache
	loaded := t.tex == nil
	if loaded {
		if err := c.allocate(t); err != nil {
			return err
		}
	} else {
		c.stats.Hits++
	}

	t.lastUsed = c.clock
	c.clock++
	c.makeActive(t)

	// t is on the active list now, so it cannot evict itself
	c.reclaim()
	if loaded && c.used > c.budget {
		c.stats.OverBudget++
	}
	if c.used > c.peak {
		c.peak = c.used
	}
	return nil
}

// Release marks the tile as no longer in use. Its texture stays resident
// until it is evicted. Releasing an inactive tile panics.
func (t *Tile) Release() {
	if !t.active {
		panic("texcache: release of an inactive tile")
	}
	t.cache.release(t)
}

func (t *Tile) Key() Key       { return t.key }
func (t *Tile) Active() bool   { return t.active }
func (t *Tile) Resident() bool { return t.tex != nil }

// Texture returns the tile's texture, or nil when the tile is cold. The
// texture is only guaranteed to stay valid while the tile is active.
func (t *Tile) Texture() gpu.Texture { return t.tex }

// SizeBytes returns the resident size of the texture, 0 when cold.
func (t *Tile) SizeBytes() int64 { return t.size }

// LastUsed returns the cache clock value of the latest activation.
func (t *Tile) LastUsed() uint64 { return t.lastUsed }
