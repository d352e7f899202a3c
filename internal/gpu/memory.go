package gpu

import (
	"image"
	"sync"
)

// MemoryAllocator keeps texture storage in host memory and accounts for it
// as if it were device memory. It backs the headless server and the tests.
type MemoryAllocator struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	live     map[*MemoryTexture]struct{}
}

// MemoryTexture is a texture created by a MemoryAllocator.
type MemoryTexture struct {
	pixels *image.RGBA
	params Params
	size   int64
}

func (t *MemoryTexture) Width() int          { return t.pixels.Rect.Dx() }
func (t *MemoryTexture) Height() int         { return t.pixels.Rect.Dy() }
func (t *MemoryTexture) SizeBytes() int64    { return t.size }
func (t *MemoryTexture) Params() Params      { return t.params }
func (t *MemoryTexture) Pixels() *image.RGBA { return t.pixels }

// NewMemoryAllocator creates an allocator with the given device capacity in
// bytes. Zero means unlimited.
func NewMemoryAllocator(capacity int64) *MemoryAllocator {
	if capacity < 0 {
		panic("capacity < 0")
	}
	return &MemoryAllocator{
		capacity: capacity,
		live:     make(map[*MemoryTexture]struct{}),
	}
}

func (a *MemoryAllocator) CreateTexture(img image.Image, p Params) (Texture, error) {
	b := img.Bounds()
	size := TextureBytes(b.Dx(), b.Dy())

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.capacity > 0 && a.used+size > a.capacity {
		return nil, &ResourceExhaustedError{Requested: size, Available: a.capacity - a.used}
	}

	src := ToRGBA(img)
	pixels := image.NewRGBA(src.Rect)
	copy(pixels.Pix, src.Pix)

	tex := &MemoryTexture{pixels: pixels, params: p, size: size}
	a.live[tex] = struct{}{}
	a.used += size
	return tex, nil
}

func (a *MemoryAllocator) DestroyTexture(t Texture) {
	tex, ok := t.(*MemoryTexture)
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.live[tex]; !ok {
		return
	}
	delete(a.live, tex)
	a.used -= tex.size
}

// Live returns the number of textures that have not been destroyed.
func (a *MemoryAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// UsedBytes returns the device bytes held by live textures.
func (a *MemoryAllocator) UsedBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

func (a *MemoryAllocator) Capacity() int64 {
	return a.capacity
}
