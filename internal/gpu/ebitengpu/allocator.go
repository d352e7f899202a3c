// Package ebitengpu implements gpu.Allocator on top of Ebitengine images.
//
// Ebitengine fixes the wrap mode of an image to clamp-to-edge when it is drawn
// and selects the filter per draw call, so the params given at creation are
// recorded on the texture and applied through FilterFor when drawing.
package ebitengpu

import (
	"image"

	"github.com/hajimehoshi/ebiten/v2"

	"terratex/internal/gpu"
)

type Texture struct {
	img    *ebiten.Image
	params gpu.Params
	size   int64
}

func (t *Texture) Width() int            { return t.img.Bounds().Dx() }
func (t *Texture) Height() int           { return t.img.Bounds().Dy() }
func (t *Texture) SizeBytes() int64      { return t.size }
func (t *Texture) Params() gpu.Params    { return t.params }
func (t *Texture) Image() *ebiten.Image  { return t.img }
func (t *Texture) Filter() ebiten.Filter { return FilterFor(t.params) }

// Allocator must only be used from the goroutine running the game loop.
type Allocator struct {
	capacity int64
	used     int64
	live     map[*Texture]struct{}
}

// New returns an allocator limited to capacity bytes of texture data.
// Zero means unlimited.
func New(capacity int64) *Allocator {
	if capacity < 0 {
		panic("capacity < 0")
	}
	return &Allocator{capacity: capacity, live: make(map[*Texture]struct{})}
}

func (a *Allocator) CreateTexture(img image.Image, p gpu.Params) (gpu.Texture, error) {
	b := img.Bounds()
	size := gpu.TextureBytes(b.Dx(), b.Dy())
	if a.capacity > 0 && a.used+size > a.capacity {
		return nil, &gpu.ResourceExhaustedError{Requested: size, Available: a.capacity - a.used}
	}

	tex := &Texture{
		img:    ebiten.NewImageFromImage(gpu.ToRGBA(img)),
		params: p,
		size:   size,
	}
	a.live[tex] = struct{}{}
	a.used += size
	return tex, nil
}

func (a *Allocator) DestroyTexture(t gpu.Texture) {
	tex, ok := t.(*Texture)
	if !ok {
		return
	}
	if _, ok := a.live[tex]; !ok {
		return
	}
	delete(a.live, tex)
	a.used -= tex.size
	tex.img.Dispose()
}

func (a *Allocator) UsedBytes() int64 { return a.used }

// FilterFor maps sampler params to the Ebitengine filter used when drawing.
// Ebitengine has a single filter per draw, so magnification wins.
func FilterFor(p gpu.Params) ebiten.Filter {
	if p.MagFilter == gpu.FilterLinear {
		return ebiten.FilterLinear
	}
	return ebiten.FilterNearest
}
