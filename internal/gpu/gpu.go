package gpu

import (
	"fmt"
	"image"
	"image/draw"
)

type Filter int

const (
	FilterNearest Filter = iota
	FilterLinear
)

type Wrap int

const (
	WrapRepeat Wrap = iota
	WrapClampToEdge
)

// Params is the sampler state a texture is created with.
type Params struct {
	MinFilter Filter
	MagFilter Filter
	WrapS     Wrap
	WrapT     Wrap
}

// DefaultParams is bilinear filtering with clamp-to-edge on both axes,
// which keeps neighbouring terrain tiles from bleeding into each other.
var DefaultParams = Params{
	MinFilter: FilterLinear,
	MagFilter: FilterLinear,
	WrapS:     WrapClampToEdge,
	WrapT:     WrapClampToEdge,
}

// Texture is an opaque GPU texture handle.
type Texture interface {
	Width() int
	Height() int
	SizeBytes() int64
	Params() Params
}

// Allocator creates and destroys GPU textures.
type Allocator interface {
	CreateTexture(img image.Image, p Params) (Texture, error)
	// DestroyTexture frees the GPU storage of t. Destroying a texture that
	// was already destroyed is a no-op.
	DestroyTexture(t Texture)
}

// PixelReader is implemented by textures whose contents can be read back.
type PixelReader interface {
	Pixels() *image.RGBA
}

// ResourceExhaustedError reports that the device could not satisfy a
// texture allocation.
type ResourceExhaustedError struct {
	Requested int64
	Available int64
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("gpu memory exhausted: requested %d bytes, %d available", e.Requested, e.Available)
}

// TextureBytes returns the footprint of an RGBA8 texture of the given size.
func TextureBytes(width, height int) int64 {
	return int64(width) * int64(height) * 4
}

// ToRGBA converts img to a tightly packed RGBA image with its origin at
// (0, 0). Opaque sources such as RGB PNG tiles get a full alpha channel.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == 4*b.Dx() {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
