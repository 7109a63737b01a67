package bitmap

import (
	"fmt"
	"image"
	"image/color"
	"sync/atomic"
)

// Format is the in-memory pixel layout of a decoded Resource.
type Format uint8

const (
	RGBA8888 Format = iota
	RGB565
	ARGB4444
	Alpha8
	Gray8
)

func (f Format) BytesPerPixel() int {
	switch f {
	case RGBA8888:
		return 4
	case RGB565, ARGB4444:
		return 2
	default:
		return 1
	}
}

func (f Format) Valid() bool {
	return f <= Gray8
}

func (f Format) String() string {
	switch f {
	case RGBA8888:
		return "rgba8888"
	case RGB565:
		return "rgb565"
	case ARGB4444:
		return "argb4444"
	case Alpha8:
		return "alpha8"
	case Gray8:
		return "gray8"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// ParseFormat maps a format name back to its Format.
func ParseFormat(name string) (Format, error) {
	for f := RGBA8888; f <= Gray8; f++ {
		if f.String() == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel format %q", name)
}

// Resource is a decoded image held in memory.
//
// Color channels are stored alpha-premultiplied. Pix may be longer in capacity
// than ByteSize when the buffer was recycled from a larger resource.
type Resource struct {
	Width       int
	Height      int
	Format      Format
	Stride      int
	Pix         []byte
	Mutable     bool
	Orientation int

	gen  atomic.Uint64
	refs atomic.Int32
}

// NewResource allocates a zeroed resource of the given size.
func NewResource(width, height int, format Format, mutable bool) *Resource {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	stride := width * format.BytesPerPixel()
	return &Resource{
		Width:   width,
		Height:  height,
		Format:  format,
		Stride:  stride,
		Pix:     make([]byte, stride*height),
		Mutable: mutable,
	}
}

func (r *Resource) ByteSize() int {
	return len(r.Pix)
}

// AllocationByteCount is the size of the backing buffer, which bounds what a
// recycled resource can hold.
func (r *Resource) AllocationByteCount() int {
	return cap(r.Pix)
}

// Generation changes every time the resource is invalidated.
func (r *Resource) Generation() uint64 {
	return r.gen.Load()
}

// Invalidate marks every outstanding reuse handle for r as stale.
func (r *Resource) Invalidate() {
	r.gen.Add(1)
}

// Retain pins r against buffer reuse while it is on screen.
func (r *Resource) Retain() {
	r.refs.Add(1)
}

// Release undoes a Retain.
func (r *Resource) Release() {
	if r.refs.Add(-1) < 0 {
		r.refs.Store(0)
	}
}

func (r *Resource) retained() bool {
	return r.refs.Load() > 0
}

// recycle hands r's backing buffer to a new resource of the given shape and
// invalidates r.
func (r *Resource) recycle(width, height int, format Format) *Resource {
	stride := width * format.BytesPerPixel()
	need := stride * height
	pix := r.Pix[:need]
	clear(pix)
	r.Invalidate()
	return &Resource{
		Width:   width,
		Height:  height,
		Format:  format,
		Stride:  stride,
		Pix:     pix,
		Mutable: true,
	}
}

// set stores one premultiplied 8-bit pixel.
func (r *Resource) set(x, y int, cr, cg, cb, ca uint32) {
	i := y*r.Stride + x*r.Format.BytesPerPixel()
	switch r.Format {
	case RGBA8888:
		r.Pix[i+0] = uint8(cr)
		r.Pix[i+1] = uint8(cg)
		r.Pix[i+2] = uint8(cb)
		r.Pix[i+3] = uint8(ca)
	case RGB565:
		v := uint16(cr>>3)<<11 | uint16(cg>>2)<<5 | uint16(cb>>3)
		r.Pix[i+0] = uint8(v)
		r.Pix[i+1] = uint8(v >> 8)
	case ARGB4444:
		v := uint16(ca>>4)<<12 | uint16(cr>>4)<<8 | uint16(cg>>4)<<4 | uint16(cb>>4)
		r.Pix[i+0] = uint8(v)
		r.Pix[i+1] = uint8(v >> 8)
	case Alpha8:
		r.Pix[i] = uint8(ca)
	case Gray8:
		r.Pix[i] = uint8((299*cr + 587*cg + 114*cb + 500) / 1000)
	}
}

// Image returns a read-only view of r's pixels. It shares the buffer.
func (r *Resource) Image() image.Image {
	rect := image.Rect(0, 0, r.Width, r.Height)
	pix := r.Pix[:r.Stride*r.Height]
	switch r.Format {
	case RGBA8888:
		return &image.RGBA{Pix: pix, Stride: r.Stride, Rect: rect}
	case Alpha8:
		return &image.Alpha{Pix: pix, Stride: r.Stride, Rect: rect}
	case Gray8:
		return &image.Gray{Pix: pix, Stride: r.Stride, Rect: rect}
	default:
		return &packed16{pix: pix, stride: r.Stride, rect: rect, format: r.Format}
	}
}

func (r *Resource) String() string {
	return fmt.Sprintf("%dx%d %s (%d bytes)", r.Width, r.Height, r.Format, r.ByteSize())
}

// packed16 exposes the two-byte formats as an image.Image.
type packed16 struct {
	pix    []byte
	stride int
	rect   image.Rectangle
	format Format
}

func (p *packed16) ColorModel() color.Model { return color.RGBAModel }

func (p *packed16) Bounds() image.Rectangle { return p.rect }

func (p *packed16) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}).In(p.rect) {
		return color.RGBA{}
	}
	i := y*p.stride + x*2
	v := uint16(p.pix[i]) | uint16(p.pix[i+1])<<8
	if p.format == RGB565 {
		r := uint8(v>>11) & 0x1f
		g := uint8(v>>5) & 0x3f
		b := uint8(v) & 0x1f
		return color.RGBA{R: r<<3 | r>>2, G: g<<2 | g>>4, B: b<<3 | b>>2, A: 0xff}
	}
	a := uint8(v>>12) & 0xf
	r := uint8(v>>8) & 0xf
	g := uint8(v>>4) & 0xf
	b := uint8(v) & 0xf
	return color.RGBA{R: r<<4 | r, G: g<<4 | g, B: b<<4 | b, A: a<<4 | a}
}
