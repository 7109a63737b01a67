package bitmap

import (
	"image"
	"image/color"
)

// pixelFunc returns the premultiplied 8-bit color at (x, y).
type pixelFunc func(x, y int) (r, g, b, a uint32)

func pixelReader(src image.Image) pixelFunc {
	switch s := src.(type) {
	case *image.RGBA:
		return func(x, y int) (uint32, uint32, uint32, uint32) {
			i := s.PixOffset(x, y)
			p := s.Pix[i : i+4 : i+4]
			return uint32(p[0]), uint32(p[1]), uint32(p[2]), uint32(p[3])
		}
	case *image.NRGBA:
		return func(x, y int) (uint32, uint32, uint32, uint32) {
			i := s.PixOffset(x, y)
			p := s.Pix[i : i+4 : i+4]
			a := uint32(p[3])
			return uint32(p[0]) * a / 0xff, uint32(p[1]) * a / 0xff, uint32(p[2]) * a / 0xff, a
		}
	case *image.YCbCr:
		return func(x, y int) (uint32, uint32, uint32, uint32) {
			c := s.YCbCrAt(x, y)
			r, g, b := color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
			return uint32(r), uint32(g), uint32(b), 0xff
		}
	case *image.Gray:
		return func(x, y int) (uint32, uint32, uint32, uint32) {
			v := uint32(s.GrayAt(x, y).Y)
			return v, v, v, 0xff
		}
	case *image.Alpha:
		return func(x, y int) (uint32, uint32, uint32, uint32) {
			a := uint32(s.AlphaAt(x, y).A)
			return a, a, a, a
		}
	default:
		return func(x, y int) (uint32, uint32, uint32, uint32) {
			r, g, b, a := src.At(x, y).RGBA()
			return r >> 8, g >> 8, b >> 8, a >> 8
		}
	}
}

// downsample box-filters src by sample into dst. dst must already have the
// scaled size.
func downsample(dst *Resource, src image.Image, sample int) {
	read := pixelReader(src)
	sb := src.Bounds()
	if sample < 1 {
		sample = 1
	}

	for dy := 0; dy < dst.Height; dy++ {
		y0 := sb.Min.Y + dy*sample
		y1 := min(y0+sample, sb.Max.Y)
		for dx := 0; dx < dst.Width; dx++ {
			x0 := sb.Min.X + dx*sample
			x1 := min(x0+sample, sb.Max.X)

			var sr, sg, sbl, sa, n uint32
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					r, g, b, a := read(x, y)
					sr += r
					sg += g
					sbl += b
					sa += a
					n++
				}
			}
			if n == 0 {
				continue
			}
			dst.set(dx, dy, sr/n, sg/n, sbl/n, sa/n)
		}
	}
}
