package bitmap

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sourcegraph/conc/panics"
)

// ErrDecode is returned for input that is not a decodable image.
var ErrDecode = errors.New("bitmap: decode failed")

const DefaultBoundsCacheEntries = 4096

// Bounds is what the first, allocation-free decode pass learns about an image.
type Bounds struct {
	Width       int
	Height      int
	Kind        string
	Orientation int
}

type DecoderOptions struct {
	// Pool supplies recycled buffers. Nil disables reuse and decodes into
	// immutable resources.
	Pool *Pool

	// BoundsCacheEntries sizes the cache of first-pass results keyed by
	// content hash. Negative disables it.
	BoundsCacheEntries int64
}

// Decoder turns encoded bytes into Resources sized for a target.
type Decoder struct {
	pool   *Pool
	bounds *ristretto.Cache[uint64, Bounds]
}

func NewDecoder(opts DecoderOptions) (*Decoder, error) {
	d := &Decoder{pool: opts.Pool}
	entries := opts.BoundsCacheEntries
	if entries == 0 {
		entries = DefaultBoundsCacheEntries
	}
	if entries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[uint64, Bounds]{
			NumCounters: entries * 10,
			MaxCost:     entries,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("bounds cache: %w", err)
		}
		d.bounds = cache
	}
	return d, nil
}

func (d *Decoder) Pool() *Pool {
	return d.pool
}

// Close releases the bounds cache.
func (d *Decoder) Close() {
	if d.bounds != nil {
		d.bounds.Close()
	}
}

// Bounds runs the first pass only: no pixel memory is allocated.
func (d *Decoder) Bounds(data []byte) (Bounds, error) {
	var sum uint64
	if d.bounds != nil {
		sum = xxhash.Sum64(data)
		if b, ok := d.bounds.Get(sum); ok {
			return b, nil
		}
	}

	cfg, kind, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Bounds{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Bounds{}, fmt.Errorf("%w: empty image %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	b := Bounds{Width: cfg.Width, Height: cfg.Height, Kind: kind}
	switch kind {
	case "jpeg":
		b.Orientation = jpegOrientation(data)
	case "zpix":
		if h, err := parseZPixHeader(data); err == nil {
			b.Orientation = h.orientation
		}
	}

	if d.bounds != nil {
		d.bounds.Set(sum, b, 1)
	}
	return b, nil
}

// DecodeReader reads r fully and decodes it.
func (d *Decoder) DecodeReader(r io.Reader, reqWidth, reqHeight int, format Format) (*Resource, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return d.Decode(data, reqWidth, reqHeight, format)
}

// Decode decodes data downsampled for a reqWidth x reqHeight target. A (0,0)
// request decodes at full resolution.
func (d *Decoder) Decode(data []byte, reqWidth, reqHeight int, format Format) (*Resource, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("%w: unsupported format %s", ErrDecode, format)
	}
	b, err := d.Bounds(data)
	if err != nil {
		return nil, err
	}
	sample := SampleSize(b.Width, b.Height, reqWidth, reqHeight)

	// The codecs decode at full size; sample only shrinks dst.
	var src image.Image
	var pc panics.Catcher
	pc.Try(func() {
		src, _, err = image.Decode(bytes.NewReader(data))
	})
	if rec := pc.Recovered(); rec != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, rec.AsError())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	srcBounds := src.Bounds()
	width := scaledSize(srcBounds.Dx(), sample)
	height := scaledSize(srcBounds.Dy(), sample)

	var dst *Resource
	if d.pool != nil {
		class := SizeClass{Width: srcBounds.Dx(), Height: srcBounds.Dy(), SampleSize: sample, Format: format}
		if reused, ok := d.pool.Acquire(class); ok {
			dst = reused.recycle(width, height, format)
		}
	}
	if dst == nil {
		dst = NewResource(width, height, format, d.pool != nil)
	}

	downsample(dst, src, sample)
	dst.Orientation = b.Orientation
	return dst, nil
}

func jpegOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0
	}
	v, err := tag.Int(0)
	if err != nil {
		return 0
	}
	return v
}
