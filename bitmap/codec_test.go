package bitmap

import (
	"bytes"
	"image"
	"testing"

	"github.com/stretchr/testify/require"
)

func gradient(format Format, w, h int) *Resource {
	res := NewResource(w, h, format, false)
	for y := range h {
		for x := range w {
			res.set(x, y, uint32(x*255/w), uint32(y*255/h), 128, 255)
		}
	}
	return res
}

func TestZPix_RoundTripEveryFormat(t *testing.T) {
	d := newTestDecoder(t, nil)

	for f := RGBA8888; f <= Gray8; f++ {
		t.Run(f.String(), func(t *testing.T) {
			src := gradient(f, 33, 17)
			src.Orientation = 6

			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, src, CodecZPix))

			cfg, kind, err := image.DecodeConfig(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)
			require.Equal(t, "zpix", kind)
			require.Equal(t, 33, cfg.Width)
			require.Equal(t, 17, cfg.Height)

			got, err := d.Decode(buf.Bytes(), 0, 0, f)
			require.NoError(t, err)
			require.Equal(t, src.Pix, got.Pix)
			require.Equal(t, 6, got.Orientation)
		})
	}
}

func TestZPix_RejectsTruncatedBody(t *testing.T) {
	d := newTestDecoder(t, nil)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, gradient(RGBA8888, 20, 20), CodecZPix))

	data := buf.Bytes()
	_, err := d.Decode(data[:zpixHeaderSize+3], 0, 0, RGBA8888)
	require.ErrorIs(t, err, ErrDecode)
}

func TestPNGCodec(t *testing.T) {
	d := newTestDecoder(t, nil)
	src := gradient(RGBA8888, 16, 16)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, src, CodecPNG))

	got, err := d.Decode(buf.Bytes(), 0, 0, RGBA8888)
	require.NoError(t, err)
	require.Equal(t, src.Pix, got.Pix)
}

func TestEncode_UnknownCodec(t *testing.T) {
	require.Error(t, Encode(&bytes.Buffer{}, gradient(Alpha8, 2, 2), Codec("webp")))
}

func TestParseFormat(t *testing.T) {
	for f := RGBA8888; f <= Gray8; f++ {
		got, err := ParseFormat(f.String())
		require.NoError(t, err)
		require.Equal(t, f, got)
	}
	_, err := ParseFormat("cmyk")
	require.Error(t, err)
}
