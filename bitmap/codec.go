package bitmap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Codec selects how resources are re-encoded for the persistent tier.
type Codec string

const (
	// CodecZPix stores raw pixels compressed with zstd. Lossless for every Format.
	CodecZPix Codec = "zpix"
	// CodecPNG stores a PNG of the resource.
	CodecPNG Codec = "png"
)

const (
	zpixMagic      = "ZPIX"
	zpixVersion    = 1
	zpixHeaderSize = 4 + 1 + 1 + 1 + 4 + 4
)

var errZPixHeader = errors.New("zpix: invalid header")

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func init() {
	image.RegisterFormat("zpix", zpixMagic, decodeZPix, decodeZPixConfig)
}

// Encode writes res to w using codec.
func Encode(w io.Writer, res *Resource, codec Codec) error {
	switch codec {
	case CodecPNG:
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		return enc.Encode(w, res.Image())
	case CodecZPix, "":
		return encodeZPix(w, res)
	default:
		return fmt.Errorf("unknown codec %q", codec)
	}
}

type zpixHeader struct {
	format      Format
	orientation int
	width       int
	height      int
}

func encodeZPix(w io.Writer, res *Resource) error {
	var hdr [zpixHeaderSize]byte
	copy(hdr[:4], zpixMagic)
	hdr[4] = zpixVersion
	hdr[5] = byte(res.Format)
	hdr[6] = byte(res.Orientation)
	binary.LittleEndian.PutUint32(hdr[7:11], uint32(res.Width))
	binary.LittleEndian.PutUint32(hdr[11:15], uint32(res.Height))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	body := zstdEncoder.EncodeAll(res.Pix[:res.Stride*res.Height], nil)
	_, err := w.Write(body)
	return err
}

func parseZPixHeader(b []byte) (zpixHeader, error) {
	if len(b) < zpixHeaderSize || string(b[:4]) != zpixMagic || b[4] != zpixVersion {
		return zpixHeader{}, errZPixHeader
	}
	h := zpixHeader{
		format:      Format(b[5]),
		orientation: int(b[6]),
		width:       int(binary.LittleEndian.Uint32(b[7:11])),
		height:      int(binary.LittleEndian.Uint32(b[11:15])),
	}
	if !h.format.Valid() || h.width <= 0 || h.height <= 0 {
		return zpixHeader{}, errZPixHeader
	}
	return h, nil
}

func readZPixHeader(r io.Reader) (zpixHeader, error) {
	var hdr [zpixHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return zpixHeader{}, err
	}
	return parseZPixHeader(hdr[:])
}

func decodeZPixConfig(r io.Reader) (image.Config, error) {
	h, err := readZPixHeader(r)
	if err != nil {
		return image.Config{}, err
	}
	var model color.Model
	switch h.format {
	case Alpha8:
		model = color.AlphaModel
	case Gray8:
		model = color.GrayModel
	default:
		model = color.RGBAModel
	}
	return image.Config{ColorModel: model, Width: h.width, Height: h.height}, nil
}

func decodeZPix(r io.Reader) (image.Image, error) {
	br := bufio.NewReader(r)
	h, err := readZPixHeader(br)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	want := h.width * h.height * h.format.BytesPerPixel()
	pix, err := zstdDecoder.DecodeAll(body, make([]byte, 0, want))
	if err != nil {
		return nil, fmt.Errorf("zpix: %w", err)
	}
	if len(pix) != want {
		return nil, fmt.Errorf("zpix: pixel data is %d bytes, want %d", len(pix), want)
	}
	res := &Resource{
		Width:       h.width,
		Height:      h.height,
		Format:      h.format,
		Stride:      h.width * h.format.BytesPerPixel(),
		Pix:         pix,
		Orientation: h.orientation,
	}
	return res.Image(), nil
}
