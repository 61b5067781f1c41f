package gallery

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultDimensionBound = 1024
	DefaultQuality        = 80
)

// ErrDecode is returned when an original cannot be decoded as an image.
var ErrDecode = errors.New("decode original")

// Codec is the output format of cached copies.
type Codec string

const (
	CodecJPEG Codec = "jpeg"
	CodecPNG  Codec = "png"
)

// Ext returns the file extension used for the codec.
func (c Codec) Ext() string {
	if c == CodecPNG {
		return ".png"
	}
	return ".jpg"
}

// Transcoder turns an original into a display-ready copy: orientation
// corrected, fit within Bound x Bound, encoded with Codec.
type Transcoder struct {
	Bound   int
	Codec   Codec
	Quality int
}

// DefaultTranscoder returns a 1024px JPEG transcoder at quality 80.
func DefaultTranscoder() Transcoder {
	return Transcoder{Bound: DefaultDimensionBound, Codec: CodecJPEG, Quality: DefaultQuality}
}

// Transcode decodes data, applies its EXIF orientation, downsizes it and
// writes the encoded copy to w. Images already within bounds keep their size.
func (t Transcoder) Transcode(w io.Writer, data []byte) (width, height int, err error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	img = applyOrientation(img, ReadOrientation(bytes.NewReader(data)))

	bound := t.Bound
	if bound <= 0 {
		bound = DefaultDimensionBound
	}
	out := imaging.Fit(img, bound, bound, imaging.Lanczos)

	switch t.Codec {
	case CodecPNG:
		err = png.Encode(w, out)
	default:
		quality := t.Quality
		if quality <= 0 || quality > 100 {
			quality = DefaultQuality
		}
		err = jpeg.Encode(w, out, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return 0, 0, fmt.Errorf("encode %s: %w", t.Codec, err)
	}

	b := out.Bounds()
	return b.Dx(), b.Dy(), nil
}

// applyOrientation transforms an image according to EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// ImageDimensions decodes an image just enough to get its dimensions.
func ImageDimensions(r io.Reader) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
