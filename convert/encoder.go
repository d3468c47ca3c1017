package convert

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// Encoder writes an image in one lossless format.
type Encoder interface {
	// Format returns the format name, e.g. "png".
	Format() string
	// Ext returns the file extension including the dot.
	Ext() string
	Encode(w io.Writer, img image.Image) error
}

type pngEncoder struct {
	enc png.Encoder
}

// PNG returns a PNG encoder tuned for encode speed.
func PNG() Encoder {
	return &pngEncoder{enc: png.Encoder{CompressionLevel: png.BestSpeed}}
}

func (e *pngEncoder) Format() string { return "png" }
func (e *pngEncoder) Ext() string    { return ".png" }

func (e *pngEncoder) Encode(w io.Writer, img image.Image) error {
	return e.enc.Encode(w, img)
}

type tiffEncoder struct{}

// TIFF returns a Deflate-compressed TIFF encoder.
func TIFF() Encoder {
	return tiffEncoder{}
}

func (tiffEncoder) Format() string { return "tiff" }
func (tiffEncoder) Ext() string    { return ".tiff" }

func (tiffEncoder) Encode(w io.Writer, img image.Image) error {
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

type bmpEncoder struct{}

// BMP returns an uncompressed BMP encoder.
func BMP() Encoder {
	return bmpEncoder{}
}

func (bmpEncoder) Format() string { return "bmp" }
func (bmpEncoder) Ext() string    { return ".bmp" }

func (bmpEncoder) Encode(w io.Writer, img image.Image) error {
	return bmp.Encode(w, img)
}

// EncoderFor returns the encoder registered under format.
func EncoderFor(format string) (Encoder, error) {
	switch strings.ToLower(format) {
	case "png":
		return PNG(), nil
	case "tiff", "tif":
		return TIFF(), nil
	case "bmp":
		return BMP(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrEncode, format)
	}
}
