// Package imageinfo parses image dimensions from a possibly incomplete
// prefix of an encoded image.
//
// Importing this package registers the gif, jpeg, png, webp, bmp, and tiff
// decoders with the image package.
package imageinfo

import (
	"bytes"
	"errors"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"

	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
)

// HeaderPrefixSize is the number of leading bytes requested when sniffing a
// remote image for its dimensions.
const HeaderPrefixSize = 1024

// minSniffLen is the longest magic prefix the registered formats need.
const minSniffLen = 16

var (
	// ErrIncomplete is returned when more bytes are needed to parse the header.
	ErrIncomplete = errors.New("pagestrip: incomplete image header")

	// ErrUnknownFormat is returned when the bytes match no registered format.
	ErrUnknownFormat = errors.New("pagestrip: unknown image format")
)

// Info is the header information of an encoded image.
type Info struct {
	Width  int
	Height int
	// Format is the registered format name, e.g. "png" or "webp".
	Format string
}

// Parse reads the image header from data.
func Parse(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	switch {
	case err == nil:
	case errors.Is(err, image.ErrFormat):
		if len(data) < minSniffLen {
			return Info{}, ErrIncomplete
		}
		return Info{}, ErrUnknownFormat
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return Info{}, ErrIncomplete
	default:
		return Info{}, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, ErrIncomplete
	}
	return Info{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}
