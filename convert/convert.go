// Package convert decodes fetched image bytes and re-encodes them losslessly
// into the format stored in the cache.
package convert

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"

	_ "github.com/meigma/pagestrip/internal/imageinfo" // register decoders
	"github.com/meigma/pagestrip/internal/pagetype"
)

var (
	// ErrDecode is returned when the input bytes are not a decodable image.
	ErrDecode = errors.New("pagestrip: decode image")

	// ErrEncode is returned when neither the preferred nor the fallback
	// encoder could encode the image.
	ErrEncode = errors.New("pagestrip: encode image")
)

// Result is the output of a conversion.
type Result struct {
	// Data is the re-encoded image.
	Data []byte
	// Name is the cache name: the base name plus the encoder's extension.
	Name string
	// Metadata describes Data. URL is left for the caller to fill in.
	Metadata pagetype.ImageMetadata
	// Source is the source format reported by the decoder.
	Source string
}

// Converter re-encodes images with a preferred encoder and falls back to a
// fixed secondary encoder when the preferred one fails.
// A Converter is safe for concurrent use.
type Converter struct {
	preferred Encoder
	fallback  Encoder
	logger    *slog.Logger
}

// Option configures a Converter.
type Option func(*Converter)

// WithPreferred sets the preferred encoder. The default is PNG.
func WithPreferred(enc Encoder) Option {
	return func(c *Converter) {
		c.preferred = enc
	}
}

// WithFallback sets the fallback encoder. The default is Deflate TIFF.
func WithFallback(enc Encoder) Option {
	return func(c *Converter) {
		c.fallback = enc
	}
}

// WithLogger sets the logger used to report fallbacks.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Converter) {
		c.logger = logger
	}
}

// New creates a Converter.
func New(opts ...Option) *Converter {
	c := &Converter{
		preferred: PNG(),
		fallback:  TIFF(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Converter) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Convert decodes data and re-encodes it. name is the requested cache name;
// a trailing image extension on it is replaced by the encoder's.
func (c *Converter) Convert(data []byte, name string) (*Result, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", name, ErrDecode, err)
	}

	enc, out, err := c.encode(img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	final := FinalName(name, enc.Ext())
	b := img.Bounds()
	return &Result{
		Data: out,
		Name: final,
		Metadata: pagetype.ImageMetadata{
			Name:   final,
			Width:  b.Dx(),
			Height: b.Dy(),
			Size:   int64(len(out)),
			Format: enc.Format(),
			Digest: digest.FromBytes(out),
		},
		Source: format,
	}, nil
}

func (c *Converter) encode(img image.Image) (Encoder, []byte, error) {
	var errs []error
	for i, enc := range []Encoder{c.preferred, c.fallback} {
		if enc == nil || (i == 1 && c.preferred != nil && enc.Format() == c.preferred.Format()) {
			continue
		}
		var buf bytes.Buffer
		err := enc.Encode(&buf, img)
		if err == nil {
			return enc, buf.Bytes(), nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", enc.Format(), err))
		if i == 0 {
			c.log().Warn("preferred encoder failed, using fallback", "format", enc.Format(), "error", err)
		}
	}
	if len(errs) == 0 {
		return nil, nil, fmt.Errorf("%w: no encoder configured", ErrEncode)
	}
	return nil, nil, fmt.Errorf("%w: %w", ErrEncode, errors.Join(errs...))
}

// imageExts are the extensions stripped from a requested name.
var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".bmp": true, ".tif": true, ".tiff": true, ".jxl": true, ".avif": true,
}

// FinalName returns name with its image extension, if any, replaced by ext.
func FinalName(name, ext string) string {
	if e := path.Ext(name); imageExts[strings.ToLower(e)] {
		name = strings.TrimSuffix(name, e)
	}
	return name + ext
}
