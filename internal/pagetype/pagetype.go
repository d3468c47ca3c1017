// Package pagetype holds the value types shared by the fetch, tile, strip,
// and event packages. Public packages re-export them as aliases.
package pagetype

import (
	"image"
	"time"

	"github.com/opencontainers/go-digest"
)

// ImageMetadata describes a fetched image.
//
// It is produced as soon as the image header has been parsed, which may be
// before the body has finished downloading. Name is assigned when the
// converted bytes are inserted into the cache; Digest is only set then.
type ImageMetadata struct {
	URL    string
	Name   string
	Width  int
	Height int
	// Size is the byte size announced by the server, or the converted size
	// once the image has been cached. Zero means unknown.
	Size   int64
	Format string
	Digest digest.Digest
}

// Strip describes one horizontal slice [YStart, YEnd) of an image.
type Strip struct {
	Image         string
	Index         int
	YStart        int
	YEnd          int
	Width         int
	Height        int
	PanelBoundary bool
	Confidence    float64
}

// Bounds returns the strip rectangle in source image coordinates.
func (s Strip) Bounds() image.Rectangle {
	return image.Rect(0, s.YStart, s.Width, s.YEnd)
}

// DetectionResult is the outcome of a panel analysis pass.
type DetectionResult struct {
	// Boundaries are ascending y coordinates where a new strip starts.
	Boundaries []int
	Confidence float64
	Method     string
	Duration   time.Duration
}

// Quality selects the downscale factor of a rendered strip.
type Quality uint8

// Quality levels. QualityNone marks "nothing loaded" or "nothing in flight".
const (
	QualityNone Quality = iota
	QualityPreview
	QualityLow
	QualityMedium
	QualityHigh
)

// Scale returns the downscale factor for q. QualityNone scales to zero.
func (q Quality) Scale() float64 {
	switch q {
	case QualityPreview:
		return 0.125
	case QualityLow:
		return 0.25
	case QualityMedium:
		return 0.5
	case QualityHigh:
		return 1
	default:
		return 0
	}
}

// String returns the string representation of the quality.
func (q Quality) String() string {
	switch q {
	case QualityNone:
		return "none"
	case QualityPreview:
		return "preview"
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// StripState is a snapshot of the render state of one strip.
type StripState struct {
	Image        string
	Index        int
	Preview      image.Image
	Full         image.Image
	Loaded       Quality
	Loading      Quality
	LastAccessed time.Time
	// Bytes is the estimated memory held by Preview and Full (w*h*4 each).
	Bytes int64
}

// Bitmap returns the bitmap matching the loaded quality, falling back to
// whichever bitmap is present. It returns nil if nothing is loaded.
func (s StripState) Bitmap() image.Image {
	if s.Loaded == QualityPreview && s.Preview != nil {
		return s.Preview
	}
	if s.Full != nil {
		return s.Full
	}
	return s.Preview
}
