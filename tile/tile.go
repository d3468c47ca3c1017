// Package tile partitions images into horizontal strips.
//
// A strip set always covers [0, height) of its image exactly: sorted,
// contiguous, and indexed 0..N-1. The first set for an image is uniform.
// A background panel analysis may later replace it wholesale with strips
// cut at the gutters between panels.
package tile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/meigma/pagestrip/internal/pagetype"
)

// Descriptor describes one strip of an image.
type Descriptor = pagetype.Strip

// DetectionResult is the outcome of a panel analysis pass.
type DetectionResult = pagetype.DetectionResult

// ImageMetadata describes the image being partitioned.
type ImageMetadata = pagetype.ImageMetadata

// ErrInvalidMetadata is returned for images without a name or a positive size.
var ErrInvalidMetadata = errors.New("pagestrip: invalid image metadata")

// subStripConfidence is the confidence of strips produced by splitting a
// panel taller than the maximum strip height.
const subStripConfidence = 0.5

// Mode selects how strips are produced.
type Mode uint8

// Strip modes.
const (
	// ModeAdaptive analyzes images taller than the maximum strip height.
	ModeAdaptive Mode = iota
	// ModeContentAware analyzes every image.
	ModeContentAware
	// ModeUniform never analyzes; strips stay uniform.
	ModeUniform
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeAdaptive:
		return "adaptive"
	case ModeContentAware:
		return "content_aware"
	case ModeUniform:
		return "uniform"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name as returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "adaptive", "":
		return ModeAdaptive, nil
	case "content_aware", "content-aware":
		return ModeContentAware, nil
	case "uniform":
		return ModeUniform, nil
	default:
		return 0, fmt.Errorf("unknown strip mode %q", s)
	}
}

// Params are the geometry and detection parameters.
type Params struct {
	// StripHeight is the height of uniform strips.
	StripHeight int
	// MinStripHeight and MaxStripHeight bound content-aware strips.
	MinStripHeight int
	MaxStripHeight int
	// GutterThreshold is the fraction of background pixels above which a
	// row counts as gutter.
	GutterThreshold float64
	// BackgroundLevel is the gray level above which a pixel is background.
	BackgroundLevel uint8
	// MinGutterHeight is the minimum number of consecutive gutter rows.
	MinGutterHeight int
	// ConfidenceThreshold is the minimum detection confidence accepted.
	ConfidenceThreshold float64
}

// DefaultParams returns the default parameters.
func DefaultParams() Params {
	return Params{
		StripHeight:         256,
		MinStripHeight:      128,
		MaxStripHeight:      1024,
		GutterThreshold:     0.8,
		BackgroundLevel:     240,
		MinGutterHeight:     10,
		ConfidenceThreshold: 0.6,
	}
}

// Validate reports whether p is usable.
func (p Params) Validate() error {
	switch {
	case p.StripHeight <= 0:
		return fmt.Errorf("strip height must be > 0, got %d", p.StripHeight)
	case p.MinStripHeight <= 0:
		return fmt.Errorf("min strip height must be > 0, got %d", p.MinStripHeight)
	case p.MaxStripHeight < p.MinStripHeight:
		return fmt.Errorf("max strip height %d < min strip height %d", p.MaxStripHeight, p.MinStripHeight)
	case p.GutterThreshold < 0 || p.GutterThreshold > 1:
		return fmt.Errorf("gutter threshold must be in [0,1], got %g", p.GutterThreshold)
	case p.MinGutterHeight <= 0:
		return fmt.Errorf("min gutter height must be > 0, got %d", p.MinGutterHeight)
	case p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1:
		return fmt.Errorf("confidence threshold must be in [0,1], got %g", p.ConfidenceThreshold)
	}
	return nil
}

func validateMetadata(meta ImageMetadata) error {
	if meta.Name == "" || meta.Width <= 0 || meta.Height <= 0 {
		return fmt.Errorf("%w: name=%q size=%dx%d", ErrInvalidMetadata, meta.Name, meta.Width, meta.Height)
	}
	return nil
}

// Uniform cuts the image into strips of stripHeight rows; the last strip
// takes the remainder. The first and last strips are panel boundaries.
func Uniform(meta ImageMetadata, stripHeight int) ([]Descriptor, error) {
	if err := validateMetadata(meta); err != nil {
		return nil, err
	}
	if stripHeight <= 0 {
		return nil, fmt.Errorf("strip height must be > 0, got %d", stripHeight)
	}
	n := (meta.Height + stripHeight - 1) / stripHeight
	strips := make([]Descriptor, 0, n)
	for y := 0; y < meta.Height; y += stripHeight {
		end := min(y+stripHeight, meta.Height)
		strips = append(strips, Descriptor{
			Image:         meta.Name,
			Index:         len(strips),
			YStart:        y,
			YEnd:          end,
			Width:         meta.Width,
			Height:        end - y,
			PanelBoundary: y == 0 || end == meta.Height,
		})
	}
	return strips, nil
}

// segment is a strip under construction.
type segment struct {
	start, end int
	split      bool
	// run groups the sub-strips cut from one segment; zero when unsplit.
	run int
}

// Materialize cuts the image at result.Boundaries.
//
// Segments shorter than minHeight are merged into the previous strip; the
// first segment is kept even if short. Segments taller than maxHeight are
// split into equal sub-strips that are not panel boundaries. A merge that
// would grow a strip past maxHeight re-splits the strip, or the whole run
// of sub-strips it belongs to, together with the short segment. No strip
// is taller than maxHeight. Out-of-range and unsorted boundaries are
// ignored.
func Materialize(meta ImageMetadata, result DetectionResult, minHeight, maxHeight int) ([]Descriptor, error) {
	if err := validateMetadata(meta); err != nil {
		return nil, err
	}
	if minHeight <= 0 || maxHeight < minHeight {
		return nil, fmt.Errorf("invalid strip height bounds [%d, %d]", minHeight, maxHeight)
	}

	cuts := make([]int, 0, len(result.Boundaries)+2)
	cuts = append(cuts, 0)
	for _, b := range result.Boundaries {
		if b > cuts[len(cuts)-1] && b < meta.Height {
			cuts = append(cuts, b)
		}
	}
	cuts = append(cuts, meta.Height)

	var segs []segment
	runs := 0
	for i := 0; i+1 < len(cuts); i++ {
		start, end := cuts[i], cuts[i+1]
		h := end - start
		switch {
		case h > maxHeight:
			runs++
			segs = append(segs, splitEven(start, end, maxHeight, runs)...)
		case h < minHeight && len(segs) > 0:
			last := len(segs) - 1
			if end-segs[last].start <= maxHeight {
				segs[last].end = end
				break
			}
			from := last
			for from > 0 && segs[last].run != 0 && segs[from-1].run == segs[last].run {
				from--
			}
			runs++
			segs = append(segs[:from], splitEven(segs[from].start, end, maxHeight, runs)...)
		default:
			segs = append(segs, segment{start: start, end: end})
		}
	}

	strips := make([]Descriptor, len(segs))
	for i, s := range segs {
		d := Descriptor{
			Image:      meta.Name,
			Index:      i,
			YStart:     s.start,
			YEnd:       s.end,
			Width:      meta.Width,
			Height:     s.end - s.start,
			Confidence: result.Confidence,
		}
		if s.split {
			d.Confidence = subStripConfidence
		} else {
			d.PanelBoundary = i == 0 || i == len(segs)-1
		}
		strips[i] = d
	}
	return strips, nil
}

// splitEven splits [start, end) into the fewest equal parts no taller than
// maxHeight. Part heights differ by at most one row.
func splitEven(start, end, maxHeight, run int) []segment {
	h := end - start
	n := (h + maxHeight - 1) / maxHeight
	out := make([]segment, n)
	y := start
	for i := range n {
		size := h / n
		if i < h%n {
			size++
		}
		out[i] = segment{start: y, end: y + size, split: true, run: run}
		y += size
	}
	return out
}
