package strip

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	_ "github.com/meigma/pagestrip/internal/imageinfo" // register decoders
)

// Render crops d from src and scales it by q. The result is a new RGBA
// image with bounds at the origin.
func Render(src image.Image, d Descriptor, q Quality) (*image.RGBA, error) {
	scale := q.Scale()
	if scale <= 0 {
		return nil, fmt.Errorf("%w: quality %s", ErrInvalidDescriptor, q)
	}
	sb := src.Bounds()
	crop := d.Bounds().Add(sb.Min).Intersect(sb)
	if crop.Empty() {
		return nil, fmt.Errorf("%w: strip %s/%d [%d,%d) outside image bounds %v",
			ErrInvalidDescriptor, d.Image, d.Index, d.YStart, d.YEnd, sb)
	}

	w := scaled(crop.Dx(), scale)
	h := scaled(crop.Dy(), scale)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	switch {
	case scale == 1:
		draw.Draw(dst, dst.Bounds(), src, crop.Min, draw.Src)
	case q == QualityPreview:
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)
	default:
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)
	}
	return dst, nil
}

func scaled(n int, scale float64) int {
	return max(1, int(math.Round(float64(n)*scale)))
}

// bitmapBytes estimates the memory held by img at four bytes per pixel.
func bitmapBytes(img image.Image) int64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

func decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}
