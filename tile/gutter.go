package tile

import (
	"image"
	"image/color"
	"time"
)

const (
	// MethodGutter tags results produced by gutter detection.
	MethodGutter = "gutter_detection"
	// MethodNone tags results where no boundary was found.
	MethodNone = "none"

	gutterConfidence = 0.7
)

// Analyze runs panel detection on img.
func Analyze(img image.Image, p Params) DetectionResult {
	start := time.Now()
	res := DetectionResult{Method: MethodNone}
	if b := DetectGutters(img, p.GutterThreshold, p.BackgroundLevel, p.MinGutterHeight); len(b) > 0 {
		res.Boundaries = b
		res.Confidence = gutterConfidence
		res.Method = MethodGutter
	}
	res.Duration = time.Since(start)
	return res
}

// DetectGutters returns the midpoints of horizontal gutters in img, in
// image-relative coordinates. A gutter is a maximal run of at least
// minHeight rows in which the fraction of pixels brighter than level
// exceeds threshold.
func DetectGutters(img image.Image, threshold float64, level uint8, minHeight int) []int {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}
	if minHeight < 1 {
		minHeight = 1
	}

	var out []int
	runStart := -1
	closeRun := func(end int) {
		if runStart >= 0 && end-runStart >= minHeight {
			out = append(out, runStart+(end-runStart)/2)
		}
		runStart = -1
	}
	for y := range h {
		ratio := float64(brightPixels(img, b.Min.Y+y, level)) / float64(w)
		if ratio > threshold {
			if runStart < 0 {
				runStart = y
			}
			continue
		}
		closeRun(y)
	}
	closeRun(h)
	return out
}

// brightPixels counts the pixels of row y whose luma exceeds level.
func brightPixels(img image.Image, y int, level uint8) int {
	b := img.Bounds()
	n := 0
	switch m := img.(type) {
	case *image.Gray:
		row := m.Pix[m.PixOffset(b.Min.X, y):m.PixOffset(b.Max.X, y)]
		for _, v := range row {
			if v > level {
				n++
			}
		}
	case *image.YCbCr:
		row := m.Y[m.YOffset(b.Min.X, y) : m.YOffset(b.Max.X-1, y)+1]
		for _, v := range row {
			if v > level {
				n++
			}
		}
	case *image.RGBA:
		row := m.Pix[m.PixOffset(b.Min.X, y):m.PixOffset(b.Max.X, y)]
		for i := 0; i+3 < len(row); i += 4 {
			if luma8(row[i], row[i+1], row[i+2]) > level {
				n++
			}
		}
	case *image.NRGBA:
		row := m.Pix[m.PixOffset(b.Min.X, y):m.PixOffset(b.Max.X, y)]
		for i := 0; i+3 < len(row); i += 4 {
			if luma8(row[i], row[i+1], row[i+2]) > level {
				n++
			}
		}
	default:
		for x := b.Min.X; x < b.Max.X; x++ {
			if color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y > level {
				n++
			}
		}
	}
	return n
}

// luma8 is the 8-bit form of the color.GrayModel weights.
func luma8(r, g, b uint8) uint8 {
	return uint8((19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 1<<15) >> 16)
}
