package tile_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pagestrip/tile"
)

func meta(w, h int) tile.ImageMetadata {
	return tile.ImageMetadata{Name: "001.png", Width: w, Height: h}
}

// requirePartition checks that strips cover [0, height) exactly.
func requirePartition(t *testing.T, strips []tile.Descriptor, m tile.ImageMetadata) {
	t.Helper()
	require.NotEmpty(t, strips)
	y := 0
	for i, s := range strips {
		require.Equal(t, i, s.Index)
		require.Equal(t, m.Name, s.Image)
		require.Equal(t, m.Width, s.Width)
		require.Equal(t, y, s.YStart, "strip %d starts at %d", i, s.YStart)
		require.Greater(t, s.YEnd, s.YStart)
		require.Equal(t, s.YEnd-s.YStart, s.Height)
		y = s.YEnd
	}
	require.Equal(t, m.Height, y)
}

func TestUniformScenario(t *testing.T) {
	t.Parallel()

	strips, err := tile.Uniform(meta(800, 1000), 256)
	require.NoError(t, err)
	require.Len(t, strips, 4)

	want := [][2]int{{0, 256}, {256, 512}, {512, 768}, {768, 1000}}
	flags := []bool{true, false, false, true}
	for i, s := range strips {
		assert.Equal(t, want[i][0], s.YStart)
		assert.Equal(t, want[i][1], s.YEnd)
		assert.Equal(t, flags[i], s.PanelBoundary, "strip %d", i)
	}
	assert.Equal(t, 232, strips[3].Height)
}

func TestUniformSingleStrip(t *testing.T) {
	t.Parallel()

	strips, err := tile.Uniform(meta(100, 50), 256)
	require.NoError(t, err)
	require.Len(t, strips, 1)
	assert.True(t, strips[0].PanelBoundary)
	assert.Equal(t, 50, strips[0].Height)
}

func TestUniformProperty(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(1, 2))
	for range 500 {
		m := meta(1+r.IntN(2000), 1+r.IntN(20000))
		sh := 1 + r.IntN(1024)
		strips, err := tile.Uniform(m, sh)
		require.NoError(t, err)
		requirePartition(t, strips, m)
		require.Len(t, strips, (m.Height+sh-1)/sh)
	}
}

func TestUniformRejectsInvalidMetadata(t *testing.T) {
	t.Parallel()

	for _, m := range []tile.ImageMetadata{
		{Name: "", Width: 10, Height: 10},
		{Name: "a", Width: 0, Height: 10},
		{Name: "a", Width: 10, Height: 0},
	} {
		_, err := tile.Uniform(m, 256)
		assert.ErrorIs(t, err, tile.ErrInvalidMetadata)
	}
	_, err := tile.Uniform(meta(10, 10), 0)
	assert.Error(t, err)
}

func TestMaterialize(t *testing.T) {
	t.Parallel()

	m := meta(800, 3000)
	res := tile.DetectionResult{Boundaries: []int{400, 450, 900, 2900}, Confidence: 0.7}
	strips, err := tile.Materialize(m, res, 128, 1024)
	require.NoError(t, err)
	requirePartition(t, strips, m)

	// [0,400) kept, [400,450) merged into it, [450,900) kept,
	// [900,2900) split in two, [2900,3000) would push the last half past
	// 1024 rows, so [900,3000) is split again into three.
	got := make([][2]int, len(strips))
	for i, s := range strips {
		got[i] = [2]int{s.YStart, s.YEnd}
	}
	assert.Equal(t, [][2]int{{0, 450}, {450, 900}, {900, 1600}, {1600, 2300}, {2300, 3000}}, got)

	assert.True(t, strips[0].PanelBoundary)
	assert.False(t, strips[1].PanelBoundary)
	assert.InDelta(t, 0.7, strips[1].Confidence, 1e-9)
	for _, s := range strips[2:] {
		assert.False(t, s.PanelBoundary)
		assert.InDelta(t, 0.5, s.Confidence, 1e-9)
	}
}

func TestMaterializeSmallFirstSegment(t *testing.T) {
	t.Parallel()

	m := meta(100, 1000)
	strips, err := tile.Materialize(m, tile.DetectionResult{Boundaries: []int{50, 60, 500}, Confidence: 1}, 128, 1024)
	require.NoError(t, err)
	requirePartition(t, strips, m)
	// [0,50) is kept although short and absorbs [50,60).
	require.Len(t, strips, 3)
	assert.Equal(t, 60, strips[0].YEnd)
	assert.True(t, strips[0].PanelBoundary)
	assert.False(t, strips[1].PanelBoundary)
	assert.True(t, strips[2].PanelBoundary)
}

func TestMaterializeIgnoresBadBoundaries(t *testing.T) {
	t.Parallel()

	m := meta(100, 1000)
	res := tile.DetectionResult{Boundaries: []int{-5, 0, 500, 300, 500, 1000, 4000}, Confidence: 1}
	strips, err := tile.Materialize(m, res, 128, 1024)
	require.NoError(t, err)
	requirePartition(t, strips, m)
	require.Len(t, strips, 2)
	assert.Equal(t, 500, strips[0].YEnd)
}

func TestMaterializeSplitsEvenly(t *testing.T) {
	t.Parallel()

	m := meta(100, 2050)
	strips, err := tile.Materialize(m, tile.DetectionResult{Confidence: 1}, 128, 1024)
	require.NoError(t, err)
	requirePartition(t, strips, m)
	require.Len(t, strips, 3)
	for _, s := range strips {
		assert.LessOrEqual(t, s.Height, 1024)
		assert.GreaterOrEqual(t, s.Height, 683)
	}
}

func TestMaterializeProperty(t *testing.T) {
	t.Parallel()

	const minH, maxH = 128, 1024
	r := rand.New(rand.NewPCG(3, 4))
	for range 500 {
		m := meta(1+r.IntN(1000), 1+r.IntN(30000))
		var bounds []int
		for y := r.IntN(600); y < m.Height; y += 1 + r.IntN(1500) {
			bounds = append(bounds, y)
		}
		strips, err := tile.Materialize(m, tile.DetectionResult{Boundaries: bounds, Confidence: 0.7}, minH, maxH)
		require.NoError(t, err)
		requirePartition(t, strips, m)
		for _, s := range strips {
			require.LessOrEqual(t, s.Height, maxH, "strip %d of %v", s.Index, bounds)
			if s.Index > 0 {
				require.GreaterOrEqual(t, s.Height, minH, "strip %d of %v", s.Index, bounds)
			}
		}
	}
}

func TestMaterializeShortSegmentAfterSplit(t *testing.T) {
	t.Parallel()

	m := meta(100, 3000)
	strips, err := tile.Materialize(m, tile.DetectionResult{Boundaries: []int{2000, 2050}, Confidence: 0.7}, 128, 1024)
	require.NoError(t, err)
	requirePartition(t, strips, m)

	// [0,2000) splits in two; [2000,2050) cannot join the second half
	// without exceeding 1024 rows, so [0,2050) is split into three.
	got := make([][2]int, len(strips))
	for i, s := range strips {
		got[i] = [2]int{s.YStart, s.YEnd}
	}
	assert.Equal(t, [][2]int{{0, 684}, {684, 1367}, {1367, 2050}, {2050, 3000}}, got)
	for _, s := range strips[:3] {
		assert.InDelta(t, 0.5, s.Confidence, 1e-9)
	}
	assert.True(t, strips[3].PanelBoundary)
}

func TestMaterializeShortSegmentAfterTallStrip(t *testing.T) {
	t.Parallel()

	m := meta(100, 1500)
	strips, err := tile.Materialize(m, tile.DetectionResult{Boundaries: []int{1000, 1100}, Confidence: 0.7}, 128, 1024)
	require.NoError(t, err)
	requirePartition(t, strips, m)
	require.Len(t, strips, 3)
	assert.Equal(t, [2]int{0, 550}, [2]int{strips[0].YStart, strips[0].YEnd})
	assert.Equal(t, [2]int{550, 1100}, [2]int{strips[1].YStart, strips[1].YEnd})
	assert.Equal(t, 1500, strips[2].YEnd)
	for _, s := range strips {
		assert.LessOrEqual(t, s.Height, 1024)
	}
}

func TestMaterializeBoundsWithoutMerges(t *testing.T) {
	t.Parallel()

	const minH, maxH = 128, 1024
	r := rand.New(rand.NewPCG(5, 6))
	for range 500 {
		var bounds []int
		y := 0
		for range 1 + r.IntN(30) {
			y += minH + r.IntN(3*maxH)
			bounds = append(bounds, y)
		}
		m := meta(500, y+minH+r.IntN(maxH))
		strips, err := tile.Materialize(m, tile.DetectionResult{Boundaries: bounds, Confidence: 0.7}, minH, maxH)
		require.NoError(t, err)
		requirePartition(t, strips, m)
		for _, s := range strips {
			require.GreaterOrEqual(t, s.Height, minH)
			require.LessOrEqual(t, s.Height, maxH)
		}
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for _, mode := range []tile.Mode{tile.ModeAdaptive, tile.ModeContentAware, tile.ModeUniform} {
		got, err := tile.ParseMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}
	_, err := tile.ParseMode("panels")
	assert.Error(t, err)
}

func TestParamsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, tile.DefaultParams().Validate())

	bad := []func(*tile.Params){
		func(p *tile.Params) { p.StripHeight = 0 },
		func(p *tile.Params) { p.MinStripHeight = 0 },
		func(p *tile.Params) { p.MaxStripHeight = p.MinStripHeight - 1 },
		func(p *tile.Params) { p.GutterThreshold = 1.5 },
		func(p *tile.Params) { p.MinGutterHeight = 0 },
		func(p *tile.Params) { p.ConfidenceThreshold = -0.1 },
	}
	for i, mutate := range bad {
		p := tile.DefaultParams()
		mutate(&p)
		assert.Error(t, p.Validate(), "case %d", i)
	}
}
