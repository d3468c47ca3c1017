package strip_test

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pagestrip/event"
	"github.com/meigma/pagestrip/internal/testutil"
	"github.com/meigma/pagestrip/strip"
)

// loadedEvents forwards StripLoaded and StripUnloaded events to a channel.
type loadedEvents chan event.Event

func (ch loadedEvents) Publish(e event.Event) {
	switch e.(type) {
	case event.StripLoaded, event.StripUnloaded:
		ch <- e
	}
}

func (ch loadedEvents) next(t *testing.T) event.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for strip event")
		return nil
	}
}

func newCache(t *testing.T, opts ...strip.Option) (*strip.Cache, loadedEvents) {
	t.Helper()
	ch := make(loadedEvents, 64)
	c, err := strip.New(append([]strip.Option{strip.WithPublisher(ch), strip.WithWorkers(2)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, ch
}

func desc(index, y0, y1 int) strip.Descriptor {
	return strip.Descriptor{Image: "p.png", Index: index, YStart: y0, YEnd: y1, Width: 256, Height: y1 - y0}
}

func TestRequestUpgradeScenario(t *testing.T) {
	t.Parallel()

	data := testutil.PNG(t, testutil.Gradient(256, 512))
	c, events := newCache(t)
	ctx := context.Background()
	d := desc(1, 256, 512)

	st, err := c.Request(ctx, d, strip.QualityPreview, data)
	require.NoError(t, err)
	assert.Nil(t, st.Bitmap())
	assert.Equal(t, strip.QualityPreview, st.Loading)

	loaded := events.next(t).(event.StripLoaded)
	assert.Equal(t, strip.QualityPreview, loaded.State.Loaded)
	preview := loaded.State.Bitmap()
	require.NotNil(t, preview)
	assert.Equal(t, image.Rect(0, 0, 32, 32), preview.Bounds())

	st, err = c.Request(ctx, d, strip.QualityHigh, data)
	require.NoError(t, err)
	assert.Same(t, preview, st.Bitmap())
	assert.Equal(t, strip.QualityPreview, st.Loaded)
	assert.Equal(t, strip.QualityHigh, st.Loading)

	deadline := time.After(10 * time.Second)
polling:
	for {
		select {
		case <-events:
			break polling
		case <-deadline:
			t.Fatal("timed out waiting for high quality render")
		default:
			cur, ok := c.State("p.png", 1)
			require.True(t, ok)
			require.NotNil(t, cur.Bitmap())
		}
	}

	cur, ok := c.State("p.png", 1)
	require.True(t, ok)
	assert.Equal(t, strip.QualityHigh, cur.Loaded)
	assert.Equal(t, strip.QualityNone, cur.Loading)
	assert.Equal(t, image.Rect(0, 0, 256, 256), cur.Bitmap().Bounds())
	assert.Same(t, preview, cur.Preview)
	assert.Equal(t, int64(32*32*4+256*256*4), cur.Bytes)
}

func TestRequestRendersCroppedRegion(t *testing.T) {
	t.Parallel()

	src := testutil.Gradient(256, 512)
	c, events := newCache(t)

	_, err := c.Request(context.Background(), desc(2, 300, 400), strip.QualityHigh, testutil.PNG(t, src))
	require.NoError(t, err)
	loaded := events.next(t).(event.StripLoaded)

	bmp := loaded.State.Bitmap()
	require.Equal(t, image.Rect(0, 0, 256, 100), bmp.Bounds())
	for _, p := range []image.Point{{0, 0}, {17, 42}, {255, 99}} {
		assert.Equal(t, color.RGBAModel.Convert(src.At(p.X, p.Y+300)), bmp.At(p.X, p.Y))
	}
}

func TestRequestSameQualityDoesNotRerender(t *testing.T) {
	t.Parallel()

	data := testutil.PNG(t, testutil.Gradient(256, 256))
	c, events := newCache(t)
	d := desc(0, 0, 256)

	_, err := c.Request(context.Background(), d, strip.QualityLow, data)
	require.NoError(t, err)
	_, err = c.Request(context.Background(), d, strip.QualityLow, data)
	require.NoError(t, err)
	events.next(t)

	st, err := c.Request(context.Background(), d, strip.QualityLow, data)
	require.NoError(t, err)
	assert.Equal(t, strip.QualityLow, st.Loaded)
	assert.Equal(t, strip.QualityNone, st.Loading)
	assert.Equal(t, image.Rect(0, 0, 64, 64), st.Bitmap().Bounds())
	assert.Equal(t, int64(1), c.Stats().Renders)
}

func TestRequestPreviewReusesCachedPreview(t *testing.T) {
	t.Parallel()

	data := testutil.PNG(t, testutil.Gradient(256, 256))
	c, events := newCache(t)
	d := desc(0, 0, 256)

	_, err := c.Request(context.Background(), d, strip.QualityPreview, data)
	require.NoError(t, err)
	events.next(t)
	_, err = c.Request(context.Background(), d, strip.QualityMedium, data)
	require.NoError(t, err)
	events.next(t)

	st, err := c.Request(context.Background(), d, strip.QualityPreview, data)
	require.NoError(t, err)
	assert.Equal(t, strip.QualityPreview, st.Loaded)
	assert.Same(t, st.Preview, st.Bitmap())
	assert.Equal(t, int64(2), c.Stats().Renders)
}

func TestRequestFromSource(t *testing.T) {
	t.Parallel()

	src := testutil.NewMockCache()
	require.NoError(t, src.Add("p.png", testutil.PNG(t, testutil.Gradient(256, 256))))
	c, events := newCache(t, strip.WithSource(src))

	_, err := c.Request(context.Background(), desc(0, 0, 128), strip.QualityMedium, nil)
	require.NoError(t, err)
	loaded := events.next(t).(event.StripLoaded)
	assert.Equal(t, image.Rect(0, 0, 128, 64), loaded.State.Bitmap().Bounds())
}

func TestRequestValidation(t *testing.T) {
	t.Parallel()

	c, _ := newCache(t)
	ctx := context.Background()
	data := []byte("x")

	_, err := c.Request(ctx, strip.Descriptor{Index: 0, YEnd: 10, Width: 10}, strip.QualityHigh, data)
	assert.ErrorIs(t, err, strip.ErrInvalidDescriptor)
	_, err = c.Request(ctx, desc(0, 10, 10), strip.QualityHigh, data)
	assert.ErrorIs(t, err, strip.ErrInvalidDescriptor)
	_, err = c.Request(ctx, desc(0, 0, 10), strip.QualityNone, data)
	assert.ErrorIs(t, err, strip.ErrInvalidDescriptor)
	_, err = c.Request(ctx, desc(0, 0, 10), strip.QualityHigh, nil)
	assert.ErrorIs(t, err, strip.ErrNoSource)
}

func TestRenderFailureClearsLoading(t *testing.T) {
	t.Parallel()

	c, _ := newCache(t)
	_, err := c.Request(context.Background(), desc(0, 0, 10), strip.QualityHigh, []byte("not an image"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := c.State("p.png", 0)
		return !ok
	}, 10*time.Second, 5*time.Millisecond)
}

func TestInvalidateUnloadsImage(t *testing.T) {
	t.Parallel()

	data := testutil.PNG(t, testutil.Gradient(256, 512))
	c, events := newCache(t)

	for i := range 2 {
		_, err := c.Request(context.Background(), desc(i, i*256, (i+1)*256), strip.QualityPreview, data)
		require.NoError(t, err)
	}
	events.next(t)
	events.next(t)
	require.Equal(t, 2, c.Stats().Slots)

	assert.Equal(t, 2, c.Invalidate("p.png"))
	assert.IsType(t, event.StripUnloaded{}, events.next(t))
	assert.IsType(t, event.StripUnloaded{}, events.next(t))
	_, ok := c.State("p.png", 0)
	assert.False(t, ok)
	assert.Zero(t, c.Stats().Bytes)
}

func solid(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return testutil.PNG(t, img)
}

func TestRequestDecodesNewBytesForKnownImage(t *testing.T) {
	t.Parallel()

	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	c, events := newCache(t)
	d := desc(0, 0, 256)

	_, err := c.Request(context.Background(), d, strip.QualityLow, solid(t, red))
	require.NoError(t, err)
	loaded := events.next(t).(event.StripLoaded)
	assert.Equal(t, red, color.RGBAModel.Convert(loaded.State.Bitmap().At(0, 0)))

	_, err = c.Request(context.Background(), d, strip.QualityHigh, solid(t, blue))
	require.NoError(t, err)
	loaded = events.next(t).(event.StripLoaded)
	assert.Equal(t, strip.QualityHigh, loaded.State.Loaded)
	assert.Equal(t, blue, color.RGBAModel.Convert(loaded.State.Bitmap().At(0, 0)))
}

func TestInvalidateForgetsDecodedSource(t *testing.T) {
	t.Parallel()

	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	src := testutil.NewMockCache()
	require.NoError(t, src.Add("p.png", solid(t, red)))
	c, events := newCache(t, strip.WithSource(src))
	d := desc(0, 0, 256)

	_, err := c.Request(context.Background(), d, strip.QualityLow, nil)
	require.NoError(t, err)
	loaded := events.next(t).(event.StripLoaded)
	assert.Equal(t, red, color.RGBAModel.Convert(loaded.State.Bitmap().At(0, 0)))

	require.NoError(t, src.Add("p.png", solid(t, blue)))
	assert.Equal(t, 1, c.Invalidate("p.png"))
	assert.IsType(t, event.StripUnloaded{}, events.next(t))

	_, err = c.Request(context.Background(), d, strip.QualityLow, nil)
	require.NoError(t, err)
	loaded = events.next(t).(event.StripLoaded)
	assert.Equal(t, blue, color.RGBAModel.Convert(loaded.State.Bitmap().At(0, 0)))
}

func TestGeometryChangeResetsSlot(t *testing.T) {
	t.Parallel()

	data := testutil.PNG(t, testutil.Gradient(256, 512))
	c, events := newCache(t)

	_, err := c.Request(context.Background(), desc(0, 0, 256), strip.QualityPreview, data)
	require.NoError(t, err)
	events.next(t)

	st, err := c.Request(context.Background(), desc(0, 0, 300), strip.QualityPreview, data)
	require.NoError(t, err)
	assert.Nil(t, st.Bitmap())
	assert.IsType(t, event.StripUnloaded{}, events.next(t))

	loaded := events.next(t).(event.StripLoaded)
	assert.Equal(t, 38, loaded.State.Bitmap().Bounds().Dy())
}

func TestBudgetEvictsLeastRecentlyAccessed(t *testing.T) {
	t.Parallel()

	data := testutil.PNG(t, testutil.Gradient(256, 768))
	// Each HIGH strip of 256x256 costs 256 KiB; room for two.
	c, events := newCache(t, strip.WithBudget(2*256*256*4))
	ctx := context.Background()

	for i := range 2 {
		_, err := c.Request(ctx, desc(i, i*256, (i+1)*256), strip.QualityHigh, data)
		require.NoError(t, err)
		events.next(t)
	}
	// Touch strip 0 so strip 1 becomes the eviction candidate.
	_, err := c.Request(ctx, desc(0, 0, 256), strip.QualityHigh, data)
	require.NoError(t, err)

	_, err = c.Request(ctx, desc(2, 512, 768), strip.QualityHigh, data)
	require.NoError(t, err)
	assert.IsType(t, event.StripLoaded{}, events.next(t))
	unloaded := events.next(t).(event.StripUnloaded)
	assert.Equal(t, 1, unloaded.Index)

	st := c.Stats()
	assert.Equal(t, int64(2*256*256*4), st.Bytes)
	assert.Equal(t, int64(1), st.Evicted)
	_, ok := c.State("p.png", 1)
	assert.False(t, ok)
	_, ok = c.State("p.png", 0)
	assert.True(t, ok)
}

func TestCloseRejectsRequests(t *testing.T) {
	t.Parallel()

	c, err := strip.New()
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Request(context.Background(), desc(0, 0, 10), strip.QualityHigh, []byte("x"))
	require.ErrorIs(t, err, strip.ErrClosed)

	_, err = strip.New(strip.WithBudget(-1))
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	t.Parallel()

	src := testutil.Gradient(100, 80)
	d := strip.Descriptor{Image: "a", YStart: 40, YEnd: 80, Width: 100, Height: 40}

	cases := map[strip.Quality]image.Rectangle{
		strip.QualityPreview: image.Rect(0, 0, 13, 5),
		strip.QualityLow:     image.Rect(0, 0, 25, 10),
		strip.QualityMedium:  image.Rect(0, 0, 50, 20),
		strip.QualityHigh:    image.Rect(0, 0, 100, 40),
	}
	for q, want := range cases {
		bmp, err := strip.Render(src, d, q)
		require.NoError(t, err, q.String())
		assert.Equal(t, want, bmp.Bounds(), q.String())
	}

	_, err := strip.Render(src, strip.Descriptor{YStart: 200, YEnd: 300, Width: 100}, strip.QualityHigh)
	require.ErrorIs(t, err, strip.ErrInvalidDescriptor)
}

func TestParseQuality(t *testing.T) {
	t.Parallel()

	for _, q := range []strip.Quality{strip.QualityPreview, strip.QualityLow, strip.QualityMedium, strip.QualityHigh} {
		got, err := strip.ParseQuality(q.String())
		require.NoError(t, err)
		assert.Equal(t, q, got)
	}
	got, err := strip.ParseQuality(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, strip.QualityHigh, got)

	for _, s := range []string{"", "none", "ultra"} {
		_, err := strip.ParseQuality(s)
		require.ErrorIs(t, err, strip.ErrInvalidDescriptor, s)
	}
}
