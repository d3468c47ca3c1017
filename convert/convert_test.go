package convert_test

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pagestrip/convert"
	"github.com/meigma/pagestrip/internal/testutil"
)

type failingEncoder struct {
	format string
	calls  int
}

func (e *failingEncoder) Format() string { return e.format }
func (e *failingEncoder) Ext() string    { return "." + e.format }

func (e *failingEncoder) Encode(io.Writer, image.Image) error {
	e.calls++
	return errors.New("encoder unavailable")
}

func TestConvertPNG(t *testing.T) {
	t.Parallel()

	src := testutil.Gradient(64, 48)
	var in bytes.Buffer
	require.NoError(t, jpeg.Encode(&in, src, &jpeg.Options{Quality: 90}))

	res, err := convert.New().Convert(in.Bytes(), "001")
	require.NoError(t, err)

	assert.Equal(t, "001.png", res.Name)
	assert.Equal(t, "jpeg", res.Source)
	assert.Equal(t, "png", res.Metadata.Format)
	assert.Equal(t, "001.png", res.Metadata.Name)
	assert.Equal(t, 64, res.Metadata.Width)
	assert.Equal(t, 48, res.Metadata.Height)
	assert.Equal(t, int64(len(res.Data)), res.Metadata.Size)
	assert.Equal(t, digest.FromBytes(res.Data), res.Metadata.Digest)

	decoded, format, err := image.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, src.Bounds(), decoded.Bounds())
}

func TestConvertIsLossless(t *testing.T) {
	t.Parallel()

	src := testutil.Gradient(33, 17)
	res, err := convert.New().Convert(testutil.PNG(t, src), "page")
	require.NoError(t, err)

	decoded, _, err := image.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	for y := range 17 {
		for x := range 33 {
			require.Equal(t, src.At(x, y), decoded.At(x, y))
		}
	}
}

func TestConvertFallback(t *testing.T) {
	t.Parallel()

	preferred := &failingEncoder{format: "jxl"}
	c := convert.New(convert.WithPreferred(preferred))

	res, err := c.Convert(testutil.PNG(t, testutil.Gradient(10, 10)), "page.webp")
	require.NoError(t, err)
	assert.Equal(t, 1, preferred.calls)
	assert.Equal(t, "page.tiff", res.Name)
	assert.Equal(t, "tiff", res.Metadata.Format)

	_, format, err := image.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, "tiff", format)
}

func TestConvertEncodeError(t *testing.T) {
	t.Parallel()

	c := convert.New(
		convert.WithPreferred(&failingEncoder{format: "jxl"}),
		convert.WithFallback(&failingEncoder{format: "webp"}),
	)
	_, err := c.Convert(testutil.PNG(t, testutil.Gradient(4, 4)), "page")
	require.ErrorIs(t, err, convert.ErrEncode)
	assert.NotErrorIs(t, err, convert.ErrDecode)
}

func TestConvertDecodeError(t *testing.T) {
	t.Parallel()

	_, err := convert.New().Convert([]byte("not an image at all, just text"), "page")
	require.ErrorIs(t, err, convert.ErrDecode)

	data := testutil.PNG(t, testutil.Gradient(20, 20))
	_, err = convert.New().Convert(data[:len(data)/2], "page")
	require.ErrorIs(t, err, convert.ErrDecode)
}

func TestFinalName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, ext, want string
	}{
		{"001", ".png", "001.png"},
		{"001.jpg", ".png", "001.png"},
		{"001.WEBP", ".tiff", "001.tiff"},
		{"chapter.1", ".png", "chapter.1.png"},
		{"001.png", ".png", "001.png"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, convert.FinalName(tc.name, tc.ext), tc.name)
	}
}

func TestEncoderFor(t *testing.T) {
	t.Parallel()

	for _, format := range []string{"png", "TIFF", "bmp"} {
		enc, err := convert.EncoderFor(format)
		require.NoError(t, err, format)
		assert.NotEmpty(t, enc.Ext())
	}
	_, err := convert.EncoderFor("jxl")
	require.ErrorIs(t, err, convert.ErrEncode)
}
