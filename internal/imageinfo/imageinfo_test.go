package imageinfo_test

import (
	"bytes"
	"image"
	"image/gif"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pagestrip/internal/imageinfo"
	"github.com/meigma/pagestrip/internal/testutil"
)

func TestParseFormats(t *testing.T) {
	t.Parallel()

	img := testutil.Gradient(40, 30)

	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, img, nil))
	var gf bytes.Buffer
	require.NoError(t, gif.Encode(&gf, img, nil))

	cases := map[string][]byte{
		"png":  testutil.PNG(t, img),
		"jpeg": jpg.Bytes(),
		"gif":  gf.Bytes(),
	}
	for format, data := range cases {
		info, err := imageinfo.Parse(data)
		require.NoError(t, err, format)
		assert.Equal(t, imageinfo.Info{Width: 40, Height: 30, Format: format}, info)
	}
}

func TestParseHeaderPrefix(t *testing.T) {
	t.Parallel()

	data := testutil.PNG(t, testutil.Gradient(320, 2000))
	require.Greater(t, len(data), imageinfo.HeaderPrefixSize)

	info, err := imageinfo.Parse(data[:imageinfo.HeaderPrefixSize])
	require.NoError(t, err)
	assert.Equal(t, 320, info.Width)
	assert.Equal(t, 2000, info.Height)
}

func TestParseIncomplete(t *testing.T) {
	t.Parallel()

	data := testutil.PNG(t, image.NewGray(image.Rect(0, 0, 8, 8)))
	for _, n := range []int{0, 4, 8, 20} {
		_, err := imageinfo.Parse(data[:n])
		assert.ErrorIs(t, err, imageinfo.ErrIncomplete, "prefix %d", n)
	}
}

func TestParseUnknownFormat(t *testing.T) {
	t.Parallel()

	_, err := imageinfo.Parse([]byte("this is definitely not an image file"))
	require.ErrorIs(t, err, imageinfo.ErrUnknownFormat)
}
