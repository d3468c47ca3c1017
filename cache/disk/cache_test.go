package disk

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pagestrip/cache"
)

func TestCachePutGet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	content := []byte("hello")
	require.NoError(t, c.Put("page-001.png", content))

	got, err := c.Get("page-001.png")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	onDisk, err := os.ReadFile(filepath.Join(dir, "page-001.png"))
	require.NoError(t, err)
	assert.Equal(t, content, onDisk, "entries are flat files named by key")
	assert.Equal(t, int64(len(content)), c.SizeBytes())
}

func TestNewEmptyDir(t *testing.T) {
	t.Parallel()

	_, err := New("")
	require.Error(t, err)
}

func TestNewNegativeBudget(t *testing.T) {
	t.Parallel()

	_, err := New(t.TempDir(), WithMaxBytes(-1))
	require.Error(t, err)
}

func TestCacheGetMissing(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = c.Get("missing")
	require.ErrorIs(t, err, cache.ErrNotFound)
	_, err = c.Remove("missing")
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestCacheEvictsInInsertionOrder(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir(), WithMaxBytes(10))
	require.NoError(t, err)

	require.NoError(t, c.Put("a", []byte("aaaa")))
	require.NoError(t, c.Put("b", []byte("bbbb")))
	_, err = c.Get("a") // reads do not promote
	require.NoError(t, err)
	require.NoError(t, c.Put("c", []byte("cccc")))

	assert.Equal(t, []string{"b", "c"}, c.Names())
	assert.Equal(t, int64(8), c.SizeBytes())
	assert.NoFileExists(t, filepath.Join(c.Dir(), "a"))
}

func TestCachePutTooLarge(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir(), WithMaxBytes(4))
	require.NoError(t, err)

	err = c.Put("big", []byte("12345"))
	require.ErrorIs(t, err, cache.ErrCapacity)
	_, err = c.Reserve(5)
	require.ErrorIs(t, err, cache.ErrCapacity)
}

func TestCacheReserve(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir(), WithMaxBytes(10))
	require.NoError(t, err)
	require.NoError(t, c.Put("a", []byte("aaa")))
	require.NoError(t, c.Put("b", []byte("bbb")))
	require.NoError(t, c.Put("c", []byte("ccc")))

	evicted, err := c.Reserve(6)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, evicted)
	assert.Equal(t, int64(3), c.SizeBytes())
}

func TestCachePop(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Put("a", []byte("aaa")))

	got, err := c.Pop("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("aaa"), got)
	assert.False(t, c.Has("a"))
	assert.Zero(t, c.SizeBytes())
}

func TestCacheRebuildAdoptsFilesOldestFirst(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"third", "first", "second"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'x'}, 4), 0o600))
		mod := base.Add(time.Duration([]int{3, 1, 2}[i]) * time.Minute)
		require.NoError(t, os.Chtimes(path, mod, mod))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-123"), []byte("partial"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o700))

	c, err := New(dir, WithMaxBytes(8))
	require.NoError(t, err)

	// Pruned to budget, dropping the oldest file.
	assert.Equal(t, []string{"second", "third"}, c.Names())
	assert.Equal(t, int64(8), c.SizeBytes())
	assert.NoFileExists(t, filepath.Join(dir, "first"))
	assert.NoFileExists(t, filepath.Join(dir, ".tmp-123"))

	got, err := c.Get("third")
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestCacheDetectsCorruption(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, c.Put("a", []byte("original")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("tampered"), 0o600))

	_, err = c.Get("a")
	require.ErrorIs(t, err, ErrCorrupt)
	assert.False(t, c.Has("a"))
	assert.Zero(t, c.SizeBytes())
}

func TestCacheMissingFileIsNotFound(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, c.Put("a", []byte("data")))
	require.NoError(t, os.Remove(filepath.Join(dir, "a")))

	_, err = c.Get("a")
	require.ErrorIs(t, err, cache.ErrNotFound)
	assert.Zero(t, c.Len())
}

func TestCacheCompression(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithCompression(true))
	require.NoError(t, err)

	content := bytes.Repeat([]byte("compressible "), 200)
	require.NoError(t, c.Put("text", content))

	info, err := os.Stat(filepath.Join(dir, "text"))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(content)))
	assert.Equal(t, int64(len(content)), c.SizeBytes(), "budget counts logical bytes")

	got, err := c.Get("text")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// A new cache over the same directory recovers the logical size.
	reopened, err := New(dir, WithCompression(true))
	require.NoError(t, err)
	size, ok := reopened.Size("text")
	require.True(t, ok)
	assert.Equal(t, int64(len(content)), size)
	got, err = reopened.Get("text")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestCacheCompressionKeepsIncompressibleRaw(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithCompression(true))
	require.NoError(t, err)

	content := []byte{0x89, 'P', 'N', 'G'}
	require.NoError(t, c.Put("tiny", content))

	onDisk, err := os.ReadFile(filepath.Join(dir, "tiny"))
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)
}

func TestCachePutReplaces(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Put("a", []byte("one")))
	require.NoError(t, c.Put("b", []byte("two")))
	require.NoError(t, c.Put("a", []byte("three")))

	assert.Equal(t, []string{"b", "a"}, c.Names())
	assert.Equal(t, int64(8), c.SizeBytes())
}

func TestCachePrune(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Put("a", []byte("aaaa")))
	require.NoError(t, c.Put("b", []byte("bbbb")))

	freed, err := c.Prune(4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), freed)
	assert.Equal(t, []string{"b"}, c.Names())
}
