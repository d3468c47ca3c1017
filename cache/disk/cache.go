// Package disk provides the disk tier of the byte cache.
//
// Entries are flat files named by cache key directly under the cache
// directory. There is no manifest: on startup the directory listing is
// scanned and adopted in modification-time order, so the oldest file on
// disk is the first to be evicted.
package disk

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/pagestrip/cache"
)

const (
	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
	tempPattern     = ".tmp-*"
)

// ErrCorrupt is returned when a cached file no longer matches the digest
// recorded when it was written. The entry is removed.
var ErrCorrupt = errors.New("pagestrip: corrupt cache entry")

// Cache implements cache.Store using the local filesystem.
// Eviction is strict insertion order; reads never promote an entry.
// The cache is safe for concurrent use.
type Cache struct {
	dir      string
	dirPerm  os.FileMode
	filePerm os.FileMode
	maxBytes int64 // 0 = unlimited
	compress bool
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element // values are *entry
	order   *list.List               // front = oldest
	bytes   int64                    // logical bytes of all entries

	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
}

type entry struct {
	name   string
	size   int64
	digest digest.Digest // empty for entries adopted from a previous run
}

// Option configures a disk cache.
type Option func(*Cache)

// WithMaxBytes sets the disk budget in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithDirPerm sets the permissions used for the cache directory.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithCompression stores entries as zstd frames when that makes them smaller.
// The setting must stay the same for the lifetime of a cache directory.
func WithCompression(enabled bool) Option {
	return func(c *Cache) {
		c.compress = enabled
	}
}

// WithLogger sets the logger for eviction and rebuild diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a disk cache rooted at dir, adopting any files already there.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	c := &Cache{
		dir:      dir,
		dirPerm:  defaultDirPerm,
		filePerm: defaultFilePerm,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	if err := c.rebuild(); err != nil {
		return nil, fmt.Errorf("rebuild disk cache: %w", err)
	}
	return c, nil
}

func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// MaxBytes returns the configured disk budget (0 = unlimited).
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the logical size of all cached entries.
func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Names returns the cached names, oldest first.
func (c *Cache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		names = append(names, el.Value.(*entry).name)
	}
	return names
}

// Has reports whether name is cached.
func (c *Cache) Has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[name]
	return ok
}

// Size returns the logical size of name.
func (c *Cache) Size(name string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[name]
	if !ok {
		return 0, false
	}
	return el.Value.(*entry).size, true
}

// Get reads the content stored under name.
func (c *Cache) Get(name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked(name)
}

// Pop reads the content stored under name and removes the entry.
func (c *Cache) Pop(name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.readLocked(name)
	if err != nil {
		return nil, err
	}
	if _, err := c.removeLocked(name); err != nil {
		return nil, err
	}
	return data, nil
}

// Put stores data under name, replacing any existing entry. The new entry
// becomes the newest. Older entries are evicted if the budget requires it.
func (c *Cache) Put(name string, data []byte) error {
	if err := cache.ValidateName(name); err != nil {
		return err
	}
	size := int64(len(data))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && size > c.maxBytes {
		return fmt.Errorf("%s: %d bytes exceeds disk budget %d: %w", name, size, c.maxBytes, cache.ErrCapacity)
	}
	if _, ok := c.entries[name]; ok {
		if _, err := c.removeLocked(name); err != nil {
			return err
		}
	}
	if _, err := c.reserveLocked(size); err != nil {
		return err
	}

	payload, err := c.encode(data)
	if err != nil {
		return err
	}
	if err := c.writeFile(name, payload); err != nil {
		return err
	}

	c.entries[name] = c.order.PushBack(&entry{
		name:   name,
		size:   size,
		digest: digest.FromBytes(data),
	})
	c.bytes += size
	return nil
}

// Remove deletes name and returns its logical size.
func (c *Cache) Remove(name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(name)
}

// Reserve evicts the oldest entries until need more bytes fit in the
// budget. It returns the evicted names, oldest first.
func (c *Cache) Reserve(need int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserveLocked(need)
}

// Prune removes the oldest entries until the cache is at or below
// targetBytes and returns the number of bytes freed.
func (c *Cache) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.bytes
	if _, err := c.pruneLocked(targetBytes); err != nil {
		return before - c.bytes, err
	}
	return before - c.bytes, nil
}

func (c *Cache) reserveLocked(need int64) ([]string, error) {
	if c.maxBytes <= 0 || need <= 0 {
		return nil, nil
	}
	if need > c.maxBytes {
		return nil, fmt.Errorf("reserve %d bytes: disk budget %d: %w", need, c.maxBytes, cache.ErrCapacity)
	}
	if c.bytes+need <= c.maxBytes {
		return nil, nil
	}
	return c.pruneLocked(c.maxBytes - need)
}

func (c *Cache) pruneLocked(targetBytes int64) ([]string, error) {
	var evicted []string
	for c.bytes > targetBytes {
		front := c.order.Front()
		if front == nil {
			break
		}
		name := front.Value.(*entry).name
		if _, err := c.removeLocked(name); err != nil {
			return evicted, err
		}
		evicted = append(evicted, name)
		c.log().Debug("disk cache evicted", "name", name)
	}
	return evicted, nil
}

func (c *Cache) removeLocked(name string) (int64, error) {
	el, ok := c.entries[name]
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, cache.ErrNotFound)
	}
	e := el.Value.(*entry)
	if err := os.Remove(c.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	c.order.Remove(el)
	delete(c.entries, name)
	c.bytes -= e.size
	return e.size, nil
}

func (c *Cache) readLocked(name string) ([]byte, error) {
	el, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, cache.ErrNotFound)
	}
	e := el.Value.(*entry)

	raw, err := os.ReadFile(c.path(name)) //nolint:gosec // name is validated on Put and on rebuild
	if errors.Is(err, os.ErrNotExist) {
		c.order.Remove(el)
		delete(c.entries, name)
		c.bytes -= e.size
		return nil, fmt.Errorf("%s: %w", name, cache.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	data, err := c.decode(raw)
	if err != nil || (e.digest != "" && digest.FromBytes(data) != e.digest) {
		_, _ = c.removeLocked(name)
		c.log().Warn("disk cache entry corrupt", "name", name)
		return nil, fmt.Errorf("%s: %w", name, ErrCorrupt)
	}
	return data, nil
}

func (c *Cache) writeFile(name string, payload []byte) error {
	tmp, err := os.CreateTemp(c.dir, tempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(c.filePerm); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, c.path(name)); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.dir, name)
}
