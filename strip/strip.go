// Package strip renders and caches strip bitmaps at the quality the viewer
// asks for.
//
// Every (image, index) slot moves through UNREQUESTED -> LOADING(q) ->
// LOADED(q). Asking a loaded slot for a different quality starts a new
// render while the current bitmap keeps being served, so a slot that has
// shown something never goes blank. Renders run on a bounded pool and are
// tagged with the slot generation at dispatch; a render whose slot was
// re-requested, invalidated, or evicted in the meantime is discarded.
package strip

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/pagestrip/event"
	"github.com/meigma/pagestrip/internal/pagetype"
)

// Descriptor is the geometry of a strip.
type Descriptor = pagetype.Strip

// State is a snapshot of a slot.
type State = pagetype.StripState

// Quality selects the downscale factor of a render.
type Quality = pagetype.Quality

// Quality levels.
const (
	QualityNone    = pagetype.QualityNone
	QualityPreview = pagetype.QualityPreview
	QualityLow     = pagetype.QualityLow
	QualityMedium  = pagetype.QualityMedium
	QualityHigh    = pagetype.QualityHigh
)

// ParseQuality parses a quality name as returned by Quality.String.
func ParseQuality(s string) (Quality, error) {
	for q := QualityPreview; q <= QualityHigh; q++ {
		if strings.EqualFold(strings.TrimSpace(s), q.String()) {
			return q, nil
		}
	}
	return QualityNone, fmt.Errorf("%w: unknown quality %q", ErrInvalidDescriptor, s)
}

var (
	// ErrInvalidDescriptor is returned for descriptors or qualities that
	// cannot be rendered.
	ErrInvalidDescriptor = errors.New("pagestrip: invalid strip descriptor")

	// ErrNoSource is returned when no bytes were given and no Source is set.
	ErrNoSource = errors.New("pagestrip: no source bytes for strip")

	// ErrClosed is returned after the Cache has been closed.
	ErrClosed = errors.New("pagestrip: strip cache closed")
)

// decodedImages is how many decoded source images are kept for reuse.
const decodedImages = 2

// Source supplies the encoded bytes of an image by name.
type Source interface {
	Get(name string) ([]byte, error)
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Slots   int
	Bytes   int64
	Budget  int64
	Renders int64
	// Discarded counts renders dropped because their slot moved on.
	Discarded int64
	Evicted   int64
}

type key struct {
	image string
	index int
}

type slot struct {
	key          key
	desc         Descriptor
	preview      image.Image
	full         image.Image
	loaded       Quality
	loading      Quality
	lastAccessed time.Time
	bytes        int64
	gen          uint64
	elem         *list.Element
}

func (s *slot) state() State {
	return State{
		Image:        s.key.image,
		Index:        s.key.index,
		Preview:      s.preview,
		Full:         s.full,
		Loaded:       s.loaded,
		Loading:      s.loading,
		LastAccessed: s.lastAccessed,
		Bytes:        s.bytes,
	}
}

// Cache holds rendered strip bitmaps. It is safe for concurrent use.
type Cache struct {
	source Source
	pub    event.Publisher
	logger *slog.Logger
	budget int64
	sem    *semaphore.Weighted
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	flight singleflight.Group

	mu        sync.Mutex
	slots     map[key]*slot
	lru       *list.List // front = most recently accessed
	bytes     int64
	gen       uint64
	renders   int64
	discarded int64
	evicted   int64
	closed    bool
	recent    []decodedImage // most recent last
	epochs    map[string]uint64
}

// decodedImage is a decoded source. sum is empty when the bytes came from
// the Source.
type decodedImage struct {
	name  string
	epoch uint64
	sum   digest.Digest
	img   image.Image
}

// Option configures a Cache.
type Option func(*Cache)

// WithSource sets the Source used when Request is called without bytes.
func WithSource(src Source) Option {
	return func(c *Cache) {
		c.source = src
	}
}

// WithPublisher sets where StripLoaded and StripUnloaded events go.
func WithPublisher(p event.Publisher) Option {
	return func(c *Cache) {
		c.pub = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithBudget bounds the estimated bitmap bytes held. When exceeded, the
// least recently accessed slots are unloaded. Zero disables the bound.
func WithBudget(n int64) Option {
	return func(c *Cache) {
		c.budget = n
	}
}

// WithWorkers bounds concurrent renders. Zero means runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// New creates a strip Cache.
func New(opts ...Option) (*Cache, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		pub:    event.Discard,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		slots:  make(map[key]*slot),
		epochs: make(map[string]uint64),
		lru:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.budget < 0 {
		cancel()
		return nil, fmt.Errorf("strip cache budget must be >= 0, got %d", c.budget)
	}
	if c.sem == nil {
		c.sem = semaphore.NewWeighted(int64(runtime.NumCPU()))
	}
	if c.pub == nil {
		c.pub = event.Discard
	}
	return c, nil
}

func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func validate(d Descriptor, q Quality) error {
	switch {
	case d.Image == "" || d.Index < 0:
		return fmt.Errorf("%w: image %q index %d", ErrInvalidDescriptor, d.Image, d.Index)
	case d.Width <= 0 || d.YEnd <= d.YStart || d.YStart < 0:
		return fmt.Errorf("%w: %s/%d geometry %dx[%d,%d)", ErrInvalidDescriptor, d.Image, d.Index, d.Width, d.YStart, d.YEnd)
	case q < QualityPreview || q > QualityHigh:
		return fmt.Errorf("%w: quality %s", ErrInvalidDescriptor, q)
	}
	return nil
}

// sameGeometry reports whether a and b cut the same rectangle.
func sameGeometry(a, b Descriptor) bool {
	return a.YStart == b.YStart && a.YEnd == b.YEnd && a.Width == b.Width
}

// Request asks for strip d at quality q and returns the slot state at once.
//
// If the slot already holds a bitmap it is part of the returned state,
// whatever quality is loading. If q is neither loaded nor loading, a render
// is dispatched; data holds the encoded source image, or nil to read it from
// the Source. Cancelling ctx abandons the render. A slot whose geometry
// changed is reset first.
func (c *Cache) Request(ctx context.Context, d Descriptor, q Quality, data []byte) (State, error) {
	if err := validate(d, q); err != nil {
		return State{}, err
	}
	if data == nil && c.source == nil {
		return State{}, ErrNoSource
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return State{}, ErrClosed
	}

	k := key{image: d.Image, index: d.Index}
	s, ok := c.slots[k]
	if ok && !sameGeometry(s.desc, d) {
		c.unloadLocked(s)
		ok = false
	}
	if !ok {
		s = &slot{key: k, desc: d}
		s.elem = c.lru.PushFront(s)
		c.slots[k] = s
	}
	s.lastAccessed = c.now()
	c.lru.MoveToFront(s.elem)

	switch {
	case s.loaded == q:
		if s.loading != QualityNone {
			// The slot is back at a loaded quality; drop the pending render.
			s.loading = QualityNone
			s.gen = c.nextGenLocked()
		}
		return s.state(), nil
	case s.loading == q:
		return s.state(), nil
	case q == QualityPreview && s.preview != nil:
		s.loaded = QualityPreview
		s.loading = QualityNone
		s.gen = c.nextGenLocked()
		return s.state(), nil
	}

	s.loading = q
	s.gen = c.nextGenLocked()
	c.wg.Add(1)
	go func(gen uint64) {
		defer c.wg.Done()
		c.render(ctx, d, q, data, gen)
	}(s.gen)
	return s.state(), nil
}

func (c *Cache) nextGenLocked() uint64 {
	c.gen++
	return c.gen
}

// render runs one dispatched render and installs its result if the slot
// still expects it.
func (c *Cache) render(ctx context.Context, d Descriptor, q Quality, data []byte, gen uint64) {
	ctx, cancel := mergeCancel(ctx, c.ctx)
	defer cancel()
	k := key{image: d.Image, index: d.Index}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.abandon(k, gen, err)
		return
	}
	defer c.sem.Release(1)

	if !c.current(k, gen) {
		c.discard(k, q)
		return
	}

	src, err := c.decoded(d.Image, data)
	if err != nil {
		c.abandon(k, gen, err)
		return
	}
	bmp, err := Render(src, d, q)
	if err != nil {
		c.abandon(k, gen, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[k]
	if !ok || s.gen != gen {
		c.discarded++
		c.log().Debug("strip render discarded", "image", d.Image, "index", d.Index, "quality", q)
		return
	}
	if q == QualityPreview {
		s.preview = bmp
	} else {
		s.full = bmp
	}
	s.loaded = q
	s.loading = QualityNone
	s.lastAccessed = c.now()
	c.lru.MoveToFront(s.elem)
	c.setBytesLocked(s, bitmapBytes(s.preview)+bitmapBytes(s.full))
	c.renders++

	// Publish under the lock so that slot events reach subscribers in the
	// order the slot changed.
	c.pub.Publish(event.StripLoaded{Image: d.Image, Index: d.Index, State: s.state()})
	c.evictLocked(s)
}

func (c *Cache) current(k key, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[k]
	return ok && s.gen == gen
}

func (c *Cache) discard(k key, q Quality) {
	c.mu.Lock()
	c.discarded++
	c.mu.Unlock()
	c.log().Debug("strip render superseded", "image", k.image, "index", k.index, "quality", q)
}

// abandon clears the loading marker of a failed render.
func (c *Cache) abandon(k key, gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[k]
	if !ok || s.gen != gen {
		c.discarded++
		return
	}
	s.loading = QualityNone
	if s.preview == nil && s.full == nil {
		c.removeLocked(s)
	}
	if !errors.Is(err, context.Canceled) {
		c.log().Warn("strip render failed", "image", k.image, "index", k.index, "error", err)
	}
}

// decoded returns the decoded source image, decoding it at most once for
// concurrent callers. Caller bytes are matched by digest, so new bytes for a
// known name are decoded again.
func (c *Cache) decoded(name string, data []byte) (image.Image, error) {
	var sum digest.Digest
	if data != nil {
		sum = digest.FromBytes(data)
	}

	c.mu.Lock()
	epoch := c.epochs[name]
	for _, d := range c.recent {
		if d.name == name && d.epoch == epoch && (data == nil || d.sum == sum) {
			c.mu.Unlock()
			return d.img, nil
		}
	}
	c.mu.Unlock()

	fk := name + "\x00" + strconv.FormatUint(epoch, 10) + "\x00" + sum.String()
	v, err, _ := c.flight.Do(fk, func() (any, error) {
		raw := data
		if raw == nil {
			var err error
			if raw, err = c.source.Get(name); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
		img, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		c.mu.Lock()
		if c.epochs[name] == epoch {
			c.rememberLocked(decodedImage{name: name, epoch: epoch, sum: sum, img: img})
		}
		c.mu.Unlock()
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}

func (c *Cache) rememberLocked(d decodedImage) {
	c.forgetLocked(d.name)
	c.recent = append(c.recent, d)
	if len(c.recent) > decodedImages {
		c.recent = c.recent[len(c.recent)-decodedImages:]
	}
}

func (c *Cache) forgetLocked(name string) {
	for i, d := range c.recent {
		if d.name == name {
			c.recent = append(c.recent[:i], c.recent[i+1:]...)
			return
		}
	}
}

func (c *Cache) setBytesLocked(s *slot, n int64) {
	c.bytes += n - s.bytes
	s.bytes = n
}

// evictLocked unloads least recently accessed slots until the budget holds.
// keep is never evicted.
func (c *Cache) evictLocked(keep *slot) {
	if c.budget <= 0 {
		return
	}
	for el := c.lru.Back(); el != nil && c.bytes > c.budget; {
		prev := el.Prev()
		s := el.Value.(*slot)
		if s != keep && s.bytes > 0 {
			c.unloadLocked(s)
			c.evicted++
			c.log().Debug("strip evicted", "image", s.key.image, "index", s.key.index)
		}
		el = prev
	}
}

// unloadLocked drops a slot, publishing StripUnloaded if it held bitmaps.
func (c *Cache) unloadLocked(s *slot) {
	had := s.preview != nil || s.full != nil
	c.removeLocked(s)
	if had {
		c.pub.Publish(event.StripUnloaded{Image: s.key.image, Index: s.key.index})
	}
}

func (c *Cache) removeLocked(s *slot) {
	c.setBytesLocked(s, 0)
	c.lru.Remove(s.elem)
	delete(c.slots, s.key)
}

// State returns the current state of a slot.
func (c *Cache) State(name string, index int) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[key{image: name, index: index}]
	if !ok {
		return State{}, false
	}
	return s.state(), true
}

// Invalidate unloads every slot of an image, cancelling their renders, and
// forgets its decoded source. It is called when the image's strip set is
// replaced.
func (c *Cache) Invalidate(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, s := range c.slots {
		if k.image == name {
			c.unloadLocked(s)
			n++
		}
	}
	c.forgetLocked(name)
	c.epochs[name]++
	return n
}

// Stats returns the current accounting.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Slots:     len(c.slots),
		Bytes:     c.bytes,
		Budget:    c.budget,
		Renders:   c.renders,
		Discarded: c.discarded,
		Evicted:   c.evicted,
	}
}

// Close cancels pending renders and waits for running ones.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	return nil
}

// mergeCancel returns a context canceled when either parent is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
