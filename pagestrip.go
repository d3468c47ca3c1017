package pagestrip

import (
	"context"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/meigma/pagestrip/cache"
	"github.com/meigma/pagestrip/cache/disk"
	"github.com/meigma/pagestrip/config"
	"github.com/meigma/pagestrip/convert"
	"github.com/meigma/pagestrip/event"
	"github.com/meigma/pagestrip/fetch"
	"github.com/meigma/pagestrip/strip"
	"github.com/meigma/pagestrip/tile"
)

// Pipeline connects the image cache, fetcher, tile manager, and strip cache
// through one event bus.
//
// When an image finishes downloading, its uniform strips are generated and,
// depending on the strip mode, a panel analysis is queued. When a strip set
// is replaced, the rendered strips of that image are invalidated.
type Pipeline struct {
	cfg            config.Config
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	client         *nethttp.Client
	disk           cache.Store
	diskSet        bool
	handlers       []event.Handler

	bus     *event.Bus
	images  *cache.Tiered
	fetcher *fetch.Fetcher
	tiles   *tile.Manager
	strips  *strip.Cache

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()

	mu        sync.Mutex
	generated map[string]int
	settles   map[string]*settle
	closed    bool
}

// settle is closed once the strip set of an image stops changing.
type settle struct {
	done   chan struct{}
	closed bool
}

// Stats combines the accounting of both caches.
type Stats struct {
	Images cache.Stats
	Strips strip.Stats
}

// New builds a Pipeline from cfg.
func New(cfg config.Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	p := &Pipeline{
		cfg:       cfg,
		generated: make(map[string]int),
		settles:   make(map[string]*settle),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}
	enc, err := convert.EncoderFor(cfg.PreferredFormat)
	if err != nil {
		return nil, err
	}

	if !p.diskSet {
		store, err := disk.New(cfg.CacheDir,
			disk.WithMaxBytes(int64(cfg.DiskBudget)),
			disk.WithCompression(cfg.DiskCompression),
			disk.WithLogger(p.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("open disk cache: %w", err)
		}
		p.disk = store
	}
	p.images, err = cache.New(int64(cfg.MemoryBudget), p.disk, cache.WithLogger(p.logger))
	if err != nil {
		return nil, err
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.bus = event.NewBus(event.WithLogger(p.logger))
	for _, h := range p.handlers {
		p.bus.Subscribe(h)
	}
	p.unsub = p.bus.Subscribe(p.handle)

	fetchOpts := []fetch.Option{
		fetch.WithConverter(convert.New(convert.WithPreferred(enc), convert.WithLogger(p.logger))),
		fetch.WithPublisher(p.bus),
		fetch.WithLogger(p.logger),
		fetch.WithHTTPClient(p.client),
		fetch.WithUserAgent(cfg.UserAgent),
		fetch.WithChunkSize(int(cfg.ChunkSize)),
		fetch.WithMaxRetries(cfg.MaxRetries),
		fetch.WithRetryDelay(cfg.RetryDelay),
		fetch.WithWorkers(cfg.FetchWorkers),
		fetch.WithProgressStep(cfg.ProgressStep),
		fetch.WithTimeout(cfg.RequestTimeout),
	}
	if cfg.Referer != "" {
		fetchOpts = append(fetchOpts, fetch.WithHeaders(nethttp.Header{"Referer": {cfg.Referer}}))
	}
	if p.tracerProvider != nil {
		fetchOpts = append(fetchOpts, fetch.WithTracerProvider(p.tracerProvider))
	}

	cleanup := func() {
		p.cancel()
		p.bus.Close()
	}
	p.fetcher, err = fetch.New(p.images, fetchOpts...)
	if err != nil {
		cleanup()
		return nil, err
	}
	p.tiles, err = tile.NewManager(
		tile.WithParams(cfg.TileParams()),
		tile.WithMode(mode),
		tile.WithPublisher(p.bus),
		tile.WithLogger(p.logger),
		tile.WithWorkers(cfg.AnalysisWorkers),
	)
	if err != nil {
		cleanup()
		return nil, err
	}
	p.strips, err = strip.New(
		strip.WithSource(p.images),
		strip.WithPublisher(p.bus),
		strip.WithLogger(p.logger),
		strip.WithBudget(int64(cfg.StripCacheBudget)),
		strip.WithWorkers(cfg.RenderWorkers),
	)
	if err != nil {
		_ = p.tiles.Close()
		cleanup()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Subscribe registers h for every event published after the call.
func (p *Pipeline) Subscribe(h event.Handler) (cancel func()) {
	return p.bus.Subscribe(h)
}

// Fetch downloads and caches one image. An empty name is derived from the URL.
func (p *Pipeline) Fetch(ctx context.Context, rawURL, name string) (*fetch.ImageMetadata, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	return p.fetcher.Fetch(ctx, rawURL, name)
}

// FetchChapter downloads a batch of images concurrently. A failed image
// does not affect the others; check the per-image results.
func (p *Pipeline) FetchChapter(ctx context.Context, reqs []fetch.Request, opts ...fetch.BatchOption) (*fetch.BatchResult, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	return p.fetcher.FetchBatch(ctx, reqs, opts...), nil
}

// FetchMetadata returns the dimensions of a remote image without
// downloading its body.
func (p *Pipeline) FetchMetadata(ctx context.Context, rawURL string) (*fetch.ImageMetadata, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	return p.fetcher.FetchMetadata(ctx, rawURL)
}

// Image returns the cached bytes of a converted image.
func (p *Pipeline) Image(name string) ([]byte, error) {
	return p.images.Get(name)
}

// Strips returns the current strip set of an image.
func (p *Pipeline) Strips(name string) ([]tile.Descriptor, bool) {
	return p.tiles.Strips(name)
}

// RequestStrip asks for strip index of an image at quality q and returns
// its current state. The render runs in the background; a StripLoaded
// event is published when it lands.
func (p *Pipeline) RequestStrip(ctx context.Context, name string, index int, q strip.Quality) (strip.State, error) {
	if p.isClosed() {
		return strip.State{}, ErrClosed
	}
	d, ok := p.tiles.Strip(name, index)
	if !ok {
		return strip.State{}, fmt.Errorf("%w: %s[%d]", ErrUnknownStrip, name, index)
	}
	return p.strips.Request(ctx, d, q, nil)
}

// WaitStrips blocks until the strip set of a fetched image is final, that
// is, until its panel analysis (if any) has ended, and returns it.
func (p *Pipeline) WaitStrips(ctx context.Context, name string) ([]tile.Descriptor, error) {
	p.mu.Lock()
	s := p.settleLocked(name, false)
	p.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrClosed
	}
	strips, ok := p.tiles.Strips(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrip, name)
	}
	return strips, nil
}

// StripState returns the current state of a strip without requesting it.
func (p *Pipeline) StripState(name string, index int) (strip.State, bool) {
	return p.strips.State(name, index)
}

// Stats returns the accounting of the image and strip caches.
func (p *Pipeline) Stats() Stats {
	return Stats{Images: p.images.Stats(), Strips: p.strips.Stats()}
}

// Close stops background analysis and rendering and delivers the events
// already published. In-flight fetches should be canceled by the caller.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.unsub()
	tileErr := p.tiles.Close()
	stripErr := p.strips.Close()
	p.bus.Close()
	if tileErr != nil {
		return tileErr
	}
	return stripErr
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) handle(e event.Event) {
	switch e := e.(type) {
	case event.Finished:
		p.onFinished(e)
	case event.StripsGenerated:
		p.onStripsGenerated(e)
	}
}

func (p *Pipeline) onFinished(e event.Finished) {
	meta := e.Metadata
	p.mu.Lock()
	s := p.settleLocked(meta.Name, true)
	p.mu.Unlock()

	if _, err := p.tiles.GenerateStrips(meta); err != nil {
		p.log().Warn("generate strips failed", "name", meta.Name, "error", err)
		p.markSettled(s)
		return
	}
	if !p.tiles.ShouldAnalyze(meta) {
		p.markSettled(s)
		return
	}
	data, err := p.images.Get(meta.Name)
	if err != nil {
		p.log().Warn("panel analysis skipped", "name", meta.Name, "error", err)
		p.markSettled(s)
		return
	}
	task := p.tiles.AnalyzePanelsAsync(p.ctx, meta, data)
	go func() {
		<-task.Done()
		p.markSettled(s)
	}()
}

// settleLocked returns the settle of name. With fresh set, a settle that
// already fired is replaced by a new one.
func (p *Pipeline) settleLocked(name string, fresh bool) *settle {
	s, ok := p.settles[name]
	if !ok || (fresh && s.closed) {
		s = &settle{done: make(chan struct{})}
		p.settles[name] = s
	}
	return s
}

func (p *Pipeline) markSettled(s *settle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// onStripsGenerated drops rendered strips of an image whose strip set was
// replaced. The first set of an image has nothing to invalidate.
func (p *Pipeline) onStripsGenerated(e event.StripsGenerated) {
	p.mu.Lock()
	n := p.generated[e.Image]
	p.generated[e.Image] = n + 1
	p.mu.Unlock()
	if n == 0 {
		return
	}
	if dropped := p.strips.Invalidate(e.Image); dropped > 0 {
		p.log().Debug("strips invalidated", "name", e.Image, "count", dropped)
	}
}
