package tile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/meigma/pagestrip/event"
	_ "github.com/meigma/pagestrip/internal/imageinfo" // register decoders
)

var (
	// ErrSuperseded is returned by Task.Wait when a newer strip set was
	// requested for the image before the analysis finished.
	ErrSuperseded = errors.New("pagestrip: analysis superseded")

	// ErrClosed is returned after the Manager has been closed.
	ErrClosed = errors.New("pagestrip: tile manager closed")

	// ErrLowConfidence is returned by Task.Wait when the detection was
	// below the confidence threshold and uniform strips were kept.
	ErrLowConfidence = errors.New("pagestrip: detection below confidence threshold")
)

// Manager owns the current strip set of every image.
//
// Strip sets are replaced atomically: Strips never observes a partial set.
// Background analyses run on a bounded pool and carry the generation of the
// strip set they were started against; a result that arrives after a newer
// set was requested is dropped. A Manager is safe for concurrent use.
type Manager struct {
	params Params
	mode   Mode
	pub    event.Publisher
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu     sync.RWMutex
	sets   map[string]*stripSet
	gen    uint64 // shared by all images, never reused
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
}

type stripSet struct {
	gen    uint64
	strips []Descriptor
}

// Option configures a Manager.
type Option func(*managerConfig)

type managerConfig struct {
	params  Params
	mode    Mode
	pub     event.Publisher
	logger  *slog.Logger
	workers int
}

// WithParams sets the geometry and detection parameters.
func WithParams(p Params) Option {
	return func(c *managerConfig) {
		c.params = p
	}
}

// WithMode sets the strip mode. The default is ModeAdaptive.
func WithMode(m Mode) Option {
	return func(c *managerConfig) {
		c.mode = m
	}
}

// WithPublisher sets where StripsGenerated and PanelDetectionComplete
// events are published.
func WithPublisher(p event.Publisher) Option {
	return func(c *managerConfig) {
		c.pub = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *managerConfig) {
		c.logger = logger
	}
}

// WithWorkers bounds concurrent analyses. Zero means runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(c *managerConfig) {
		c.workers = n
	}
}

// NewManager creates a Manager.
func NewManager(opts ...Option) (*Manager, error) {
	cfg := managerConfig{params: DefaultParams(), pub: event.Discard}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.params.Validate(); err != nil {
		return nil, err
	}
	if cfg.workers < 0 {
		return nil, fmt.Errorf("workers must be >= 0, got %d", cfg.workers)
	}
	if cfg.workers == 0 {
		cfg.workers = runtime.NumCPU()
	}
	if cfg.pub == nil {
		cfg.pub = event.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		params: cfg.params,
		mode:   cfg.mode,
		pub:    cfg.pub,
		logger: cfg.logger,
		sem:    semaphore.NewWeighted(int64(cfg.workers)),
		sets:   make(map[string]*stripSet),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// Params returns the manager's parameters.
func (m *Manager) Params() Params {
	return m.params
}

// Mode returns the strip mode.
func (m *Manager) Mode() Mode {
	return m.mode
}

// GenerateStrips sets uniform strips for the image, replacing any previous
// set and superseding any analysis in flight.
func (m *Manager) GenerateStrips(meta ImageMetadata) ([]Descriptor, error) {
	strips, err := Uniform(meta, m.params.StripHeight)
	if err != nil {
		return nil, err
	}
	if _, err := m.replace(meta.Name, strips, 0); err != nil {
		return nil, err
	}
	return slices.Clone(strips), nil
}

// MaterializeContextAwareStrips sets strips cut at result's boundaries,
// replacing any previous set. A result below the confidence threshold
// yields uniform strips instead.
func (m *Manager) MaterializeContextAwareStrips(meta ImageMetadata, result DetectionResult) ([]Descriptor, error) {
	strips, err := m.materialize(meta, result)
	if err != nil {
		return nil, err
	}
	if _, err := m.replace(meta.Name, strips, 0); err != nil {
		return nil, err
	}
	return slices.Clone(strips), nil
}

func (m *Manager) materialize(meta ImageMetadata, result DetectionResult) ([]Descriptor, error) {
	if result.Confidence < m.params.ConfidenceThreshold {
		return Uniform(meta, m.params.StripHeight)
	}
	return Materialize(meta, result, m.params.MinStripHeight, m.params.MaxStripHeight)
}

// Strips returns the current strip set of an image.
func (m *Manager) Strips(name string) ([]Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[name]
	if !ok {
		return nil, false
	}
	return slices.Clone(set.strips), true
}

// Strip returns one strip of the current set.
func (m *Manager) Strip(name string, index int) (Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[name]
	if !ok || index < 0 || index >= len(set.strips) {
		return Descriptor{}, false
	}
	return set.strips[index], true
}

// replace installs strips as the image's set. With expect > 0 the set is
// only installed if the current generation is still expect. It returns
// whether the set was installed.
func (m *Manager) replace(name string, strips []Descriptor, expect uint64) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	cur, ok := m.sets[name]
	if expect > 0 && (!ok || cur.gen != expect) {
		m.mu.Unlock()
		return false, nil
	}
	m.gen++
	m.sets[name] = &stripSet{gen: m.gen, strips: strips}
	// Publish under the lock so replacements reach subscribers in order.
	m.pub.Publish(event.StripsGenerated{Image: name, Strips: slices.Clone(strips)})
	m.mu.Unlock()
	return true, nil
}

// generation returns the generation of an image's current set.
func (m *Manager) generation(name string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[name]
	if !ok {
		return 0, false
	}
	return set.gen, true
}

// ShouldAnalyze reports whether the mode calls for analyzing an image.
func (m *Manager) ShouldAnalyze(meta ImageMetadata) bool {
	switch m.mode {
	case ModeUniform:
		return false
	case ModeAdaptive:
		return meta.Height > m.params.MaxStripHeight
	default:
		return true
	}
}

// AnalyzePanelsAsync decodes data and runs panel detection in the
// background. When the detection is confident enough, the resulting strips
// replace the image's current set, provided no newer set was requested in
// the meantime. Uniform strips are generated first if the image has none.
func (m *Manager) AnalyzePanelsAsync(ctx context.Context, meta ImageMetadata, data []byte) *Task {
	t := &Task{image: meta.Name, done: make(chan struct{})}

	gen, ok := m.generation(meta.Name)
	if !ok {
		if _, err := m.GenerateStrips(meta); err != nil {
			t.finish(DetectionResult{}, nil, err)
			return t
		}
		gen, _ = m.generation(meta.Name)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		t.finish(DetectionResult{}, nil, ErrClosed)
		return t
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.runAnalysis(ctx, t, meta, data, gen)
	}()
	return t
}

func (m *Manager) runAnalysis(ctx context.Context, t *Task, meta ImageMetadata, data []byte, gen uint64) {
	ctx, cancel := mergeCancel(ctx, m.ctx)
	defer cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		t.finish(DetectionResult{}, nil, err)
		return
	}
	defer m.sem.Release(1)

	if cur, ok := m.generation(meta.Name); !ok || cur != gen {
		t.finish(DetectionResult{}, nil, ErrSuperseded)
		return
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		m.log().Warn("panel analysis decode failed", "image", meta.Name, "error", err)
		t.finish(DetectionResult{}, nil, fmt.Errorf("%s: decode: %w", meta.Name, err))
		return
	}
	result := Analyze(img, m.params)
	m.pub.Publish(event.PanelDetectionComplete{Image: meta.Name, Result: result})
	m.log().Debug("panel analysis complete",
		"image", meta.Name,
		"boundaries", len(result.Boundaries),
		"confidence", result.Confidence,
		"method", result.Method,
		"duration", result.Duration)

	if result.Confidence < m.params.ConfidenceThreshold {
		t.finish(result, nil, ErrLowConfidence)
		return
	}
	strips, err := Materialize(meta, result, m.params.MinStripHeight, m.params.MaxStripHeight)
	if err != nil {
		t.finish(result, nil, err)
		return
	}
	installed, err := m.replace(meta.Name, strips, gen)
	switch {
	case err != nil:
		t.finish(result, nil, err)
	case !installed:
		t.finish(result, nil, ErrSuperseded)
	default:
		t.finish(result, strips, nil)
	}
}

// Close stops accepting analyses, cancels queued ones, and waits for
// running ones to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	return nil
}

// Task is a background panel analysis.
type Task struct {
	image  string
	done   chan struct{}
	result DetectionResult
	strips []Descriptor
	err    error
}

func (t *Task) finish(result DetectionResult, strips []Descriptor, err error) {
	t.result = result
	t.strips = strips
	t.err = err
	close(t.done)
}

// Done is closed when the analysis has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the analysis finishes and returns its result. The
// error is ErrLowConfidence or ErrSuperseded when the result was not
// installed.
func (t *Task) Wait(ctx context.Context) (DetectionResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return DetectionResult{}, ctx.Err()
	}
}

// Strips returns the strips installed by the analysis, if any. It must be
// called after Done is closed.
func (t *Task) Strips() []Descriptor {
	<-t.done
	return slices.Clone(t.strips)
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
