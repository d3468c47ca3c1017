// Package fetch downloads images concurrently, converts them, and stores the
// result in the byte cache.
//
// Each image is streamed in chunks. As soon as the buffered prefix holds a
// parseable header a MetadataAvailable event is published, so callers can
// lay out the image before its body completes. Transient failures are
// retried with a fixed delay; decode and encode failures are not.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"net/url"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/meigma/pagestrip/cache"
	"github.com/meigma/pagestrip/convert"
	"github.com/meigma/pagestrip/event"
	pshttp "github.com/meigma/pagestrip/http"
	"github.com/meigma/pagestrip/internal/imageinfo"
	"github.com/meigma/pagestrip/internal/pagetype"
)

// ImageMetadata describes a fetched image.
type ImageMetadata = pagetype.ImageMetadata

const (
	defaultChunkSize    = 8 << 10
	defaultMaxRetries   = 5
	defaultRetryDelay   = time.Second
	defaultProgressStep = 10
	defaultTimeout      = 60 * time.Second

	tracerName = "github.com/meigma/pagestrip/fetch"
)

// Adder stores converted images.
type Adder interface {
	Add(name string, data []byte) error
}

// Converter turns downloaded bytes into the cached representation.
type Converter interface {
	Convert(data []byte, name string) (*convert.Result, error)
}

// Fetcher downloads images into a cache. It is safe for concurrent use.
type Fetcher struct {
	cache     Adder
	conv      Converter
	pub       event.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	client    *nethttp.Client
	headers   nethttp.Header
	userAgent string

	chunkSize    int
	maxRetries   int
	retryDelay   time.Duration
	workers      int
	progressStep int
	timeout      time.Duration

	// sem bounds downloads across every Fetch and FetchBatch call.
	sem *semaphore.Weighted
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithConverter sets the converter. The default is convert.New().
func WithConverter(c Converter) Option {
	return func(f *Fetcher) {
		f.conv = c
	}
}

// WithPublisher sets where fetch events are published.
func WithPublisher(p event.Publisher) Option {
	return func(f *Fetcher) {
		f.pub = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithTracerProvider sets the tracer provider. The default is the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(f *Fetcher) {
		f.tracer = tp.Tracer(tracerName)
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *nethttp.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithHeaders sets extra request headers, e.g. a Referer required by the host.
func WithHeaders(h nethttp.Header) Option {
	return func(f *Fetcher) {
		f.headers = h.Clone()
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithChunkSize sets the read chunk size in bytes.
func WithChunkSize(n int) Option {
	return func(f *Fetcher) {
		f.chunkSize = n
	}
}

// WithMaxRetries sets the total number of attempts per image.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		f.maxRetries = n
	}
}

// WithRetryDelay sets the fixed delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		f.retryDelay = d
	}
}

// WithWorkers bounds the number of images fetched at once by FetchBatch.
// Zero means runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(f *Fetcher) {
		f.workers = n
	}
}

// WithProgressStep sets the percentage step between Progress events.
// Zero publishes a Progress event for every chunk.
func WithProgressStep(percent int) Option {
	return func(f *Fetcher) {
		f.progressStep = percent
	}
}

// WithTimeout bounds a single attempt. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// New creates a Fetcher that stores converted images in cache.
func New(cache Adder, opts ...Option) (*Fetcher, error) {
	if cache == nil {
		return nil, errors.New("fetch: cache is nil")
	}
	f := &Fetcher{
		cache:        cache,
		chunkSize:    defaultChunkSize,
		maxRetries:   defaultMaxRetries,
		retryDelay:   defaultRetryDelay,
		progressStep: defaultProgressStep,
		timeout:      defaultTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	switch {
	case f.chunkSize <= 0:
		return nil, fmt.Errorf("fetch: chunk size must be > 0, got %d", f.chunkSize)
	case f.maxRetries <= 0:
		return nil, fmt.Errorf("fetch: max retries must be > 0, got %d", f.maxRetries)
	case f.retryDelay < 0:
		return nil, fmt.Errorf("fetch: retry delay must be >= 0, got %s", f.retryDelay)
	case f.workers < 0:
		return nil, fmt.Errorf("fetch: workers must be >= 0, got %d", f.workers)
	case f.progressStep < 0 || f.progressStep > 100:
		return nil, fmt.Errorf("fetch: progress step must be in [0,100], got %d", f.progressStep)
	}
	if f.workers == 0 {
		f.workers = runtime.NumCPU()
	}
	f.sem = semaphore.NewWeighted(int64(f.workers))
	if f.conv == nil {
		f.conv = convert.New(convert.WithLogger(f.logger))
	}
	if f.pub == nil {
		f.pub = event.Discard
	}
	if f.tracer == nil {
		f.tracer = otel.Tracer(tracerName)
	}
	return f, nil
}

func (f *Fetcher) log() *slog.Logger {
	if f.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return f.logger
}

// Fetch downloads rawURL, converts it, and adds it to the cache under a name
// derived from name (or from the URL when name is empty). It returns the
// metadata of the cached image.
//
// Events are published in order: at most one MetadataAvailable, Progress
// events, then exactly one of Finished or FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, name string) (*ImageMetadata, error) {
	return f.fetch(ctx, Request{URL: rawURL, Name: name}, nil)
}

// attemptState is shared by all attempts of one image.
type attemptState struct {
	req      Request
	metaSent bool
	batch    *batchItem
}

func (f *Fetcher) fetch(ctx context.Context, req Request, batch *batchItem) (*ImageMetadata, error) {
	if req.Name == "" {
		req.Name = nameFromURL(req.URL)
	}
	ctx, span := f.tracer.Start(ctx, "fetch.image", trace.WithAttributes(
		attribute.String("url", req.URL),
		attribute.String("name", req.Name),
	))
	defer span.End()

	err := cache.ValidateName(req.Name)
	var meta *ImageMetadata
	if err == nil {
		err = f.sem.Acquire(ctx, 1)
	}
	if err == nil {
		meta, err = f.fetchWithRetry(ctx, req, batch, span)
		f.sem.Release(1)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.log().Error("fetch failed", "url", req.URL, "name", req.Name, "error", err)
		f.pub.Publish(event.FetchError{URL: req.URL, Name: req.Name, Err: err})
		return nil, err
	}
	span.SetAttributes(
		attribute.String("cache.name", meta.Name),
		attribute.Int64("bytes", meta.Size),
	)
	return meta, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, req Request, batch *batchItem, span trace.Span) (*ImageMetadata, error) {
	src, err := pshttp.NewSource(req.URL,
		pshttp.WithClient(f.client),
		pshttp.WithHeaders(f.headers),
		pshttp.WithUserAgent(f.userAgent),
	)
	if err != nil {
		return nil, err
	}

	state := &attemptState{req: req, batch: batch}
	attempts := 0
	op := func() (*ImageMetadata, error) {
		attempts++
		span.SetAttributes(attribute.Int("attempts", attempts))
		return f.attempt(ctx, src, state)
	}
	notify := func(err error, next time.Duration) {
		f.log().Warn("fetch attempt failed, retrying",
			"url", req.URL, "attempt", attempts, "max", f.maxRetries, "delay", next, "error", err)
	}

	meta, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(f.retryDelay)),
		backoff.WithMaxTries(uint(f.maxRetries)),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return meta, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return nil, perm.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%s: %w", req.URL, ctxErr)
	}
	return nil, fmt.Errorf("%s: %w after %d attempts: %w", req.URL, ErrRetriesExhausted, attempts, err)
}

// attempt runs one download. Errors that must not be retried are wrapped
// with backoff.Permanent.
func (f *Fetcher) attempt(ctx context.Context, src *pshttp.Source, state *attemptState) (*ImageMetadata, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	req := state.req

	resp, err := src.Get(ctx)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	total := max(resp.Size, 0)
	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}
	progress := newProgress(req, total, f.progressStep, state.batch)
	sniff := !state.metaSent

	chunk := make([]byte, f.chunkSize)
	for {
		n, readErr := readChunk(resp.Body, chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if sniff {
				sniff = f.sniffMetadata(state, resp, buf.Bytes(), total)
			}
			if e, ok := progress.advance(int64(n)); ok {
				f.pub.Publish(e)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("%w: read body: %w", ErrNetwork, readErr)
		}
	}
	if e, ok := progress.done(); ok {
		f.pub.Publish(e)
	}
	if total > 0 && int64(buf.Len()) != total {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, buf.Len(), total)
	}
	f.log().Debug("fetch body complete", "url", req.URL, "bytes", buf.Len())

	res, err := f.conv.Convert(buf.Bytes(), req.Name)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	meta := res.Metadata
	meta.URL = req.URL

	if !state.metaSent {
		early := meta
		early.Name = req.Name
		early.Size = total
		early.Format = formatOf(resp, imageinfo.Info{Format: res.Source})
		early.Digest = ""
		state.metaSent = true
		f.pub.Publish(event.MetadataAvailable{URL: req.URL, Name: req.Name, Metadata: early})
	}

	if err := f.cache.Add(res.Name, res.Data); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("cache %s: %w", res.Name, err))
	}
	f.pub.Publish(event.Finished{URL: req.URL, Name: res.Name, Metadata: meta})
	f.log().Debug("fetch finished", "url", req.URL, "name", res.Name, "bytes", meta.Size)
	return &meta, nil
}

// sniffMetadata publishes MetadataAvailable once the buffered prefix holds a
// parseable header. It reports whether sniffing should continue.
func (f *Fetcher) sniffMetadata(state *attemptState, resp *pshttp.Response, data []byte, total int64) bool {
	info, err := imageinfo.Parse(data)
	if err != nil {
		return errors.Is(err, imageinfo.ErrIncomplete)
	}
	meta := ImageMetadata{
		URL:    state.req.URL,
		Name:   state.req.Name,
		Width:  info.Width,
		Height: info.Height,
		Size:   total,
		Format: formatOf(resp, info),
	}
	state.metaSent = true
	f.pub.Publish(event.MetadataAvailable{URL: meta.URL, Name: meta.Name, Metadata: meta})
	return false
}

// FetchMetadata reads only the header of rawURL with a range request and
// returns its dimensions. Nothing is cached and no events are published.
func (f *Fetcher) FetchMetadata(ctx context.Context, rawURL string) (*ImageMetadata, error) {
	src, err := pshttp.NewSource(rawURL,
		pshttp.WithClient(f.client),
		pshttp.WithHeaders(f.headers),
		pshttp.WithUserAgent(f.userAgent),
	)
	if err != nil {
		return nil, err
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	head, resp, err := src.Prefix(ctx, imageinfo.HeaderPrefixSize)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	info, err := imageinfo.Parse(head)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", rawURL, convert.ErrDecode, err)
	}
	return &ImageMetadata{
		URL:    rawURL,
		Name:   nameFromURL(rawURL),
		Width:  info.Width,
		Height: info.Height,
		Size:   max(resp.Size, 0),
		Format: formatOf(resp, info),
	}, nil
}

// readChunk fills buf unless the body ends or fails first. Unlike
// io.ReadFull it returns io.EOF only for a clean end of body.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func formatOf(resp *pshttp.Response, info imageinfo.Info) string {
	if strings.HasPrefix(strings.ToLower(resp.ContentType), "image/") {
		return resp.Format()
	}
	return info.Format
}

// nameFromURL returns the last path element of rawURL without its
// extension, or "image" when that is not a usable cache name.
func nameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "image"
	}
	base := path.Base(u.Path)
	name := strings.TrimSuffix(base, path.Ext(base))
	if cache.ValidateName(name) != nil {
		return "image"
	}
	return name
}
