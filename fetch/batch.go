package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/pagestrip/event"
)

// Request names one image to fetch.
type Request struct {
	URL string
	// Name is the cache name before the extension is added. Empty means
	// derive it from the URL.
	Name string
}

// Result is the outcome of one image in a batch.
type Result struct {
	Request  Request
	Metadata *ImageMetadata
	Err      error
}

// BatchResult holds the per-image outcomes of FetchBatch in request order.
type BatchResult struct {
	ID      string
	Results []Result
}

// Err joins the errors of all failed images, or returns nil.
func (b *BatchResult) Err() error {
	var errs []error
	for _, r := range b.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

// Failed returns the results of images that failed.
func (b *BatchResult) Failed() []Result {
	var out []Result
	for _, r := range b.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// BatchOption configures a FetchBatch call.
type BatchOption func(*batchConfig)

type batchConfig struct {
	id        string
	totalHint int64
}

// WithTotalHint sets the expected byte total of the batch, when the caller
// knows it ahead of the responses.
func WithTotalHint(n int64) BatchOption {
	return func(c *batchConfig) {
		c.totalHint = n
	}
}

// WithBatchID sets the ID carried by BatchProgress events.
func WithBatchID(id string) BatchOption {
	return func(c *batchConfig) {
		c.id = id
	}
}

// FetchBatch fetches reqs with at most the configured number of workers.
// A failing image never affects its siblings: every request gets a Result.
// BatchProgress events aggregate the byte progress of the whole batch.
func (f *Fetcher) FetchBatch(ctx context.Context, reqs []Request, opts ...BatchOption) *BatchResult {
	cfg := batchConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}

	tracker := &batchTracker{
		id:    cfg.id,
		hint:  cfg.totalHint,
		step:  f.progressStep,
		pub:   f.pub,
		items: make([]itemProgress, len(reqs)),
	}
	out := &BatchResult{ID: cfg.id, Results: make([]Result, len(reqs))}

	start := time.Now()
	f.log().Info("fetch batch started", "batch", cfg.id, "items", len(reqs), "workers", f.workers)

	var g errgroup.Group
	g.SetLimit(f.workers)
	for i, req := range reqs {
		g.Go(func() error {
			out.Results[i].Request = req
			if err := ctx.Err(); err != nil {
				out.Results[i].Err = err
				return nil
			}
			meta, err := f.fetch(ctx, req, &batchItem{t: tracker, idx: i})
			out.Results[i].Metadata = meta
			out.Results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	failed := len(out.Failed())
	f.log().Info("fetch batch finished",
		"batch", cfg.id, "items", len(reqs), "failed", failed, "duration", time.Since(start))
	return out
}

type itemProgress struct {
	seen    bool
	total   int64
	current int64
}

// batchTracker aggregates per-image progress into BatchProgress events.
type batchTracker struct {
	id   string
	hint int64
	step int
	pub  event.Publisher

	mu      sync.Mutex
	items   []itemProgress
	percent int
	sent    bool
}

type batchItem struct {
	t   *batchTracker
	idx int
}

func (b *batchItem) update(total, current int64) {
	b.t.update(b.idx, total, current)
}

func (t *batchTracker) update(idx int, total, current int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	it := &t.items[idx]
	first := !it.seen
	it.seen = true
	it.total = total
	it.current = current

	var seen int
	var sumTotal, sumCurrent int64
	for _, item := range t.items {
		if !item.seen {
			continue
		}
		seen++
		sumTotal += item.total
		sumCurrent += item.current
	}
	if t.hint > 0 {
		sumTotal = t.hint
	}
	pct := percentOf(sumCurrent, sumTotal)
	complete := total > 0 && current == total
	if t.sent && !first && !complete && (pct < t.percent+t.step || pct == t.percent) && pct < 100 {
		return
	}
	t.sent = true
	t.percent = pct
	t.pub.Publish(event.BatchProgress{
		BatchID: t.id,
		Items:   seen,
		Percent: pct,
		Current: sumCurrent,
		Total:   sumTotal,
	})
}
