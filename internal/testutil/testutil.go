// Package testutil provides fixtures shared by the pagestrip tests.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/meigma/pagestrip/cache"
	"github.com/meigma/pagestrip/event"
)

// MockCache implements a basic concurrency-safe name -> bytes cache.
type MockCache struct {
	mu   sync.RWMutex
	data map[string][]byte
	adds int
}

// NewMockCache constructs an empty in-memory cache.
func NewMockCache() *MockCache {
	return &MockCache{data: make(map[string][]byte)}
}

// Add stores a copy of data under name.
func (c *MockCache) Add(name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[name] = append([]byte(nil), data...)
	c.adds++
	return nil
}

// Get returns the data stored under name.
func (c *MockCache) Get(name string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.data[name]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return data, nil
}

// Adds returns how many times Add was called.
func (c *MockCache) Adds() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adds
}

// Names returns the stored names.
func (c *MockCache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.data))
	for name := range c.data {
		names = append(names, name)
	}
	return names
}

// Recorder collects published events in publish order.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
}

// Publish implements event.Publisher.
func (r *Recorder) Publish(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events.
func (r *Recorder) Kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]event.Kind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind()
	}
	return kinds
}

// Count returns how many recorded events have kind k.
func (r *Recorder) Count(k event.Kind) int {
	n := 0
	for _, kind := range r.Kinds() {
		if kind == k {
			n++
		}
	}
	return n
}

// Gradient returns a w x h image whose pixels vary with position, so that
// crops and scales of different regions are distinguishable.
func Gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 0xff})
		}
	}
	return img
}

// Panels returns an image of dark panels of the given heights separated by
// white gutters of gutter rows. The first and last panel touch the edges.
func Panels(w, gutter int, heights ...int) *image.Gray {
	h := 0
	for i, ph := range heights {
		h += ph
		if i > 0 {
			h += gutter
		}
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	y := 0
	for i, ph := range heights {
		if i > 0 {
			for range gutter {
				for x := range w {
					img.SetGray(x, y, color.Gray{Y: 0xff})
				}
				y++
			}
		}
		for range ph {
			for x := range w {
				img.SetGray(x, y, color.Gray{Y: 0x30})
			}
			y++
		}
	}
	return img
}

// PNG encodes img as PNG.
func PNG(tb testing.TB, img image.Image) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
