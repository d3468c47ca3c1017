package pagestrip

import (
	"errors"
	"log/slog"
	nethttp "net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/meigma/pagestrip/cache"
	"github.com/meigma/pagestrip/event"
)

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		p.logger = logger
		return nil
	}
}

// WithTracerProvider sets the tracer provider used for fetch spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) error {
		p.tracerProvider = tp
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(client *nethttp.Client) Option {
	return func(p *Pipeline) error {
		if client == nil {
			return errors.New("http client is nil")
		}
		p.client = client
		return nil
	}
}

// WithDiskStore replaces the disk tier built from the configuration.
// Pass nil to run the image cache in memory only.
func WithDiskStore(store cache.Store) Option {
	return func(p *Pipeline) error {
		p.disk = store
		p.diskSet = true
		return nil
	}
}

// WithHandler subscribes h to the event bus before any work starts.
func WithHandler(h event.Handler) Option {
	return func(p *Pipeline) error {
		if h == nil {
			return errors.New("event handler is nil")
		}
		p.handlers = append(p.handlers, h)
		return nil
	}
}
