// Command pagestrip downloads the pages of a chapter, cuts them into strips,
// and optionally renders every strip to PNG files.
//
// Settings come from PAGESTRIP_* environment variables; flags only control
// this run.
//
//	pagestrip -out ./strips -quality medium https://cdn.example.com/ch1/001.webp ...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/meigma/pagestrip"
	"github.com/meigma/pagestrip/config"
	"github.com/meigma/pagestrip/convert"
	"github.com/meigma/pagestrip/event"
	"github.com/meigma/pagestrip/fetch"
	"github.com/meigma/pagestrip/strip"
)

const serviceName = "pagestrip"

type options struct {
	outDir      string
	quality     strip.Quality
	renderWait  time.Duration
	latency     time.Duration
	bytesPerSec int64
	cpuProfile  string
	memProfile  string
	traceFile   string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pagestrip:", err)
		os.Exit(1)
	}
}

func run() error {
	opts, urls, err := parseFlags()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdown, err := setupTracing(ctx, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("trace shutdown failed", "error", err)
		}
	}()

	stopProfiles, err := startProfiles(opts)
	if err != nil {
		return err
	}
	defer stopProfiles()

	// Canceled before Close so a blocked handler cannot stall the bus drain.
	handlerCtx, cancelHandlers := context.WithCancel(ctx)
	loaded := make(chan event.StripLoaded, 64)
	p, err := pagestrip.New(cfg,
		pagestrip.WithLogger(logger),
		pagestrip.WithHTTPClient(newHTTPClient(opts.latency, opts.bytesPerSec)),
		pagestrip.WithHandler(progressLogger(logger)),
		pagestrip.WithHandler(func(e event.Event) {
			if sl, ok := e.(event.StripLoaded); ok && opts.outDir != "" {
				select {
				case loaded <- sl:
				case <-handlerCtx.Done():
				}
			}
		}),
	)
	if err != nil {
		cancelHandlers()
		return err
	}
	defer p.Close()
	defer cancelHandlers()

	reqs := make([]fetch.Request, len(urls))
	for i, u := range urls {
		reqs[i] = fetch.Request{URL: u}
	}
	start := time.Now()
	res, err := p.FetchChapter(ctx, reqs)
	if err != nil {
		return err
	}
	stats := p.Stats()
	logger.Info("chapter fetched",
		"images", len(res.Results),
		"failed", len(res.Failed()),
		"elapsed", time.Since(start).Round(time.Millisecond),
		"memory", humanize.IBytes(uint64(stats.Images.MemoryBytes)),
		"disk", humanize.IBytes(uint64(stats.Images.DiskBytes)),
	)

	if opts.outDir != "" {
		for _, r := range res.Results {
			if r.Err != nil {
				continue
			}
			if err := renderImage(ctx, p, loaded, r.Metadata.Name, opts); err != nil {
				return err
			}
		}
	}
	if errs := res.Err(); errs != nil {
		return fmt.Errorf("%d of %d images failed: %w", len(res.Failed()), len(res.Results), errs)
	}
	return nil
}

func parseFlags() (options, []string, error) {
	var opts options
	var quality, bps string
	flag.StringVar(&opts.outDir, "out", "", "write rendered strips to this directory")
	flag.StringVar(&quality, "quality", "high", "render quality: preview, low, medium, high")
	flag.DurationVar(&opts.renderWait, "render-timeout", 30*time.Second, "maximum wait for the strips of one image")
	flag.DurationVar(&opts.latency, "http-latency", 0, "added latency per request (testing slow hosts)")
	flag.StringVar(&bps, "http-bps", "", "bytes/sec throttle per response (e.g. 512KiB)")
	flag.StringVar(&opts.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&opts.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&opts.traceFile, "trace", "", "write execution trace to file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] URL...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return options{}, nil, errors.New("no image URLs given")
	}
	q, err := strip.ParseQuality(quality)
	if err != nil {
		return options{}, nil, err
	}
	opts.quality = q
	if bps != "" {
		n, err := parseBytesPerSecond(bps)
		if err != nil {
			return options{}, nil, err
		}
		opts.bytesPerSec = n
	}
	return opts, flag.Args(), nil
}

func progressLogger(logger *slog.Logger) event.Handler {
	return func(e event.Event) {
		switch e := e.(type) {
		case event.BatchProgress:
			logger.Info("progress", "percent", e.Percent, "images", e.Items,
				"bytes", humanize.IBytes(uint64(e.Current)))
		case event.FetchError:
			logger.Error("image failed", "url", e.URL, "error", e.Err)
		case event.PanelDetectionComplete:
			logger.Debug("panels detected", "image", e.Image,
				"boundaries", len(e.Result.Boundaries), "method", e.Result.Method)
		}
	}
}

// renderImage requests every strip of name and writes each bitmap as it lands.
func renderImage(ctx context.Context, p *pagestrip.Pipeline, loaded <-chan event.StripLoaded, name string, opts options) error {
	ctx, cancel := context.WithTimeout(ctx, opts.renderWait)
	defer cancel()

	strips, err := p.WaitStrips(ctx, name)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return err
	}
	pending := make(map[int]bool, len(strips))
	for _, s := range strips {
		state, err := p.RequestStrip(ctx, name, s.Index, opts.quality)
		if err != nil {
			return err
		}
		if state.Loaded == opts.quality {
			if err := writeStrip(opts.outDir, state); err != nil {
				return err
			}
			continue
		}
		pending[s.Index] = true
	}
	for len(pending) > 0 {
		select {
		case sl := <-loaded:
			if sl.Image != name || !pending[sl.Index] || sl.State.Loaded != opts.quality {
				continue
			}
			if err := writeStrip(opts.outDir, sl.State); err != nil {
				return err
			}
			delete(pending, sl.Index)
		case <-ctx.Done():
			return fmt.Errorf("%s: %d strips not rendered: %w", name, len(pending), ctx.Err())
		}
	}
	return nil
}

func writeStrip(dir string, state strip.State) error {
	base := strings.TrimSuffix(state.Image, filepath.Ext(state.Image))
	path := filepath.Join(dir, fmt.Sprintf("%s_%03d.png", base, state.Index))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := convert.PNG().Encode(f, state.Bitmap()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func startProfiles(opts options) (stop func(), err error) {
	var stops []func()
	stop = func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}
	if opts.cpuProfile != "" {
		f, err := os.Create(opts.cpuProfile)
		if err != nil {
			return stop, err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return stop, err
		}
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		})
	}
	if opts.traceFile != "" {
		f, err := os.Create(opts.traceFile)
		if err != nil {
			stop()
			return func() {}, err
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			stop()
			return func() {}, err
		}
		stops = append(stops, func() {
			trace.Stop()
			_ = f.Close()
		})
	}
	if opts.memProfile != "" {
		stops = append(stops, func() {
			runtime.GC()
			f, err := os.Create(opts.memProfile)
			if err != nil {
				return
			}
			_ = pprof.WriteHeapProfile(f)
			_ = f.Close()
		})
	}
	return stop, nil
}
