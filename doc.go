// Package pagestrip downloads the page images of a long-strip comic
// chapter, caches them in a two-tier memory and disk cache, cuts each page
// into horizontal strips, and renders those strips at the quality a viewer
// asks for.
//
// The work is split across subpackages that talk to each other only through
// typed events on one [event.Bus]:
//   - [fetch] downloads images with retries and progress, converts them
//     with [convert], and stores them in the [cache].
//   - [tile] generates uniform strips for every finished image and, when
//     the strip mode asks for it, replaces them with strips cut at detected
//     panel gutters.
//   - [strip] renders strips at a requested [strip.Quality] on a bounded
//     pool, keeping the previous bitmap visible while an upgrade renders.
//
// # Quick Start
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	p, err := pagestrip.New(cfg, pagestrip.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	res, err := p.FetchChapter(ctx, []fetch.Request{
//	    {URL: "https://cdn.example.com/ch1/001.webp", Name: "001"},
//	    {URL: "https://cdn.example.com/ch1/002.webp", Name: "002"},
//	})
//
// Once the Finished event for an image has been handled, its strips are
// available:
//
//	strips, _ := p.Strips("001.png")
//	state, err := p.RequestStrip(ctx, "001.png", 0, strip.QualityHigh)
//
// # Events
//
// Subscribe with [Pipeline.Subscribe] or [WithHandler]. Events are delivered
// on a single goroutine in publish order; handlers must not block for long.
package pagestrip
