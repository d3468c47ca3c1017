// Package event defines the typed notifications emitted by the fetch, tile,
// and strip packages, and an ordered in-process bus that delivers them.
package event

import "github.com/meigma/pagestrip/internal/pagetype"

// Kind identifies the type of an event.
type Kind uint8

// Event kinds.
const (
	// KindMetadataAvailable is emitted once an image header has been parsed.
	KindMetadataAvailable Kind = iota + 1

	// KindProgress reports download progress for one image.
	KindProgress

	// KindBatchProgress reports aggregate progress for a batch.
	KindBatchProgress

	// KindFinished is emitted after an image has been converted and cached.
	KindFinished

	// KindFetchError is emitted once per image that failed terminally.
	KindFetchError

	// KindStripsGenerated is emitted whenever the strip set of an image is set or replaced.
	KindStripsGenerated

	// KindPanelDetectionComplete is emitted when a panel analysis pass ends.
	KindPanelDetectionComplete

	// KindStripLoaded is emitted when a strip render lands.
	KindStripLoaded

	// KindStripUnloaded is emitted when a strip is evicted from the strip cache.
	KindStripUnloaded
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindMetadataAvailable:
		return "metadata-available"
	case KindProgress:
		return "progress"
	case KindBatchProgress:
		return "batch-progress"
	case KindFinished:
		return "finished"
	case KindFetchError:
		return "fetch-error"
	case KindStripsGenerated:
		return "strips-generated"
	case KindPanelDetectionComplete:
		return "panel-detection-complete"
	case KindStripLoaded:
		return "strip-loaded"
	case KindStripUnloaded:
		return "strip-unloaded"
	default:
		return "unknown"
	}
}

// Event is implemented by every notification type in this package.
type Event interface {
	Kind() Kind
}

// MetadataAvailable carries the dimensions of an image whose body may still
// be downloading.
type MetadataAvailable struct {
	URL      string
	Name     string
	Metadata pagetype.ImageMetadata
}

// Progress reports per-image download progress.
type Progress struct {
	URL        string
	Name       string
	Downloaded int64
	Delta      int64
	// Total is zero when the server did not announce a length.
	Total   int64
	Percent int
}

// BatchProgress reports aggregate progress for a FetchBatch call.
type BatchProgress struct {
	BatchID string
	// Items is the number of images whose first chunk has been seen.
	Items   int
	Percent int
	Current int64
	// Total is the sum of the announced sizes seen so far, or the caller's
	// hint when one was given.
	Total int64
}

// Finished is emitted after the converted bytes are in the cache.
type Finished struct {
	URL      string
	Name     string
	Metadata pagetype.ImageMetadata
}

// FetchError reports a terminal failure for one image.
type FetchError struct {
	URL  string
	Name string
	Err  error
}

// StripsGenerated carries the complete strip set of an image. A later
// event for the same image replaces the earlier set wholesale.
type StripsGenerated struct {
	Image  string
	Strips []pagetype.Strip
}

// PanelDetectionComplete carries the raw result of a panel analysis pass.
type PanelDetectionComplete struct {
	Image  string
	Result pagetype.DetectionResult
}

// StripLoaded carries the render state of a strip after a render landed.
type StripLoaded struct {
	Image string
	Index int
	State pagetype.StripState
}

// StripUnloaded reports that a strip's bitmaps were dropped.
type StripUnloaded struct {
	Image string
	Index int
}

// Kind implementations.
func (MetadataAvailable) Kind() Kind      { return KindMetadataAvailable }
func (Progress) Kind() Kind               { return KindProgress }
func (BatchProgress) Kind() Kind          { return KindBatchProgress }
func (Finished) Kind() Kind               { return KindFinished }
func (FetchError) Kind() Kind             { return KindFetchError }
func (StripsGenerated) Kind() Kind        { return KindStripsGenerated }
func (PanelDetectionComplete) Kind() Kind { return KindPanelDetectionComplete }
func (StripLoaded) Kind() Kind            { return KindStripLoaded }
func (StripUnloaded) Kind() Kind          { return KindStripUnloaded }

// Publisher accepts events. Implementations must be safe for concurrent calls.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard is a Publisher that drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})
