package pagestrip

import (
	"errors"

	"github.com/meigma/pagestrip/cache"
	"github.com/meigma/pagestrip/cache/disk"
	"github.com/meigma/pagestrip/convert"
	"github.com/meigma/pagestrip/fetch"
	"github.com/meigma/pagestrip/strip"
	"github.com/meigma/pagestrip/tile"
)

var (
	// ErrClosed is returned by a Pipeline after Close.
	ErrClosed = errors.New("pagestrip: pipeline closed")

	// ErrUnknownStrip is returned when no strip set or strip index exists.
	ErrUnknownStrip = errors.New("pagestrip: unknown strip")
)

// Errors re-exported from cache.
var (
	// ErrNotFound is returned when an image is in neither cache tier.
	ErrNotFound = cache.ErrNotFound

	// ErrCapacity is returned when an image fits no cache tier.
	ErrCapacity = cache.ErrCapacity

	// ErrCorrupt is returned when a disk entry fails its integrity check.
	ErrCorrupt = disk.ErrCorrupt
)

// Errors re-exported from fetch and convert.
var (
	// ErrNetwork is returned for transport failures.
	ErrNetwork = fetch.ErrNetwork

	// ErrSizeMismatch is returned when a body differs from its Content-Length.
	ErrSizeMismatch = fetch.ErrSizeMismatch

	// ErrRetriesExhausted is returned when every attempt of a fetch failed.
	ErrRetriesExhausted = fetch.ErrRetriesExhausted

	// ErrDecode is returned when downloaded bytes are not a decodable image.
	ErrDecode = convert.ErrDecode

	// ErrEncode is returned when no encoder could write the image.
	ErrEncode = convert.ErrEncode
)

// Errors re-exported from tile and strip.
var (
	// ErrInvalidMetadata is returned when strips are requested for bad metadata.
	ErrInvalidMetadata = tile.ErrInvalidMetadata

	// ErrInvalidDescriptor is returned for strips that cannot be rendered.
	ErrInvalidDescriptor = strip.ErrInvalidDescriptor
)
