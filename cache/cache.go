// Package cache provides a byte-budgeted two-tier cache for fetched images.
//
// Entries live in memory until the memory budget forces them out, at which
// point they spill to a disk tier. Eviction in both tiers is strict
// insertion order: reading an entry never promotes it. An entry moves from
// memory to disk at most once and never moves back.
package cache

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for cache operations.
var (
	// ErrNotFound is returned when a name is in neither tier.
	ErrNotFound = errors.New("pagestrip: not found in cache")

	// ErrCapacity is returned when an item cannot fit in any tier.
	ErrCapacity = errors.New("pagestrip: item exceeds cache budget")

	// ErrInvalidName is returned for names that cannot be used as a flat file name.
	ErrInvalidName = errors.New("pagestrip: invalid cache name")
)

// Store is the disk tier used by Tiered.
//
// Implementations keep their own insertion order and byte accounting and
// must be safe for concurrent use.
type Store interface {
	// Get returns the content stored under name or an error wrapping ErrNotFound.
	Get(name string) ([]byte, error)

	// Put stores content under name as the newest entry.
	Put(name string, data []byte) error

	// Remove deletes name and returns its size.
	Remove(name string) (int64, error)

	// Reserve evicts the oldest entries until need more bytes fit and
	// returns the evicted names. It fails with ErrCapacity if need exceeds
	// the whole budget.
	Reserve(need int64) ([]string, error)

	// Has reports whether name is stored.
	Has(name string) bool

	// MaxBytes returns the budget (0 = unlimited).
	MaxBytes() int64

	// SizeBytes returns the bytes currently stored.
	SizeBytes() int64

	// Len returns the number of stored entries.
	Len() int
}

// ValidateName reports whether name can be used as a cache key. Keys are
// used verbatim as file names in the disk tier, so they must be a single
// path element and must not start with a dot.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// Tier identifies where an entry currently lives.
type Tier uint8

// Cache tiers.
const (
	TierMemory Tier = iota + 1
	TierDisk
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of the cache accounting.
type Stats struct {
	MemoryBytes   int64
	MemoryBudget  int64
	MemoryEntries int
	DiskBytes     int64
	DiskBudget    int64
	DiskEntries   int
	// Dropped counts spilled entries that could not be written to disk.
	Dropped int64
}
