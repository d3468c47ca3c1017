package cache

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Tiered is a byte-budgeted memory cache that spills to a disk Store.
//
// Add, Pop, and Delete take an exclusive lock over both tiers, so the
// accounting of a tier never changes under a concurrent reader. Get takes a
// shared lock. Tiered is safe for concurrent use.
type Tiered struct {
	mu        sync.RWMutex
	memBudget int64
	memBytes  int64
	mem       map[string]*list.Element // values are *memEntry
	order     *list.List               // front = oldest
	disk      Store                    // nil = memory only
	dropped   int64
	logger    *slog.Logger
}

type memEntry struct {
	name string
	data []byte
}

// Option configures a Tiered cache.
type Option func(*Tiered)

// WithLogger sets the logger for eviction diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tiered) {
		t.logger = logger
	}
}

// New creates a Tiered cache holding at most memoryBudget bytes in memory.
// Entries evicted from memory are written to disk. A nil disk makes the
// cache memory-only: evicted entries are dropped.
func New(memoryBudget int64, disk Store, opts ...Option) (*Tiered, error) {
	if memoryBudget <= 0 {
		return nil, errors.New("memory budget must be > 0")
	}
	t := &Tiered{
		memBudget: memoryBudget,
		mem:       make(map[string]*list.Element),
		order:     list.New(),
		disk:      disk,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Tiered) log() *slog.Logger {
	if t.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return t.logger
}

// Add stores data under name, replacing any previous entry in either tier.
//
// If data is larger than the memory budget, memory is emptied and data is
// written straight to disk. Otherwise the oldest memory entries are spilled
// to disk until data fits. Before a spill is written, the oldest disk
// entries are evicted until the spill fits the disk budget.
//
// Add returns an error wrapping ErrCapacity, and leaves the cache untouched,
// if data fits neither tier.
func (t *Tiered) Add(name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	size := int64(len(data))

	t.mu.Lock()
	defer t.mu.Unlock()

	if size > t.memBudget && !t.fitsDiskLocked(size) {
		return fmt.Errorf("%s: %d bytes: %w", name, size, ErrCapacity)
	}
	if err := t.deleteLocked(name); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	owned := make([]byte, len(data))
	copy(owned, data)

	var spill []*memEntry
	if size > t.memBudget {
		spill = t.evictMemoryLocked(t.memBytes)
		spill = append(spill, &memEntry{name: name, data: owned})
		t.log().Debug("cache item exceeds memory budget", "name", name, "bytes", size)
	} else {
		if t.memBytes+size > t.memBudget {
			spill = t.evictMemoryLocked(t.memBytes + size - t.memBudget)
		}
		t.mem[name] = t.order.PushBack(&memEntry{name: name, data: owned})
		t.memBytes += size
	}

	if len(spill) == 0 {
		return nil
	}
	return t.spillLocked(spill, name)
}

// Get returns the content stored under name, checking memory first and then
// disk. The returned slice must not be modified.
func (t *Tiered) Get(name string) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if el, ok := t.mem[name]; ok {
		return el.Value.(*memEntry).data, nil
	}
	if t.disk == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return t.disk.Get(name)
}

// Pop returns the content stored under name and removes it from the cache.
func (t *Tiered) Pop(name string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.mem[name]; ok {
		e := el.Value.(*memEntry)
		t.removeMemoryLocked(el)
		return e.data, nil
	}
	if t.disk == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	data, err := t.disk.Get(name)
	if err != nil {
		return nil, err
	}
	if _, err := t.disk.Remove(name); err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes name from whichever tier holds it.
func (t *Tiered) Delete(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteLocked(name)
}

// Tier reports which tier currently holds name.
func (t *Tiered) Tier(name string) (Tier, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.mem[name]; ok {
		return TierMemory, true
	}
	if t.disk != nil && t.disk.Has(name) {
		return TierDisk, true
	}
	return 0, false
}

// MemoryNames returns the names held in memory, oldest first.
func (t *Tiered) MemoryNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, t.order.Len())
	for el := t.order.Front(); el != nil; el = el.Next() {
		names = append(names, el.Value.(*memEntry).name)
	}
	return names
}

// Stats returns the current accounting of both tiers.
func (t *Tiered) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{
		MemoryBytes:   t.memBytes,
		MemoryBudget:  t.memBudget,
		MemoryEntries: t.order.Len(),
		Dropped:       t.dropped,
	}
	if t.disk != nil {
		s.DiskBytes = t.disk.SizeBytes()
		s.DiskBudget = t.disk.MaxBytes()
		s.DiskEntries = t.disk.Len()
	}
	return s
}

func (t *Tiered) fitsDiskLocked(size int64) bool {
	if t.disk == nil {
		return false
	}
	limit := t.disk.MaxBytes()
	return limit == 0 || size <= limit
}

// evictMemoryLocked removes the oldest memory entries until at least need
// bytes were freed and returns them, oldest first.
func (t *Tiered) evictMemoryLocked(need int64) []*memEntry {
	var out []*memEntry
	var freed int64
	for freed < need {
		front := t.order.Front()
		if front == nil {
			break
		}
		e := front.Value.(*memEntry)
		t.removeMemoryLocked(front)
		freed += int64(len(e.data))
		out = append(out, e)
	}
	return out
}

func (t *Tiered) removeMemoryLocked(el *list.Element) {
	e := el.Value.(*memEntry)
	t.order.Remove(el)
	delete(t.mem, e.name)
	t.memBytes -= int64(len(e.data))
}

// spillLocked writes evicted entries to disk in eviction order. Entries that
// cannot be written are dropped; only a failure to store the entry being
// added is reported.
func (t *Tiered) spillLocked(spill []*memEntry, added string) error {
	if t.disk == nil {
		for _, e := range spill {
			t.drop(e, "no disk tier")
		}
		return nil
	}

	var total int64
	for _, e := range spill {
		total += int64(len(e.data))
	}
	if limit := t.disk.MaxBytes(); limit > 0 {
		for total > limit && len(spill) > 0 && spill[0].name != added {
			total -= int64(len(spill[0].data))
			t.drop(spill[0], "spill exceeds disk budget")
			spill = spill[1:]
		}
	}
	evicted, err := t.disk.Reserve(total)
	if err != nil {
		var addErr error
		for _, e := range spill {
			t.drop(e, err.Error())
			if e.name == added {
				addErr = fmt.Errorf("spill %s: %w", added, err)
			}
		}
		return addErr
	}
	if len(evicted) > 0 {
		t.log().Debug("cache evicted disk entries", "count", len(evicted), "spill_bytes", total)
	}

	var addErr error
	for _, e := range spill {
		if err := t.disk.Put(e.name, e.data); err != nil {
			t.drop(e, err.Error())
			if e.name == added {
				addErr = fmt.Errorf("spill %s: %w", added, err)
			}
		}
	}
	return addErr
}

func (t *Tiered) drop(e *memEntry, reason string) {
	t.dropped++
	t.log().Warn("cache dropped entry", "name", e.name, "bytes", len(e.data), "reason", reason)
}

func (t *Tiered) deleteLocked(name string) error {
	if el, ok := t.mem[name]; ok {
		t.removeMemoryLocked(el)
		return nil
	}
	if t.disk == nil {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	_, err := t.disk.Remove(name)
	return err
}
