package collab

import (
	"sort"
	"sync"
	"sync/atomic"
)

// ResponseSnapshot is a point-in-time copy of a cached response.
type ResponseSnapshot struct {
	Data    map[string]any
	Version uint64
	// Hydrated is true once the durable copy has been merged in.
	Hydrated bool
}

// ResponseCache holds the live label -> value mapping of each open form.
type ResponseCache interface {
	Ensure(formID string)
	Get(formID string) (map[string]any, bool)
	Snapshot(formID string) (ResponseSnapshot, bool)
	// Update stores value under label unless a later receipt (higher seq)
	// already wrote that label. It creates the entry when absent.
	Update(formID, label string, value any, seq uint64) (version uint64, applied bool)
	// Hydrate merges base beneath the values already edited in memory.
	Hydrate(formID string, base map[string]any) (ResponseSnapshot, bool)
	Evict(formID string) bool
	Has(formID string) bool
	FormIDs() []string
	Len() int
}

type responseEntry struct {
	data     map[string]any
	seq      map[string]uint64
	version  uint64
	hydrated bool
}

// MemoryResponseCache is the in-process ResponseCache.
type MemoryResponseCache struct {
	mu      sync.RWMutex
	entries map[string]*responseEntry
	clock   atomic.Uint64
}

// NewResponseCache constructs an empty in-memory cache.
func NewResponseCache() *MemoryResponseCache {
	return &MemoryResponseCache{entries: make(map[string]*responseEntry)}
}

func (c *MemoryResponseCache) Ensure(formID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(formID)
}

func (c *MemoryResponseCache) Get(formID string) (map[string]any, bool) {
	snap, ok := c.Snapshot(formID)
	return snap.Data, ok
}

func (c *MemoryResponseCache) Snapshot(formID string) (ResponseSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[formID]
	if !ok {
		return ResponseSnapshot{}, false
	}
	return entry.snapshot(), true
}

func (c *MemoryResponseCache) Update(formID, label string, value any, seq uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entryLocked(formID)
	if seq != 0 && entry.seq[label] > seq {
		return entry.version, false
	}

	entry.data[label] = value
	if seq != 0 {
		entry.seq[label] = seq
	}
	entry.version = c.clock.Add(1)
	return entry.version, true
}

func (c *MemoryResponseCache) Hydrate(formID string, base map[string]any) (ResponseSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[formID]
	if !ok {
		return ResponseSnapshot{}, false
	}
	if !entry.hydrated {
		for label, value := range base {
			if _, edited := entry.data[label]; !edited {
				entry.data[label] = value
			}
		}
		entry.hydrated = true
	}
	return entry.snapshot(), true
}

func (c *MemoryResponseCache) Evict(formID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[formID]
	delete(c.entries, formID)
	return ok
}

func (c *MemoryResponseCache) Has(formID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[formID]
	return ok
}

func (c *MemoryResponseCache) FormIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.entries))
	for formID := range c.entries {
		ids = append(ids, formID)
	}
	sort.Strings(ids)
	return ids
}

func (c *MemoryResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryResponseCache) entryLocked(formID string) *responseEntry {
	entry, ok := c.entries[formID]
	if !ok {
		entry = &responseEntry{
			data: make(map[string]any),
			seq:  make(map[string]uint64),
		}
		c.entries[formID] = entry
	}
	return entry
}

func (e *responseEntry) snapshot() ResponseSnapshot {
	data := make(map[string]any, len(e.data))
	for label, value := range e.data {
		data[label] = value
	}
	return ResponseSnapshot{Data: data, Version: e.version, Hydrated: e.hydrated}
}
