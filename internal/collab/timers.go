package collab

import (
	"strings"
	"sync"
	"time"
)

type timerEntry struct {
	timer *time.Timer
}

// Timers is a set of cancellable one-shot timers keyed by string. Scheduling
// a key replaces its pending timer, and a callback only runs if its timer is
// still the current one for the key when it fires.
type Timers struct {
	mu      sync.Mutex
	pending map[string]*timerEntry
}

// NewTimers constructs an empty timer set.
func NewTimers() *Timers {
	return &Timers{pending: make(map[string]*timerEntry)}
}

// Schedule runs fn after d unless key is rescheduled or cancelled first.
func (t *Timers) Schedule(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.pending[key]; ok {
		prev.timer.Stop()
	}

	entry := &timerEntry{}
	entry.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		current := t.pending[key] == entry
		if current {
			delete(t.pending, key)
		}
		t.mu.Unlock()

		if current {
			fn()
		}
	})
	t.pending[key] = entry
}

// Cancel stops the timer for key and reports whether one was pending.
func (t *Timers) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.pending[key]
	if ok {
		entry.timer.Stop()
		delete(t.pending, key)
	}
	return ok
}

// CancelPrefix stops every timer whose key starts with prefix.
func (t *Timers) CancelPrefix(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key, entry := range t.pending {
		if strings.HasPrefix(key, prefix) {
			entry.timer.Stop()
			delete(t.pending, key)
			n++
		}
	}
	return n
}

// Pending reports whether key has a timer waiting.
func (t *Timers) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

// Len returns the number of pending timers.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Keys returns the keys of pending timers.
func (t *Timers) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.pending))
	for key := range t.pending {
		keys = append(keys, key)
	}
	return keys
}

// Stop cancels every pending timer.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.pending {
		entry.timer.Stop()
		delete(t.pending, key)
	}
}
