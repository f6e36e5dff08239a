package collab

import (
	"sort"
	"sync"
	"time"
)

// LockTable holds advisory field locks. Acquire always wins: it overwrites
// the previous holder instead of queuing.
type LockTable interface {
	Acquire(formID, fieldID string, holder LockHolder, at time.Time) (lock FieldLock, previous *FieldLock)
	// Release removes the lock only when connID is the recorded holder.
	Release(formID, fieldID, connID string) bool
	// ForceRelease removes the lock whoever holds it.
	ForceRelease(formID, fieldID string) (FieldLock, bool)
	// Expire removes the lock only if it is still the acquisition with token.
	Expire(formID, fieldID string, token uint64) (FieldLock, bool)
	ReleaseHeldBy(formID, connID string) []FieldLock
	Clear(formID string) []FieldLock
	Get(formID, fieldID string) (FieldLock, bool)
	List(formID string) []FieldLock
	FormsHeldBy(connID string) []string
	Count() int
}

// MemoryLockTable is the in-process LockTable.
type MemoryLockTable struct {
	mu    sync.RWMutex
	locks map[string]map[string]FieldLock
	next  uint64
}

// NewLockTable constructs an empty in-memory lock table.
func NewLockTable() *MemoryLockTable {
	return &MemoryLockTable{locks: make(map[string]map[string]FieldLock)}
}

func (t *MemoryLockTable) Acquire(formID, fieldID string, holder LockHolder, at time.Time) (FieldLock, *FieldLock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fields := t.locks[formID]
	if fields == nil {
		fields = make(map[string]FieldLock)
		t.locks[formID] = fields
	}

	var previous *FieldLock
	if existing, ok := fields[fieldID]; ok {
		previous = &existing
	}

	t.next++
	lock := FieldLock{
		FormID:       formID,
		FieldID:      fieldID,
		HolderUserID: holder.UserID,
		HolderName:   holder.UserName,
		ConnectionID: holder.ConnectionID,
		AcquiredAt:   at,
		Token:        t.next,
	}
	fields[fieldID] = lock
	return lock, previous
}

func (t *MemoryLockTable) Release(formID, fieldID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, ok := t.locks[formID][fieldID]
	if !ok || lock.ConnectionID != connID {
		return false
	}
	t.deleteLocked(formID, fieldID)
	return true
}

func (t *MemoryLockTable) ForceRelease(formID, fieldID string) (FieldLock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, ok := t.locks[formID][fieldID]
	if ok {
		t.deleteLocked(formID, fieldID)
	}
	return lock, ok
}

func (t *MemoryLockTable) Expire(formID, fieldID string, token uint64) (FieldLock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, ok := t.locks[formID][fieldID]
	if !ok || lock.Token != token {
		return FieldLock{}, false
	}
	t.deleteLocked(formID, fieldID)
	return lock, true
}

func (t *MemoryLockTable) ReleaseHeldBy(formID, connID string) []FieldLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	var released []FieldLock
	for fieldID, lock := range t.locks[formID] {
		if lock.ConnectionID == connID {
			released = append(released, lock)
			t.deleteLocked(formID, fieldID)
		}
	}
	sortLocks(released)
	return released
}

func (t *MemoryLockTable) Clear(formID string) []FieldLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	cleared := make([]FieldLock, 0, len(t.locks[formID]))
	for _, lock := range t.locks[formID] {
		cleared = append(cleared, lock)
	}
	delete(t.locks, formID)
	sortLocks(cleared)
	return cleared
}

func (t *MemoryLockTable) Get(formID, fieldID string) (FieldLock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lock, ok := t.locks[formID][fieldID]
	return lock, ok
}

func (t *MemoryLockTable) List(formID string) []FieldLock {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]FieldLock, 0, len(t.locks[formID]))
	for _, lock := range t.locks[formID] {
		out = append(out, lock)
	}
	sortLocks(out)
	return out
}

func (t *MemoryLockTable) FormsHeldBy(connID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var forms []string
	for formID, fields := range t.locks {
		for _, lock := range fields {
			if lock.ConnectionID == connID {
				forms = append(forms, formID)
				break
			}
		}
	}
	sort.Strings(forms)
	return forms
}

func (t *MemoryLockTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, fields := range t.locks {
		n += len(fields)
	}
	return n
}

func (t *MemoryLockTable) deleteLocked(formID, fieldID string) {
	fields := t.locks[formID]
	delete(fields, fieldID)
	if len(fields) == 0 {
		delete(t.locks, formID)
	}
}

func sortLocks(locks []FieldLock) {
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].FieldID < locks[j].FieldID
	})
}
