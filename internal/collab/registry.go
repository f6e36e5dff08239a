package collab

import (
	"sort"
	"sync"
)

// RoomRegistry tracks which participants are connected to which form.
type RoomRegistry interface {
	// Join adds p to the room, replacing any entry with the same user id or
	// connection id, and returns the updated member list. A connection
	// replaced by a second tab of the same user leaves the member list but
	// stays subscribed in the transport room, so it keeps receiving the
	// form's broadcasts until it leaves or disconnects.
	Join(formID string, p Participant) []Participant
	// Leave removes the participant on connID. An emptied room is deleted.
	Leave(formID, connID string) LeaveResult
	Members(formID string) []Participant
	Has(formID string) bool
	RoomsOf(connID string) []string
	Counts() (rooms, participants int)
}

// LeaveResult reports the outcome of RoomRegistry.Leave.
type LeaveResult struct {
	Left    Participant
	Members []Participant
	// Removed is false when connID was not a member.
	Removed bool
	// Empty is true when the room was deleted by this call.
	Empty bool
}

// MemoryRoomRegistry is the in-process RoomRegistry.
type MemoryRoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string][]Participant
	byConn map[string]map[string]struct{}
}

// NewRoomRegistry constructs an empty in-memory registry.
func NewRoomRegistry() *MemoryRoomRegistry {
	return &MemoryRoomRegistry{
		rooms:  make(map[string][]Participant),
		byConn: make(map[string]map[string]struct{}),
	}
}

func (r *MemoryRoomRegistry) Join(formID string, p Participant) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.rooms[formID]
	next := make([]Participant, 0, len(current)+1)
	for _, existing := range current {
		if existing.UserID == p.UserID || existing.ConnectionID == p.ConnectionID {
			if existing.ConnectionID != p.ConnectionID {
				r.unindexLocked(existing.ConnectionID, formID)
			}
			continue
		}
		next = append(next, existing)
	}
	next = append(next, p)

	r.rooms[formID] = next
	r.indexLocked(p.ConnectionID, formID)

	return cloneParticipants(next)
}

func (r *MemoryRoomRegistry) Leave(formID, connID string) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.rooms[formID]
	if !ok {
		return LeaveResult{}
	}

	result := LeaveResult{}
	next := make([]Participant, 0, len(current))
	for _, existing := range current {
		if existing.ConnectionID == connID && !result.Removed {
			result.Left = existing
			result.Removed = true
			continue
		}
		next = append(next, existing)
	}
	if !result.Removed {
		result.Members = cloneParticipants(current)
		return result
	}

	r.unindexLocked(connID, formID)
	if len(next) == 0 {
		delete(r.rooms, formID)
		result.Empty = true
		result.Members = []Participant{}
		return result
	}

	r.rooms[formID] = next
	result.Members = cloneParticipants(next)
	return result
}

func (r *MemoryRoomRegistry) Members(formID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneParticipants(r.rooms[formID])
}

func (r *MemoryRoomRegistry) Has(formID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[formID]
	return ok
}

func (r *MemoryRoomRegistry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	forms := make([]string, 0, len(r.byConn[connID]))
	for formID := range r.byConn[connID] {
		forms = append(forms, formID)
	}
	sort.Strings(forms)
	return forms
}

func (r *MemoryRoomRegistry) Counts() (rooms, participants int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, members := range r.rooms {
		participants += len(members)
	}
	return len(r.rooms), participants
}

func (r *MemoryRoomRegistry) indexLocked(connID, formID string) {
	forms := r.byConn[connID]
	if forms == nil {
		forms = make(map[string]struct{})
		r.byConn[connID] = forms
	}
	forms[formID] = struct{}{}
}

func (r *MemoryRoomRegistry) unindexLocked(connID, formID string) {
	forms := r.byConn[connID]
	delete(forms, formID)
	if len(forms) == 0 {
		delete(r.byConn, connID)
	}
}

func cloneParticipants(in []Participant) []Participant {
	out := make([]Participant, len(in))
	copy(out, in)
	return out
}
