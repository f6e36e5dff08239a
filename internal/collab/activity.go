package collab

import "sync"

const defaultActivityHistory = 15

// activityLog keeps the most recent activity events of each room.
type activityLog struct {
	mu    sync.RWMutex
	limit int
	rooms map[string][]ActivityEvent
}

func newActivityLog(limit int) *activityLog {
	if limit <= 0 {
		limit = defaultActivityHistory
	}
	return &activityLog{limit: limit, rooms: make(map[string][]ActivityEvent)}
}

func (a *activityLog) record(event ActivityEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	events := append(a.rooms[event.FormID], event)
	if len(events) > a.limit {
		events = append([]ActivityEvent(nil), events[len(events)-a.limit:]...)
	}
	a.rooms[event.FormID] = events
}

// recent returns the room's events, newest first.
func (a *activityLog) recent(formID string) []ActivityEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()

	events := a.rooms[formID]
	out := make([]ActivityEvent, len(events))
	for i, event := range events {
		out[len(events)-1-i] = event
	}
	return out
}

func (a *activityLog) drop(formID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.rooms, formID)
}
