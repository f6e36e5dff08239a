package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type delivery struct {
	Event   string
	Payload any
}

// fakeTransport delivers to an inbox per connection, honouring room
// membership the way the websocket hub does.
type fakeTransport struct {
	mu    sync.Mutex
	rooms map[string]map[string]bool
	inbox map[string][]delivery
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		rooms: make(map[string]map[string]bool),
		inbox: make(map[string][]delivery),
	}
}

func (f *fakeTransport) JoinRoom(connID, formID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[formID] == nil {
		f.rooms[formID] = make(map[string]bool)
	}
	f.rooms[formID][connID] = true
}

func (f *fakeTransport) LeaveRoom(connID, formID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms[formID], connID)
}

func (f *fakeTransport) Broadcast(formID, event string, payload any, exceptConnID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for connID := range f.rooms[formID] {
		if connID == exceptConnID {
			continue
		}
		f.inbox[connID] = append(f.inbox[connID], delivery{Event: event, Payload: payload})
	}
}

func (f *fakeTransport) Send(connID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox[connID] = append(f.inbox[connID], delivery{Event: event, Payload: payload})
}

func (f *fakeTransport) received(connID, event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []any
	for _, d := range f.inbox[connID] {
		if d.Event == event {
			out = append(out, d.Payload)
		}
	}
	return out
}

func (f *fakeTransport) last(connID, event string) (any, bool) {
	payloads := f.received(connID, event)
	if len(payloads) == 0 {
		return nil, false
	}
	return payloads[len(payloads)-1], true
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = make(map[string][]delivery)
}

type fakeStore struct {
	mu        sync.Mutex
	responses map[string]map[string]any
	labels    map[string]string
	gets      int
	puts      int
	putErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		responses: make(map[string]map[string]any),
		labels:    make(map[string]string),
	}
}

func (s *fakeStore) GetResponse(_ context.Context, formID string) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++

	stored, ok := s.responses[formID]
	if !ok {
		return nil, false, nil
	}
	return copyMap(stored), true, nil
}

func (s *fakeStore) PutResponse(_ context.Context, formID string, response map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.puts++
	s.responses[formID] = copyMap(response)
	return nil
}

func (s *fakeStore) GetFieldLabel(_ context.Context, fieldID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	label, ok := s.labels[fieldID]
	return label, ok, nil
}

func (s *fakeStore) setPutErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = err
}

func (s *fakeStore) stored(formID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMap(s.responses[formID])
}

func (s *fakeStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *fakeStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var errStoreDown = errors.New("store unavailable")

func newTestManager(t *testing.T, store *fakeStore) (*Manager, *fakeTransport) {
	t.Helper()

	transport := newFakeTransport()
	mgr, err := NewManager(Config{
		Transport:    transport,
		Responses:    store,
		LockTimeout:  80 * time.Millisecond,
		FlushDelay:   40 * time.Millisecond,
		FlushTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	return mgr, transport
}
