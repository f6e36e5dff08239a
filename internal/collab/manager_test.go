package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func join(mgr *Manager, conn, form, user string) {
	mgr.Join(conn, JoinFormRequest{FormID: form, UserID: user, UserName: user})
}

func TestManager_EndToEndScenario(t *testing.T) {
	store := newFakeStore()
	store.labels["f1"] = "Age"
	mgr, transport := newTestManager(t, store)
	ctx := context.Background()

	join(mgr, "conn-a", "F1", "alice")
	require.Eventually(t, func() bool {
		_, ok := transport.last("conn-a", EventFormState)
		return ok
	}, waitFor, tick)
	state, _ := transport.last("conn-a", EventFormState)
	require.Equal(t, map[string]any{}, state.(FormStatePayload).Response)

	join(mgr, "conn-b", "F1", "bob")
	for _, conn := range []string{"conn-a", "conn-b"} {
		payload, ok := transport.last(conn, EventUserJoined)
		require.True(t, ok)
		require.Len(t, payload.(UserJoinedPayload).Users, 2)
	}

	mgr.Lock(ctx, "conn-a", FieldLockRequest{FormID: "F1", FieldID: "f1", UserID: "alice", UserName: "alice"})
	locked, ok := transport.last("conn-b", EventFieldLocked)
	require.True(t, ok)
	require.Equal(t, "f1", locked.(FieldLockedPayload).FieldID)
	require.Equal(t, "alice", locked.(FieldLockedPayload).LockedBy.UserID)
	require.Empty(t, transport.received("conn-a", EventFieldLocked))

	mgr.Commit(ctx, "conn-a", FieldChangeRequest{FormID: "F1", FieldID: "f1", Value: "42", UserName: "alice"})
	update, ok := transport.last("conn-b", EventFieldUpdate)
	require.True(t, ok)
	require.Equal(t, FieldUpdatePayload{FieldID: "f1", Value: "42"}, update)
	unlocked, ok := transport.last("conn-b", EventFieldUnlocked)
	require.True(t, ok)
	require.Equal(t, FieldUnlockedPayload{FieldID: "f1"}, unlocked)
	require.Empty(t, transport.received("conn-a", EventFieldUpdate))

	require.Eventually(t, func() bool {
		return store.stored("F1")["Age"] == "42"
	}, waitFor, tick)

	mgr.Lock(ctx, "conn-b", FieldLockRequest{FormID: "F1", FieldID: "f2", UserID: "bob", UserName: "bob"})
	mgr.Disconnect("conn-b")

	left, ok := transport.last("conn-a", EventUserLeft)
	require.True(t, ok)
	require.Len(t, left.(UserLeftPayload).Users, 1)
	require.Equal(t, "bob", left.(UserLeftPayload).LeftUser.UserID)
	require.Contains(t, transport.received("conn-a", EventFieldUnlocked), FieldUnlockedPayload{FieldID: "f2"})
	require.Zero(t, mgr.Stats().Locks)
}

func TestManager_RejoinDoesNotDuplicateUser(t *testing.T) {
	mgr, transport := newTestManager(t, newFakeStore())

	join(mgr, "conn-1", "F1", "alice")
	join(mgr, "conn-2", "F1", "bob")
	join(mgr, "conn-3", "F1", "alice")

	payload, ok := transport.last("conn-2", EventUserJoined)
	require.True(t, ok)
	users := payload.(UserJoinedPayload).Users
	require.Len(t, users, 2)
	require.Equal(t, "conn-3", users[1].ConnectionID)

	presence, ok := mgr.Presence("F1")
	require.True(t, ok)
	require.Len(t, presence.Users, 2)
}

func TestManager_JoinLoadsStoredState(t *testing.T) {
	store := newFakeStore()
	store.responses["F1"] = map[string]any{"Name": "stored"}
	mgr, transport := newTestManager(t, store)

	join(mgr, "conn-1", "F1", "alice")

	require.Eventually(t, func() bool {
		_, ok := transport.last("conn-1", EventFormState)
		return ok
	}, waitFor, tick)
	state, _ := transport.last("conn-1", EventFormState)
	require.Equal(t, "F1", state.(FormStatePayload).FormID)
	require.Equal(t, "stored", state.(FormStatePayload).Response["Name"])
}

func TestManager_LockExpires(t *testing.T) {
	mgr, transport := newTestManager(t, newFakeStore())
	join(mgr, "conn-a", "F1", "alice")
	join(mgr, "conn-b", "F1", "bob")

	mgr.Lock(context.Background(), "conn-a", FieldLockRequest{FormID: "F1", FieldID: "f1", UserID: "alice"})
	require.Equal(t, 1, mgr.Stats().Locks)

	require.Eventually(t, func() bool {
		return len(transport.received("conn-b", EventFieldUnlocked)) == 1
	}, waitFor, tick)
	require.Zero(t, mgr.Stats().Locks)
}

func TestManager_RelockRestartsTimeout(t *testing.T) {
	mgr, transport := newTestManager(t, newFakeStore())
	join(mgr, "conn-a", "F1", "alice")
	join(mgr, "conn-b", "F1", "bob")
	ctx := context.Background()

	mgr.Lock(ctx, "conn-a", FieldLockRequest{FormID: "F1", FieldID: "f1", UserID: "alice"})
	time.Sleep(30 * time.Millisecond)
	mgr.Lock(ctx, "conn-b", FieldLockRequest{FormID: "F1", FieldID: "f1", UserID: "bob"})

	time.Sleep(30 * time.Millisecond)
	lock, ok := mgr.locks.Get("F1", "f1")
	require.True(t, ok)
	require.Equal(t, "conn-b", lock.ConnectionID)
	require.Empty(t, transport.received("conn-a", EventFieldUnlocked))

	require.Eventually(t, func() bool {
		return len(transport.received("conn-a", EventFieldUnlocked)) == 1
	}, waitFor, tick)
}

func TestManager_StaleUnlockIsIgnored(t *testing.T) {
	mgr, transport := newTestManager(t, newFakeStore())
	join(mgr, "conn-a", "F1", "alice")
	join(mgr, "conn-b", "F1", "bob")
	ctx := context.Background()

	mgr.Lock(ctx, "conn-a", FieldLockRequest{FormID: "F1", FieldID: "f1", UserID: "alice"})
	mgr.Lock(ctx, "conn-b", FieldLockRequest{FormID: "F1", FieldID: "f1", UserID: "bob"})
	mgr.Unlock("conn-a", FieldUnlockRequest{FormID: "F1", FieldID: "f1"})

	lock, ok := mgr.locks.Get("F1", "f1")
	require.True(t, ok)
	require.Equal(t, "conn-b", lock.ConnectionID)
	require.Empty(t, transport.received("conn-a", EventFieldUnlocked))

	mgr.Unlock("conn-b", FieldUnlockRequest{FormID: "F1", FieldID: "f1"})
	require.Len(t, transport.received("conn-a", EventFieldUnlocked), 1)
}

func TestManager_CommitWithoutLockStillUnlocks(t *testing.T) {
	mgr, transport := newTestManager(t, newFakeStore())
	join(mgr, "conn-a", "F1", "alice")
	join(mgr, "conn-b", "F1", "bob")

	mgr.Commit(context.Background(), "conn-a", FieldChangeRequest{FormID: "F1", FieldID: "ghost", Value: 1})

	require.Len(t, transport.received("conn-a", EventFieldUnlocked), 1)
	require.Len(t, transport.received("conn-b", EventFieldUnlocked), 1)

	data, ok := mgr.cache.Get("F1")
	require.True(t, ok)
	require.Equal(t, 1, data[UnknownFieldLabel])
}

func TestManager_DebounceCoalescesWrites(t *testing.T) {
	store := newFakeStore()
	store.labels["f1"] = "Name"
	store.labels["f2"] = "Email"
	mgr, _ := newTestManager(t, store)
	join(mgr, "conn-a", "F1", "alice")
	ctx := context.Background()

	mgr.Commit(ctx, "conn-a", FieldChangeRequest{FormID: "F1", FieldID: "f1", Value: "a"})
	mgr.Commit(ctx, "conn-a", FieldChangeRequest{FormID: "F1", FieldID: "f1", Value: "ab"})
	mgr.Commit(ctx, "conn-a", FieldChangeRequest{FormID: "F1", FieldID: "f2", Value: "a@example.com"})

	require.Eventually(t, func() bool { return store.putCount() == 1 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, store.putCount())
	require.Equal(t, map[string]any{"Name": "ab", "Email": "a@example.com"}, store.stored("F1"))
}

func TestManager_EmptyRoomFlushesAndEvicts(t *testing.T) {
	store := newFakeStore()
	store.labels["f1"] = "Name"
	store.responses["F1"] = map[string]any{"Untouched": "keep"}
	mgr, transport := newTestManager(t, store)
	join(mgr, "conn-a", "F1", "alice")

	mgr.Commit(context.Background(), "conn-a", FieldChangeRequest{FormID: "F1", FieldID: "f1", Value: "final"})
	mgr.Leave("conn-a", LeaveFormRequest{FormID: "F1", UserID: "alice"})

	require.Equal(t, map[string]any{"Untouched": "keep", "Name": "final"}, store.stored("F1"))
	require.False(t, mgr.cache.Has("F1"))
	require.Zero(t, mgr.Stats().Rooms)

	gets := store.getCount()
	transport.reset()
	join(mgr, "conn-b", "F1", "bob")
	require.Eventually(t, func() bool {
		_, ok := transport.last("conn-b", EventFormState)
		return ok
	}, waitFor, tick)
	require.Greater(t, store.getCount(), gets)

	state, _ := transport.last("conn-b", EventFormState)
	require.Equal(t, "final", state.(FormStatePayload).Response["Name"])
}

func TestManager_FailedWriteIsRetried(t *testing.T) {
	store := newFakeStore()
	store.labels["f1"] = "Name"
	store.setPutErr(errStoreDown)
	mgr, _ := newTestManager(t, store)
	join(mgr, "conn-a", "F1", "alice")

	mgr.Commit(context.Background(), "conn-a", FieldChangeRequest{FormID: "F1", FieldID: "f1", Value: "x"})
	mgr.Leave("conn-a", LeaveFormRequest{FormID: "F1"})

	require.True(t, mgr.cache.Has("F1"))

	store.setPutErr(nil)
	require.Eventually(t, func() bool {
		return store.stored("F1")["Name"] == "x" && !mgr.cache.Has("F1")
	}, waitFor, tick)
}

func TestManager_CommitAfterRoomClosedIsMerged(t *testing.T) {
	store := newFakeStore()
	store.labels["f1"] = "Name"
	store.responses["F1"] = map[string]any{"Other": "kept"}
	mgr, _ := newTestManager(t, store)

	mgr.Commit(context.Background(), "conn-x", FieldChangeRequest{FormID: "F1", FieldID: "f1", Value: "late"})

	require.Eventually(t, func() bool {
		stored := store.stored("F1")
		return stored["Name"] == "late" && stored["Other"] == "kept" && !mgr.cache.Has("F1")
	}, waitFor, tick)
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	mgr, transport := newTestManager(t, newFakeStore())
	join(mgr, "conn-a", "F1", "alice")
	join(mgr, "conn-b", "F1", "bob")
	join(mgr, "conn-b", "F2", "bob")

	mgr.Disconnect("conn-b")
	mgr.Disconnect("conn-b")

	require.Len(t, transport.received("conn-a", EventUserLeft), 1)
	stats := mgr.Stats()
	require.Equal(t, 1, stats.Rooms)
	require.Equal(t, 1, stats.Participants)
}

func TestManager_ActivityHistory(t *testing.T) {
	store := newFakeStore()
	store.labels["f1"] = "Name"
	mgr, transport := newTestManager(t, store)
	join(mgr, "conn-a", "F1", "alice")
	mgr.Lock(context.Background(), "conn-a", FieldLockRequest{FormID: "F1", FieldID: "f1", UserID: "alice", UserName: "alice"})

	events, ok := mgr.Activity("F1")
	require.True(t, ok)
	require.Len(t, events, 2)
	require.Equal(t, ActivityFieldLock, events[0].Type)
	require.Equal(t, "Name", events[0].FieldName)
	require.Equal(t, ActivityUserJoined, events[1].Type)

	logged := transport.received("conn-a", EventActivityLog)
	require.Len(t, logged, 2)

	_, ok = mgr.Activity("missing")
	require.False(t, ok)
}

func TestManager_FlushAll(t *testing.T) {
	store := newFakeStore()
	store.labels["f1"] = "Name"
	mgr, _ := newTestManager(t, store)
	ctx := context.Background()

	for _, form := range []string{"F1", "F2", "F3"} {
		join(mgr, "conn-"+form, form, "alice")
		mgr.Commit(ctx, "conn-"+form, FieldChangeRequest{FormID: form, FieldID: "f1", Value: form})
	}

	require.NoError(t, mgr.FlushAll(ctx))
	for _, form := range []string{"F1", "F2", "F3"} {
		require.Equal(t, form, store.stored(form)["Name"])
	}

	require.ErrorContains(t, mgr.FlushForm(ctx, "missing"), "no active collaboration room")
}

func TestManager_Ping(t *testing.T) {
	mgr, transport := newTestManager(t, newFakeStore())
	join(mgr, "conn-a", "F1", "alice")

	mgr.Ping("conn-a", PingRequest{FormID: "F1"})
	payload, ok := transport.last("conn-a", EventPong)
	require.True(t, ok)
	pong := payload.(PongPayload)
	require.Equal(t, 1, pong.ActiveUsers)
	require.Equal(t, "memory", pong.Storage)
	require.True(t, pong.CacheStatus)
	require.NotZero(t, pong.Timestamp)
}

func TestManager_PingCountsOnlyTheNamedForm(t *testing.T) {
	mgr, transport := newTestManager(t, newFakeStore())
	ctx := context.Background()
	join(mgr, "conn-a", "F1", "alice")
	join(mgr, "conn-b", "F2", "bob")
	join(mgr, "conn-c", "F2", "carol")
	mgr.Lock(ctx, "conn-b", FieldLockRequest{FormID: "F2", FieldID: "f1", UserID: "bob", UserName: "bob"})
	mgr.Lock(ctx, "conn-c", FieldLockRequest{FormID: "F2", FieldID: "f2", UserID: "carol", UserName: "carol"})

	mgr.Ping("conn-a", PingRequest{FormID: "F1"})
	payload, _ := transport.last("conn-a", EventPong)
	require.Equal(t, 1, payload.(PongPayload).ActiveUsers)
	require.Equal(t, 0, payload.(PongPayload).ActiveLocks)

	mgr.Ping("conn-b", PingRequest{FormID: "F2"})
	payload, _ = transport.last("conn-b", EventPong)
	require.Equal(t, 2, payload.(PongPayload).ActiveUsers)
	require.Equal(t, 2, payload.(PongPayload).ActiveLocks)

	mgr.Ping("conn-a", PingRequest{})
	payload, _ = transport.last("conn-a", EventPong)
	require.Equal(t, 3, payload.(PongPayload).ActiveUsers)
	require.Equal(t, 2, payload.(PongPayload).ActiveLocks)
}

// gatedLabels blocks every lookup until release is closed.
type gatedLabels struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLabels) GetFieldLabel(_ context.Context, fieldID string) (string, bool, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return "Label", true, nil
}

func TestManager_JoinDuringSlowCommitSeesValue(t *testing.T) {
	labels := &gatedLabels{entered: make(chan struct{}, 1), release: make(chan struct{})}
	transport := newFakeTransport()
	mgr, err := NewManager(Config{
		Transport:    transport,
		Responses:    newFakeStore(),
		Labels:       labels,
		FlushDelay:   time.Second,
		FlushTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	join(mgr, "conn-a", "F1", "alice")
	require.Eventually(t, func() bool {
		_, ok := transport.last("conn-a", EventFormState)
		return ok
	}, waitFor, tick)

	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Commit(context.Background(), "conn-a", FieldChangeRequest{FormID: "F1", FieldID: "f1", Value: "42", UserName: "alice"})
	}()
	<-labels.entered

	join(mgr, "conn-b", "F1", "bob")
	require.Eventually(t, func() bool {
		_, ok := transport.last("conn-b", EventFormState)
		return ok
	}, waitFor, tick)

	close(labels.release)
	<-done

	state, _ := transport.last("conn-b", EventFormState)
	sawInState := state.(FormStatePayload).Response["Label"] == "42"
	sawUpdate := false
	for _, payload := range transport.received("conn-b", EventFieldUpdate) {
		if update := payload.(FieldUpdatePayload); update.FieldID == "f1" && update.Value == "42" {
			sawUpdate = true
		}
	}
	require.True(t, sawInState || sawUpdate, "joiner missed the committed value")

	data, ok := mgr.cache.Get("F1")
	require.True(t, ok)
	require.Equal(t, "42", data["Label"])
}

func TestManager_ReplacedConnectionKeepsTransportRoom(t *testing.T) {
	mgr, transport := newTestManager(t, newFakeStore())
	join(mgr, "tab-1", "F1", "alice")
	join(mgr, "tab-2", "F1", "alice")
	join(mgr, "conn-b", "F1", "bob")

	presence, ok := mgr.Presence("F1")
	require.True(t, ok)
	require.Len(t, presence.Users, 2)
	for _, p := range presence.Users {
		require.NotEqual(t, "tab-1", p.ConnectionID)
	}

	transport.reset()
	mgr.Commit(context.Background(), "conn-b", FieldChangeRequest{FormID: "F1", FieldID: "f1", Value: "x", UserName: "bob"})
	require.Len(t, transport.received("tab-1", EventFieldUpdate), 1)
	require.Len(t, transport.received("tab-2", EventFieldUpdate), 1)
}
