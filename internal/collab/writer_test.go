package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T, store *fakeStore, cache ResponseCache) *Writer {
	t.Helper()
	w, err := NewWriter(store, cache, WriterOptions{Delay: 30 * time.Millisecond, Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

func TestWriter_SkipsUnchangedEntries(t *testing.T) {
	store := newFakeStore()
	cache := NewResponseCache()
	w := newTestWriter(t, store, cache)
	ctx := context.Background()

	cache.Ensure("F1")
	require.NoError(t, w.FlushNow(ctx, "F1", TriggerForced))
	require.Zero(t, store.putCount())

	cache.Update("F1", "Name", "a", 1)
	require.NoError(t, w.FlushNow(ctx, "F1", TriggerForced))
	require.NoError(t, w.FlushNow(ctx, "F1", TriggerForced))
	require.Equal(t, 1, store.putCount())
	require.True(t, w.Clean("F1"))

	cache.Update("F1", "Name", "b", 2)
	require.False(t, w.Clean("F1"))
}

func TestWriter_HydratesBeforeWriting(t *testing.T) {
	store := newFakeStore()
	store.responses["F1"] = map[string]any{"Name": "old", "Age": float64(3)}
	cache := NewResponseCache()
	w := newTestWriter(t, store, cache)

	cache.Update("F1", "Name", "new", 1)
	require.NoError(t, w.FlushNow(context.Background(), "F1", TriggerForced))

	require.Equal(t, map[string]any{"Name": "new", "Age": float64(3)}, store.stored("F1"))
}

func TestWriter_FailureSchedulesRetry(t *testing.T) {
	store := newFakeStore()
	store.setPutErr(errStoreDown)
	cache := NewResponseCache()
	w := newTestWriter(t, store, cache)

	cache.Update("F1", "Name", "x", 1)
	err := w.FlushNow(context.Background(), "F1", TriggerForced)
	require.ErrorIs(t, err, errStoreDown)
	require.Equal(t, 1, w.Pending())

	store.setPutErr(nil)
	require.Eventually(t, func() bool { return store.putCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWriter_AfterFlushOnlyForTimers(t *testing.T) {
	store := newFakeStore()
	cache := NewResponseCache()
	flushed := make(chan string, 4)
	w, err := NewWriter(store, cache, WriterOptions{
		Delay:      20 * time.Millisecond,
		AfterFlush: func(formID string) { flushed <- formID },
	})
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	cache.Update("F1", "Name", "x", 1)
	require.NoError(t, w.FlushNow(context.Background(), "F1", TriggerForced))
	require.Empty(t, flushed)

	cache.Update("F1", "Name", "y", 2)
	w.Schedule("F1")

	select {
	case formID := <-flushed:
		require.Equal(t, "F1", formID)
	case <-time.After(2 * time.Second):
		t.Fatal("timer flush did not run")
	}
	require.Equal(t, "y", store.stored("F1")["Name"])
}

func TestWriter_RequiresCollaborators(t *testing.T) {
	_, err := NewWriter(nil, NewResponseCache(), WriterOptions{})
	require.Error(t, err)

	_, err = NewWriter(newFakeStore(), nil, WriterOptions{})
	require.Error(t, err)
}
