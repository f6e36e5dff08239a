package collab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponseCache_UpdateKeepsLatestReceipt(t *testing.T) {
	cache := NewResponseCache()

	v1, applied := cache.Update("form-1", "Name", "late", 2)
	require.True(t, applied)

	v2, applied := cache.Update("form-1", "Name", "early", 1)
	require.False(t, applied)
	require.Equal(t, v1, v2)

	data, ok := cache.Get("form-1")
	require.True(t, ok)
	require.Equal(t, "late", data["Name"])

	v3, applied := cache.Update("form-1", "Email", "a@example.com", 1)
	require.True(t, applied)
	require.Greater(t, v3, v1)
}

func TestResponseCache_HydrateKeepsLocalEdits(t *testing.T) {
	cache := NewResponseCache()
	cache.Ensure("form-1")
	cache.Update("form-1", "Name", "edited", 1)

	snap, ok := cache.Hydrate("form-1", map[string]any{"Name": "stored", "Age": float64(30)})
	require.True(t, ok)
	require.True(t, snap.Hydrated)
	require.Equal(t, "edited", snap.Data["Name"])
	require.Equal(t, float64(30), snap.Data["Age"])

	snap, _ = cache.Hydrate("form-1", map[string]any{"Age": float64(99)})
	require.Equal(t, float64(30), snap.Data["Age"])

	_, ok = cache.Hydrate("missing", map[string]any{"x": 1})
	require.False(t, ok)
}

func TestResponseCache_SnapshotIsCopy(t *testing.T) {
	cache := NewResponseCache()
	cache.Update("form-1", "Name", "alice", 1)

	snap, ok := cache.Snapshot("form-1")
	require.True(t, ok)
	snap.Data["Name"] = "mallory"

	data, _ := cache.Get("form-1")
	require.Equal(t, "alice", data["Name"])
}

func TestResponseCache_Evict(t *testing.T) {
	cache := NewResponseCache()
	cache.Ensure("form-b")
	cache.Ensure("form-a")
	require.Equal(t, []string{"form-a", "form-b"}, cache.FormIDs())

	require.True(t, cache.Evict("form-a"))
	require.False(t, cache.Evict("form-a"))
	require.False(t, cache.Has("form-a"))
	require.Equal(t, 1, cache.Len())
}
