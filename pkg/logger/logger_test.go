package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitConfiguresGlobalLogger(t *testing.T) {
	t.Cleanup(func() { Replace(nil) })

	require.NoError(t, Init("debug", "json"))
	require.True(t, Logger().Core().Enabled(zap.DebugLevel))

	require.NoError(t, Init("not-a-level", "console"))
	require.False(t, Logger().Core().Enabled(zap.DebugLevel))
	require.True(t, Logger().Core().Enabled(zap.InfoLevel))
}

func TestWithModuleAttachesModuleField(t *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	t.Cleanup(func() { Replace(nil) })
	Replace(zap.New(core))

	WithModule("collab").Info("room created", zap.String("form_id", "F1"))
	Warn("flush failed")

	entries := recorded.All()
	require.Len(t, entries, 2)
	require.Equal(t, "collab", entries[0].ContextMap()["module"])
	require.Equal(t, "F1", entries[0].ContextMap()["form_id"])
	require.Equal(t, "flush failed", entries[1].Message)
}
