package checks

import (
	"context"
	"fmt"

	"github.com/formsync/formsync/internal/collab"
	"github.com/formsync/formsync/internal/monitoring"
)

// StatsSource exposes collaboration engine totals.
type StatsSource interface {
	Stats() collab.Stats
}

// Collab reports engine totals and turns degraded while any response is
// waiting for a write retry.
func Collab(source StatsSource) monitoring.Check {
	return monitoring.NewCheck("collab", func(context.Context) monitoring.ProbeResult {
		if source == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDegraded, Details: "collaboration engine unavailable"}
		}

		stats := source.Stats()
		details := fmt.Sprintf("rooms=%d participants=%d locks=%d cached=%d",
			stats.Rooms, stats.Participants, stats.Locks, stats.CachedForms)

		status := monitoring.StatusUp
		if stats.FailingFlushes > 0 {
			status = monitoring.StatusDegraded
			details += fmt.Sprintf(" failing_flushes=%d", stats.FailingFlushes)
		}
		return monitoring.ProbeResult{Status: status, Details: details}
	})
}
