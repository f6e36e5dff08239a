package checks

import (
	"context"
	"time"

	"github.com/formsync/formsync/internal/monitoring"
)

const defaultRedisTimeout = 2 * time.Second

// RedisPinger is the part of the Redis cache client the probe needs.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// Redis returns a readiness probe for the label cache. With another
// backend selected it reports up. When Redis was configured but the client
// fell back to memory it reports degraded, since labels are then cached per
// process only.
func Redis(client RedisPinger, configured bool, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("redis", func(ctx context.Context) monitoring.ProbeResult {
		if !configured {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "redis disabled"}
		}
		if client == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDegraded, Details: "redis unavailable, using memory cache"}
		}

		start := time.Now()
		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultRedisTimeout))
		defer cancel()

		return monitoring.ResultFromError("redis", client.Ping(probeCtx), time.Since(start))
	})
}
