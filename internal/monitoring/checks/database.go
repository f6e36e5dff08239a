package checks

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/formsync/formsync/internal/database"
	"github.com/formsync/formsync/internal/models"
	"github.com/formsync/formsync/internal/monitoring"
)

const defaultDatabaseTimeout = 2 * time.Second

// Database returns a readiness probe for the durable store. Besides the
// ping it reads one response row, since a reachable server with a missing
// table still loses every write.
func Database(db *gorm.DB, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("database", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if db == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: "database not configured"}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultDatabaseTimeout))
		defer cancel()

		err := database.Ping(probeCtx, db)
		if err == nil {
			var rows []models.FormResponse
			if qErr := db.WithContext(probeCtx).Select("id").Limit(1).Find(&rows).Error; qErr != nil {
				err = fmt.Errorf("read form responses: %w", qErr)
			}
		}

		result := monitoring.ResultFromError("database", err, time.Since(start))
		if err == nil {
			result.Details = poolDetails(db)
		}
		return result
	})
}

func poolDetails(db *gorm.DB) string {
	sqlDB, err := db.DB()
	if err != nil {
		return ""
	}
	stats := sqlDB.Stats()
	return fmt.Sprintf("open=%d in_use=%d idle=%d", stats.OpenConnections, stats.InUse, stats.Idle)
}

func chooseTimeout(provided, fallback time.Duration) time.Duration {
	if provided <= 0 {
		return fallback
	}
	return provided
}
