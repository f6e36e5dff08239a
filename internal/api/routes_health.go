package api

import (
	"github.com/gin-gonic/gin"

	"github.com/formsync/formsync/internal/app"
	"github.com/formsync/formsync/internal/handlers"
	"github.com/formsync/formsync/internal/monitoring"
)

func registerHealthRoutes(r *gin.Engine, cfg *app.Config, manager *monitoring.HealthManager) {
	handler := handlers.NewHealthHandler(manager)
	if !cfg.Monitoring.Health.Enabled || handler == nil {
		for _, router := range []gin.IRouter{r, r.Group("/api")} {
			router.GET("/health", handlers.HealthDisabled)
			router.GET("/health/live", handlers.HealthDisabled)
			router.GET("/health/ready", handlers.HealthDisabled)
		}
		return
	}

	registerHealthEndpoints(r, handler)
	registerHealthEndpoints(r.Group("/api"), handler)
}

func registerHealthEndpoints(router gin.IRouter, handler *handlers.HealthHandler) {
	router.GET("/health", handler.Summary)
	router.GET("/health/live", handler.Live)
	router.GET("/health/ready", handler.Ready)
}
