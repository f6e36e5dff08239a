package api

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/formsync/formsync/internal/app"
	"github.com/formsync/formsync/internal/collab"
	"github.com/formsync/formsync/internal/handlers"
	"github.com/formsync/formsync/internal/middleware"
	"github.com/formsync/formsync/internal/monitoring"
	"github.com/formsync/formsync/internal/realtime"
)

// Dependencies are the runtime services the router exposes.
type Dependencies struct {
	Config  *app.Config
	Hub     *realtime.Hub
	Manager *collab.Manager
	Health  *monitoring.HealthManager
}

// NewRouter builds the Gin engine, wires middleware and registers every route.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("realtime hub must be provided")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("collaboration manager must be provided")
	}
	cfg := deps.Config

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Collab.AllowedOrigins...))

	registerHealthRoutes(r, cfg, deps.Health)

	// Websocket entry point for collaboration events
	collabHandler := handlers.NewCollabHandler(deps.Hub, deps.Manager)
	r.GET("/ws", collabHandler.Stream)

	api := r.Group("/api")
	registerFormRoutes(api, handlers.NewFormsHandler(deps.Manager, cfg.Collab.FlushTimeout))

	if cfg.Monitoring.Prometheus.Enabled {
		r.GET(metricsEndpoint(cfg), gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}

func metricsEndpoint(cfg *app.Config) string {
	endpoint := strings.TrimSpace(cfg.Monitoring.Prometheus.Endpoint)
	if endpoint == "" {
		return "/metrics"
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return endpoint
}
