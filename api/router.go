package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/use-agent/pubcrawl/api/handler"
	"github.com/use-agent/pubcrawl/api/middleware"
	"github.com/use-agent/pubcrawl/config"
	"github.com/use-agent/pubcrawl/engine"
	"github.com/use-agent/pubcrawl/session"
	"github.com/use-agent/pubcrawl/webhook"
)

// Deps bundles what the routes need.
type Deps struct {
	Runner   *session.Runner
	Batches  *handler.BatchStore
	Notifier *webhook.Notifier

	// Hosts is optional.
	Hosts *engine.HostMemory

	// Registry is served on /metrics when non-nil.
	Registry *prometheus.Registry
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health and metrics stay outside auth so monitoring probes always work.
func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")

	// Health: no auth required.
	v1.GET("/health", handler.Health(deps.Runner))

	// Protected group: auth + rate limit.
	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(cfg.RateLimit))

	// Capture
	protected.POST("/capture", handler.Capture(deps.Runner, cfg.Capture, deps.Hosts))

	// Batch
	protected.POST("/batch/capture", handler.PostBatch(deps.Runner, cfg.Capture, deps.Batches, deps.Hosts, deps.Notifier))
	protected.GET("/batch/:id", handler.GetBatch(deps.Batches))

	return r
}
