package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/stablehorde-proxy/internal/api/handler"
)

// Options holds routing settings that come from configuration
type Options struct {
	WSPath       string
	ImagesDir    string
	RootRedirect string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger, "/health", "/metrics"))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	if opts.ImagesDir != "" {
		r.Static("/images", opts.ImagesDir)
	}

	if deps.WebSocket != nil {
		wsPath := opts.WSPath
		if wsPath == "" {
			wsPath = "/ws"
		}
		r.GET(wsPath, gin.WrapH(deps.WebSocket))
	}

	if opts.RootRedirect != "" {
		r.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusFound, opts.RootRedirect)
		})
	}

	modelHandler := handler.NewModelHandler(deps)
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		models := v1.Group("/models")
		{
			models.GET("", modelHandler.ListModels)
			models.GET("/:name", modelHandler.GetModel)
		}

		jobs := v1.Group("/jobs")
		{
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		v1.GET("/history", jobHandler.ListHistory)
	}

	return r
}
