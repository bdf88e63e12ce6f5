package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/node-events/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(MetricsMiddleware(reg))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "api-service",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	webhookHandler := handler.NewWebhookHandler(deps)
	r.POST("/webhooks/node-events", webhookHandler.ReceiveEvent)

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	v1.Use(AdminTokenMiddleware(deps.AdminToken))
	{
		queues := v1.Group("/queues/:queue")
		{
			// GET /api/v1/queues/:queue/stats - Job counts per state
			queues.GET("/stats", jobHandler.GetStats)

			// GET /api/v1/queues/:queue/jobs - List jobs of one state
			queues.GET("/jobs", jobHandler.ListJobs)

			// GET /api/v1/queues/:queue/jobs/:job_id - Get job details
			queues.GET("/jobs/:job_id", jobHandler.GetJob)

			// POST /api/v1/queues/:queue/jobs/:job_id/retry - Requeue a dead job
			queues.POST("/jobs/:job_id/retry", jobHandler.RetryJob)
		}
	}

	return r
}
