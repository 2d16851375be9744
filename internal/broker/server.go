package broker

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// NewServer builds the gin.Engine with the full route table from
// spec.md section 6, wrapped in rs/cors the way libs/api/server.go
// wraps its own router.
func NewServer(rt *Runtime, devMode bool) http.Handler {
	if !devMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(rt.recoveryMiddleware(), rt.loggingMiddleware())

	r.GET("/health", rt.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	agents := r.Group("/api/agents")
	agents.Use(rt.agentAuthMiddleware())
	{
		agents.POST("/heartbeat", rt.handleHeartbeat)
	}
	r.POST("/api/agents/register", rt.handleRegisterAgent)

	jobs := r.Group("/api/jobs")
	jobs.Use(rt.agentAuthMiddleware())
	{
		jobs.POST("/available", rt.handleJobsAvailable)
		jobs.POST("/:id/accept", rt.handleAcceptJob)
		jobs.POST("/:id/complete", rt.handleCompleteJob)
		jobs.POST("/:id/fail", rt.handleFailJob)
	}

	admin := r.Group("/api/admin")
	admin.Use(rt.adminAuthMiddleware(), rt.adminRateLimitMiddleware())
	{
		admin.POST("/jobs/create", rt.handleCreateJob)
		admin.GET("/stats", rt.handleStats)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
	})
	return corsHandler.Handler(r)
}
