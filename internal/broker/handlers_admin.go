package broker

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/squirtgunhero/marketplace-core/internal/metrics"
	"github.com/squirtgunhero/marketplace-core/internal/store"
)

// healthProbeWallet is an arbitrary address used only to exercise the
// PaymentBackend's read path; no funds move and no signature is sent.
const healthProbeWallet = "11111111111111111111111111111111"

// handleHealth implements GET /health, unauthenticated per spec.md
// section 6: pings the Store and PaymentBackend and reports both
// alongside overall status and the server's current time. A Store ping
// failure is the Fatal-error case spec.md section 7 ties to a 503.
func (rt *Runtime) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	storeStatus := "ok"
	if _, err := rt.Store.Stats(ctx); err != nil {
		storeStatus = "error"
	}

	paymentStatus := "ok"
	if rt.PaymentBackend != nil {
		if _, err := rt.PaymentBackend.GetBalance(ctx, healthProbeWallet); err != nil {
			paymentStatus = "error"
		}
	}

	status := http.StatusOK
	overall := "ok"
	if storeStatus != "ok" {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":          overall,
		"store":           storeStatus,
		"payment_backend": paymentStatus,
		"now":             rt.Clock.Now(),
	})
}

// handleCreateJob implements POST /api/admin/jobs/create: validates the
// wire JobSpecDTO, persists it AVAILABLE, and enqueues it on the
// LoadBalancer's priority heap.
func (rt *Runtime) handleCreateJob(c *gin.Context) {
	var req JobSpecDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Command) == 0 {
		failWith(c, http.StatusBadRequest, "command must not be empty")
		return
	}
	if req.TimeoutSec <= 0 {
		failWith(c, http.StatusBadRequest, "timeout_s must be positive")
		return
	}

	job, err := rt.Store.CreateJob(c.Request.Context(), store.JobSpec{
		JobType:              req.JobType,
		ImageRef:             req.ImageRef,
		Command:              req.Command,
		Env:                  envToJSONMap(req.Env),
		InputURL:             req.InputURL,
		OutputURL:            req.OutputURL,
		GPUMemoryRequired:    req.GPUMemoryRequired,
		RequiresGPU:          req.RequiresGPU,
		EstimatedDurationSec: req.EstimatedDurationSec,
		TimeoutSec:           req.TimeoutSec,
		RewardLamports:       req.RewardLamports,
		MaxRetries:           3,
		Priority:             store.PriorityNormal,
	})
	if err != nil {
		fail(c, err)
		return
	}

	rt.LoadBalancer.EnqueueJob(job)
	metrics.JobsSubmitted.Inc()

	c.JSON(http.StatusCreated, gin.H{"job_id": job.JobID})
}

// handleStats implements GET /api/admin/stats, combining durable Store
// aggregates with the LoadBalancer's live in-memory view.
func (rt *Runtime) handleStats(c *gin.Context) {
	stats, err := rt.Store.Stats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents":         stats.AgentCount,
		"jobs_by_status": stats.JobsByStatus,
		"payments":       stats.PaymentsByStat,
		"load_balancer":  rt.LoadBalancer.Stats(),
	})
}
