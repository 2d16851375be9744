package broker

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/squirtgunhero/marketplace-core/internal/store"
)

// handleJobsAvailable implements POST /api/jobs/available. Polling runs
// the assignment algorithm over the priority queue (spec.md section 4.3)
// and returns whatever the algorithm placed onto the calling agent this
// round, so the agent only ever sees work already reserved for it.
func (rt *Runtime) handleJobsAvailable(c *gin.Context) {
	agent := agentFromContext(c)
	rt.touchHeartbeat(c.Request.Context(), agent.AgentID)

	var req JobsAvailableRequest
	_ = c.ShouldBindJSON(&req) // body is optional; capability already known from registration

	assignments, err := rt.LoadBalancer.RunAssignment(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	jobIDs := assignments[agent.AgentID]
	dtos := make([]JobSpecDTO, 0, len(jobIDs))
	for _, id := range jobIDs {
		job, err := rt.Store.GetJob(c.Request.Context(), id)
		if err != nil {
			rt.Logger.Warn("assigned job vanished before poll response", zap.String("job_id", id), zap.Error(err))
			continue
		}
		dtos = append(dtos, jobToSpecDTO(job))
	}

	c.JSON(http.StatusOK, JobsAvailableResponse{Jobs: dtos})
}

// handleAcceptJob implements POST /api/jobs/{id}/accept: the agent
// confirms it is starting the job already reserved for it, transitioning
// ASSIGNED -> RUNNING.
func (rt *Runtime) handleAcceptJob(c *gin.Context) {
	agent := agentFromContext(c)
	jobID := c.Param("id")

	var req AcceptJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, http.StatusBadRequest, err.Error())
		return
	}

	job, err := rt.Store.MarkJobRunning(c.Request.Context(), jobID, agent.AgentID, rt.Clock.Now())
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted", "reward_lamports": job.RewardLamports})
}

// handleCompleteJob implements POST /api/jobs/{id}/complete: terminal
// success, a Payment row is opened PENDING in the same transaction, and
// the job_id is queued to the settlement worker.
func (rt *Runtime) handleCompleteJob(c *gin.Context) {
	agent := agentFromContext(c)
	jobID := c.Param("id")

	var req CompleteJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := rt.Store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		fail(c, err)
		return
	}

	completion := store.JSONMap{}
	for k, v := range req.OutputData {
		completion[k] = v
	}
	if req.Metrics != nil {
		completion["metrics"] = req.Metrics
	}
	if req.ExecutionTimeSec != nil {
		completion["execution_time_s"] = *req.ExecutionTimeSec
	}

	job, _, err := rt.Store.CompleteJob(c.Request.Context(), jobID, agent.AgentID, completion, rt.Clock.Now(), existing.RewardLamports)
	if err != nil {
		fail(c, err)
		return
	}

	rt.LoadBalancer.ReleaseOnTerminal(jobID)
	rt.EnqueueSettlement(jobID)

	rt.Logger.Info("job completed", zap.String("job_id", jobID), zap.String("agent_id", agent.AgentID))

	c.JSON(http.StatusOK, gin.H{"status": "completed", "reward_lamports": job.RewardLamports})
}

// handleFailJob implements POST /api/jobs/{id}/fail: the job is routed
// through the LoadBalancer's retry-or-terminate path (spec.md I5/I6),
// identical to the watchdog's timeout handling.
func (rt *Runtime) handleFailJob(c *gin.Context) {
	agent := agentFromContext(c)
	jobID := c.Param("id")

	var req FailJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, http.StatusBadRequest, err.Error())
		return
	}

	job, err := rt.Store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		fail(c, err)
		return
	}
	if !job.AgentID.Valid || job.AgentID.String != agent.AgentID {
		failWith(c, http.StatusForbidden, "job not assigned to this agent")
		return
	}
	if job.Status.IsTerminal() {
		failWith(c, http.StatusConflict, "job already terminal")
		return
	}

	rt.LoadBalancer.Fail(c.Request.Context(), job, req.ErrorMessage)

	rt.Logger.Info("job failed by agent", zap.String("job_id", jobID), zap.String("agent_id", agent.AgentID), zap.String("reason", req.ErrorMessage))

	c.JSON(http.StatusOK, gin.H{"status": "failed"})
}
