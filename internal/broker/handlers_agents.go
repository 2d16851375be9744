package broker

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/squirtgunhero/marketplace-core/internal/metrics"
	"github.com/squirtgunhero/marketplace-core/internal/payment"
	"github.com/squirtgunhero/marketplace-core/internal/store"
)

// handleRegisterAgent implements POST /api/agents/register (spec.md
// section 6): validates the wallet address, creates the agent row, and
// registers it with the LoadBalancer so it is immediately assignable.
func (rt *Runtime) handleRegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failWith(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := payment.ValidateWallet(req.WalletAddress); err != nil {
		failWith(c, http.StatusBadRequest, "invalid wallet_address: "+err.Error())
		return
	}
	maxJobs := req.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}
	framework, ok := parseComputeFramework(req.ComputeCapability)
	if !ok {
		framework = store.FrameworkNone
	}

	agent, err := rt.Store.CreateAgent(c.Request.Context(), store.AgentSpec{
		WalletAddress:    req.WalletAddress,
		GPUModel:         req.GPUModel,
		GPUVendor:        req.GPUVendor,
		GPUMemoryBytes:   req.GPUMemory,
		ComputeFramework: framework,
		MaxConcurrentJob: maxJobs,
	})
	if err != nil {
		fail(c, err)
		return
	}

	rt.LoadBalancer.RegisterAgent(agent)
	metrics.AgentsRegistered.Inc()

	rt.Logger.Info("agent registered", zap.String("agent_id", agent.AgentID), zap.String("gpu_model", agent.GPUModel))

	c.JSON(http.StatusCreated, RegisterAgentResponse{
		AgentID: agent.AgentID,
		APIKey:  agent.APIKey,
	})
}

// handleHeartbeat implements POST /api/agents/heartbeat.
func (rt *Runtime) handleHeartbeat(c *gin.Context) {
	agent := agentFromContext(c)
	rt.touchHeartbeat(c.Request.Context(), agent.AgentID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseComputeFramework(s string) (store.ComputeFramework, bool) {
	switch s {
	case string(store.FrameworkCUDA), string(store.FrameworkROCm), string(store.FrameworkMetal), string(store.FrameworkOpenCL):
		return store.ComputeFramework(s), true
	default:
		return store.FrameworkNone, false
	}
}
