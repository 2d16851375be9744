package broker

import "github.com/squirtgunhero/marketplace-core/internal/store"

// JobSpecDTO is the wire JobSpec from spec.md section 6.
type JobSpecDTO struct {
	JobID                string            `json:"job_id,omitempty"`
	JobType              string            `json:"job_type" binding:"required"`
	ImageRef             string            `json:"image_ref" binding:"required"`
	Command              []string          `json:"command" binding:"required"`
	Env                  map[string]string `json:"env"`
	GPUMemoryRequired    int64             `json:"gpu_memory_required"`
	RequiresGPU          bool              `json:"requires_gpu"`
	EstimatedDurationSec int64             `json:"estimated_duration_s"`
	TimeoutSec           int64             `json:"timeout_s" binding:"required"`
	RewardLamports       int64             `json:"reward_lamports"`
	InputURL             string            `json:"input_url,omitempty"`
	OutputURL            string            `json:"output_url,omitempty"`
}

func envToJSONMap(env map[string]string) store.JSONMap {
	m := make(store.JSONMap, len(env))
	for k, v := range env {
		m[k] = v
	}
	return m
}

func jobToSpecDTO(j *store.Job) JobSpecDTO {
	env := make(map[string]string, len(j.Env))
	for k, v := range j.Env {
		if s, ok := v.(string); ok {
			env[k] = s
		}
	}
	return JobSpecDTO{
		JobID:                j.JobID,
		JobType:              j.JobType,
		ImageRef:             j.ImageRef,
		Command:              j.Command,
		Env:                  env,
		GPUMemoryRequired:    j.GPUMemoryRequired,
		RequiresGPU:          j.RequiresGPU,
		EstimatedDurationSec: j.EstimatedDurationSec,
		TimeoutSec:           j.TimeoutSec,
		RewardLamports:       j.RewardLamports,
		InputURL:             j.InputURL,
		OutputURL:            j.OutputURL,
	}
}

// RegisterAgentRequest is the body of POST /api/agents/register.
type RegisterAgentRequest struct {
	WalletAddress     string `json:"wallet_address" binding:"required"`
	GPUModel          string `json:"gpu_model" binding:"required"`
	GPUVendor         string `json:"gpu_vendor" binding:"required"`
	GPUMemory         int64  `json:"gpu_memory" binding:"required"`
	ComputeCapability string `json:"compute_capability"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs"`
}

// RegisterAgentResponse is the response of POST /api/agents/register.
type RegisterAgentResponse struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// JobsAvailableRequest is the body of POST /api/jobs/available.
type JobsAvailableRequest struct {
	GPUModel          string `json:"gpu_model"`
	GPUVendor         string `json:"gpu_vendor"`
	GPUMemory         int64  `json:"gpu_memory"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs"`
}

// JobsAvailableResponse is the response of POST /api/jobs/available.
type JobsAvailableResponse struct {
	Jobs []JobSpecDTO `json:"jobs"`
}

// AcceptJobRequest is the body of POST /api/jobs/{id}/accept.
type AcceptJobRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
}

// CompleteJobRequest is the body of POST /api/jobs/{id}/complete.
type CompleteJobRequest struct {
	ExecutionTimeSec *float64               `json:"execution_time_s,omitempty"`
	OutputData       map[string]interface{} `json:"output_data,omitempty"`
	Metrics          map[string]interface{} `json:"metrics,omitempty"`
}

// FailJobRequest is the body of POST /api/jobs/{id}/fail.
type FailJobRequest struct {
	ErrorMessage string `json:"error_message" binding:"required"`
	ErrorType    string `json:"error_type,omitempty"`
}
