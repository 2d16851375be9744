package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// ComputeFramework enumerates the compute runtimes a Capability may name.
type ComputeFramework string

const (
	FrameworkCUDA   ComputeFramework = "cuda"
	FrameworkROCm   ComputeFramework = "rocm"
	FrameworkMetal  ComputeFramework = "metal"
	FrameworkOpenCL ComputeFramework = "opencl"
	FrameworkNone   ComputeFramework = "none"
)

// Agent is a registered worker, as described in spec.md section 3.
type Agent struct {
	AgentID       string `db:"agent_id" json:"agent_id"`
	APIKey        string `db:"api_key" json:"-"`
	WalletAddress string `db:"wallet_address" json:"wallet_address"`

	GPUModel         string           `db:"gpu_model" json:"gpu_model"`
	GPUVendor        string           `db:"gpu_vendor" json:"gpu_vendor"`
	GPUMemoryBytes   int64            `db:"gpu_memory_bytes" json:"gpu_memory_bytes"`
	ComputeFramework ComputeFramework `db:"compute_framework" json:"compute_framework"`
	MaxConcurrentJob int              `db:"max_concurrent_jobs" json:"max_concurrent_jobs"`

	CurrentJobs     int       `db:"current_jobs" json:"current_jobs"`
	LastHeartbeatAt time.Time `db:"last_heartbeat_at" json:"last_heartbeat_at"`
	IsHealthy       bool      `db:"is_healthy" json:"is_healthy"`
	Reputation      float64   `db:"reputation" json:"reputation"`

	TotalCompleted       int64   `db:"total_completed" json:"total_completed"`
	TotalFailed          int64   `db:"total_failed" json:"total_failed"`
	AvgCompletionSeconds float64 `db:"avg_completion_seconds" json:"avg_completion_seconds"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SuccessRate returns completed/(completed+failed), 0 if no jobs yet.
func (a *Agent) SuccessRate() float64 {
	total := a.TotalCompleted + a.TotalFailed
	if total == 0 {
		return 0
	}
	return float64(a.TotalCompleted) / float64(total)
}

// JobStatus is the terminal-or-not lifecycle state of a Job (spec.md 4.2).
type JobStatus string

const (
	JobAvailable JobStatus = "AVAILABLE"
	JobAssigned  JobStatus = "ASSIGNED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobExpired   JobStatus = "EXPIRED"
)

// IsTerminal reports whether the status admits no further transition.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobExpired
}

// Priority is the job priority level used for queue ordering.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Escalate returns the next priority level, capped at Urgent.
func (p Priority) Escalate() Priority {
	if p >= PriorityUrgent {
		return PriorityUrgent
	}
	return p + 1
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority maps the wire string form back to a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "LOW":
		return PriorityLow, true
	case "NORMAL":
		return PriorityNormal, true
	case "HIGH":
		return PriorityHigh, true
	case "URGENT":
		return PriorityUrgent, true
	default:
		return 0, false
	}
}

// JSONMap is a mapping from string to arbitrary JSON value, persisted as
// opaque JSON per spec.md section 9 (env, completion_data, metrics).
type JSONMap map[string]interface{}

// Job is a discrete unit of work (spec.md section 3).
type Job struct {
	JobID string `db:"job_id" json:"job_id"`

	JobType            string          `db:"job_type" json:"job_type"`
	ImageRef            string         `db:"image_ref" json:"image_ref"`
	Command              []string      `db:"-" json:"command"`
	CommandJSON          json.RawMessage `db:"command" json:"-"`
	Env                  JSONMap       `db:"-" json:"env"`
	EnvJSON              json.RawMessage `db:"env" json:"-"`
	InputURL             string        `db:"input_url" json:"input_url,omitempty"`
	OutputURL            string        `db:"output_url" json:"output_url,omitempty"`
	GPUMemoryRequired    int64         `db:"gpu_memory_required" json:"gpu_memory_required"`
	RequiresGPU          bool          `db:"requires_gpu" json:"requires_gpu"`
	EstimatedDurationSec int64         `db:"estimated_duration_s" json:"estimated_duration_s"`
	TimeoutSec           int64         `db:"timeout_s" json:"timeout_s"`
	RewardLamports       int64         `db:"reward_lamports" json:"reward_lamports"`

	AgentID     sql.NullString `db:"agent_id" json:"agent_id,omitempty"`
	AgentWallet sql.NullString `db:"agent_wallet" json:"agent_wallet,omitempty"`

	Status   JobStatus `db:"status" json:"status"`
	Priority Priority  `db:"priority" json:"-"`

	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	AcceptedAt  sql.NullTime `db:"accepted_at" json:"accepted_at,omitempty"`
	StartedAt   sql.NullTime `db:"started_at" json:"started_at,omitempty"`
	CompletedAt sql.NullTime `db:"completed_at" json:"completed_at,omitempty"`

	RetryCount int `db:"retry_count" json:"retry_count"`
	MaxRetries int `db:"max_retries" json:"max_retries"`

	CompletionData   JSONMap         `db:"-" json:"completion_data,omitempty"`
	CompletionDataJS json.RawMessage `db:"completion_data" json:"-"`
	FailureReason    sql.NullString  `db:"failure_reason" json:"failure_reason,omitempty"`
	PaymentSignature sql.NullString  `db:"payment_signature" json:"payment_signature,omitempty"`
}

// PaymentStatus is the lifecycle of an on-chain transfer (spec.md section 3).
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentConfirmed PaymentStatus = "CONFIRMED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Payment is an at-most-once on-chain transfer record, one per job.
type Payment struct {
	JobID          string        `db:"job_id" json:"job_id"`
	AgentID        string        `db:"agent_id" json:"agent_id"`
	AgentWallet    string        `db:"agent_wallet" json:"agent_wallet"`
	AmountLamports int64         `db:"amount_lamports" json:"amount_lamports"`
	Signature      string        `db:"signature" json:"signature"`
	Status         PaymentStatus `db:"status" json:"status"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}
