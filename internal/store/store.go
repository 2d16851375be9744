// Package store defines the transactional persistence contract for
// agents, jobs, and payments (spec.md section 4.1) and two
// implementations: a lib/pq-backed Postgres store for production, and an
// in-memory store for tests and the LoadBalancer's own unit tests.
package store

import (
	"context"
	"time"
)

// AgentSpec is the input to CreateAgent.
type AgentSpec struct {
	WalletAddress    string
	GPUModel         string
	GPUVendor        string
	GPUMemoryBytes   int64
	ComputeFramework ComputeFramework
	MaxConcurrentJob int
}

// JobSpec is the input to CreateJob, mirroring the wire JobSpec in
// spec.md section 6 minus the fields the Store assigns itself.
type JobSpec struct {
	JobType              string
	ImageRef             string
	Command              []string
	Env                  JSONMap
	InputURL             string
	OutputURL            string
	GPUMemoryRequired    int64
	RequiresGPU          bool
	EstimatedDurationSec int64
	TimeoutSec           int64
	RewardLamports       int64
	MaxRetries           int
	Priority             Priority
}

// Capability is what an agent offers, used to filter ListAvailableJobs.
type Capability struct {
	GPUModel       string
	GPUVendor      string
	GPUMemoryBytes int64
	RequiresGPU    bool
}

// Stats aggregates the admin stats endpoint's store-derived fields.
type Stats struct {
	AgentCount    int64
	JobsByStatus  map[JobStatus]int64
	PaymentsByStat map[PaymentStatus]int64
}

// Store is the transactional persistence contract. Implementations must
// be safe for concurrent use.
type Store interface {
	CreateAgent(ctx context.Context, spec AgentSpec) (*Agent, error)
	GetAgentByAPIKey(ctx context.Context, apiKey string) (*Agent, error)
	GetAgentByID(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	TouchAgent(ctx context.Context, agentID string, now time.Time) error
	// UpdateAgentStats applies deltas atomically: deltaCompleted and
	// deltaFailed add to the running totals; newAvgCompletion and
	// newReputation overwrite the stored values.
	UpdateAgentStats(ctx context.Context, agentID string, deltaCompleted, deltaFailed int64, newAvgCompletion float64, newReputation float64) error

	CreateJob(ctx context.Context, spec JobSpec) (*Job, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListAvailableJobs(ctx context.Context, cap Capability, limit int) ([]*Job, error)
	ListJobsByStatuses(ctx context.Context, statuses []JobStatus) ([]*Job, error)

	// AssignJob is an atomic CAS: succeeds only if the job is currently
	// AVAILABLE, transitioning it to ASSIGNED. Returns ErrConflict if the
	// CAS lost, ErrNotFound if the job does not exist.
	AssignJob(ctx context.Context, jobID, agentID, agentWallet string, now time.Time) (*Job, error)

	// MarkJobRunning transitions ASSIGNED -> RUNNING when the assigning
	// agent accepts the job (POST /api/jobs/{id}/accept); it is a no-op
	// success if the job is already RUNNING. Returns ErrWrongAgent if
	// agentID does not match the current assignment.
	MarkJobRunning(ctx context.Context, jobID, agentID string, now time.Time) (*Job, error)

	// CompleteJob is a single transaction: Job -> COMPLETED, agent stats
	// updated, Payment row inserted with status PENDING. Returns
	// ErrWrongAgent if the job's assigned agent differs, ErrConflict if
	// the job is already terminal.
	CompleteJob(ctx context.Context, jobID, agentID string, completionData JSONMap, now time.Time, rewardLamports int64) (*Job, *Payment, error)

	// FailJob transitions to FAILED terminal. Retry/requeue decisions are
	// the LoadBalancer's responsibility via RequeueJob.
	FailJob(ctx context.Context, jobID, agentID, reason string, now time.Time) (*Job, error)

	// RequeueJob resets a job back to AVAILABLE with an escalated
	// priority and incremented retry_count, clearing its assignment. Used
	// by the LoadBalancer's retry and watchdog paths. Returns
	// ErrConflict if retry_count has already reached max_retries; the
	// LoadBalancer treats that as retries exhausted and fails the job.
	RequeueJob(ctx context.Context, jobID string, newPriority Priority, now time.Time) (*Job, error)

	GetPayment(ctx context.Context, jobID string) (*Payment, error)
	ListPaymentsByStatus(ctx context.Context, status PaymentStatus) ([]*Payment, error)
	// UpdatePaymentStatus is idempotent: PENDING -> CONFIRMED|FAILED.
	// Calling it again with the same terminal status is a no-op success.
	UpdatePaymentStatus(ctx context.Context, jobID, signature string, status PaymentStatus) error

	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
