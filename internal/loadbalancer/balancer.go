// Package loadbalancer owns the in-memory priority queue, agent capacity
// tracking, scoring, assignment, and the timeout/health watchdog
// described in spec.md section 4.3. Store remains the source of truth;
// this package is a rebuildable performance cache guarded by one mutex.
package loadbalancer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/squirtgunhero/marketplace-core/internal/clock"
	"github.com/squirtgunhero/marketplace-core/internal/metrics"
	"github.com/squirtgunhero/marketplace-core/internal/store"
)

// AgentCapacity is the live, mutable view of an agent's liveness, job
// count, and EMA stats (spec.md section 4.3).
type AgentCapacity struct {
	AgentID              string
	WalletAddress        string
	GPUModel             string
	GPUVendor            string
	GPUMemoryBytes       int64
	RequiresGPUCapable   bool
	MaxConcurrentJobs    int
	CurrentJobs          int
	LastHeartbeatAt      time.Time
	IsHealthy            bool
	SuccessRate          float64
	AvgCompletionSeconds float64
}

// AvailableSlots is max(0, max_concurrent_jobs - current_jobs).
func (a *AgentCapacity) AvailableSlots() int {
	s := a.MaxConcurrentJobs - a.CurrentJobs
	if s < 0 {
		return 0
	}
	return s
}

// Score is the composite placement score from spec.md section 4.3:
// 0.5*(available_slots/max) + 0.3*success_rate + 0.2*min(1, 60/avg_completion).
func (a *AgentCapacity) Score() float64 {
	if a.MaxConcurrentJobs == 0 {
		return 0
	}
	slotsTerm := float64(a.AvailableSlots()) / float64(a.MaxConcurrentJobs)
	speedTerm := 1.0
	if a.AvgCompletionSeconds > 0 {
		speedTerm = 60.0 / a.AvgCompletionSeconds
		if speedTerm > 1 {
			speedTerm = 1
		}
	}
	return 0.5*slotsTerm + 0.3*a.SuccessRate + 0.2*speedTerm
}

func (a *AgentCapacity) fits(j *QueuedJob) bool {
	if a.AvailableSlots() <= 0 {
		return false
	}
	if a.GPUMemoryBytes < j.GPUMemoryRequired {
		return false
	}
	if j.RequiresGPU && !a.RequiresGPUCapable {
		return false
	}
	return true
}

// reservation is the in-memory record that agent A is currently assigned
// job J (spec.md GLOSSARY).
type reservation struct {
	AgentID    string
	AssignedAt time.Time
	Job        *QueuedJob
}

// LoadBalancer is the in-memory priority queue plus agent capacity
// tracker described in spec.md section 4.3.
type LoadBalancer struct {
	mu sync.Mutex

	agents             map[string]*AgentCapacity
	queue              *jobHeap
	assigned           map[string]*reservation      // job_id -> reservation
	assignmentsByAgent map[string]map[string]bool // agent_id -> set of job_id

	store            store.Store
	clk              clock.Clock
	logger           *zap.Logger
	heartbeatTimeout time.Duration
}

// New creates an empty LoadBalancer. Call Rebuild before serving traffic
// to repopulate it from Store on process start.
func New(st store.Store, heartbeatTimeout time.Duration, clk clock.Clock, logger *zap.Logger) *LoadBalancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoadBalancer{
		agents:             make(map[string]*AgentCapacity),
		queue:              newJobHeap(),
		assigned:           make(map[string]*reservation),
		assignmentsByAgent: make(map[string]map[string]bool),
		store:              st,
		clk:                clk,
		logger:             logger,
		heartbeatTimeout:   heartbeatTimeout,
	}
}

func capacityFromAgent(a *store.Agent) *AgentCapacity {
	return &AgentCapacity{
		AgentID:              a.AgentID,
		WalletAddress:        a.WalletAddress,
		GPUModel:             a.GPUModel,
		GPUVendor:            a.GPUVendor,
		GPUMemoryBytes:       a.GPUMemoryBytes,
		RequiresGPUCapable:   a.ComputeFramework != store.FrameworkNone,
		MaxConcurrentJobs:    a.MaxConcurrentJob,
		CurrentJobs:          a.CurrentJobs,
		LastHeartbeatAt:      a.LastHeartbeatAt,
		IsHealthy:            a.IsHealthy,
		SuccessRate:          a.SuccessRate(),
		AvgCompletionSeconds: a.AvgCompletionSeconds,
	}
}

func queuedFromJob(j *store.Job) *QueuedJob {
	return &QueuedJob{
		JobID:                j.JobID,
		Priority:             j.Priority,
		GPUMemoryRequired:    j.GPUMemoryRequired,
		RequiresGPU:          j.RequiresGPU,
		EstimatedDurationSec: j.EstimatedDurationSec,
		TimeoutSec:           j.TimeoutSec,
		CreatedAt:            j.CreatedAt,
		RetryCount:           j.RetryCount,
		MaxRetries:           j.MaxRetries,
	}
}

// Rebuild repopulates the LoadBalancer from Store: every agent becomes an
// AgentCapacity, every AVAILABLE job is enqueued, every ASSIGNED job
// becomes a reservation (spec.md section 5).
func (lb *LoadBalancer) Rebuild(ctx context.Context) error {
	agents, err := lb.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	jobs, err := lb.store.ListJobsByStatuses(ctx, []store.JobStatus{store.JobAvailable, store.JobAssigned, store.JobRunning})
	if err != nil {
		return err
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.agents = make(map[string]*AgentCapacity, len(agents))
	for _, a := range agents {
		lb.agents[a.AgentID] = capacityFromAgent(a)
	}

	lb.queue = newJobHeap()
	lb.assigned = make(map[string]*reservation)
	lb.assignmentsByAgent = make(map[string]map[string]bool)

	for _, j := range jobs {
		switch j.Status {
		case store.JobAvailable:
			lb.queue.Push(queuedFromJob(j))
		case store.JobAssigned, store.JobRunning:
			if !j.AgentID.Valid {
				continue
			}
			agentID := j.AgentID.String
			qj := queuedFromJob(j)
			assignedAt := j.CreatedAt
			if j.AcceptedAt.Valid {
				assignedAt = j.AcceptedAt.Time
			}
			lb.assigned[j.JobID] = &reservation{AgentID: agentID, AssignedAt: assignedAt, Job: qj}
			if lb.assignmentsByAgent[agentID] == nil {
				lb.assignmentsByAgent[agentID] = make(map[string]bool)
			}
			lb.assignmentsByAgent[agentID][j.JobID] = true
			if a, ok := lb.agents[agentID]; ok {
				a.CurrentJobs++
			}
		}
	}
	return nil
}

// RegisterAgent adds or refreshes an agent's capacity entry, called right
// after Store.CreateAgent succeeds.
func (lb *LoadBalancer) RegisterAgent(a *store.Agent) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.agents[a.AgentID] = capacityFromAgent(a)
}

// Heartbeat refreshes an agent's liveness, monotonically (R2: never
// decreases last_heartbeat, never mutates job state).
func (lb *LoadBalancer) Heartbeat(agentID string, now time.Time) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	a, ok := lb.agents[agentID]
	if !ok {
		return store.ErrNotFound
	}
	if now.After(a.LastHeartbeatAt) {
		a.LastHeartbeatAt = now
	}
	a.IsHealthy = true
	return nil
}

// EnqueueJob pushes a newly-submitted AVAILABLE job onto the priority
// heap.
func (lb *LoadBalancer) EnqueueJob(j *store.Job) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.queue.Push(queuedFromJob(j))
}

// RunAssignment executes the assignment algorithm from spec.md section
// 4.3: snapshot healthy agents sorted by score, pop jobs from the heap in
// priority order, place each on the first fitting agent via a Store CAS.
// Returns the job IDs newly assigned per agent this round.
func (lb *LoadBalancer) RunAssignment(ctx context.Context) (map[string][]string, error) {
	lb.mu.Lock()

	sorted := make([]*AgentCapacity, 0, len(lb.agents))
	for _, a := range lb.agents {
		if a.IsHealthy && a.AvailableSlots() > 0 {
			sorted = append(sorted, a)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		si, sj := sorted[i].Score(), sorted[j].Score()
		if si != sj {
			return si > sj
		}
		return sorted[i].AgentID < sorted[j].AgentID
	})

	var popped []*QueuedJob
	for lb.queue.Len() > 0 {
		popped = append(popped, lb.queue.Pop())
	}

	now := lb.clk.Now()
	assignments := make(map[string][]string)
	var survivors []*QueuedJob

	lb.mu.Unlock()

	for _, job := range popped {
		placed := false
		for _, agent := range sorted {
			if !agent.fits(job) {
				continue
			}
			updated, err := lb.store.AssignJob(ctx, job.JobID, agent.AgentID, agent.WalletAddress, now)
			if err != nil {
				if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
					// Another broker instance took it, or it vanished; drop.
					placed = true
					break
				}
				lb.logger.Warn("assign job failed", zap.String("job_id", job.JobID), zap.Error(err))
				continue
			}
			_ = updated

			lb.mu.Lock()
			agent.CurrentJobs++
			lb.assigned[job.JobID] = &reservation{AgentID: agent.AgentID, AssignedAt: now, Job: job}
			if lb.assignmentsByAgent[agent.AgentID] == nil {
				lb.assignmentsByAgent[agent.AgentID] = make(map[string]bool)
			}
			lb.assignmentsByAgent[agent.AgentID][job.JobID] = true
			lb.mu.Unlock()

			assignments[agent.AgentID] = append(assignments[agent.AgentID], job.JobID)
			placed = true
			break
		}
		if !placed {
			survivors = append(survivors, job)
		}
	}

	lb.mu.Lock()
	for _, j := range survivors {
		lb.queue.Push(j)
	}
	lb.mu.Unlock()

	return assignments, nil
}

// releaseReservation removes the bookkeeping for a job that left the
// ASSIGNED/RUNNING state, whether by completion, failure, or requeue.
// Caller must hold lb.mu.
func (lb *LoadBalancer) releaseReservation(jobID string) {
	r, ok := lb.assigned[jobID]
	if !ok {
		return
	}
	delete(lb.assigned, jobID)
	if set, ok := lb.assignmentsByAgent[r.AgentID]; ok {
		delete(set, jobID)
	}
	if a, ok := lb.agents[r.AgentID]; ok {
		a.CurrentJobs--
		if a.CurrentJobs < 0 {
			a.CurrentJobs = 0
		}
	}
}

// ReleaseOnTerminal is called by the Broker once a job reaches COMPLETED
// or FAILED via the normal report path, so the reservation bookkeeping
// stays in sync with Store without waiting for a maintenance tick.
func (lb *LoadBalancer) ReleaseOnTerminal(jobID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.releaseReservation(jobID)
}

// retryOrFail requeues a job with escalated priority, or marks it FAILED
// terminal if retries are exhausted. Caller must not hold lb.mu.
func (lb *LoadBalancer) retryOrFail(ctx context.Context, jobID, agentID string, job *QueuedJob, now time.Time, reason string) {
	lb.mu.Lock()
	lb.releaseReservation(jobID)
	lb.mu.Unlock()

	escalated := job.Priority.Escalate()
	updated, err := lb.store.RequeueJob(ctx, jobID, escalated, now)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Retries exhausted: terminal FAILED (spec.md I5).
			if _, ferr := lb.store.FailJob(ctx, jobID, agentID, reason, now); ferr != nil {
				lb.logger.Error("terminal fail after retry exhaustion failed", zap.String("job_id", jobID), zap.Error(ferr))
			}
			return
		}
		lb.logger.Error("requeue job failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	lb.mu.Lock()
	lb.queue.Push(&QueuedJob{
		JobID:                jobID,
		Priority:             updated.Priority,
		GPUMemoryRequired:    job.GPUMemoryRequired,
		RequiresGPU:          job.RequiresGPU,
		EstimatedDurationSec: job.EstimatedDurationSec,
		TimeoutSec:           job.TimeoutSec,
		CreatedAt:            job.CreatedAt,
		RetryCount:           updated.RetryCount,
		MaxRetries:           updated.MaxRetries,
	})
	lb.mu.Unlock()
}

// Fail reports an explicit failure from the agent executing job (spec.md
// section 6 POST .../fail), running it through the same retry/escalate-
// or-terminate path as the watchdog's timeout handling.
func (lb *LoadBalancer) Fail(ctx context.Context, job *store.Job, reason string) {
	agentID := ""
	if job.AgentID.Valid {
		agentID = job.AgentID.String
	}
	lb.retryOrFail(ctx, job.JobID, agentID, queuedFromJob(job), lb.clk.Now(), reason)
}

// MaintenanceTick runs timeout detection and health detection once
// (spec.md section 4.3), called every maintenance interval by a single
// dedicated worker goroutine.
func (lb *LoadBalancer) MaintenanceTick(ctx context.Context) {
	now := lb.clk.Now()

	lb.mu.Lock()
	var timedOut []struct {
		jobID, agentID string
		job            *QueuedJob
	}
	for jobID, r := range lb.assigned {
		deadline := time.Duration(float64(r.Job.TimeoutSec) * 1.2 * float64(time.Second))
		if now.Sub(r.AssignedAt) > deadline {
			timedOut = append(timedOut, struct {
				jobID, agentID string
				job            *QueuedJob
			}{jobID, r.AgentID, r.Job})
		}
	}

	var unhealthy []string
	for id, a := range lb.agents {
		if a.IsHealthy && now.Sub(a.LastHeartbeatAt) > lb.heartbeatTimeout {
			a.IsHealthy = false
			unhealthy = append(unhealthy, id)
		}
	}
	var toReassign []struct {
		jobID, agentID string
		job            *QueuedJob
	}
	for _, agentID := range unhealthy {
		for jobID := range lb.assignmentsByAgent[agentID] {
			if r, ok := lb.assigned[jobID]; ok {
				toReassign = append(toReassign, struct {
					jobID, agentID string
					job            *QueuedJob
				}{jobID, agentID, r.Job})
			}
		}
	}
	lb.mu.Unlock()

	for _, t := range timedOut {
		lb.logger.Info("job timed out", zap.String("job_id", t.jobID), zap.String("agent_id", t.agentID))
		metrics.WatchdogTimeouts.Inc()
		lb.retryOrFail(ctx, t.jobID, t.agentID, t.job, now, "timeout")
	}
	for _, t := range toReassign {
		lb.logger.Info("agent unhealthy, reassigning job", zap.String("job_id", t.jobID), zap.String("agent_id", t.agentID))
		metrics.WatchdogHealthLosses.Inc()
		lb.retryOrFail(ctx, t.jobID, t.agentID, t.job, now, "agent health loss")
	}
}

// Stats reports queue depth and per-agent assignment counts for the
// admin stats endpoint.
type Stats struct {
	QueueDepth    int
	AssignedCount int
	Agents        map[string]int // agent_id -> current_jobs
}

func (lb *LoadBalancer) Stats() Stats {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	s := Stats{
		QueueDepth:    lb.queue.Len(),
		AssignedCount: len(lb.assigned),
		Agents:        make(map[string]int, len(lb.agents)),
	}
	for id, a := range lb.agents {
		s.Agents[id] = a.CurrentJobs
	}
	return s
}
