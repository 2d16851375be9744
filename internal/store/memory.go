package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store, used by unit tests for the LoadBalancer
// and Broker and as a substitute backend during development without
// Postgres (spec.md section 9 names exactly this kind of substitution).
type Memory struct {
	mu       sync.Mutex
	agents   map[string]*Agent
	apiKeys  map[string]string // api_key -> agent_id
	jobs     map[string]*Job
	payments map[string]*Payment
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:   make(map[string]*Agent),
		apiKeys:  make(map[string]string),
		jobs:     make(map[string]*Job),
		payments: make(map[string]*Payment),
	}
}

func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (m *Memory) CreateAgent(ctx context.Context, spec AgentSpec) (*Agent, error) {
	key, err := newAPIKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	now := time.Now()
	a := &Agent{
		AgentID:          uuid.NewString(),
		APIKey:           key,
		WalletAddress:    spec.WalletAddress,
		GPUModel:         spec.GPUModel,
		GPUVendor:        spec.GPUVendor,
		GPUMemoryBytes:   spec.GPUMemoryBytes,
		ComputeFramework: spec.ComputeFramework,
		MaxConcurrentJob: spec.MaxConcurrentJob,
		LastHeartbeatAt:  now,
		IsHealthy:        true,
		Reputation:       100,
		CreatedAt:        now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.AgentID] = a
	m.apiKeys[key] = a.AgentID
	return cloneAgent(a), nil
}

func (m *Memory) GetAgentByAPIKey(ctx context.Context, apiKey string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.apiKeys[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(m.agents[id]), nil
}

func (m *Memory) GetAgentByID(ctx context.Context, agentID string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (m *Memory) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, cloneAgent(a))
	}
	return out, nil
}

func (m *Memory) TouchAgent(ctx context.Context, agentID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	if now.After(a.LastHeartbeatAt) {
		a.LastHeartbeatAt = now
	}
	a.IsHealthy = true
	return nil
}

func (m *Memory) UpdateAgentStats(ctx context.Context, agentID string, deltaCompleted, deltaFailed int64, newAvgCompletion, newReputation float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.TotalCompleted += deltaCompleted
	a.TotalFailed += deltaFailed
	a.AvgCompletionSeconds = newAvgCompletion
	a.Reputation = newReputation
	return nil
}

func (m *Memory) CreateJob(ctx context.Context, spec JobSpec) (*Job, error) {
	maxRetries := spec.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	j := &Job{
		JobID:                uuid.NewString(),
		JobType:              spec.JobType,
		ImageRef:             spec.ImageRef,
		Command:              spec.Command,
		Env:                  spec.Env,
		InputURL:             spec.InputURL,
		OutputURL:            spec.OutputURL,
		GPUMemoryRequired:    spec.GPUMemoryRequired,
		RequiresGPU:          spec.RequiresGPU,
		EstimatedDurationSec: spec.EstimatedDurationSec,
		TimeoutSec:           spec.TimeoutSec,
		RewardLamports:       spec.RewardLamports,
		Status:               JobAvailable,
		Priority:             spec.Priority,
		CreatedAt:            time.Now(),
		MaxRetries:           maxRetries,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.JobID] = j
	return cloneJob(j), nil
}

func (m *Memory) GetJob(ctx context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) ListAvailableJobs(ctx context.Context, c Capability, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*Job
	for _, j := range m.jobs {
		if j.Status != JobAvailable {
			continue
		}
		if j.GPUMemoryRequired > c.GPUMemoryBytes {
			continue
		}
		if j.RequiresGPU && !c.RequiresGPU {
			continue
		}
		matched = append(matched, j)
	}
	sortByPriorityThenAge(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*Job, len(matched))
	for i, j := range matched {
		out[i] = cloneJob(j)
	}
	return out, nil
}

func (m *Memory) ListJobsByStatuses(ctx context.Context, statuses []JobStatus) ([]*Job, error) {
	want := make(map[JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		if want[j.Status] {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

func sortByPriorityThenAge(jobs []*Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0; j-- {
			a, b := jobs[j-1], jobs[j]
			if less(b, a) {
				jobs[j-1], jobs[j] = jobs[j], jobs[j-1]
			} else {
				break
			}
		}
	}
}

// less reports whether a sorts before b: higher priority first, then
// older created_at first.
func less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *Memory) AssignJob(ctx context.Context, jobID, agentID, agentWallet string, now time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != JobAvailable {
		return nil, ErrConflict
	}
	j.Status = JobAssigned
	j.AgentID.String, j.AgentID.Valid = agentID, true
	j.AgentWallet.String, j.AgentWallet.Valid = agentWallet, true
	j.AcceptedAt.Time, j.AcceptedAt.Valid = now, true
	return cloneJob(j), nil
}

func (m *Memory) MarkJobRunning(ctx context.Context, jobID, agentID string, now time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if !j.AgentID.Valid || j.AgentID.String != agentID {
		return nil, ErrWrongAgent
	}
	if j.Status == JobRunning {
		return cloneJob(j), nil
	}
	if j.Status != JobAssigned {
		return nil, ErrConflict
	}
	j.Status = JobRunning
	j.StartedAt.Time, j.StartedAt.Valid = now, true
	return cloneJob(j), nil
}

func (m *Memory) CompleteJob(ctx context.Context, jobID, agentID string, completionData JSONMap, now time.Time, rewardLamports int64) (*Job, *Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if j.Status.IsTerminal() {
		return nil, nil, ErrConflict
	}
	if !j.AgentID.Valid || j.AgentID.String != agentID {
		return nil, nil, ErrWrongAgent
	}
	if _, exists := m.payments[jobID]; exists {
		return nil, nil, ErrConflict
	}

	j.Status = JobCompleted
	j.CompletedAt.Time, j.CompletedAt.Valid = now, true
	j.CompletionData = completionData

	p := &Payment{
		JobID:          jobID,
		AgentID:        agentID,
		AgentWallet:    j.AgentWallet.String,
		AmountLamports: rewardLamports,
		Status:         PaymentPending,
		CreatedAt:      now,
	}
	m.payments[jobID] = p

	a := m.agents[agentID]
	if a != nil {
		a.TotalCompleted++
		a.CurrentJobs--
		if a.CurrentJobs < 0 {
			a.CurrentJobs = 0
		}
	}

	return cloneJob(j), clonePayment(p), nil
}

func (m *Memory) FailJob(ctx context.Context, jobID, agentID, reason string, now time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status.IsTerminal() {
		return nil, ErrConflict
	}
	if agentID != "" && (!j.AgentID.Valid || j.AgentID.String != agentID) {
		return nil, ErrWrongAgent
	}
	j.Status = JobFailed
	j.CompletedAt.Time, j.CompletedAt.Valid = now, true
	j.FailureReason.String, j.FailureReason.Valid = reason, true

	if a := m.agents[agentID]; a != nil {
		a.TotalFailed++
		a.CurrentJobs--
		if a.CurrentJobs < 0 {
			a.CurrentJobs = 0
		}
	}
	return cloneJob(j), nil
}

func (m *Memory) RequeueJob(ctx context.Context, jobID string, newPriority Priority, now time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.RetryCount >= j.MaxRetries {
		return nil, ErrConflict
	}
	j.Status = JobAvailable
	j.Priority = newPriority
	j.RetryCount++
	j.AgentID = stringNull()
	j.AgentWallet = stringNull()
	j.AcceptedAt = timeNull()
	j.StartedAt = timeNull()
	return cloneJob(j), nil
}

func (m *Memory) GetPayment(ctx context.Context, jobID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayment(p), nil
}

func (m *Memory) ListPaymentsByStatus(ctx context.Context, status PaymentStatus) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.Status == status {
			out = append(out, clonePayment(p))
		}
	}
	return out, nil
}

func (m *Memory) UpdatePaymentStatus(ctx context.Context, jobID, signature string, status PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[jobID]
	if !ok {
		return ErrNotFound
	}
	if p.Status == status {
		return nil
	}
	if p.Status != PaymentPending {
		return nil // idempotent: already terminal, no-op
	}
	p.Status = status
	p.Signature = signature

	if status == PaymentConfirmed {
		if j, ok := m.jobs[jobID]; ok {
			j.PaymentSignature.String, j.PaymentSignature.Valid = signature, true
		}
	}
	return nil
}

func (m *Memory) Stats(ctx context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Stats{
		AgentCount:     int64(len(m.agents)),
		JobsByStatus:   make(map[JobStatus]int64),
		PaymentsByStat: make(map[PaymentStatus]int64),
	}
	for _, j := range m.jobs {
		s.JobsByStatus[j.Status]++
	}
	for _, p := range m.payments {
		s.PaymentsByStat[p.Status]++
	}
	return s, nil
}

func (m *Memory) Close() error { return nil }

func cloneAgent(a *Agent) *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

func cloneJob(j *Job) *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Command = append([]string(nil), j.Command...)
	return &cp
}

func clonePayment(p *Payment) *Payment {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
