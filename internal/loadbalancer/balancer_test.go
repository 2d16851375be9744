package loadbalancer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squirtgunhero/marketplace-core/internal/clock"
	"github.com/squirtgunhero/marketplace-core/internal/store"
)

func TestPriorityOrdering(t *testing.T) {
	// S5: a single poll returns queued jobs in order U, H, N, L.
	h := newJobHeap()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.Push(&QueuedJob{JobID: "L", Priority: store.PriorityLow, CreatedAt: base})
	h.Push(&QueuedJob{JobID: "N", Priority: store.PriorityNormal, CreatedAt: base.Add(time.Second)})
	h.Push(&QueuedJob{JobID: "H", Priority: store.PriorityHigh, CreatedAt: base.Add(2 * time.Second)})
	h.Push(&QueuedJob{JobID: "U", Priority: store.PriorityUrgent, CreatedAt: base.Add(3 * time.Second)})

	var order []string
	for h.Len() > 0 {
		order = append(order, h.Pop().JobID)
	}
	assert.Equal(t, []string{"U", "H", "N", "L"}, order)
}

func TestFIFOWithinPriority(t *testing.T) {
	h := newJobHeap()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.Push(&QueuedJob{JobID: "second", Priority: store.PriorityNormal, CreatedAt: base.Add(time.Second)})
	h.Push(&QueuedJob{JobID: "first", Priority: store.PriorityNormal, CreatedAt: base})

	assert.Equal(t, "first", h.Pop().JobID)
	assert.Equal(t, "second", h.Pop().JobID)
}

func TestScoreFormula(t *testing.T) {
	a := &AgentCapacity{
		MaxConcurrentJobs:    4,
		CurrentJobs:          1,
		SuccessRate:          0.8,
		AvgCompletionSeconds: 30,
	}
	// available_slots/max = 3/4 = 0.75; speed = min(1, 60/30) = 1
	// score = 0.5*0.75 + 0.3*0.8 + 0.2*1 = 0.375 + 0.24 + 0.2 = 0.815
	assert.InDelta(t, 0.815, a.Score(), 1e-9)
}

func TestScoreFormulaNoHistory(t *testing.T) {
	a := &AgentCapacity{MaxConcurrentJobs: 2, CurrentJobs: 0, SuccessRate: 0, AvgCompletionSeconds: 0}
	// no completions yet: speed term defaults to 1 (min(1, 60/max(1,0)))
	assert.InDelta(t, 0.7, a.Score(), 1e-9)
}

func TestAssignmentCapacityExhaustion(t *testing.T) {
	// S4: agent with max_concurrent_jobs=1 already has one ASSIGNED job;
	// a second compatible job is not placed until the first terminates.
	ctx := context.Background()
	st := store.NewMemory()
	agent, err := st.CreateAgent(ctx, store.AgentSpec{
		WalletAddress: "wallet-a", GPUModel: "a100", GPUVendor: "nvidia",
		GPUMemoryBytes: 8e9, ComputeFramework: store.FrameworkCUDA, MaxConcurrentJob: 1,
	})
	require.NoError(t, err)

	clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	lb := New(st, 60*time.Second, clk, nil)
	lb.RegisterAgent(agent)

	j1, err := st.CreateJob(ctx, store.JobSpec{GPUMemoryRequired: 4e9, TimeoutSec: 60, MaxRetries: 3, Priority: store.PriorityNormal})
	require.NoError(t, err)
	j2, err := st.CreateJob(ctx, store.JobSpec{GPUMemoryRequired: 4e9, TimeoutSec: 60, MaxRetries: 3, Priority: store.PriorityNormal})
	require.NoError(t, err)
	lb.EnqueueJob(j1)
	lb.EnqueueJob(j2)

	assignments, err := lb.RunAssignment(ctx)
	require.NoError(t, err)
	assert.Len(t, assignments[agent.AgentID], 1)

	stats := lb.Stats()
	assert.Equal(t, 1, stats.QueueDepth, "second job stays queued until capacity frees")
}

func TestTimeoutRequeuesWithEscalatedPriority(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	agent, err := st.CreateAgent(ctx, store.AgentSpec{
		WalletAddress: "wallet-a", GPUModel: "a100", GPUVendor: "nvidia",
		GPUMemoryBytes: 8e9, ComputeFramework: store.FrameworkCUDA, MaxConcurrentJob: 2,
	})
	require.NoError(t, err)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(start)
	lb := New(st, 60*time.Second, clk, nil)
	lb.RegisterAgent(agent)

	job, err := st.CreateJob(ctx, store.JobSpec{GPUMemoryRequired: 4e9, TimeoutSec: 10, MaxRetries: 3, Priority: store.PriorityNormal})
	require.NoError(t, err)
	lb.EnqueueJob(job)

	_, err = lb.RunAssignment(ctx)
	require.NoError(t, err)

	clk.Advance(13 * time.Second) // > 10 * 1.2
	lb.MaintenanceTick(ctx)

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobAvailable, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, store.PriorityHigh, got.Priority)
}

func TestMaxRetriesExhaustionTerminatesJob(t *testing.T) {
	// S6: max_retries=2; three consecutive failures leave the job FAILED
	// terminal, not re-queued.
	ctx := context.Background()
	st := store.NewMemory()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(start)
	lb := New(st, 60*time.Second, clk, nil)

	job, err := st.CreateJob(ctx, store.JobSpec{GPUMemoryRequired: 1, TimeoutSec: 10, MaxRetries: 2, Priority: store.PriorityNormal})
	require.NoError(t, err)
	qj := queuedFromJob(job)

	// Each failure is reported for an assignment held by agent-x, as in
	// the fail and watchdog paths.
	_, err = st.AssignJob(ctx, job.JobID, "agent-x", "wallet-x", start)
	require.NoError(t, err)
	lb.retryOrFail(ctx, job.JobID, "agent-x", qj, start, "fail 1")
	_, err = st.AssignJob(ctx, job.JobID, "agent-x", "wallet-x", start)
	require.NoError(t, err)
	lb.retryOrFail(ctx, job.JobID, "agent-x", qj, start, "fail 2")
	_, err = st.AssignJob(ctx, job.JobID, "agent-x", "wallet-x", start)
	require.NoError(t, err)
	lb.retryOrFail(ctx, job.JobID, "agent-x", qj, start, "fail 3")

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got.Status)
	assert.True(t, got.Status.IsTerminal())
}
