package agentruntime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/squirtgunhero/marketplace-core/internal/broker"
	"github.com/squirtgunhero/marketplace-core/internal/clock"
)

// fakeBroker scripts the agent-facing REST surface in-process so the
// runtime's loops can be tested without a real HTTP server.
type fakeBroker struct {
	mu         sync.Mutex
	jobs       []broker.JobSpecDTO
	accepted   []string
	completed  []string
	failed     []string
	failedMsgs map[string]string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{failedMsgs: make(map[string]string)}
}

func (f *fakeBroker) Register(ctx context.Context, req broker.RegisterAgentRequest) (*broker.RegisterAgentResponse, error) {
	return &broker.RegisterAgentResponse{AgentID: "agent-1", APIKey: "key-1"}, nil
}

func (f *fakeBroker) Heartbeat(ctx context.Context) error { return nil }

func (f *fakeBroker) PollJobs(ctx context.Context, req broker.JobsAvailableRequest) (*broker.JobsAvailableResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := f.jobs
	f.jobs = nil
	return &broker.JobsAvailableResponse{Jobs: jobs}, nil
}

func (f *fakeBroker) AcceptJob(ctx context.Context, jobID string, req broker.AcceptJobRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, jobID)
	return nil
}

func (f *fakeBroker) CompleteJob(ctx context.Context, jobID string, req broker.CompleteJobRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeBroker) FailJob(ctx context.Context, jobID string, req broker.FailJobRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, jobID)
	f.failedMsgs[jobID] = req.ErrorMessage
	return nil
}

func newTestRuntime(t *testing.T, fb *fakeBroker, spawner Spawner) *Runtime {
	t.Helper()
	clk := clock.NewVirtual(time.Now())
	return New(fb, spawner, NoopStager{}, zap.NewNop(), clk, Config{
		MaxConcurrentJobs: 2,
		WorkDir:           t.TempDir(),
	})
}

func TestExecuteJobSuccessReportsComplete(t *testing.T) {
	fb := newFakeBroker()
	spawner := NewFakeSpawner()
	rt := newTestRuntime(t, fb, spawner)

	job := broker.JobSpecDTO{JobID: "job-1", Command: []string{"true"}, TimeoutSec: 30}
	rt.executeJob(context.Background(), job)

	require.Contains(t, fb.accepted, "job-1")
	require.Contains(t, fb.completed, "job-1")
	require.Empty(t, fb.failed)
}

func TestExecuteJobNonZeroExitReportsFailure(t *testing.T) {
	fb := newFakeBroker()
	spawner := NewFakeSpawner()
	spawner.Results["job-2"] = ExecutionResult{ExitCode: 1, Stderr: []byte("boom")}
	rt := newTestRuntime(t, fb, spawner)

	job := broker.JobSpecDTO{JobID: "job-2", Command: []string{"false"}, TimeoutSec: 30}
	rt.executeJob(context.Background(), job)

	require.Contains(t, fb.accepted, "job-2")
	require.Contains(t, fb.failed, "job-2")
	require.Empty(t, fb.completed)
	require.Contains(t, fb.failedMsgs["job-2"], "boom")
}

func TestPollAndDispatchRespectsConcurrencyLimit(t *testing.T) {
	fb := newFakeBroker()
	spawner := NewFakeSpawner()
	rt := newTestRuntime(t, fb, spawner)
	rt.cfg.MaxConcurrentJobs = 1
	rt.sem = make(chan struct{}, 1)

	fb.jobs = []broker.JobSpecDTO{
		{JobID: "a", Command: []string{"true"}, TimeoutSec: 30},
		{JobID: "b", Command: []string{"true"}, TimeoutSec: 30},
	}
	rt.pollAndDispatch(context.Background())
	rt.wg.Wait()

	require.Len(t, fb.accepted, 1)
}

// failingStager scripts a PushOutput failure to exercise the
// not-fatal-on-bad-output_url path.
type failingStager struct{ pushErr error }

func (failingStager) FetchInput(ctx context.Context, url, destDir string) error { return nil }
func (s failingStager) PushOutput(ctx context.Context, srcDir, url string) error {
	return s.pushErr
}

func TestExecuteJobPushOutputFailureStillReportsComplete(t *testing.T) {
	fb := newFakeBroker()
	spawner := NewFakeSpawner()
	clk := clock.NewVirtual(time.Now())
	rt := New(fb, spawner, failingStager{pushErr: errPermanent}, zap.NewNop(), clk, Config{
		MaxConcurrentJobs: 2,
		WorkDir:           t.TempDir(),
	})

	job := broker.JobSpecDTO{JobID: "job-4", Command: []string{"true"}, TimeoutSec: 30, OutputURL: "http://bad.invalid/out"}
	rt.executeJob(context.Background(), job)

	require.Contains(t, fb.accepted, "job-4")
	require.Contains(t, fb.completed, "job-4")
	require.Empty(t, fb.failed)
}

func TestHistoryRecordsTerminalReports(t *testing.T) {
	fb := newFakeBroker()
	spawner := NewFakeSpawner()
	rt := newTestRuntime(t, fb, spawner)

	rt.executeJob(context.Background(), broker.JobSpecDTO{JobID: "job-3", Command: []string{"true"}, TimeoutSec: 30})

	reports := rt.History()
	require.Len(t, reports, 1)
	require.Equal(t, "job-3", reports[0].JobID)
	require.Equal(t, "completed", reports[0].Status)
}
