package agentruntime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/squirtgunhero/marketplace-core/internal/broker"
	"github.com/squirtgunhero/marketplace-core/internal/clock"
)

// Config holds the per-process tunables an agent registers with and
// polls on (spec.md section 4.4).
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxConcurrentJobs int
	WalletAddress     string
	GPUModel          string
	GPUVendor         string
	GPUMemory         int64
	WorkDir           string
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
}

// brokerAPI is the subset of BrokerClient the Runtime depends on, kept as
// an interface so tests can substitute a scripted broker.
type brokerAPI interface {
	Register(ctx context.Context, req broker.RegisterAgentRequest) (*broker.RegisterAgentResponse, error)
	Heartbeat(ctx context.Context) error
	PollJobs(ctx context.Context, req broker.JobsAvailableRequest) (*broker.JobsAvailableResponse, error)
	AcceptJob(ctx context.Context, jobID string, req broker.AcceptJobRequest) error
	CompleteJob(ctx context.Context, jobID string, req broker.CompleteJobRequest) error
	FailJob(ctx context.Context, jobID string, req broker.FailJobRequest) error
}

// Runtime drives the three independently-cancellable loops described in
// spec.md section 4.4: poll, heartbeat, and per-job execution.
type Runtime struct {
	client  brokerAPI
	spawner Spawner
	stager  Stager
	history *History
	logger  *zap.Logger
	clk     clock.Clock
	cfg     Config

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Runtime. Call Register before Start unless the client was
// already constructed with a valid api key.
func New(client brokerAPI, spawner Spawner, stager Stager, logger *zap.Logger, clk clock.Clock, cfg Config) *Runtime {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if stager == nil {
		stager = NoopStager{}
	}
	return &Runtime{
		client:  client,
		spawner: spawner,
		stager:  stager,
		history: NewHistory(),
		logger:  logger,
		clk:     clk,
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxConcurrentJobs),
	}
}

// Register performs the one-time agent registration and stores the
// returned api_key on the client for all subsequent authenticated calls.
func (rt *Runtime) Register(ctx context.Context) error {
	resp, err := rt.client.Register(ctx, broker.RegisterAgentRequest{
		WalletAddress:     rt.cfg.WalletAddress,
		GPUModel:          rt.cfg.GPUModel,
		GPUVendor:         rt.cfg.GPUVendor,
		GPUMemory:         rt.cfg.GPUMemory,
		MaxConcurrentJobs: rt.cfg.MaxConcurrentJobs,
	})
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	if keyed, ok := rt.client.(interface{ SetAPIKey(string) }); ok {
		keyed.SetAPIKey(resp.APIKey)
	}
	rt.logger.Info("agent registered", zap.String("agent_id", resp.AgentID))
	return nil
}

// Start launches the poll and heartbeat loops.
func (rt *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	rt.wg.Add(2)
	go rt.pollLoop(ctx)
	go rt.heartbeatLoop(ctx)
}

// Stop cancels the loops and waits for in-flight job executions to drain.
func (rt *Runtime) Stop() {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()
}

// History returns the local ring buffer of recent terminal reports.
func (rt *Runtime) History() []Report { return rt.history.Snapshot() }

func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	defer rt.wg.Done()
	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.client.Heartbeat(ctx); err != nil {
				rt.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (rt *Runtime) pollLoop(ctx context.Context) {
	defer rt.wg.Done()
	ticker := time.NewTicker(rt.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.pollAndDispatch(ctx)
		}
	}
}

func (rt *Runtime) pollAndDispatch(ctx context.Context) {
	resp, err := rt.client.PollJobs(ctx, broker.JobsAvailableRequest{
		GPUModel:          rt.cfg.GPUModel,
		GPUVendor:         rt.cfg.GPUVendor,
		GPUMemory:         rt.cfg.GPUMemory,
		MaxConcurrentJobs: rt.cfg.MaxConcurrentJobs,
	})
	if err != nil {
		rt.logger.Warn("poll failed", zap.Error(err))
		return
	}
	for _, job := range resp.Jobs {
		select {
		case rt.sem <- struct{}{}:
		default:
			// All execution slots busy; leave the job for the next poll,
			// the broker's watchdog will reassign it if it never starts.
			continue
		}
		rt.wg.Add(1)
		go func(j broker.JobSpecDTO) {
			defer rt.wg.Done()
			defer func() { <-rt.sem }()
			rt.executeJob(ctx, j)
		}(job)
	}
}

func (rt *Runtime) executeJob(ctx context.Context, job broker.JobSpecDTO) {
	logger := rt.logger.With(zap.String("job_id", job.JobID))

	if err := rt.client.AcceptJob(ctx, job.JobID, broker.AcceptJobRequest{WalletAddress: rt.cfg.WalletAddress}); err != nil {
		logger.Warn("accept failed, abandoning job", zap.Error(err))
		return
	}

	jobDir := filepath.Join(rt.cfg.WorkDir, job.JobID)
	inputDir := filepath.Join(jobDir, "input")
	outputDir := filepath.Join(jobDir, "output")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		rt.reportFailure(ctx, job.JobID, logger, fmt.Sprintf("create input dir: %v", err))
		return
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		rt.reportFailure(ctx, job.JobID, logger, fmt.Sprintf("create output dir: %v", err))
		return
	}
	keepJobDir := false
	defer func() {
		if !keepJobDir {
			os.RemoveAll(jobDir)
		}
	}()

	if err := rt.stager.FetchInput(ctx, job.InputURL, inputDir); err != nil {
		rt.reportFailure(ctx, job.JobID, logger, fmt.Sprintf("stage input: %v", err))
		return
	}

	result, err := rt.spawner.Spawn(ctx, ExecutionSpec{
		JobID:      job.JobID,
		Command:    job.Command,
		Env:        job.Env,
		InputDir:   inputDir,
		OutputDir:  outputDir,
		TimeoutSec: job.TimeoutSec,
	})
	if err != nil {
		rt.reportFailure(ctx, job.JobID, logger, err.Error())
		return
	}
	if result.TimedOut {
		rt.reportFailure(ctx, job.JobID, logger, "execution timed out")
		return
	}
	if result.ExitCode != 0 {
		rt.reportFailure(ctx, job.JobID, logger, fmt.Sprintf("exit code %d: %s", result.ExitCode, string(result.Stderr)))
		return
	}

	if err := rt.stager.PushOutput(ctx, outputDir, job.OutputURL); err != nil {
		// A missing/invalid output_url is not fatal: the result stays on
		// disk and the job still reports complete.
		keepJobDir = true
		logger.Warn("push output failed, results remain local", zap.String("job_dir", jobDir), zap.Error(err))
	}

	durationSec := float64(result.DurationMs) / 1000.0
	if err := rt.client.CompleteJob(ctx, job.JobID, broker.CompleteJobRequest{ExecutionTimeSec: &durationSec}); err != nil {
		logger.Error("complete report failed", zap.Error(err))
		return
	}
	rt.history.Add(Report{JobID: job.JobID, Status: "completed", ExitCode: 0, DurationMs: result.DurationMs})
	logger.Info("job completed", zap.Int64("duration_ms", result.DurationMs))
}

func (rt *Runtime) reportFailure(ctx context.Context, jobID string, logger *zap.Logger, message string) {
	if err := rt.client.FailJob(ctx, jobID, broker.FailJobRequest{ErrorMessage: message}); err != nil {
		logger.Error("fail report failed", zap.Error(err), zap.String("original_error", message))
	}
	rt.history.Add(Report{JobID: jobID, Status: "failed", Message: message})
	logger.Warn("job failed", zap.String("reason", message))
}
