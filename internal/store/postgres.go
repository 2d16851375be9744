package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PoolConfig tunes the underlying *sql.DB connection pool, grounded on the
// same knobs the reference stack exposes for its Postgres connection.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPoolConfig returns reasonable production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Postgres is the production Store, backed by database/sql + lib/pq.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgres opens a connection pool against dsn and verifies it with a
// ping, applying cfg's pool tuning.
func NewPostgres(dsn string, cfg PoolConfig, logger *zap.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrFatal, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrFatal, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}, nil
}

// Migrate creates the three tables named in spec.md section 6 if they do
// not already exist, along with the api_key and (status, priority desc,
// created_at) indexes the spec names.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrFatal, err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	api_key TEXT NOT NULL UNIQUE,
	wallet_address TEXT NOT NULL,
	gpu_model TEXT NOT NULL,
	gpu_vendor TEXT NOT NULL,
	gpu_memory_bytes BIGINT NOT NULL,
	compute_framework TEXT NOT NULL,
	max_concurrent_jobs INT NOT NULL,
	current_jobs INT NOT NULL DEFAULT 0,
	last_heartbeat_at TIMESTAMPTZ NOT NULL,
	is_healthy BOOLEAN NOT NULL DEFAULT TRUE,
	reputation DOUBLE PRECISION NOT NULL DEFAULT 100,
	total_completed BIGINT NOT NULL DEFAULT 0,
	total_failed BIGINT NOT NULL DEFAULT 0,
	avg_completion_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agents_api_key ON agents(api_key);

CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	image_ref TEXT NOT NULL,
	command JSONB NOT NULL,
	env JSONB NOT NULL,
	input_url TEXT NOT NULL DEFAULT '',
	output_url TEXT NOT NULL DEFAULT '',
	gpu_memory_required BIGINT NOT NULL,
	requires_gpu BOOLEAN NOT NULL,
	estimated_duration_s BIGINT NOT NULL,
	timeout_s BIGINT NOT NULL,
	reward_lamports BIGINT NOT NULL,
	agent_id TEXT,
	agent_wallet TEXT,
	status TEXT NOT NULL,
	priority INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	accepted_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 3,
	completion_data JSONB,
	failure_reason TEXT,
	payment_signature TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_priority_created ON jobs(status, priority DESC, created_at);

CREATE TABLE IF NOT EXISTS payments (
	job_id TEXT PRIMARY KEY REFERENCES jobs(job_id),
	agent_id TEXT NOT NULL,
	agent_wallet TEXT NOT NULL,
	amount_lamports BIGINT NOT NULL,
	signature TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (p *Postgres) Close() error { return p.db.Close() }

// withTx runs fn inside a read-committed transaction, rolling back on
// error and committing otherwise, mirroring the reference stack's
// WithTransaction helper.
func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrTransient, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrTransient, err)
	}
	return nil
}

func (p *Postgres) CreateAgent(ctx context.Context, spec AgentSpec) (*Agent, error) {
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
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, api_key, wallet_address, gpu_model, gpu_vendor,
			gpu_memory_bytes, compute_framework, max_concurrent_jobs, current_jobs,
			last_heartbeat_at, is_healthy, reputation, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,true,100,$9)`,
		a.AgentID, a.APIKey, a.WalletAddress, a.GPUModel, a.GPUVendor,
		a.GPUMemoryBytes, string(a.ComputeFramework), a.MaxConcurrentJob, now)
	if err != nil {
		return nil, fmt.Errorf("%w: insert agent: %v", ErrTransient, err)
	}
	return a, nil
}

func (p *Postgres) scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var framework string
	err := row.Scan(&a.AgentID, &a.APIKey, &a.WalletAddress, &a.GPUModel, &a.GPUVendor,
		&a.GPUMemoryBytes, &framework, &a.MaxConcurrentJob, &a.CurrentJobs,
		&a.LastHeartbeatAt, &a.IsHealthy, &a.Reputation, &a.TotalCompleted,
		&a.TotalFailed, &a.AvgCompletionSeconds, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan agent: %v", ErrTransient, err)
	}
	a.ComputeFramework = ComputeFramework(framework)
	return &a, nil
}

const agentCols = `agent_id, api_key, wallet_address, gpu_model, gpu_vendor, gpu_memory_bytes,
	compute_framework, max_concurrent_jobs, current_jobs, last_heartbeat_at, is_healthy,
	reputation, total_completed, total_failed, avg_completion_seconds, created_at`

func (p *Postgres) GetAgentByAPIKey(ctx context.Context, apiKey string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE api_key=$1`, apiKey)
	return p.scanAgent(row)
}

func (p *Postgres) GetAgentByID(ctx context.Context, agentID string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE agent_id=$1`, agentID)
	return p.scanAgent(row)
}

func (p *Postgres) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+agentCols+` FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("%w: list agents: %v", ErrTransient, err)
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		var a Agent
		var framework string
		if err := rows.Scan(&a.AgentID, &a.APIKey, &a.WalletAddress, &a.GPUModel, &a.GPUVendor,
			&a.GPUMemoryBytes, &framework, &a.MaxConcurrentJob, &a.CurrentJobs,
			&a.LastHeartbeatAt, &a.IsHealthy, &a.Reputation, &a.TotalCompleted,
			&a.TotalFailed, &a.AvgCompletionSeconds, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan agent: %v", ErrTransient, err)
		}
		a.ComputeFramework = ComputeFramework(framework)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (p *Postgres) TouchAgent(ctx context.Context, agentID string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE agents SET last_heartbeat_at=$2, is_healthy=true
		WHERE agent_id=$1 AND last_heartbeat_at <= $2`, agentID, now)
	if err != nil {
		return fmt.Errorf("%w: touch agent: %v", ErrTransient, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either not found, or heartbeat already newer (monotonic no-op);
		// disambiguate with a lookup.
		if _, err := p.GetAgentByID(ctx, agentID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) UpdateAgentStats(ctx context.Context, agentID string, deltaCompleted, deltaFailed int64, newAvgCompletion, newReputation float64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE agents SET
			total_completed = total_completed + $2,
			total_failed = total_failed + $3,
			avg_completion_seconds = $4,
			reputation = $5
		WHERE agent_id=$1`, agentID, deltaCompleted, deltaFailed, newAvgCompletion, newReputation)
	if err != nil {
		return fmt.Errorf("%w: update agent stats: %v", ErrTransient, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateJob(ctx context.Context, spec JobSpec) (*Job, error) {
	maxRetries := spec.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	cmdJSON, err := json.Marshal(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal command: %v", ErrFatal, err)
	}
	env := spec.Env
	if env == nil {
		env = JSONMap{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal env: %v", ErrFatal, err)
	}
	j := &Job{
		JobID:                uuid.NewString(),
		JobType:              spec.JobType,
		ImageRef:             spec.ImageRef,
		Command:              spec.Command,
		Env:                  env,
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
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, job_type, image_ref, command, env, input_url, output_url,
			gpu_memory_required, requires_gpu, estimated_duration_s, timeout_s, reward_lamports,
			status, priority, created_at, retry_count, max_retries)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,0,$16)`,
		j.JobID, j.JobType, j.ImageRef, cmdJSON, envJSON, j.InputURL, j.OutputURL,
		j.GPUMemoryRequired, j.RequiresGPU, j.EstimatedDurationSec, j.TimeoutSec,
		j.RewardLamports, string(j.Status), int(j.Priority), j.CreatedAt, j.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("%w: insert job: %v", ErrTransient, err)
	}
	return j, nil
}

const jobCols = `job_id, job_type, image_ref, command, env, input_url, output_url,
	gpu_memory_required, requires_gpu, estimated_duration_s, timeout_s, reward_lamports,
	agent_id, agent_wallet, status, priority, created_at, accepted_at, started_at,
	completed_at, retry_count, max_retries, completion_data, failure_reason, payment_signature`

func scanJobRow(scan func(dest ...any) error) (*Job, error) {
	var j Job
	var cmdJSON, envJSON, completionJSON []byte
	var status string
	var priority int
	err := scan(&j.JobID, &j.JobType, &j.ImageRef, &cmdJSON, &envJSON, &j.InputURL, &j.OutputURL,
		&j.GPUMemoryRequired, &j.RequiresGPU, &j.EstimatedDurationSec, &j.TimeoutSec, &j.RewardLamports,
		&j.AgentID, &j.AgentWallet, &status, &priority, &j.CreatedAt, &j.AcceptedAt, &j.StartedAt,
		&j.CompletedAt, &j.RetryCount, &j.MaxRetries, &completionJSON, &j.FailureReason, &j.PaymentSignature)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan job: %v", ErrTransient, err)
	}
	j.Status = JobStatus(status)
	j.Priority = Priority(priority)
	if len(cmdJSON) > 0 {
		json.Unmarshal(cmdJSON, &j.Command)
	}
	if len(envJSON) > 0 {
		json.Unmarshal(envJSON, &j.Env)
	}
	if len(completionJSON) > 0 {
		json.Unmarshal(completionJSON, &j.CompletionData)
	}
	return &j, nil
}

func (p *Postgres) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE job_id=$1`, jobID)
	return scanJobRow(row.Scan)
}

func (p *Postgres) ListAvailableJobs(ctx context.Context, c Capability, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE status = 'AVAILABLE' AND gpu_memory_required <= $1
			AND (requires_gpu = false OR requires_gpu = $2)
		ORDER BY priority DESC, created_at ASC
		LIMIT $3`, c.GPUMemoryBytes, c.RequiresGPU, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list available jobs: %v", ErrTransient, err)
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJobRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) ListJobsByStatuses(ctx context.Context, statuses []JobStatus) ([]*Job, error) {
	strs := make([]string, len(statuses))
	for i, s := range statuses {
		strs[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE status = ANY($1)`, pqStringArray(strs))
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs by status: %v", ErrTransient, err)
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJobRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) AssignJob(ctx context.Context, jobID, agentID, agentWallet string, now time.Time) (*Job, error) {
	var job *Job
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status='ASSIGNED', agent_id=$2, agent_wallet=$3, accepted_at=$4
			WHERE job_id=$1 AND status='AVAILABLE'`, jobID, agentID, agentWallet, now)
		if err != nil {
			return fmt.Errorf("%w: assign job: %v", ErrTransient, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			if _, err := p.GetJob(ctx, jobID); err != nil {
				return err
			}
			return ErrConflict
		}
		row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE job_id=$1`, jobID)
		job, err = scanJobRow(row.Scan)
		return err
	})
	return job, err
}

func (p *Postgres) MarkJobRunning(ctx context.Context, jobID, agentID string, now time.Time) (*Job, error) {
	j, err := p.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.AgentID.Valid || j.AgentID.String != agentID {
		return nil, ErrWrongAgent
	}
	if j.Status == JobRunning {
		return j, nil
	}
	if j.Status != JobAssigned {
		return nil, ErrConflict
	}
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET status='RUNNING', started_at=$2
		WHERE job_id=$1 AND status='ASSIGNED'`, jobID, now)
	if err != nil {
		return nil, fmt.Errorf("%w: mark running: %v", ErrTransient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConflict
	}
	return p.GetJob(ctx, jobID)
}

func (p *Postgres) CompleteJob(ctx context.Context, jobID, agentID string, completionData JSONMap, now time.Time, rewardLamports int64) (*Job, *Payment, error) {
	var job *Job
	var payment *Payment
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE job_id=$1 FOR UPDATE`, jobID)
		existing, err := scanJobRow(row.Scan)
		if err != nil {
			return err
		}
		if existing.Status.IsTerminal() {
			return ErrConflict
		}
		if !existing.AgentID.Valid || existing.AgentID.String != agentID {
			return ErrWrongAgent
		}

		completionJSON, err := json.Marshal(completionData)
		if err != nil {
			return fmt.Errorf("%w: marshal completion data: %v", ErrFatal, err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='COMPLETED', completed_at=$2,
				completion_data=$3 WHERE job_id=$1`, jobID, now, completionJSON); err != nil {
			return fmt.Errorf("%w: complete job: %v", ErrTransient, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payments (job_id, agent_id, agent_wallet, amount_lamports, status, created_at)
			VALUES ($1,$2,$3,$4,'PENDING',$5)`, jobID, agentID, existing.AgentWallet.String, rewardLamports, now); err != nil {
			return fmt.Errorf("%w: insert payment: %v", ErrTransient, err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE agents SET total_completed = total_completed + 1,
				current_jobs = GREATEST(current_jobs - 1, 0) WHERE agent_id=$1`, agentID); err != nil {
			return fmt.Errorf("%w: update agent stats: %v", ErrTransient, err)
		}

		existing.Status = JobCompleted
		existing.CompletionData = completionData
		job = existing
		payment = &Payment{JobID: jobID, AgentID: agentID, AgentWallet: existing.AgentWallet.String,
			AmountLamports: rewardLamports, Status: PaymentPending, CreatedAt: now}
		return nil
	})
	return job, payment, err
}

func (p *Postgres) FailJob(ctx context.Context, jobID, agentID, reason string, now time.Time) (*Job, error) {
	var job *Job
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE job_id=$1 FOR UPDATE`, jobID)
		existing, err := scanJobRow(row.Scan)
		if err != nil {
			return err
		}
		if existing.Status.IsTerminal() {
			return ErrConflict
		}
		if agentID != "" && (!existing.AgentID.Valid || existing.AgentID.String != agentID) {
			return ErrWrongAgent
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='FAILED', completed_at=$2,
				failure_reason=$3 WHERE job_id=$1`, jobID, now, reason); err != nil {
			return fmt.Errorf("%w: fail job: %v", ErrTransient, err)
		}
		if agentID != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE agents SET total_failed = total_failed + 1,
					current_jobs = GREATEST(current_jobs - 1, 0) WHERE agent_id=$1`, agentID); err != nil {
				return fmt.Errorf("%w: update agent stats: %v", ErrTransient, err)
			}
		}
		existing.Status = JobFailed
		job = existing
		return nil
	})
	return job, err
}

func (p *Postgres) RequeueJob(ctx context.Context, jobID string, newPriority Priority, now time.Time) (*Job, error) {
	var job *Job
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE job_id=$1 FOR UPDATE`, jobID)
		existing, err := scanJobRow(row.Scan)
		if err != nil {
			return err
		}
		if existing.RetryCount >= existing.MaxRetries {
			return ErrConflict
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='AVAILABLE', priority=$2,
				retry_count = retry_count + 1, agent_id=NULL, agent_wallet=NULL,
				accepted_at=NULL, started_at=NULL WHERE job_id=$1`, jobID, int(newPriority)); err != nil {
			return fmt.Errorf("%w: requeue job: %v", ErrTransient, err)
		}
		existing.Status = JobAvailable
		existing.Priority = newPriority
		existing.RetryCount++
		existing.AgentID = stringNull()
		existing.AgentWallet = stringNull()
		job = existing
		return nil
	})
	return job, err
}

func (p *Postgres) GetPayment(ctx context.Context, jobID string) (*Payment, error) {
	var pay Payment
	row := p.db.QueryRowContext(ctx, `SELECT job_id, agent_id, agent_wallet, amount_lamports,
		signature, status, created_at FROM payments WHERE job_id=$1`, jobID)
	var status string
	err := row.Scan(&pay.JobID, &pay.AgentID, &pay.AgentWallet, &pay.AmountLamports,
		&pay.Signature, &status, &pay.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan payment: %v", ErrTransient, err)
	}
	pay.Status = PaymentStatus(status)
	return &pay, nil
}

func (p *Postgres) ListPaymentsByStatus(ctx context.Context, status PaymentStatus) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT job_id, agent_id, agent_wallet, amount_lamports,
		signature, status, created_at FROM payments WHERE status=$1`, string(status))
	if err != nil {
		return nil, fmt.Errorf("%w: list payments: %v", ErrTransient, err)
	}
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		var pay Payment
		var st string
		if err := rows.Scan(&pay.JobID, &pay.AgentID, &pay.AgentWallet, &pay.AmountLamports,
			&pay.Signature, &st, &pay.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan payment: %v", ErrTransient, err)
		}
		pay.Status = PaymentStatus(st)
		out = append(out, &pay)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdatePaymentStatus(ctx context.Context, jobID, signature string, status PaymentStatus) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE payments SET status=$2, signature=$3
			WHERE job_id=$1 AND status='PENDING'`, jobID, string(status), signature)
		if err != nil {
			return fmt.Errorf("%w: update payment status: %v", ErrTransient, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // already terminal: idempotent no-op
		}
		if status == PaymentConfirmed {
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET payment_signature=$2 WHERE job_id=$1`,
				jobID, signature); err != nil {
				return fmt.Errorf("%w: stamp payment signature: %v", ErrTransient, err)
			}
		}
		return nil
	})
}

func (p *Postgres) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{JobsByStatus: make(map[JobStatus]int64), PaymentsByStat: make(map[PaymentStatus]int64)}

	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM agents`).Scan(&s.AgentCount); err != nil {
		return nil, fmt.Errorf("%w: count agents: %v", ErrTransient, err)
	}

	rows, err := p.db.QueryContext(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%w: group jobs: %v", ErrTransient, err)
	}
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan job group: %v", ErrTransient, err)
		}
		s.JobsByStatus[JobStatus(st)] = n
	}
	rows.Close()

	rows, err = p.db.QueryContext(ctx, `SELECT status, count(*) FROM payments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%w: group payments: %v", ErrTransient, err)
	}
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan payment group: %v", ErrTransient, err)
		}
		s.PaymentsByStat[PaymentStatus(st)] = n
	}
	rows.Close()

	return s, nil
}

// pqStringArray formats a Go string slice as a Postgres array literal
// suitable for ANY($1) without requiring pq.Array's reflection path.
func pqStringArray(ss []string) string {
	out := "{"
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += `"` + s + `"`
	}
	return out + "}"
}
