// Package broker implements the authenticated REST façade described in
// spec.md section 4.2: the job state machine, the settlement worker, and
// the maintenance ticker that drives the LoadBalancer's watchdog.
package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/squirtgunhero/marketplace-core/internal/clock"
	"github.com/squirtgunhero/marketplace-core/internal/loadbalancer"
	"github.com/squirtgunhero/marketplace-core/internal/payment"
	"github.com/squirtgunhero/marketplace-core/internal/ratelimit"
	"github.com/squirtgunhero/marketplace-core/internal/store"
)

// Runtime is the explicit, once-constructed value every handler and
// background worker is threaded through (spec.md section 9: "no
// process-wide mutable state beyond what Runtime owns").
type Runtime struct {
	Store          store.Store
	LoadBalancer   *loadbalancer.LoadBalancer
	PaymentBackend payment.Backend
	Clock          clock.Clock
	Logger         *zap.Logger
	AdminLimiter   ratelimit.Limiter

	AdminAPIKey string

	HeartbeatTimeout time.Duration
	MaintenanceTick  time.Duration

	settlementCh   chan string
	settlementDone chan struct{}
	maintDone      chan struct{}
	drainWindow    time.Duration

	breaker *payment.CircuitBreaker

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config bundles the tunables New needs beyond the already-constructed
// collaborators.
type Config struct {
	AdminAPIKey           string
	HeartbeatTimeout      time.Duration
	MaintenanceTick       time.Duration
	SettlementChannelSize int
	SettlementDrainWindow time.Duration
	CircuitBreakerThresh  int
	CircuitBreakerTimeout time.Duration
}

// New builds a Runtime. Call Reconcile then Start before serving traffic.
func New(st store.Store, lb *loadbalancer.LoadBalancer, pb payment.Backend, clk clock.Clock, logger *zap.Logger, limiter ratelimit.Limiter, cfg Config) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SettlementChannelSize == 0 {
		cfg.SettlementChannelSize = 256
	}
	if cfg.SettlementDrainWindow == 0 {
		cfg.SettlementDrainWindow = 30 * time.Second
	}
	if cfg.CircuitBreakerThresh == 0 {
		cfg.CircuitBreakerThresh = 5
	}
	if cfg.CircuitBreakerTimeout == 0 {
		cfg.CircuitBreakerTimeout = 60 * time.Second
	}
	return &Runtime{
		Store:            st,
		LoadBalancer:     lb,
		PaymentBackend:   pb,
		Clock:            clk,
		Logger:           logger,
		AdminLimiter:     limiter,
		AdminAPIKey:      cfg.AdminAPIKey,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		MaintenanceTick:  cfg.MaintenanceTick,
		settlementCh:     make(chan string, cfg.SettlementChannelSize),
		settlementDone:   make(chan struct{}),
		maintDone:        make(chan struct{}),
		drainWindow:      cfg.SettlementDrainWindow,
		breaker:          payment.NewCircuitBreaker(cfg.CircuitBreakerThresh, cfg.CircuitBreakerTimeout),
	}
}

// Reconcile rebuilds the LoadBalancer from Store and re-enqueues every
// PENDING payment's job onto the settlement channel, per spec.md
// section 9's startup-reconciliation supplement.
func (rt *Runtime) Reconcile(ctx context.Context) error {
	if err := rt.LoadBalancer.Rebuild(ctx); err != nil {
		return err
	}
	pending, err := rt.Store.ListPaymentsByStatus(ctx, store.PaymentPending)
	if err != nil {
		return err
	}
	for _, p := range pending {
		rt.Logger.Info("reconciling pending payment at startup", zap.String("job_id", p.JobID))
		rt.settlementCh <- p.JobID
	}
	return nil
}

// Start launches the maintenance ticker and settlement worker.
func (rt *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	rt.wg.Add(2)
	go rt.runMaintenance(ctx)
	go rt.runSettlement(ctx)
}

// Stop cancels the background workers. The settlement worker drains its
// channel for up to drainWindow before returning, leaving any remaining
// PENDING payments for the next startup's Reconcile.
func (rt *Runtime) Stop() {
	if rt.cancel != nil {
		rt.cancel()
	}
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(rt.drainWindow):
		rt.Logger.Warn("shutdown drain window exceeded, outstanding settlements left PENDING")
	}
}

func (rt *Runtime) runMaintenance(ctx context.Context) {
	defer rt.wg.Done()
	ticker := time.NewTicker(rt.MaintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.LoadBalancer.MaintenanceTick(ctx)
		}
	}
}

// EnqueueSettlement posts a job_id onto the buffered, single-consumer
// settlement channel (spec.md section 4.2).
func (rt *Runtime) EnqueueSettlement(jobID string) {
	select {
	case rt.settlementCh <- jobID:
	default:
		// Channel full under a burst: spawn a short-lived sender so the
		// calling request handler never blocks (spec.md section 5).
		go func() { rt.settlementCh <- jobID }()
	}
}
