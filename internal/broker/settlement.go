package broker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/squirtgunhero/marketplace-core/internal/metrics"
	"github.com/squirtgunhero/marketplace-core/internal/payment"
	"github.com/squirtgunhero/marketplace-core/internal/store"
)

const settlementMaxAttempts = 5

// settlementBackoff returns the exponential backoff for attempt n
// (1-indexed), doubling from 2s and capped at 60s (spec.md section 4.5).
func settlementBackoff(attempt int) time.Duration {
	d := 2 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 60*time.Second {
			return 60 * time.Second
		}
	}
	return d
}

// runSettlement is the single consumer of the settlement channel: for
// each job_id it sends a transfer, polls for on-chain confirmation, and
// updates the Payment row's terminal status, retrying transient failures
// with backoff up to settlementMaxAttempts before parking the payment
// PENDING for the next process restart's Reconcile.
func (rt *Runtime) runSettlement(ctx context.Context) {
	defer rt.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Shutdown: settle what is already queued, bounded by
			// drainWindow; anything left stays PENDING for Reconcile.
			drainCtx, cancel := context.WithTimeout(context.Background(), rt.drainWindow)
			defer cancel()
			for drainCtx.Err() == nil {
				select {
				case jobID := <-rt.settlementCh:
					rt.settleOne(drainCtx, jobID)
				default:
					return
				}
			}
			return
		case jobID, ok := <-rt.settlementCh:
			if !ok {
				return
			}
			rt.settleOne(ctx, jobID)
		}
	}
}

func (rt *Runtime) settleOne(ctx context.Context, jobID string) {
	start := time.Now()
	p, err := rt.Store.GetPayment(ctx, jobID)
	if err != nil {
		rt.Logger.Error("settlement: payment row missing", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if p.Status != store.PaymentPending {
		return // already settled by a prior run
	}

	signature := p.Signature
	var settleErr error

	for attempt := 1; attempt <= settlementMaxAttempts; attempt++ {
		if signature == "" {
			signature, settleErr = rt.sendTransfer(ctx, p)
		}
		if settleErr == nil && signature != "" {
			settleErr = rt.confirmTransfer(ctx, jobID, signature)
		}

		if settleErr == nil {
			metrics.SettlementAttempts.WithLabelValues("confirmed").Inc()
			metrics.SettlementLatencySeconds.Observe(time.Since(start).Seconds())
			return
		}
		if errors.Is(settleErr, payment.ErrPermanent) {
			metrics.SettlementAttempts.WithLabelValues("permanent_failure").Inc()
			if err := rt.Store.UpdatePaymentStatus(ctx, jobID, signature, store.PaymentFailed); err != nil {
				rt.Logger.Error("settlement: mark payment failed", zap.String("job_id", jobID), zap.Error(err))
			}
			return
		}

		metrics.SettlementAttempts.WithLabelValues("transient_failure").Inc()
		rt.Logger.Warn("settlement attempt failed, retrying", zap.String("job_id", jobID), zap.Int("attempt", attempt), zap.Error(settleErr))
		select {
		case <-ctx.Done():
			return
		case <-rt.Clock.After(settlementBackoff(attempt)):
		}
	}

	rt.Logger.Warn("settlement retries exhausted, leaving payment pending", zap.String("job_id", jobID))
}

func (rt *Runtime) sendTransfer(ctx context.Context, p *store.Payment) (string, error) {
	var signature string
	err := rt.breaker.Call(ctx, func(ctx context.Context) error {
		sig, err := rt.PaymentBackend.SendTransfer(ctx, p.AgentWallet, p.AmountLamports, "job:"+p.JobID)
		if err != nil {
			return err
		}
		signature = sig
		return nil
	})
	return signature, err
}

func (rt *Runtime) confirmTransfer(ctx context.Context, jobID, signature string) error {
	var status payment.Status
	err := rt.breaker.Call(ctx, func(ctx context.Context) error {
		s, err := rt.PaymentBackend.ConfirmSignature(ctx, signature)
		if err != nil {
			return err
		}
		status = s
		return nil
	})
	if err != nil {
		return err
	}

	switch status {
	case payment.StatusConfirmed:
		return rt.Store.UpdatePaymentStatus(ctx, jobID, signature, store.PaymentConfirmed)
	case payment.StatusFailed:
		if err := rt.Store.UpdatePaymentStatus(ctx, jobID, signature, store.PaymentFailed); err != nil {
			return err
		}
		return payment.ErrPermanent
	default:
		return payment.ErrTransient // still PENDING on-chain, retry with backoff
	}
}
