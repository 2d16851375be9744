package broker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/squirtgunhero/marketplace-core/internal/payment"
	"github.com/squirtgunhero/marketplace-core/internal/store"
)

func (h *harness) completeAJob(t *testing.T) (string, RegisterAgentResponse) {
	t.Helper()
	agent := h.registerAgent()
	createW := h.doAdmin("POST", "/api/admin/jobs/create", JobSpecDTO{
		JobType: "render", ImageRef: "img", Command: []string{"run"}, TimeoutSec: 30, RewardLamports: 500,
	})
	require.Equal(t, 201, createW.Code)
	var job JobSpecDTO
	require.NoError(t, json.Unmarshal(createW.Body.Bytes(), &job))

	h.do("POST", "/api/jobs/available", agent.APIKey, JobsAvailableRequest{})
	h.do("POST", "/api/jobs/"+job.JobID+"/accept", agent.APIKey, AcceptJobRequest{WalletAddress: "3NZ9JMVBmGAqocybic2c7LQCJScmgsAZ6vQqTDKEPzH"})
	completeW := h.do("POST", "/api/jobs/"+job.JobID+"/complete", agent.APIKey, CompleteJobRequest{})
	require.Equal(t, 200, completeW.Code)
	return job.JobID, agent
}

func TestSettlementConfirmsImmediately(t *testing.T) {
	h := newHarness(t)
	jobID, _ := h.completeAJob(t)

	h.rt.settleOne(context.Background(), jobID)

	p, err := h.st.GetPayment(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, store.PaymentConfirmed, p.Status)
	require.Len(t, h.fakePB.Sent(), 1)
}

func TestSettlementPermanentSendFailureMarksPaymentFailed(t *testing.T) {
	h := newHarness(t)
	jobID, _ := h.completeAJob(t)

	h.fakePB.SetSendError(payment.ErrPermanent)
	h.rt.settleOne(context.Background(), jobID)

	p, err := h.st.GetPayment(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, store.PaymentFailed, p.Status)
}

func TestSettlementSkipsAlreadyConfirmedPayment(t *testing.T) {
	h := newHarness(t)
	jobID, _ := h.completeAJob(t)

	h.rt.settleOne(context.Background(), jobID)
	sentBefore := len(h.fakePB.Sent())

	// Re-running settleOne on an already-confirmed payment must be a no-op.
	h.rt.settleOne(context.Background(), jobID)
	require.Len(t, h.fakePB.Sent(), sentBefore)
}
