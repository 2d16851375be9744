package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/squirtgunhero/marketplace-core/internal/clock"
	"github.com/squirtgunhero/marketplace-core/internal/loadbalancer"
	"github.com/squirtgunhero/marketplace-core/internal/payment"
	"github.com/squirtgunhero/marketplace-core/internal/ratelimit"
	"github.com/squirtgunhero/marketplace-core/internal/store"
)

type harness struct {
	t      *testing.T
	srv    http.Handler
	rt     *Runtime
	st     store.Store
	clk    *clock.Virtual
	fakePB *payment.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := zap.NewNop()
	lb := loadbalancer.New(st, 60*time.Second, clk, logger)
	fakePB := payment.NewFake()
	limiter := ratelimit.NewMemory(1000, 60)

	rt := New(st, lb, fakePB, clk, logger, limiter, Config{
		AdminAPIKey:     "admin-secret",
		MaintenanceTick: time.Hour,
	})
	return &harness{t: t, srv: NewServer(rt, true), rt: rt, st: st, clk: clk, fakePB: fakePB}
}

func (h *harness) do(method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	return w
}

func (h *harness) registerAgent() RegisterAgentResponse {
	h.t.Helper()
	w := h.do(http.MethodPost, "/api/agents/register", "", RegisterAgentRequest{
		WalletAddress:     "3NZ9JMVBmGAqocybic2c7LQCJScmgsAZ6vQqTDKEPzH",
		GPUModel:          "A100",
		GPUVendor:         "nvidia",
		GPUMemory:         80 << 30,
		MaxConcurrentJobs: 2,
	})
	require.Equal(h.t, http.StatusCreated, w.Code)
	var resp RegisterAgentResponse
	require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (h *harness) doAdmin(method, path string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "admin-secret")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	return w
}

func TestHappyPathRegisterSubmitAcceptComplete(t *testing.T) {
	h := newHarness(t)
	agent := h.registerAgent()

	createW := h.doAdmin(http.MethodPost, "/api/admin/jobs/create", JobSpecDTO{
		JobType: "render", ImageRef: "img", Command: []string{"run"}, TimeoutSec: 30, RewardLamports: 1000,
	})
	require.Equal(t, http.StatusCreated, createW.Code)
	var job JobSpecDTO
	require.NoError(t, json.Unmarshal(createW.Body.Bytes(), &job))

	pollW := h.do(http.MethodPost, "/api/jobs/available", agent.APIKey, JobsAvailableRequest{})
	require.Equal(t, http.StatusOK, pollW.Code)
	var pollResp JobsAvailableResponse
	require.NoError(t, json.Unmarshal(pollW.Body.Bytes(), &pollResp))
	require.Len(t, pollResp.Jobs, 1)
	require.Equal(t, job.JobID, pollResp.Jobs[0].JobID)

	acceptW := h.do(http.MethodPost, "/api/jobs/"+job.JobID+"/accept", agent.APIKey, AcceptJobRequest{WalletAddress: "3NZ9JMVBmGAqocybic2c7LQCJScmgsAZ6vQqTDKEPzH"})
	require.Equal(t, http.StatusOK, acceptW.Code)
	var acceptResp map[string]interface{}
	require.NoError(t, json.Unmarshal(acceptW.Body.Bytes(), &acceptResp))
	require.Equal(t, "accepted", acceptResp["status"])
	require.EqualValues(t, 1000, acceptResp["reward_lamports"])

	completeW := h.do(http.MethodPost, "/api/jobs/"+job.JobID+"/complete", agent.APIKey, CompleteJobRequest{})
	require.Equal(t, http.StatusOK, completeW.Code)
	var completeResp map[string]interface{}
	require.NoError(t, json.Unmarshal(completeW.Body.Bytes(), &completeResp))
	require.Equal(t, "completed", completeResp["status"])
	require.EqualValues(t, 1000, completeResp["reward_lamports"])

	stored, err := h.st.GetJob(context.Background(), job.JobID)
	require.NoError(t, err)
	require.Equal(t, store.JobCompleted, stored.Status)

	p, err := h.st.GetPayment(context.Background(), job.JobID)
	require.NoError(t, err)
	require.Equal(t, store.PaymentPending, p.Status)
}

func TestCompleteTwiceYieldsConflict(t *testing.T) {
	h := newHarness(t)
	agent := h.registerAgent()

	createW := h.doAdmin(http.MethodPost, "/api/admin/jobs/create", JobSpecDTO{
		JobType: "render", ImageRef: "img", Command: []string{"run"}, TimeoutSec: 30,
	})
	var job JobSpecDTO
	require.NoError(t, json.Unmarshal(createW.Body.Bytes(), &job))

	h.do(http.MethodPost, "/api/jobs/available", agent.APIKey, JobsAvailableRequest{})
	h.do(http.MethodPost, "/api/jobs/"+job.JobID+"/accept", agent.APIKey, AcceptJobRequest{WalletAddress: "w"})

	first := h.do(http.MethodPost, "/api/jobs/"+job.JobID+"/complete", agent.APIKey, CompleteJobRequest{})
	require.Equal(t, http.StatusOK, first.Code)

	second := h.do(http.MethodPost, "/api/jobs/"+job.JobID+"/complete", agent.APIKey, CompleteJobRequest{})
	require.Equal(t, http.StatusConflict, second.Code)
}

func TestUnauthenticatedAgentRequestRejected(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/api/jobs/available", "", JobsAvailableRequest{})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminSurfaceRequiresAdminKey(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/api/admin/jobs/create", "", JobSpecDTO{})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthReportsStoreAndPaymentBackend(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp["status"])
	require.Equal(t, "ok", resp["store"])
	require.Equal(t, "ok", resp["payment_backend"])
	require.NotEmpty(t, resp["now"])
}

func TestAdminStatsUsesDocumentedKeys(t *testing.T) {
	h := newHarness(t)
	w := h.doAdmin(http.MethodGet, "/api/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp, "agents")
	require.Contains(t, resp, "jobs_by_status")
	require.Contains(t, resp, "payments")
	require.Contains(t, resp, "load_balancer")
}

func TestFailJobReturnsFailedStatus(t *testing.T) {
	h := newHarness(t)
	agent := h.registerAgent()

	createW := h.doAdmin(http.MethodPost, "/api/admin/jobs/create", JobSpecDTO{
		JobType: "render", ImageRef: "img", Command: []string{"run"}, TimeoutSec: 30,
	})
	var job JobSpecDTO
	require.NoError(t, json.Unmarshal(createW.Body.Bytes(), &job))

	h.do(http.MethodPost, "/api/jobs/available", agent.APIKey, JobsAvailableRequest{})
	failW := h.do(http.MethodPost, "/api/jobs/"+job.JobID+"/fail", agent.APIKey, FailJobRequest{ErrorMessage: "boom"})
	require.Equal(t, http.StatusOK, failW.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(failW.Body.Bytes(), &resp))
	require.Equal(t, "failed", resp["status"])
}

func TestFailRoutesThroughRetryThenTerminal(t *testing.T) {
	h := newHarness(t)
	agent := h.registerAgent()

	createW := h.doAdmin(http.MethodPost, "/api/admin/jobs/create", JobSpecDTO{
		JobType: "render", ImageRef: "img", Command: []string{"run"}, TimeoutSec: 30,
	})
	var job JobSpecDTO
	require.NoError(t, json.Unmarshal(createW.Body.Bytes(), &job))

	// default max_retries is 3: the 4th assignment's failure exhausts
	// RequeueJob's retry budget and falls through to terminal FAILED.
	for i := 0; i < 4; i++ {
		h.do(http.MethodPost, "/api/jobs/available", agent.APIKey, JobsAvailableRequest{})
		stored, err := h.st.GetJob(context.Background(), job.JobID)
		require.NoError(t, err)
		require.Equal(t, store.JobAssigned, stored.Status)

		failW := h.do(http.MethodPost, "/api/jobs/"+job.JobID+"/fail", agent.APIKey, FailJobRequest{ErrorMessage: "boom"})
		require.Equal(t, http.StatusOK, failW.Code)
	}

	stored, err := h.st.GetJob(context.Background(), job.JobID)
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, stored.Status)
}
