// Package agentruntime implements the poll/accept/execute/report loop an
// agent process runs against a broker (spec.md section 4.4): independent
// poll, heartbeat, and execution loops driven by one HTTP client.
package agentruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/squirtgunhero/marketplace-core/internal/broker"
)

// BrokerClient is the agent-side REST client for the broker's
// agent-facing surface (spec.md section 6).
type BrokerClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewBrokerClient builds a client against baseURL, authenticating with
// apiKey once registration has produced one (apiKey may be empty before
// Register).
func NewBrokerClient(baseURL, apiKey string, timeout time.Duration) *BrokerClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &BrokerClient{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

// SetAPIKey updates the key used for subsequent authenticated calls.
func (c *BrokerClient) SetAPIKey(key string) { c.apiKey = key }

func (c *BrokerClient) call(ctx context.Context, method, path string, body, out interface{}, authed bool) error {
	var reqBody bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = *bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: broker status %d", errTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: broker status %d", errPermanent, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *BrokerClient) Register(ctx context.Context, req broker.RegisterAgentRequest) (*broker.RegisterAgentResponse, error) {
	var out broker.RegisterAgentResponse
	if err := c.call(ctx, http.MethodPost, "/api/agents/register", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *BrokerClient) Heartbeat(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/agents/heartbeat", nil, nil, true)
}

func (c *BrokerClient) PollJobs(ctx context.Context, req broker.JobsAvailableRequest) (*broker.JobsAvailableResponse, error) {
	var out broker.JobsAvailableResponse
	if err := c.call(ctx, http.MethodPost, "/api/jobs/available", req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *BrokerClient) AcceptJob(ctx context.Context, jobID string, req broker.AcceptJobRequest) error {
	return c.call(ctx, http.MethodPost, "/api/jobs/"+jobID+"/accept", req, nil, true)
}

func (c *BrokerClient) CompleteJob(ctx context.Context, jobID string, req broker.CompleteJobRequest) error {
	return c.call(ctx, http.MethodPost, "/api/jobs/"+jobID+"/complete", req, nil, true)
}

func (c *BrokerClient) FailJob(ctx context.Context, jobID string, req broker.FailJobRequest) error {
	return c.call(ctx, http.MethodPost, "/api/jobs/"+jobID+"/fail", req, nil, true)
}
