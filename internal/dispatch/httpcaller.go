package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/integrationd/internal/agents"
	"github.com/fyrsmithlabs/integrationd/internal/breaker"
)

// agentRequest is the worker-agent wire request.
type agentRequest struct {
	TaskType string          `json:"taskType"`
	Payload  json.RawMessage `json:"payload"`
	Deadline time.Time       `json:"deadline"`
}

// agentResponse is the worker-agent wire response.
type agentResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// HTTPCaller invokes worker agents over HTTP. It also implements
// agents.Pinger for the health monitor.
type HTTPCaller struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPCaller creates an HTTP agent caller. Per-call deadlines come from
// the request context, so the client itself carries no timeout.
func NewHTTPCaller(logger *zap.Logger) *HTTPCaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPCaller{
		client: &http.Client{},
		logger: logger,
	}
}

// Call sends {taskType, payload, deadline} to the agent endpoint and decodes
// {status, result|error}. Transport errors and 5xx responses are retryable;
// 4xx responses, malformed responses, and agent-reported failures are fatal.
func (c *HTTPCaller) Call(ctx context.Context, agent agents.Descriptor, task Task) (json.RawMessage, error) {
	deadline, _ := ctx.Deadline()
	body, err := json.Marshal(agentRequest{
		TaskType: task.Type,
		Payload:  task.Payload,
		Deadline: deadline,
	})
	if err != nil {
		return nil, breaker.Fatal(fmt.Errorf("dispatch: encoding request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, breaker.Fatal(fmt.Errorf("dispatch: building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: calling agent %s: %w", agent.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("dispatch: agent %s returned %d", agent.ID, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, breaker.Fatal(fmt.Errorf("dispatch: agent %s rejected request with %d", agent.ID, resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("dispatch: reading response from agent %s: %w", agent.ID, err)
	}

	var ar agentResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return nil, breaker.Fatal(fmt.Errorf("dispatch: malformed response from agent %s: %w", agent.ID, err))
	}

	switch ar.Status {
	case "success":
		return ar.Result, nil
	case "failure":
		return nil, breaker.Fatal(fmt.Errorf("dispatch: agent %s reported failure: %s", agent.ID, ar.Error))
	default:
		return nil, breaker.Fatal(fmt.Errorf("dispatch: agent %s returned unknown status %q", agent.ID, ar.Status))
	}
}

// Ping checks agent liveness via the health endpoint.
func (c *HTTPCaller) Ping(ctx context.Context, agent agents.Descriptor) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agent.Endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("dispatch: building ping request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: pinging agent %s: %w", agent.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dispatch: agent %s health returned %d", agent.ID, resp.StatusCode)
	}
	return nil
}
