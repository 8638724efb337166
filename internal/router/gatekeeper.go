package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tenzoki/agenmesh/internal/envelope"
)

// gatekeeperRequest is the payload sent to the external routing service.
type gatekeeperRequest struct {
	OriginalQuery   string          `json:"original_query"`
	WorkflowHistory []historyEntry  `json:"workflow_history"`
	CurrentOutput   json.RawMessage `json:"current_output"`
	AvailableAgents []AgentInfo     `json:"available_agents"`
	IterationCount  uint32          `json:"iteration_count"`
}

type historyEntry struct {
	AgentID string `json:"agent_id"`
	Action  string `json:"action"`
}

// GatekeeperRouter calls an external HTTP service for the routing
// decision: per-call timeout, exponential-backoff retry with a finite
// attempt budget, 4xx (except 429) fatal and not retried, 2xx-but-malformed
// and exhausted 5xx/timeout are router failures.
type GatekeeperRouter struct {
	Endpoint    string
	HTTPClient  *http.Client
	CallTimeout time.Duration
	MaxElapsed  time.Duration
}

func (g GatekeeperRouter) Decide(ctx context.Context, original *envelope.Envelope, artifact json.RawMessage, reg *Registry) (*Decision, error) {
	req := gatekeeperRequest{
		CurrentOutput:   artifact,
		AvailableAgents: reg.Available(),
	}
	if original.Context != nil {
		req.OriginalQuery = original.Context.OriginalQuery
		req.IterationCount = original.Context.IterationCount
		for _, step := range original.Context.StepsCompleted {
			req.WorkflowHistory = append(req.WorkflowHistory, historyEntry{AgentID: step.AgentID, Action: step.Action})
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("router: marshal gatekeeper request: %w", err)
	}

	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	callTimeout := g.CallTimeout
	if callTimeout == 0 {
		callTimeout = 5 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	maxElapsed := g.MaxElapsed
	if maxElapsed == 0 {
		maxElapsed = 10 * time.Second
	}

	operation := func() (*routingDecisionOutput, error) {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, g.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("router: build gatekeeper request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("router: gatekeeper call: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("router: read gatekeeper response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("router: gatekeeper returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return nil, backoff.Permanent(&FailureError{Reason: fmt.Sprintf("gatekeeper returned fatal status %d", resp.StatusCode)})
		}

		decoded, err := decodeDecision(respBody)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return decoded, nil
	}

	decoded, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
	if err != nil {
		var fe *FailureError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, &FailureError{Reason: fmt.Sprintf("gatekeeper call exhausted retries: %v", err)}
	}

	if decoded.WorkflowComplete {
		return &Decision{Complete: true, FinalOutput: artifact, Reasoning: decoded.Reasoning}, nil
	}
	return &Decision{
		NextAgentID:     *decoded.NextAgent,
		NextInstruction: *decoded.NextInstruction,
		ForwardedData:   artifact,
		Reasoning:       decoded.Reasoning,
	}, nil
}
