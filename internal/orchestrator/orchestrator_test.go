package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tenzoki/agenmesh/internal/envelope"
	"github.com/tenzoki/agenmesh/internal/obslog"
	"github.com/tenzoki/agenmesh/internal/router"
	"github.com/tenzoki/agenmesh/internal/transport"
)

func testTransport(t *testing.T, agentID string, hub *transport.Hub) *transport.Transport {
	t.Helper()
	sl, err := obslog.New(t.TempDir(), true)
	if err != nil {
		t.Fatalf("obslog.New: %v", err)
	}
	t.Cleanup(func() { sl.Close() })
	tr := transport.New(transport.NewHubClient(hub), "", agentID, sl.With())
	if err := tr.Connect(context.Background(), nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return tr
}

type fixedDecisionRouter struct {
	decision *router.Decision
	err      error
}

func (f fixedDecisionRouter) Decide(ctx context.Context, original *envelope.Envelope, artifact json.RawMessage, reg *router.Registry) (*router.Decision, error) {
	return f.decision, f.err
}

// A v2 router completion publishes the artifact and forwards nothing.
func TestV2RouterCompletion(t *testing.T) {
	hub := transport.NewHub()
	tr := testTransport(t, "a", hub)
	watcher := testTransport(t, "watcher", hub)
	if err := watcher.SubscribeInput(context.Background(), "/conversations/conv-1/a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	orc := &Orchestrator{
		AgentID:       "a",
		V2Router:      fixedDecisionRouter{decision: &router.Decision{Complete: true, FinalOutput: json.RawMessage(`{"x":1}`), Reasoning: "done"}},
		Registry:      router.NewRegistry(0, nil),
		Transport:     tr,
		MaxIterations: 10,
	}

	env := &envelope.Envelope{
		TaskID: "t1", ConversationID: "conv-1", Topic: "/control/agents/a/input",
		Version: "2.0", Context: &envelope.Context{IterationCount: 2},
	}

	forwarded, err := orc.Dispatch(context.Background(), env, json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if forwarded {
		t.Fatalf("expected completion, not a forward")
	}

	select {
	case got := <-watcher.Incoming():
		_ = got // delivery confirms the publish landed on the conversation topic
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for conversation publish")
	}
}

// A v2 router forward bumps iteration_count and appends steps_completed.
func TestV2RouterForward(t *testing.T) {
	hub := transport.NewHub()
	tr := testTransport(t, "a", hub)
	watcher := testTransport(t, "watcher", hub)
	if err := watcher.SubscribeInput(context.Background(), "/control/agents/b/input"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	reg := router.NewRegistry(0, nil)
	reg.Update(router.AgentInfo{AgentID: "b", Status: "available"})

	fixedNow := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	orc := &Orchestrator{
		AgentID: "a",
		V2Router: fixedDecisionRouter{decision: &router.Decision{
			NextAgentID: "b", NextInstruction: "polish", Reasoning: "needs polish",
		}},
		Registry:      reg,
		Transport:     tr,
		MaxIterations: 10,
		Now:           func() time.Time { return fixedNow },
		NewTaskID:     func() string { return "minted-task-id" },
	}

	env := &envelope.Envelope{
		TaskID: "t1", ConversationID: "conv-1", Topic: "/control/agents/a/input",
		Version: "2.0", Context: &envelope.Context{OriginalQuery: "q", IterationCount: 2},
	}

	forwarded, err := orc.Dispatch(context.Background(), env, json.RawMessage(`{"artifact":true}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !forwarded {
		t.Fatalf("expected forward")
	}

	select {
	case fwd := <-watcher.Incoming():
		if fwd.Context == nil || fwd.Context.IterationCount != 3 {
			t.Errorf("expected iteration_count=3, got %+v", fwd.Context)
		}
		if len(fwd.Context.StepsCompleted) != 1 || fwd.Context.StepsCompleted[0].AgentID != "a" {
			t.Errorf("expected one steps_completed entry for agent a, got %+v", fwd.Context.StepsCompleted)
		}
		if fwd.Instruction == nil || *fwd.Instruction != "polish" {
			t.Errorf("expected instruction 'polish', got %v", fwd.Instruction)
		}
		if fwd.TaskID != "minted-task-id" {
			t.Errorf("expected a freshly minted v2 task_id, got %q", fwd.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forward")
	}
}

// A forward that would reach max_iterations is not a router failure: the
// orchestrator silently completes with the current artifact instead.
func TestV2RouterForwardAtIterationBoundForcesCompletion(t *testing.T) {
	hub := transport.NewHub()
	tr := testTransport(t, "a", hub)
	watcher := testTransport(t, "watcher", hub)
	if err := watcher.SubscribeInput(context.Background(), "/conversations/conv-1/a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	reg := router.NewRegistry(0, nil)
	reg.Update(router.AgentInfo{AgentID: "b", Status: "available"})

	orc := &Orchestrator{
		AgentID: "a",
		V2Router: fixedDecisionRouter{decision: &router.Decision{
			NextAgentID: "b", NextInstruction: "polish", Reasoning: "needs polish",
		}},
		Registry:      reg,
		Transport:     tr,
		MaxIterations: 10,
	}

	env := &envelope.Envelope{
		TaskID: "t1", ConversationID: "conv-1", Topic: "/control/agents/a/input",
		Version: "2.0", Context: &envelope.Context{OriginalQuery: "q", IterationCount: 9},
	}

	forwarded, err := orc.Dispatch(context.Background(), env, json.RawMessage(`{"artifact":true}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if forwarded {
		t.Fatalf("expected the orchestrator to force completion at the iteration bound, not forward")
	}

	select {
	case <-watcher.Incoming():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forced-completion conversation publish")
	}
}

// A router failure (workflow_complete=false without next_agent) surfaces
// as an orchestrator error.
func TestRouterFailureSurfacesAsError(t *testing.T) {
	hub := transport.NewHub()
	tr := testTransport(t, "a", hub)
	orc := &Orchestrator{
		AgentID:       "a",
		V2Router:      fixedDecisionRouter{err: &router.FailureError{Reason: "workflow_complete=false but next_agent is absent"}},
		Registry:      router.NewRegistry(0, nil),
		Transport:     tr,
		MaxIterations: 10,
	}
	env := &envelope.Envelope{TaskID: "t1", ConversationID: "c1", Version: "2.0", Context: &envelope.Context{}}
	_, err := orc.Dispatch(context.Background(), env, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected dispatch to fail")
	}
}
