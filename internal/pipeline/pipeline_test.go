package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tenzoki/agenmesh/internal/envelope"
	"github.com/tenzoki/agenmesh/internal/guard"
	"github.com/tenzoki/agenmesh/internal/obslog"
	"github.com/tenzoki/agenmesh/internal/orchestrator"
	"github.com/tenzoki/agenmesh/internal/router"
	"github.com/tenzoki/agenmesh/internal/telemetry"
	"github.com/tenzoki/agenmesh/internal/transport"
)

type echoReasoner struct {
	artifact json.RawMessage
	err      error
}

func (r echoReasoner) Reason(ctx context.Context, env *envelope.Envelope) (json.RawMessage, error) {
	return r.artifact, r.err
}

func testLogger(t *testing.T) *obslog.Logger {
	t.Helper()
	sl, err := obslog.New(t.TempDir(), true)
	if err != nil {
		t.Fatalf("obslog.New: %v", err)
	}
	t.Cleanup(func() { sl.Close() })
	return sl.With()
}

func newTestPipeline(t *testing.T, agentID string, reasoner Reasoner) (*Pipeline, *transport.Hub) {
	t.Helper()
	hub := transport.NewHub()
	tr := transport.New(transport.NewHubClient(hub), "", agentID, testLogger(t))
	if err := tr.Connect(context.Background(), nil); err != nil {
		t.Fatalf("connect: %v", err)
	}

	processed, err := guard.NewProcessedSet(10)
	if err != nil {
		t.Fatalf("NewProcessedSet: %v", err)
	}

	orc := &orchestrator.Orchestrator{
		AgentID:       agentID,
		StaticRouter:  router.StaticRouter{},
		Registry:      router.NewRegistry(0, nil),
		Transport:     tr,
		MaxIterations: 10,
	}

	p := &Pipeline{
		AgentID:      agentID,
		Processed:    processed,
		Depth:        guard.DepthGuard{MaxPipelineDepth: 16, MaxIterations: 10},
		Reasoner:     reasoner,
		Orchestrator: orc,
		Transport:    tr,
		Telemetry:    telemetry.New(),
		Log:          testLogger(t),
	}
	return p, hub
}

// A v1 static linear pipeline forwards to the next hop, preserving
// task_id and consuming one level of the continuation chain.
func TestStaticForwardPreservesTaskID(t *testing.T) {
	p, hub := newTestPipeline(t, "a", echoReasoner{artifact: json.RawMessage(`{"greeting":"hello world"}`)})

	watcher := transport.New(transport.NewHubClient(hub), "", "watcher", testLogger(t))
	if err := watcher.Connect(context.Background(), nil); err != nil {
		t.Fatalf("watcher connect: %v", err)
	}
	if err := watcher.SubscribeInput(context.Background(), "/control/agents/b/input"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	instr := "shout"
	env := envelope.Envelope{
		TaskID:         "11111111-1111-4111-8111-111111111111",
		ConversationID: "c1",
		Topic:          "/control/agents/a/input",
		Instruction:    strPtr("greet"),
		Input:          json.RawMessage(`{"name":"world"}`),
		Next:           &envelope.Continuation{Topic: "/control/agents/b/input", Instruction: &instr},
	}

	out := p.Process(context.Background(), env)
	if out.Disposition != "forwarded" {
		t.Fatalf("expected forwarded, got %+v", out)
	}

	select {
	case fwd := <-watcher.Incoming():
		if fwd.TaskID != env.TaskID || fwd.ConversationID != "c1" {
			t.Errorf("expected task_id/conversation_id preserved, got %+v", fwd)
		}
		if fwd.Instruction == nil || *fwd.Instruction != "shout" {
			t.Errorf("expected instruction 'shout', got %v", fwd.Instruction)
		}
		if fwd.Next != nil {
			t.Errorf("expected next=null after single-hop chain consumed, got %+v", fwd.Next)
		}
		if string(fwd.Input) != `{"greeting":"hello world"}` {
			t.Errorf("expected artifact as input, got %s", fwd.Input)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forward")
	}
}

// A duplicate delivery of the same task_id produces exactly one forward
// in total.
func TestDuplicateDeliveryIsNoop(t *testing.T) {
	p, hub := newTestPipeline(t, "a", echoReasoner{artifact: json.RawMessage(`{}`)})
	watcher := transport.New(transport.NewHubClient(hub), "", "watcher", testLogger(t))
	watcher.Connect(context.Background(), nil)
	watcher.SubscribeInput(context.Background(), "/control/agents/b/input")

	env := envelope.Envelope{
		TaskID: "dup-1", ConversationID: "c1", Topic: "/control/agents/a/input",
		Next: &envelope.Continuation{Topic: "/control/agents/b/input"},
	}

	first := p.Process(context.Background(), env)
	second := p.Process(context.Background(), env)

	if first.Disposition != "forwarded" {
		t.Fatalf("expected first delivery forwarded, got %+v", first)
	}
	if second.Disposition != "discarded" || second.Reason != "duplicate" {
		t.Fatalf("expected second delivery discarded as duplicate, got %+v", second)
	}

	count := 0
	timeout := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case <-watcher.Incoming():
			count++
		case <-timeout:
			break drain
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one forward total, got %d", count)
	}
}

// A topic mismatch produces no publishes.
func TestTopicMismatchDiscardsSilently(t *testing.T) {
	p, _ := newTestPipeline(t, "a", echoReasoner{artifact: json.RawMessage(`{}`)})
	env := envelope.Envelope{
		TaskID: "t1", ConversationID: "c1", Topic: "/control/agents/z/input",
		Next: &envelope.Continuation{Topic: "/control/agents/b/input"},
	}
	out := p.Process(context.Background(), env)
	if out.Disposition != "discarded" || out.Reason != "topic_mismatch" {
		t.Fatalf("expected topic_mismatch discard, got %+v", out)
	}
}

// A depth-17 chain with max_pipeline_depth=16 errors.
func TestDepthExceeded(t *testing.T) {
	p, hub := newTestPipeline(t, "a", echoReasoner{artifact: json.RawMessage(`{}`)})
	watcher := transport.New(transport.NewHubClient(hub), "", "watcher", testLogger(t))
	watcher.Connect(context.Background(), nil)
	watcher.SubscribeInput(context.Background(), "/conversations/c1/a")

	var head *envelope.Continuation
	for i := 0; i < 17; i++ {
		head = &envelope.Continuation{Topic: "/control/agents/b/input", Next: head}
	}
	env := envelope.Envelope{TaskID: "t1", ConversationID: "c1", Topic: "/control/agents/a/input", Next: head}

	out := p.Process(context.Background(), env)
	if out.Disposition != "errored" || out.Reason != string(envelope.ErrPipelineDepthExceeded) {
		t.Fatalf("expected pipeline_depth_exceeded, got %+v", out)
	}
}

// Retained deliveries never produce an outbound message.
func TestRetainedDeliveryDiscardedSilently(t *testing.T) {
	p, _ := newTestPipeline(t, "a", echoReasoner{artifact: json.RawMessage(`{}`)})
	env := envelope.Envelope{
		TaskID: "t1", ConversationID: "c1", Topic: "/control/agents/a/input",
		RetainedDelivery: true,
	}
	out := p.Process(context.Background(), env)
	if out.Disposition != "discarded" || out.Reason != "retained" {
		t.Fatalf("expected retained discard, got %+v", out)
	}
}

func strPtr(s string) *string { return &s }
