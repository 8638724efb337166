package agent

import (
	"context"
	"testing"
	"time"

	"github.com/tenzoki/agenmesh/internal/envelope"
	"github.com/tenzoki/agenmesh/internal/obslog"
	"github.com/tenzoki/agenmesh/internal/reasoning"
	"github.com/tenzoki/agenmesh/internal/transport"
)

func testLogger(t *testing.T) *obslog.Logger {
	t.Helper()
	sl, err := obslog.New(t.TempDir(), true)
	if err != nil {
		t.Fatalf("obslog.New: %v", err)
	}
	t.Cleanup(func() { sl.Close() })
	return sl.With()
}

type stubLLM struct{}

func (stubLLM) Chat(ctx context.Context, messages []reasoning.Message, tools []reasoning.ToolDefinition) (*reasoning.Response, error) {
	return &reasoning.Response{Content: `{"ok":true}`, StopReason: "end_turn"}, nil
}
func (stubLLM) Model() string { return "stub-model" }
func (stubLLM) Provider() string { return "stub" }
func (stubLLM) Flavor() reasoning.Flavor { return reasoning.FlavorToolUse }

func TestNewRequiresHub(t *testing.T) {
	_, err := New(Options{AgentType: "generic", AgentID: "a1", LogDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error when Options.Hub is nil")
	}
}

func TestNewRejectsInvalidAgentID(t *testing.T) {
	_, err := New(Options{
		AgentType: "generic",
		AgentID:   "agent with spaces",
		LogDir:    t.TempDir(),
		Hub:       transport.NewHub(),
	})
	if err == nil {
		t.Fatal("expected error for a malformed agent id")
	}
}

func TestNewWiresDefaults(t *testing.T) {
	hub := transport.NewHub()
	a, err := New(Options{
		AgentType: "generic",
		AgentID:   "a1",
		LogDir:    t.TempDir(),
		Hub:       hub,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.opts.DrainTimeout != 10*time.Second {
		t.Errorf("expected default drain timeout, got %v", a.opts.DrainTimeout)
	}
	if a.Telemetry() == nil {
		t.Error("expected telemetry to be wired")
	}
}

func TestRunStartsAndStopsOnContextCancel(t *testing.T) {
	hub := transport.NewHub()
	a, err := New(Options{
		AgentType: "generic",
		AgentID:   "a2",
		LogDir:    t.TempDir(),
		Hub:       hub,
		LLM:       stubLLM{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return after cancellation")
	}
}

func TestSubscribeRegistryFeedsStatusUpdates(t *testing.T) {
	hub := transport.NewHub()

	agentA, err := New(Options{
		AgentType:       "generic",
		AgentID:         "agent-a",
		LogDir:          t.TempDir(),
		Hub:             hub,
		RouterMode:      RouterModeLLM,
		RegistryPattern: "/control/agents/+/status",
	})
	if err != nil {
		t.Fatalf("New agent-a: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- agentA.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	publisher := transport.New(transport.NewHubClient(hub), "", "agent-b", testLogger(t))
	if err := publisher.Connect(context.Background(), nil); err != nil {
		t.Fatalf("publisher connect: %v", err)
	}
	payload := envelope.NewStatusPayload("agent-b", envelope.StatusAvailable, time.Now())
	if err := publisher.PublishStatus(context.Background(), envelope.StatusTopic("agent-b"), payload); err != nil {
		t.Fatalf("publish status: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := agentA.registry.Lookup("agent-b"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for registry to observe agent-b")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
