// Package lifecycle implements the agent process state machine and its
// strict startup/shutdown ordering: Uninitialized -> Initializing ->
// Running -> Stopping -> Stopped, with a terminal Errored(reason)
// reachable from any non-terminal state. Runner.Startup walks a fixed,
// ordered sequence (transport connect, subscribe, tool/LLM init, probe,
// publish available, dispatch loop); Runner.Shutdown unwinds it with a
// bounded drain.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tenzoki/agenmesh/internal/envelope"
	"github.com/tenzoki/agenmesh/internal/obslog"
	"github.com/tenzoki/agenmesh/internal/pipeline"
	"github.com/tenzoki/agenmesh/internal/transport"
)

// State is one node of the lifecycle state machine.
type State int

const (
	Uninitialized State = iota
	Initializing
	Running
	Stopping
	Stopped
	Errored
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Manager tracks the agent's current lifecycle state and enforces legal
// transitions: the happy path only moves forward one step at a time;
// Errored is reachable from any non-terminal state.
type Manager struct {
	mu     sync.Mutex
	state  State
	reason error
	log    *obslog.Logger
}

func NewManager(log *obslog.Logger) *Manager {
	return &Manager{state: Uninitialized, log: log}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the next forward state. Stopped and Errored are
// terminal: no further transitions are accepted once reached.
func (m *Manager) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Stopped || m.state == Errored {
		return fmt.Errorf("lifecycle: cannot leave terminal state %s", m.state)
	}
	if to != m.state+1 && to != Errored {
		return fmt.Errorf("lifecycle: illegal transition %s -> %s", m.state, to)
	}
	m.state = to
	m.log.Info("lifecycle transition", zap.String("state", to.String()))
	return nil
}

// Fail forces a transition to Errored from any non-terminal state,
// recording reason for diagnostics.
func (m *Manager) Fail(reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Stopped || m.state == Errored {
		return
	}
	m.state = Errored
	m.reason = reason
	m.log.Error("lifecycle entered error state", zap.Error(reason))
}

// Reason returns the error that forced Errored, if any.
func (m *Manager) Reason() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// ProbeFunc is a cheap reachability check for the LLM backend. It should
// not perform a full chat completion.
type ProbeFunc func(ctx context.Context) error

// Runner drives one agent process through its full lifecycle: connect,
// subscribe, initialize collaborators, probe, announce availability, run
// the dispatch loop, then drain and announce unavailability on shutdown.
type Runner struct {
	AgentID   string
	Transport *transport.Transport
	Pipeline  *pipeline.Pipeline
	Manager   *Manager
	Log       *obslog.Logger

	// RegistrySubscriber is non-nil only for a v2-capable agent: it
	// subscribes the status wildcard pattern and feeds the router
	// registry. Nil for a v1-only agent.
	RegistrySubscriber func(ctx context.Context) error

	// ToolInit registers every tool the reasoning loop may dispatch to,
	// compiling its schema.
	ToolInit func() error

	// LLMProbe is the cheap reachability check run before announcing
	// availability.
	LLMProbe ProbeFunc

	// DrainTimeout bounds how long Shutdown waits for in-flight tasks
	// before abandoning them.
	DrainTimeout time.Duration

	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc
	inFlight       sync.WaitGroup
}

// Startup runs the agent's seven setup steps in strict order, then
// launches the dispatch loop in the background and returns. A failure in
// any step transitions the agent to Errored without publishing
// "available"; the
// transport's last-will still guarantees "unavailable" is seen by peers
// on an abnormal exit.
func (r *Runner) Startup(ctx context.Context) error {
	// Step 1: validate configuration before touching the broker.
	if err := envelope.ValidateAgentID(r.AgentID); err != nil {
		r.Manager.Fail(err)
		return err
	}
	if r.DrainTimeout <= 0 {
		err := fmt.Errorf("lifecycle: drain timeout must be positive, got %v", r.DrainTimeout)
		r.Manager.Fail(err)
		return err
	}

	if err := r.Manager.Transition(Initializing); err != nil {
		return err
	}

	willPayload, err := jsonMarshalStatus(r.AgentID, envelope.StatusUnavailable)
	if err != nil {
		r.Manager.Fail(err)
		return err
	}
	statusTopic := envelope.StatusTopic(r.AgentID)

	// Step 2: open the transport session with the last-will pre-registered.
	if err := r.Transport.Connect(ctx, &transport.Will{Topic: statusTopic, Payload: willPayload, QoS: transport.QoSAtLeastOnce, Retain: true}); err != nil {
		r.Manager.Fail(err)
		return err
	}

	// Step 3: subscribe the input topic, waiting for the broker ack
	// (HubClient.Subscribe/network equivalents block until acked).
	if err := r.Transport.SubscribeInput(ctx, envelope.InputTopic(r.AgentID)); err != nil {
		r.Manager.Fail(err)
		return err
	}

	// Step 4 (v2 only): subscribe the registry status pattern.
	if r.RegistrySubscriber != nil {
		if err := r.RegistrySubscriber(ctx); err != nil {
			r.Manager.Fail(err)
			return err
		}
	}

	// Step 5: initialize the tool executor and LLM client.
	if r.ToolInit != nil {
		if err := r.ToolInit(); err != nil {
			r.Manager.Fail(err)
			return err
		}
	}

	// Step 6: verify LLM reachability with a cheap probe.
	if r.LLMProbe != nil {
		if err := r.LLMProbe(ctx); err != nil {
			r.Manager.Fail(fmt.Errorf("lifecycle: llm reachability probe failed: %w", err))
			return err
		}
	}

	// Step 7: only now publish retained "available".
	availPayload := envelope.NewStatusPayload(r.AgentID, envelope.StatusAvailable, time.Now())
	if err := r.Transport.PublishStatus(ctx, statusTopic, availPayload); err != nil {
		r.Manager.Fail(err)
		return err
	}

	if err := r.Manager.Transition(Running); err != nil {
		r.Manager.Fail(err)
		return err
	}

	// Step 8: enter the main dispatch loop.
	r.dispatchCtx, r.cancelDispatch = context.WithCancel(context.Background())
	go r.dispatchLoop()

	r.Log.Info("agent running", zap.String("agent_id", r.AgentID))
	return nil
}

// dispatchLoop is the single logical dispatcher: it consumes
// transport.Incoming() and processes each envelope concurrently with its
// siblings via its own goroutine, since nothing in the nine-step
// algorithm requires serializing across tasks -- only within one task's
// own nine steps (enforced by Pipeline.Process running start-to-finish
// before returning).
func (r *Runner) dispatchLoop() {
	for {
		select {
		case <-r.dispatchCtx.Done():
			return
		case env, ok := <-r.Transport.Incoming():
			if !ok {
				return
			}
			r.inFlight.Add(1)
			go func() {
				defer r.inFlight.Done()
				// Cancelling dispatchCtx stops intake only; a task already
				// taken keeps running so Shutdown can drain it.
				r.Pipeline.Process(context.WithoutCancel(r.dispatchCtx), env)
			}()
		}
	}
}

// Shutdown runs the agent's graceful shutdown: stop accepting new
// envelopes, drain in-flight work up to DrainTimeout, publish retained
// "unavailable", then close the transport cleanly (suppressing the
// last-will).
func (r *Runner) Shutdown(ctx context.Context) error {
	if err := r.Manager.Transition(Stopping); err != nil {
		return err
	}

	// Step 1: stop pulling new envelopes off the incoming stream.
	if r.cancelDispatch != nil {
		r.cancelDispatch()
	}

	// Step 2: allow in-flight tasks to finish up to the drain timeout,
	// then abandon them (they were never inserted into the processed
	// set, so a replacement process may legitimately reprocess them).
	drained := make(chan struct{})
	go func() {
		r.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(r.DrainTimeout):
		r.Log.Info("drain timeout elapsed, abandoning in-flight tasks")
	}

	// Step 3: publish retained "unavailable" explicitly (the last-will
	// would also deliver this, but only on an ungraceful disconnect).
	statusTopic := envelope.StatusTopic(r.AgentID)
	payload := envelope.NewStatusPayload(r.AgentID, envelope.StatusUnavailable, time.Now())
	if err := r.Transport.PublishStatus(ctx, statusTopic, payload); err != nil {
		r.Log.Error("failed to publish unavailable status during shutdown", zap.Error(err))
	}

	// Step 4: close the transport cleanly.
	if err := r.Transport.Shutdown(); err != nil {
		r.Manager.Fail(err)
		return err
	}

	return r.Manager.Transition(Stopped)
}

func jsonMarshalStatus(agentID, status string) ([]byte, error) {
	payload := envelope.NewStatusPayload(agentID, status, time.Now())
	return json.Marshal(payload)
}
