package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/tenzoki/agenmesh/internal/envelope"
	"github.com/tenzoki/agenmesh/internal/obslog"
)

// Transport is the core's one broker session: connect-with-will, subscribe
// to the canonical topics, publish status/task/error/conversation envelopes,
// and a single incoming-message stream, all behind the connection state
// machine below. It owns reconnection with exponential backoff;
// callers never see raw BrokerClient calls.
type Transport struct {
	client   BrokerClient
	addr     string
	agentID  string
	log      *obslog.Logger
	incoming chan envelope.Envelope

	mu    sync.Mutex
	state ConnState

	onReconnected func()
}

// New creates a Transport bound to client (not yet connected).
func New(client BrokerClient, addr, agentID string, log *obslog.Logger) *Transport {
	return &Transport{
		client:   client,
		addr:     addr,
		agentID:  agentID,
		log:      log,
		incoming: make(chan envelope.Envelope, 256),
		state:    Disconnected,
	}
}

func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s ConnState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// OnReconnected registers a callback invoked after a successful reconnect,
// so the caller can re-subscribe the canonical topics (the hub/broker does
// not remember subscriptions across a dropped session).
func (t *Transport) OnReconnected(fn func()) {
	t.onReconnected = fn
}

// Connect opens the session with will registered as the agent's
// last-will: the broker publishes this retained payload if the session
// drops without a clean shutdown.
func (t *Transport) Connect(ctx context.Context, will *Will) error {
	t.setState(Connecting)
	if err := t.client.Connect(ctx, t.addr, will); err != nil {
		t.setState(Disconnected)
		return &TransportError{Op: "connect", Err: err}
	}
	t.setState(Connected)
	return nil
}

// Reconnect retries Connect with exponential backoff until ctx is
// cancelled or maxElapsed passes, at which point the transport moves to
// PermanentlyFailed. On success it calls the onReconnected callback so
// the caller can restore subscriptions.
func (t *Transport) Reconnect(ctx context.Context, will *Will, maxElapsed time.Duration) error {
	t.setState(Reconnecting)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	operation := func() (struct{}, error) {
		err := t.client.Connect(ctx, t.addr, will)
		if err != nil {
			t.log.Debug("reconnect attempt failed", zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
	if err != nil {
		t.setState(PermanentlyFailed)
		return &TransportError{Op: "reconnect", Err: err}
	}

	t.setState(Connected)
	if t.onReconnected != nil {
		t.onReconnected()
	}
	return nil
}

// SubscribeInput subscribes the agent's canonical input topic and pumps
// deliveries into the shared Incoming channel, discarding malformed
// payloads: a malformed envelope is logged and dropped, never crashes
// the agent.
func (t *Transport) SubscribeInput(ctx context.Context, topic string) error {
	return t.subscribeEnvelopes(ctx, topic)
}

// SubscribePattern subscribes a wildcard topic (e.g. the registry status
// pattern for v2 routers) and pumps deliveries the same way.
func (t *Transport) SubscribePattern(ctx context.Context, pattern string) error {
	return t.subscribeEnvelopes(ctx, pattern)
}

// SubscribeRaw subscribes pattern and returns its deliveries as raw
// Messages rather than decoded Envelopes, for topics that don't carry the
// task envelope shape (status payloads consumed by the agent registry).
func (t *Transport) SubscribeRaw(ctx context.Context, pattern string) (<-chan Message, error) {
	ch, err := t.client.Subscribe(ctx, pattern)
	if err != nil {
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	return ch, nil
}

func (t *Transport) subscribeEnvelopes(ctx context.Context, topic string) error {
	ch, err := t.client.Subscribe(ctx, topic)
	if err != nil {
		return &TransportError{Op: "subscribe", Err: err}
	}
	go func() {
		for msg := range ch {
			env, err := envelope.ParseJSON(msg.Payload)
			if err != nil {
				t.log.Debug("dropping malformed envelope", zap.String("topic", msg.Topic), zap.Error(err))
				continue
			}
			env.RetainedDelivery = msg.Retained
			select {
			case t.incoming <- *env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Incoming is the single stream of parsed, validated-as-JSON envelopes
// delivered off every subscribed topic.
func (t *Transport) Incoming() <-chan envelope.Envelope {
	return t.incoming
}

// PublishStatus publishes the retained status payload on the agent's
// status topic. This is the payload shape itself, not an Envelope -- a
// status message carries no task_id or topic field.
func (t *Transport) PublishStatus(ctx context.Context, topic string, payload envelope.StatusPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal status: %w", err)
	}
	return t.publishBytes(ctx, topic, data, true)
}

// PublishTask forwards a task envelope to the next agent's input topic.
func (t *Transport) PublishTask(ctx context.Context, topic string, env *envelope.Envelope) error {
	data, err := env.ToJSON()
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	return t.publishBytes(ctx, topic, data, false)
}

// PublishConversation publishes a final artifact (any JSON value) to a
// conversation topic, non-retained.
func (t *Transport) PublishConversation(ctx context.Context, topic string, artifact json.RawMessage) error {
	return t.publishBytes(ctx, topic, artifact, false)
}

// PublishError publishes the closed-taxonomy error payload, never retained.
func (t *Transport) PublishError(ctx context.Context, topic string, payload envelope.ErrorPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal error payload: %w", err)
	}
	return t.publishBytes(ctx, topic, data, false)
}

func (t *Transport) publishBytes(ctx context.Context, topic string, data []byte, retain bool) error {
	if t.State() != Connected {
		return &TransportError{Op: "publish", Err: fmt.Errorf("not connected (state=%s)", t.State())}
	}
	if err := t.client.Publish(ctx, topic, data, QoSAtLeastOnce, retain); err != nil {
		return &TransportError{Op: "publish", Err: err}
	}
	return nil
}

// Shutdown closes the session cleanly: a clean shutdown must not trigger
// the last-will publish.
func (t *Transport) Shutdown() error {
	t.setState(Disconnected)
	close(t.incoming)
	return t.client.Close()
}
