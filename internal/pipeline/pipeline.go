// Package pipeline implements the nine-step per-envelope algorithm: from
// receipt through idempotency, depth, parsing, reasoning, and routing, to
// the final telemetry-emitting completion. Steps execute in strict order
// for one envelope; there is no interleaving across steps of the same
// task, enforced simply by running Process to completion before the
// caller starts the next one for that task -- the dispatcher
// (internal/lifecycle) is what supplies cross-task concurrency.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tenzoki/agenmesh/internal/envelope"
	"github.com/tenzoki/agenmesh/internal/guard"
	"github.com/tenzoki/agenmesh/internal/obslog"
	"github.com/tenzoki/agenmesh/internal/orchestrator"
	"github.com/tenzoki/agenmesh/internal/reasoning"
	"github.com/tenzoki/agenmesh/internal/telemetry"
	"github.com/tenzoki/agenmesh/internal/transport"
)

// Reasoner is step 7's collaborator: given a validated envelope, produce a
// structured artifact or a classified failure. Defined here (the
// consumer) rather than in internal/reasoning, since only the pipeline
// needs to know how a reasoning failure maps onto the closed error-code
// taxonomy.
type Reasoner interface {
	Reason(ctx context.Context, env *envelope.Envelope) (json.RawMessage, error)
}

// Outcome describes how Process disposed of one envelope, for callers
// that want to log or test beyond the side effects already performed.
type Outcome struct {
	Disposition string // "discarded", "errored", "completed", "forwarded"
	Reason      string // discard reason or error code
}

// Pipeline wires the guard, reasoner and orchestrator for one agent.
type Pipeline struct {
	AgentID      string
	Processed    *guard.ProcessedSet
	Depth        guard.DepthGuard
	Reasoner     Reasoner
	Orchestrator *orchestrator.Orchestrator
	Transport    *transport.Transport
	Telemetry    *telemetry.Telemetry
	Log          *obslog.Logger
}

// Process runs the nine-step algorithm for one delivered envelope. The
// agent's own input topic is used as the "received topic" for step 3's
// comparison: Transport.SubscribeInput only ever subscribes that one
// canonical topic (never a wildcard), so the topic an envelope arrived on
// is always exactly envelope.InputTopic(p.AgentID).
func (p *Pipeline) Process(ctx context.Context, env envelope.Envelope) Outcome {
	p.Telemetry.TasksReceived.WithLabelValues(p.AgentID).Inc()

	// Step 2: reject retained deliveries outright.
	if env.RetainedDelivery {
		p.discard("retained", &env)
		return Outcome{Disposition: "discarded", Reason: "retained"}
	}

	// Step 3: topic match.
	receivedTopic := envelope.InputTopic(p.AgentID)
	if envelope.Canonicalize(env.Topic) != receivedTopic {
		p.discard("topic_mismatch", &env)
		return Outcome{Disposition: "discarded", Reason: "topic_mismatch"}
	}

	// Step 4: idempotency -- check only, insertion deferred to step 9.
	if p.Processed.Contains(env.TaskID) {
		p.discard("duplicate", &env)
		return Outcome{Disposition: "discarded", Reason: "duplicate"}
	}

	// Step 5: depth / iteration bound.
	if p.Depth.Exceeded(&env) {
		p.publishError(ctx, &env, envelope.ErrPipelineDepthExceeded,
			"pipeline depth or iteration bound exceeded")
		return Outcome{Disposition: "errored", Reason: string(envelope.ErrPipelineDepthExceeded)}
	}

	// Step 6: structural/semantic validation.
	if err := p.validate(&env); err != nil {
		p.publishError(ctx, &env, envelope.ErrInvalidInput, err.Error())
		return Outcome{Disposition: "errored", Reason: string(envelope.ErrInvalidInput)}
	}

	// Step 7: reason.
	p.Telemetry.ReasoningCalls.Inc()
	artifact, err := p.Reasoner.Reason(ctx, &env)
	if err != nil {
		code := envelope.ErrLLMError
		var timeout *reasoning.ToolTimeoutError
		if errors.As(err, &timeout) {
			code = envelope.ErrToolExecutionFailed
		}
		p.publishError(ctx, &env, code, err.Error())
		return Outcome{Disposition: "errored", Reason: string(code)}
	}

	// Step 8: route.
	forwarded, err := p.Orchestrator.Dispatch(ctx, &env, artifact)
	if err != nil {
		p.publishError(ctx, &env, envelope.ErrInternal, err.Error())
		return Outcome{Disposition: "errored", Reason: string(envelope.ErrInternal)}
	}

	// Step 9: complete.
	p.Processed.Insert(env.TaskID)
	p.Telemetry.TasksCompleted.Inc()
	if forwarded {
		p.Telemetry.TasksForwarded.Inc()
		return Outcome{Disposition: "forwarded"}
	}
	return Outcome{Disposition: "completed"}
}

func (p *Pipeline) discard(reason string, env *envelope.Envelope) {
	p.Telemetry.TasksDiscarded.WithLabelValues(reason).Inc()
	p.Log.Debug("discarding envelope", zap.String("task_id", env.TaskID), zap.String("reason", reason))
}

func (p *Pipeline) validate(env *envelope.Envelope) error {
	if err := envelope.ValidateAgentID(p.AgentID); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if env.Next != nil {
		if err := validateContinuationTopics(env.Next); err != nil {
			return err
		}
	}
	return nil
}

func validateContinuationTopics(c *envelope.Continuation) error {
	if c.Topic == "" {
		return fmt.Errorf("continuation topic is required")
	}
	if envelope.Canonicalize(c.Topic) != c.Topic {
		return fmt.Errorf("continuation topic %q is not in canonical form", c.Topic)
	}
	if c.Next != nil {
		return validateContinuationTopics(c.Next)
	}
	return nil
}

func (p *Pipeline) publishError(ctx context.Context, env *envelope.Envelope, code envelope.ErrorCode, message string) {
	p.Telemetry.ErroredCode(code)
	p.Log.Error("publishing pipeline error",
		zap.String("task_id", env.TaskID), zap.String("code", string(code)), zap.String("message", message))

	topic := envelope.ConversationTopic(env.ConversationID, p.AgentID)
	payload := envelope.NewErrorPayload(env.TaskID, code, message)
	if err := p.Transport.PublishError(ctx, topic, payload); err != nil {
		p.Log.Error("failed to publish error payload", zap.Error(err))
	}
}
