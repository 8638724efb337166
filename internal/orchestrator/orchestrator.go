// Package orchestrator implements step 8 of the pipeline: given the
// artifact step 7 produced, ask the configured router whether the
// workflow is complete or which agent is next, then publish the final
// artifact or forward a new envelope accordingly.
//
// The v1/v2 task_id split: v1 preserves task_id across the whole "next"
// chain (a shared id lets downstream agents correlate and de-duplicate
// one logical task); v2 mints a fresh task_id per hop, since v2's own
// iteration_count is what bounds the workflow and each hop is
// independently idempotent. The version is read from the received
// envelope's own IsV2() (its Version field, which nothing here modifies),
// so every check made for one envelope sees the same answer.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tenzoki/agenmesh/internal/envelope"
	"github.com/tenzoki/agenmesh/internal/router"
	"github.com/tenzoki/agenmesh/internal/transport"
)

// Orchestrator dispatches one task's artifact via the configured router.
type Orchestrator struct {
	AgentID       string
	StaticRouter  router.Router // always router.StaticRouter{} for v1; kept configurable for tests
	V2Router      router.Router // router.LLMRouter or router.GatekeeperRouter, selected at startup
	Registry      *router.Registry
	Transport     *transport.Transport
	MaxIterations uint32

	// NewTaskID mints a fresh id for each v2 forward. Defaults to
	// uuid.NewString; overridable for deterministic tests.
	NewTaskID func() string

	// Now is injected so forwarded timestamps are testable without real
	// wall-clock reads.
	Now func() time.Time
}

// Dispatch runs step 8 for one task: route, then forward or publish.
// Returns whether the outcome was a forward (true) or a completion
// (false), for the pipeline's telemetry.
func (o *Orchestrator) Dispatch(ctx context.Context, original *envelope.Envelope, artifact json.RawMessage) (bool, error) {
	rtr := o.StaticRouter
	if original.IsV2() {
		rtr = o.V2Router
	}
	if rtr == nil {
		return false, fmt.Errorf("orchestrator: no router configured for this envelope version")
	}

	decision, err := rtr.Decide(ctx, original, artifact, o.Registry)
	if err != nil {
		return false, fmt.Errorf("orchestrator: router failed: %w", err)
	}

	iterationCount := original.IterationCount()
	decision = router.ForceCompleteAtIterationBound(decision, original.IsV2(), iterationCount, o.MaxIterations, artifact)
	if err := router.EnforceSafety(decision, o.Registry, original.IsV2()); err != nil {
		return false, fmt.Errorf("orchestrator: %w", err)
	}

	if decision.Complete {
		topic := envelope.ConversationTopic(original.ConversationID, o.AgentID)
		if err := o.Transport.PublishConversation(ctx, topic, decision.FinalOutput); err != nil {
			return false, fmt.Errorf("orchestrator: publish conversation: %w", err)
		}
		return false, nil
	}

	next, targetTopic := o.buildForward(original, decision)
	if err := o.Transport.PublishTask(ctx, targetTopic, next); err != nil {
		return false, fmt.Errorf("orchestrator: publish forward: %w", err)
	}
	return true, nil
}

func (o *Orchestrator) buildForward(original *envelope.Envelope, decision *router.Decision) (*envelope.Envelope, string) {
	now := o.now()

	// v1's StaticRouter carries the target as a full topic in
	// NextAgentID (it forwards by topic, not by registry agent id); v2's
	// routers carry a bare agent id that must be turned into its
	// canonical input topic.
	targetTopic := decision.NextAgentID
	if original.IsV2() {
		targetTopic = envelope.InputTopic(decision.NextAgentID)
	}

	taskID := original.TaskID
	if original.IsV2() {
		taskID = o.mintTaskID()
	}

	var instruction *string
	if decision.NextInstruction != "" {
		instr := decision.NextInstruction
		instruction = &instr
	}

	next := &envelope.Envelope{
		TaskID:         taskID,
		ConversationID: original.ConversationID,
		Topic:          envelope.Canonicalize(targetTopic),
		Instruction:    instruction,
		Input:          decision.ForwardedData,
		TraceID:        original.TraceID,
	}

	if !original.IsV2() {
		// The chain advances one hop: the forwarded envelope's own
		// "next" is the consumed continuation's nested next, not the
		// one we just acted on -- next becomes null once a single-hop
		// chain's one continuation is consumed.
		if original.Next != nil {
			next.Next = original.Next.Next
		}
		return next, next.Topic
	}

	next.Version = "2.0"
	ctxCopy := envelope.Context{IterationCount: 0}
	if original.Context != nil {
		ctxCopy = *original.Context
	}
	ctxCopy.IterationCount++
	ctxCopy.StepsCompleted = append(append([]envelope.Step{}, ctxCopy.StepsCompleted...), envelope.Step{
		AgentID:   o.AgentID,
		Action:    actionSummary(decision),
		Timestamp: now,
	})
	next.Context = &ctxCopy

	if len(original.RoutingTrace) > 0 || decision.Reasoning != "" {
		next.RoutingTrace = append(append([]envelope.RoutingTraceEntry{}, original.RoutingTrace...), envelope.RoutingTraceEntry{
			AgentID:   o.AgentID,
			Reasoning: decision.Reasoning,
			Timestamp: now,
		})
	}

	return next, next.Topic
}

func actionSummary(decision *router.Decision) string {
	if decision.Reasoning != "" {
		return decision.Reasoning
	}
	return "forwarded to next hop"
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) mintTaskID() string {
	if o.NewTaskID != nil {
		return o.NewTaskID()
	}
	return uuid.NewString()
}
