package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tenzoki/agenmesh/internal/envelope"
)

// Decision is the router's output: exactly one of Complete or Forward is
// populated.
type Decision struct {
	Complete bool

	FinalOutput json.RawMessage // set when Complete

	NextAgentID     string          // set when !Complete
	NextInstruction string          // set when !Complete
	ForwardedData   json.RawMessage // set when !Complete
	Reasoning       string
}

// Router is the shared contract both v1 and v2 backends implement.
type Router interface {
	Decide(ctx context.Context, original *envelope.Envelope, artifact json.RawMessage, reg *Registry) (*Decision, error)
}

// FailureError marks a router failure that must surface as an
// internal_error, distinguished from a context cancellation.
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("router: %s", e.Reason)
}

// StaticRouter implements the v1 behavior: forward to envelope.Next if
// present, otherwise complete. It is purely mechanical and never consults
// the registry.
type StaticRouter struct{}

func (StaticRouter) Decide(ctx context.Context, original *envelope.Envelope, artifact json.RawMessage, reg *Registry) (*Decision, error) {
	if original.Next == nil {
		return &Decision{Complete: true, FinalOutput: artifact}, nil
	}
	return &Decision{
		NextAgentID:     original.Next.Topic,
		NextInstruction: derefOrEmpty(original.Next.Instruction),
		ForwardedData:   artifact,
	}, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// EnforceSafety applies the cross-backend invariants that hold regardless
// of which Router produced the decision: a Forward must name a non-empty,
// well-formed agent id present (non-stale) in the registry. v1's StaticRouter
// is exempt from the agent-id format and registry checks (only the
// non-empty check applies) since it forwards by topic, not by
// registry-managed agent id.
//
// The iteration-bound invariant is NOT enforced here: exceeding
// max_iterations does not fail the task, it forces Complete with the
// current artifact instead -- see ForceCompleteAtIterationBound, applied
// by the orchestrator before a Decision reaches this check.
func EnforceSafety(d *Decision, reg *Registry, isV2 bool) error {
	if d.Complete {
		return nil
	}
	if d.NextAgentID == "" {
		return &FailureError{Reason: "workflow_complete=false but next_agent is absent"}
	}
	if isV2 {
		if err := envelope.ValidateAgentID(d.NextAgentID); err != nil {
			return &FailureError{Reason: fmt.Sprintf("next_agent: %v", err)}
		}
		if _, ok := reg.Lookup(d.NextAgentID); !ok {
			return &FailureError{Reason: fmt.Sprintf("next_agent %q is not in the registry", d.NextAgentID)}
		}
	}
	return nil
}

// ForceCompleteAtIterationBound applies the iteration-bound safety
// rule: a Forward that would push iteration_count to or past
// maxIterations is not a router failure, it is silently turned into a
// Complete carrying the current artifact. Only meaningful for v2
// Forward decisions; v1's StaticRouter and any Complete decision pass
// through unchanged.
func ForceCompleteAtIterationBound(d *Decision, isV2 bool, iterationCount, maxIterations uint32, artifact []byte) *Decision {
	if !isV2 || d.Complete {
		return d
	}
	if iterationCount+1 >= maxIterations {
		return &Decision{Complete: true, FinalOutput: artifact, Reasoning: d.Reasoning}
	}
	return d
}
