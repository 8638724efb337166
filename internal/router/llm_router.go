package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tenzoki/agenmesh/internal/envelope"
	"github.com/tenzoki/agenmesh/internal/reasoning"
)

// routingDecisionSchema is the strict structured-output / tool-use schema
// a routing decision must conform to.
const routingDecisionSchema = `{
  "type": "object",
  "properties": {
    "workflow_complete": {"type": "boolean"},
    "reasoning": {"type": "string"},
    "next_agent": {"type": "string"},
    "next_instruction": {"type": "string"}
  },
  "required": ["workflow_complete", "reasoning"],
  "additionalProperties": false
}`

var compiledDecisionSchema = jsonschema.MustCompileString("agenmesh://router/decision", routingDecisionSchema)

// decodeDecision validates raw against the strict decision schema, then
// decodes it. Any violation is a router failure, never a partial decode.
func decodeDecision(raw json.RawMessage) (*routingDecisionOutput, error) {
	var instance interface{}
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, &FailureError{Reason: fmt.Sprintf("unparseable routing decision: %v", err)}
	}
	if err := compiledDecisionSchema.Validate(instance); err != nil {
		return nil, &FailureError{Reason: fmt.Sprintf("routing decision failed schema validation: %v", err)}
	}
	var decoded routingDecisionOutput
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &FailureError{Reason: fmt.Sprintf("unparseable routing decision: %v", err)}
	}
	if !decoded.WorkflowComplete && (decoded.NextAgent == nil || decoded.NextInstruction == nil) {
		return nil, &FailureError{Reason: "workflow_complete=false but next_agent or next_instruction is absent"}
	}
	return &decoded, nil
}

type routingDecisionOutput struct {
	WorkflowComplete bool    `json:"workflow_complete"`
	Reasoning        string  `json:"reasoning"`
	NextAgent        *string `json:"next_agent,omitempty"`
	NextInstruction  *string `json:"next_instruction,omitempty"`
}

// LLMRouter asks the model to choose workflow completion vs. the next
// agent. It detects the backend's flavor from the LLM's Flavor() probe and
// requests either a tool-use call or a structured-output response
// accordingly; both decode into the same routingDecisionOutput shape. The
// LLM client passed in must be constructed with a low temperature (default
// 0.1, never above 0.2) -- routing decisions are not the place for
// creative sampling.
type LLMRouter struct {
	LLM reasoning.LLM
}

const makeRoutingDecisionTool = "make_routing_decision"

func (r LLMRouter) Decide(ctx context.Context, original *envelope.Envelope, artifact json.RawMessage, reg *Registry) (*Decision, error) {
	prompt := r.buildPrompt(original, artifact, reg)

	var raw json.RawMessage
	switch r.LLM.Flavor() {
	case reasoning.FlavorToolUse:
		out, err := r.decideViaToolUse(ctx, prompt)
		if err != nil {
			return nil, err
		}
		raw = out
	default:
		out, err := r.decideViaStructuredOutput(ctx, prompt)
		if err != nil {
			return nil, err
		}
		raw = out
	}

	decoded, err := decodeDecision(raw)
	if err != nil {
		return nil, err
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

// decideViaToolUse drives a single-turn tool-use exchange: offer exactly
// one tool (the decision schema), require the model to call it.
func (r LLMRouter) decideViaToolUse(ctx context.Context, prompt string) (json.RawMessage, error) {
	tools := []reasoning.ToolDefinition{{
		Name:             makeRoutingDecisionTool,
		Description:      "Record the routing decision for this workflow step.",
		ParametersSchema: []byte(routingDecisionSchema),
	}}
	resp, err := r.LLM.Chat(ctx, []reasoning.Message{
		{Role: "system", Content: "You are a workflow router. Call make_routing_decision exactly once."},
		{Role: "user", Content: prompt},
	}, tools)
	if err != nil {
		return nil, &FailureError{Reason: fmt.Sprintf("router LLM call failed: %v", err)}
	}
	for _, call := range resp.ToolCalls {
		if call.Name == makeRoutingDecisionTool {
			return call.Arguments, nil
		}
	}
	return nil, &FailureError{Reason: "LLM did not call make_routing_decision"}
}

// decideViaStructuredOutput asks for the decision as the message content
// itself, constrained by instruction since this backend flavor has no
// native schema-enforced response mode wired here.
func (r LLMRouter) decideViaStructuredOutput(ctx context.Context, prompt string) (json.RawMessage, error) {
	resp, err := r.LLM.Chat(ctx, []reasoning.Message{
		{Role: "system", Content: "Respond with exactly one JSON object matching this schema, nothing else:\n" + routingDecisionSchema},
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return nil, &FailureError{Reason: fmt.Sprintf("router LLM call failed: %v", err)}
	}
	content := strings.TrimSpace(resp.Content)
	return json.RawMessage(content), nil
}

func (r LLMRouter) buildPrompt(original *envelope.Envelope, artifact json.RawMessage, reg *Registry) string {
	var b strings.Builder
	if original.Context != nil {
		fmt.Fprintf(&b, "Original query: %s\n", original.Context.OriginalQuery)
		fmt.Fprintf(&b, "Steps completed:\n")
		for _, step := range original.Context.StepsCompleted {
			fmt.Fprintf(&b, "  - %s: %s\n", step.AgentID, step.Action)
		}
	}
	fmt.Fprintf(&b, "Current artifact: %s\n", string(artifact))
	fmt.Fprintf(&b, "Available agents:\n")
	for _, a := range reg.Available() {
		fmt.Fprintf(&b, "  - %s capabilities=%v load=%d\n", a.AgentID, a.Capabilities, a.Load)
	}
	return b.String()
}
