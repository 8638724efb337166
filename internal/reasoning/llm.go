// Package reasoning implements the bounded LLM-plus-tools loop an agent
// runs once it accepts a task: send the conversation so far, either
// receive a final answer or one or more tool calls, execute those tools,
// append their results, and repeat until a final answer arrives or a
// bound (max_tool_calls, max_iterations) is hit.
package reasoning

import "context"

// Message is one turn in the conversation sent to the model. Beyond the
// usual system/user/assistant roles, a tool-use loop needs one more:
// "tool_result" (the tool's output fed back in, tied to its request by
// ToolCallID). The assistant's request to invoke a tool is an "assistant"
// message carrying ToolCalls.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes one callable tool, offered to the model on every
// request. ParametersSchema is a JSON Schema object the model is expected to
// honor when producing Arguments.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema []byte
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments []byte // raw JSON object, validated against the tool's schema before execution
}

// Usage tracks token consumption for one Chat call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is the model's reply: either final Content, or one or more
// ToolCalls to execute before the loop continues.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Flavor distinguishes how a backend expects tool results to be solicited,
// consulted by the v2 LLM router to decide between a structured-output
// request and a tool-use request.
type Flavor int

const (
	FlavorToolUse Flavor = iota
	FlavorStructuredOutput
)

// LLM is the model client contract: one Chat-shaped call plus identity
// probes. Flavor is consulted by the routing layer to pick between a
// structured-output request and a forced tool call.
type LLM interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error)
	Model() string
	Provider() string
	Flavor() Flavor
}

// Prober is the optional reachability check a client may offer: a cheap
// round trip that confirms credentials and connectivity without running a
// full completion. Clients that don't implement it are assumed reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// Error carries the provider, a provider-level code, and whether the call
// is worth retrying.
type Error struct {
	Provider string
	Code     string
	Message  string
	Retry    bool
}

func (e *Error) Error() string {
	return e.Provider + ": " + e.Message
}
