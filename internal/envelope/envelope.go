package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Continuation is the nested, recursive "next" field of a v1 envelope. It
// carries the same per-hop fields as Envelope minus TaskID/ConversationID,
// which are preserved unchanged across the whole chain.
type Continuation struct {
	Topic       string          `json:"topic"`
	Instruction *string         `json:"instruction"`
	Input       json.RawMessage `json:"input"`
	Next        *Continuation   `json:"next"`
}

// Step records one completed hop in a v2 workflow's context.
type Step struct {
	AgentID   string    `json:"agent_id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is the v2-only accumulator threaded and extended across forwards.
type Context struct {
	OriginalQuery  string `json:"original_query"`
	StepsCompleted []Step `json:"steps_completed"`
	IterationCount uint32 `json:"iteration_count"`
}

// RoutingTraceEntry is one append-only observability record of a router decision.
type RoutingTraceEntry struct {
	AgentID   string    `json:"agent_id"`
	Reasoning string    `json:"reasoning"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the task message carried on an agent's input topic. Version is
// the sole version discriminator: present (non-empty) means v2, absent means
// v1. Constructors in this package set it explicitly; ParseJSON mirrors the
// wire rule directly off the decoded field.
type Envelope struct {
	TaskID         string          `json:"task_id"`
	ConversationID string          `json:"conversation_id"`
	Topic          string          `json:"topic"`
	Instruction    *string         `json:"instruction"`
	Input          json.RawMessage `json:"input"`
	Next           *Continuation   `json:"next,omitempty"`

	// v2 fields
	Version      string              `json:"version,omitempty"`
	Context      *Context            `json:"context,omitempty"`
	RoutingTrace []RoutingTraceEntry `json:"routing_trace,omitempty"`

	// TraceID is an optional correlation id for one conversation across
	// hops. It is never consulted for routing or idempotency decisions: the
	// orchestrator copies it unchanged onto every forward, and nothing in
	// this module assigns one.
	TraceID string `json:"trace_id,omitempty"`

	// RetainedDelivery is set by the transport layer when this envelope was
	// delivered from the broker's retained store rather than a live
	// publish. Never present on the wire.
	RetainedDelivery bool `json:"-"`
}

// IsV2 reports whether this envelope carries v2 semantics.
func (e *Envelope) IsV2() bool {
	return e.Version != ""
}

// Depth counts the nodes of the envelope's "next" chain (each continuation
// adds 1; no continuation gives 0), capped at a hard safety limit to bound
// the walk on pathological input.
const depthSafetyCap = 1000

func (e *Envelope) Depth() int {
	if e == nil {
		return 0
	}
	d := 0
	cur := e.Next
	for cur != nil && d < depthSafetyCap {
		d++
		cur = cur.Next
	}
	return d
}

// IterationCount returns the v2 context's iteration count, or 0 if absent.
func (e *Envelope) IterationCount() uint32 {
	if e.Context == nil {
		return 0
	}
	return e.Context.IterationCount
}

// ParseJSON decodes a raw payload as an Envelope. Both shapes decode into
// the same Go type, so there is one code path: the version is read
// afterwards by IsV2 (a non-empty "version" string means v2). ParseJSON
// only rejects malformed JSON; structural checks are Validate's job.
func ParseJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: invalid JSON: %w", err)
	}
	return &e, nil
}

// ToJSON serializes the envelope.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Validate performs the structural/semantic checks required before an
// envelope may enter step 7 of the pipeline.
func (e *Envelope) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if e.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if e.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if Canonicalize(e.Topic) != e.Topic {
		return fmt.Errorf("topic %q is not in canonical form", e.Topic)
	}
	if e.IsV2() && e.Version != "2.0" {
		return fmt.Errorf("unsupported envelope version %q", e.Version)
	}
	return nil
}

// NewV1 constructs a v1 task envelope.
func NewV1(taskID, conversationID, topic string, instruction *string, input json.RawMessage) *Envelope {
	return &Envelope{
		TaskID:         taskID,
		ConversationID: conversationID,
		Topic:          Canonicalize(topic),
		Instruction:    instruction,
		Input:          input,
	}
}

// NewV2 constructs a v2 task envelope with an initialized context.
func NewV2(taskID, conversationID, topic string, instruction *string, input json.RawMessage, originalQuery string) *Envelope {
	return &Envelope{
		TaskID:         taskID,
		ConversationID: conversationID,
		Topic:          Canonicalize(topic),
		Instruction:    instruction,
		Input:          input,
		Version:        "2.0",
		Context: &Context{
			OriginalQuery:  originalQuery,
			StepsCompleted: []Step{},
			IterationCount: 0,
		},
	}
}
