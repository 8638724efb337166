package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tenzoki/agenmesh/internal/envelope"
	"github.com/tenzoki/agenmesh/internal/reasoning"
)

// LoopReasoner adapts a reasoning.Loop to the pipeline's Reasoner
// contract: it assembles the loop's system prompt and user query from the
// envelope's instruction and input, runs the bounded loop, and maps its
// Outcome onto the artifact the orchestrator consumes.
type LoopReasoner struct {
	Loop         *reasoning.Loop
	SystemPrompt string
}

func (r *LoopReasoner) Reason(ctx context.Context, env *envelope.Envelope) (json.RawMessage, error) {
	query, err := buildUserQuery(env)
	if err != nil {
		return nil, fmt.Errorf("reasoning: build query: %w", err)
	}

	outcome, err := r.Loop.Run(ctx, r.SystemPrompt, query)
	if err != nil {
		return nil, err
	}
	if outcome.StoppedEarly {
		return nil, fmt.Errorf("reasoning: %s", outcome.StopReason)
	}
	if json.Valid([]byte(outcome.Content)) {
		return json.RawMessage(outcome.Content), nil
	}
	return json.Marshal(outcome.Content)
}

func buildUserQuery(env *envelope.Envelope) (string, error) {
	instr := ""
	if env.Instruction != nil {
		instr = *env.Instruction
	}
	input := "null"
	if len(env.Input) > 0 {
		input = string(env.Input)
	}
	doc := struct {
		Instruction string          `json:"instruction"`
		Input       json.RawMessage `json:"input"`
	}{Instruction: instr, Input: json.RawMessage(input)}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
