package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ToolTimeoutError is a terminal reasoning-loop failure: a tool call ran
// past its per-tool budget. Unlike a tool returning a normal application
// error -- which is fed back to the model as a tool_result so it can retry
// or adjust -- a timeout aborts the loop outright: the model cannot
// usefully react to a tool that never returned.
type ToolTimeoutError struct {
	Tool string
	Err  error
}

func (e *ToolTimeoutError) Error() string {
	return fmt.Sprintf("reasoning: tool %q timed out: %v", e.Tool, e.Err)
}

func (e *ToolTimeoutError) Unwrap() error { return e.Err }

// Outcome is what the bounded reasoning loop produced: either a final
// answer, or a forced stop once a bound was hit. A loop that hits
// max_tool_calls or max_iterations without a final answer terminates with
// a result that makes this explicit rather than silently truncating.
type Outcome struct {
	Content      string
	ToolCalls    int
	Iterations   int
	StoppedEarly bool
	StopReason   string
}

// Loop runs the call/tool/call cycle for one task: send the conversation,
// execute any requested tools, append their results, and repeat until the
// model stops requesting tools or a bound is exceeded.
type Loop struct {
	LLM           LLM
	Executor      *Executor
	MaxToolCalls  int
	MaxIterations int

	// PerToolTimeout bounds a single tool execution. Zero disables the
	// per-call deadline (the caller's ctx is still honored).
	PerToolTimeout time.Duration
}

// Run drives the loop starting from the given system prompt and user
// query. It returns the final Outcome; ctx cancellation aborts mid-call.
func (l *Loop) Run(ctx context.Context, systemPrompt, userQuery string) (*Outcome, error) {
	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userQuery},
	}
	tools := l.Executor.Definitions()

	totalToolCalls := 0
	for iteration := 0; iteration < l.MaxIterations; iteration++ {
		resp, err := l.LLM.Chat(ctx, messages, tools)
		if err != nil {
			return nil, fmt.Errorf("reasoning: chat failed on iteration %d: %w", iteration, err)
		}

		if len(resp.ToolCalls) == 0 {
			return &Outcome{
				Content:    resp.Content,
				ToolCalls:  totalToolCalls,
				Iterations: iteration + 1,
				StopReason: resp.StopReason,
			}, nil
		}

		messages = append(messages, Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			if totalToolCalls >= l.MaxToolCalls {
				return &Outcome{
					Content:      resp.Content,
					ToolCalls:    totalToolCalls,
					Iterations:   iteration + 1,
					StoppedEarly: true,
					StopReason:   "max_tool_calls_exceeded",
				}, nil
			}
			totalToolCalls++

			callCtx := ctx
			var cancel context.CancelFunc
			if l.PerToolTimeout > 0 {
				callCtx, cancel = context.WithTimeout(ctx, l.PerToolTimeout)
			}
			result, execErr := l.Executor.Run(callCtx, call)
			if cancel != nil {
				cancel()
			}
			if execErr != nil && errors.Is(execErr, context.DeadlineExceeded) {
				return nil, &ToolTimeoutError{Tool: call.Name, Err: execErr}
			}
			var resultContent string
			if execErr != nil {
				resultContent = errorToolResult(execErr)
			} else {
				resultContent = string(result)
			}
			messages = append(messages, Message{
				Role:       "tool_result",
				Content:    resultContent,
				ToolCallID: call.ID,
			})
		}
	}

	return &Outcome{
		ToolCalls:    totalToolCalls,
		Iterations:   l.MaxIterations,
		StoppedEarly: true,
		StopReason:   "max_iterations_exceeded",
	}, nil
}

func errorToolResult(err error) string {
	data, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return `{"error":"tool execution failed"}`
	}
	return string(data)
}
