package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is one callable capability the executor may run. Definition is what
// is advertised to the model; Execute is invoked once Arguments has been
// validated against Definition.ParametersSchema.
type Tool struct {
	Definition ToolDefinition
	Execute    func(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error)
}

// Executor runs model-requested tool calls behind an explicit allow-list
// and JSON Schema argument validation: arguments are validated against the
// tool's declared schema before execution, and a tool not on the agent's
// allow-list is never invoked regardless of what the model asks for.
// Schema compilation happens once, at registration, so validation on the
// hot path is cheap.
type Executor struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

func NewExecutor() *Executor {
	return &Executor{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the allow-list, compiling its parameter schema.
func (e *Executor) Register(tool Tool) error {
	if len(tool.Definition.ParametersSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		url := "agenmesh://tools/" + tool.Definition.Name
		if err := compiler.AddResource(url, bytes.NewReader(tool.Definition.ParametersSchema)); err != nil {
			return fmt.Errorf("reasoning: compile schema for %s: %w", tool.Definition.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("reasoning: compile schema for %s: %w", tool.Definition.Name, err)
		}
		e.schemas[tool.Definition.Name] = schema
	}
	e.tools[tool.Definition.Name] = tool
	return nil
}

// Definitions returns the tool definitions to offer the model. Order is
// not guaranteed (map iteration).
func (e *Executor) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(e.tools))
	for _, t := range e.tools {
		defs = append(defs, t.Definition)
	}
	return defs
}

// Run validates and executes one tool call. An unregistered tool or a
// schema violation is returned as an error result fed back to the model as
// a tool_result, never a crash of the reasoning loop.
func (e *Executor) Run(ctx context.Context, call ToolCall) (json.RawMessage, error) {
	tool, ok := e.tools[call.Name]
	if !ok {
		return nil, fmt.Errorf("reasoning: tool %q is not on the allow-list", call.Name)
	}
	if schema, ok := e.schemas[call.Name]; ok {
		var instance interface{}
		if err := json.Unmarshal(call.Arguments, &instance); err != nil {
			return nil, fmt.Errorf("reasoning: tool %q arguments are not valid JSON: %w", call.Name, err)
		}
		if err := schema.Validate(instance); err != nil {
			return nil, fmt.Errorf("reasoning: tool %q arguments failed schema validation: %w", call.Name, err)
		}
	}
	return tool.Execute(ctx, call.Arguments)
}
