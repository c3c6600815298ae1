// Package tools provides the tool abstraction the orchestrator executes:
// the Tool interface, the process-wide registry, non-destructive argument
// merging, lifecycle events, and the built-in knowledge retrieval tool.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool is a callable capability the model may request.
// Tools are registered once at startup and invoked concurrently, so
// implementations must be safe for concurrent use.
type Tool interface {
	// Name returns the unique identifier the model calls the tool by.
	Name() string

	// Description tells the LLM when to call the tool. Include argument
	// semantics and defaults here; the model reads this, not the schema
	// comments.
	Description() string

	// InputSchema describes the argument object.
	InputSchema() *jsonschema.Schema

	// IsAsync marks tools whose effects complete after the call returns.
	// The orchestrator treats their results as acknowledgements.
	IsAsync() bool

	// Invoke executes the tool. args is the model-supplied argument
	// object after config merging. The returned string becomes the tool
	// result message; an error is converted to error text by the caller,
	// never propagated as a turn failure.
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// FuncTool adapts a typed handler into a Tool with type erasure, so
// heterogeneous tools can share the registry while handlers keep
// compile-time input types.
type FuncTool struct {
	name        string
	description string
	schema      *jsonschema.Schema
	async       bool
	handler     func(ctx context.Context, args map[string]any) (string, error)
}

// New creates a Tool from a typed handler. The input schema is inferred
// from In's json and jsonschema tags.
func New[In any](name, description string, async bool, handler func(ctx context.Context, input In) (string, error)) (*FuncTool, error) {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("infer schema for tool %q: %w", name, err)
	}

	erased := func(ctx context.Context, args map[string]any) (string, error) {
		var input In
		if err := decodeArgs(args, &input); err != nil {
			return "", err
		}
		return handler(ctx, input)
	}

	return &FuncTool{
		name:        name,
		description: description,
		schema:      schema,
		async:       async,
		handler:     erased,
	}, nil
}

func (t *FuncTool) Name() string                    { return t.name }
func (t *FuncTool) Description() string             { return t.description }
func (t *FuncTool) InputSchema() *jsonschema.Schema { return t.schema }
func (t *FuncTool) IsAsync() bool                   { return t.async }

func (t *FuncTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	return t.handler(ctx, args)
}

// decodeArgs converts a generic argument map into a typed input via JSON.
func decodeArgs(args map[string]any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
