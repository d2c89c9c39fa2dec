package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// FunctionTool adapts a plain Go function into a Tool. The argument schema
// is reflected from the function's typed argument struct, so handlers never
// hand-maintain parameter descriptors.
type FunctionTool[T any] struct {
	name        string
	description string
	schema      map[string]any
	fn          func(ctx context.Context, args T) (string, error)
}

func NewFunctionTool[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) (*FunctionTool[T], error) {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}
	var zero T
	reflected := reflector.Reflect(&zero)

	raw, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("failed to reflect schema for %s: %w", name, err)
	}
	schema := map[string]any{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("failed to decode schema for %s: %w", name, err)
	}
	delete(schema, "$schema")
	delete(schema, "$id")

	return &FunctionTool[T]{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
	}, nil
}

func (t *FunctionTool[T]) GetName() string        { return t.name }
func (t *FunctionTool[T]) GetDescription() string { return t.description }

func (t *FunctionTool[T]) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.name,
		Description: t.description,
		RawSchema:   t.schema,
		ServerURL:   "local",
	}
}

func (t *FunctionTool[T]) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	var typed T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &typed,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return ToolResult{Success: false, Error: err.Error(), ToolName: t.name}, nil
	}
	if err := decoder.Decode(args); err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("invalid arguments: %v", err), ToolName: t.name}, nil
	}

	content, err := t.fn(ctx, typed)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error(), ToolName: t.name}, nil
	}
	return ToolResult{Success: true, Content: content, ToolName: t.name}, nil
}
