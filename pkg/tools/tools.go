// Package tools defines the tool abstraction, its registry, and the invoker
// that validates and executes model-requested tool calls.
package tools

import (
	"context"
	"time"

	"github.com/agenticwork/activitycore/pkg/providers"
	"github.com/agenticwork/activitycore/pkg/registry"
)

type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
	// RawSchema is a complete JSON-schema document for tools whose schema
	// arrives pre-built (MCP discovery, reflection). It wins over Parameters.
	RawSchema map[string]any `json:"raw_schema,omitempty"`
	ServerURL string         `json:"server_url,omitempty"`
}

type ToolParameter struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Required    bool           `json:"required"`
	Default     any            `json:"default,omitempty"`
	Enum        []string       `json:"enum,omitempty"`
	Items       map[string]any `json:"items,omitempty"`
}

type ToolResult struct {
	Success       bool          `json:"success"`
	Content       string        `json:"content,omitempty"`
	Error         string        `json:"error,omitempty"`
	ToolName      string        `json:"tool_name"`
	ExecutionTime time.Duration `json:"execution_time,omitempty"`
}

type Tool interface {
	GetInfo() ToolInfo
	GetName() string
	GetDescription() string
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

// StreamingTool is implemented by tools that produce incremental output
// while running. The orchestrator surfaces each emit as a tool_progress
// event on the stream.
type StreamingTool interface {
	Tool
	ExecuteStreaming(ctx context.Context, args map[string]any, emit func(output string)) (ToolResult, error)
}

// Schema builds the JSON-schema object descriptor for a tool's parameters.
func (i ToolInfo) Schema() map[string]any {
	if i.RawSchema != nil {
		return i.RawSchema
	}
	properties := make(map[string]any, len(i.Parameters))
	var required []string
	for _, p := range i.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Items != nil {
			prop["items"] = p.Items
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Registry holds the tools offered to models.
type Registry struct {
	*registry.BaseRegistry[Tool]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Tool]()}
}

// Add registers a tool under its own name.
func (r *Registry) Add(tool Tool) error {
	return r.Register(tool.GetName(), tool)
}

// Definitions shapes every registered tool for a provider request.
func (r *Registry) Definitions() []providers.ToolDefinition {
	tools := r.List()
	defs := make([]providers.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		info := tool.GetInfo()
		defs = append(defs, providers.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			InputSchema: info.Schema(),
		})
	}
	return defs
}
