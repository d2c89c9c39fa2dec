package tools

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Text   string `json:"text" jsonschema:"required,description=Text to echo"`
	Repeat int    `json:"repeat,omitempty"`
}

func TestFunctionToolReflectsSchemaAndExecutes(t *testing.T) {
	tool, err := NewFunctionTool("echo", "Echoes text", func(ctx context.Context, args echoArgs) (string, error) {
		n := args.Repeat
		if n == 0 {
			n = 1
		}
		out := ""
		for i := 0; i < n; i++ {
			out += args.Text
		}
		return out, nil
	})
	require.NoError(t, err)

	schema := tool.GetInfo().Schema()
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "text")
	assert.Contains(t, props, "repeat")

	result, err := tool.Execute(context.Background(), map[string]any{"text": "ab", "repeat": 2})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "abab", result.Content)
}

func TestFunctionToolHandlerErrorBecomesResult(t *testing.T) {
	tool, err := NewFunctionTool("fails", "Always fails", func(ctx context.Context, args echoArgs) (string, error) {
		return "", fmt.Errorf("nope")
	})
	require.NoError(t, err)

	result, err := tool.Execute(context.Background(), map[string]any{"text": "x"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "nope", result.Error)
}

func TestRegistryDefinitions(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(NewTodoTool()))

	defs := reg.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "todo_write", defs[0].Name)
	assert.Equal(t, "object", defs[0].InputSchema["type"])
}
