package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/activitycore/pkg/activity"
)

func TestTodoToolReplaceAndMerge(t *testing.T) {
	tool := NewTodoTool()
	ctx := context.Background()

	result, err := tool.Execute(ctx, map[string]any{
		"session_id": "s1",
		"merge":      false,
		"todos": []any{
			map[string]any{"id": "1", "content": "plan", "status": "completed"},
			map[string]any{"id": "2", "content": "build", "status": "in_progress"},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, tool.List("s1"), 2)

	result, err = tool.Execute(ctx, map[string]any{
		"session_id": "s1",
		"merge":      true,
		"todos": []any{
			map[string]any{"id": "2", "content": "build", "status": "completed"},
			map[string]any{"id": "3", "content": "test", "status": "pending"},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	todos := tool.List("s1")
	require.Len(t, todos, 3)
	assert.Equal(t, "completed", todos[1].Status)
	assert.Equal(t, "test", todos[2].Content)
}

func TestTodoToolSessionsAreIsolated(t *testing.T) {
	tool := NewTodoTool()
	_, err := tool.Execute(context.Background(), map[string]any{
		"session_id": "a",
		"todos":      []any{map[string]any{"id": "1", "content": "x", "status": "pending"}},
	})
	require.NoError(t, err)
	assert.Len(t, tool.List("a"), 1)
	assert.Empty(t, tool.List("b"))
}

func TestMergeTodosPreservesOrder(t *testing.T) {
	existing := []activity.TodoItem{
		{ID: "1", Content: "a", Status: "pending"},
		{ID: "2", Content: "b", Status: "pending"},
	}
	merged := mergeTodos(existing, []activity.TodoItem{
		{ID: "1", Content: "a", Status: "completed"},
		{ID: "3", Content: "c", Status: "pending"},
	})
	require.Len(t, merged, 3)
	assert.Equal(t, "completed", merged[0].Status)
	assert.Equal(t, "3", merged[2].ID)
}
