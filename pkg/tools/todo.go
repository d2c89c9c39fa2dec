package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agenticwork/activitycore/pkg/activity"
)

// TodoTool maintains the structured task list models use to narrate
// multi-step work. State is per session; the invoker mirrors writes onto the
// todo_update event channel.
type TodoTool struct {
	mu    sync.RWMutex
	todos map[string][]activity.TodoItem
}

type todoWriteRequest struct {
	SessionID string              `json:"session_id"`
	Merge     bool                `json:"merge"`
	Todos     []activity.TodoItem `json:"todos"`
}

func NewTodoTool() *TodoTool {
	return &TodoTool{
		todos: make(map[string][]activity.TodoItem),
	}
}

func (t *TodoTool) GetName() string { return "todo_write" }

func (t *TodoTool) GetDescription() string {
	return "Create and manage todos for complex tasks"
}

func (t *TodoTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "todo_write",
		Description: "Create and manage a structured task list for tracking progress. Use for complex multi-step tasks (3+ steps).",
		Parameters: []ToolParameter{
			{
				Name:        "merge",
				Type:        "boolean",
				Description: "If true, merge with existing todos (for updates). If false, replace all todos (for a new task).",
				Required:    true,
			},
			{
				Name:        "todos",
				Type:        "array",
				Description: "Array of todo items. Each item has: id (string), content (string), status ('pending'|'in_progress'|'completed'|'canceled')",
				Required:    true,
				Items: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":      map[string]any{"type": "string"},
						"content": map[string]any{"type": "string"},
						"status": map[string]any{
							"type": "string",
							"enum": []string{"pending", "in_progress", "completed", "canceled"},
						},
					},
					"required": []string{"id", "content", "status"},
				},
			},
		},
		ServerURL: "local",
	}
}

func (t *TodoTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return ToolResult{Success: false, Error: "invalid arguments", ToolName: t.GetName()}, nil
	}
	var req todoWriteRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("invalid todos payload: %v", err), ToolName: t.GetName()}, nil
	}

	t.mu.Lock()
	if req.Merge {
		t.todos[req.SessionID] = mergeTodos(t.todos[req.SessionID], req.Todos)
	} else {
		t.todos[req.SessionID] = req.Todos
	}
	current := t.todos[req.SessionID]
	t.mu.Unlock()

	return ToolResult{
		Success:  true,
		Content:  fmt.Sprintf("Todo list updated (%d items)", len(current)),
		ToolName: t.GetName(),
	}, nil
}

// List returns the current todos for a session.
func (t *TodoTool) List(sessionID string) []activity.TodoItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.todos[sessionID]
}

func mergeTodos(existing, updates []activity.TodoItem) []activity.TodoItem {
	byID := make(map[string]int, len(existing))
	out := make([]activity.TodoItem, len(existing))
	copy(out, existing)
	for i, item := range out {
		byID[item.ID] = i
	}
	for _, update := range updates {
		if i, ok := byID[update.ID]; ok {
			out[i] = update
		} else {
			out = append(out, update)
		}
	}
	return out
}
