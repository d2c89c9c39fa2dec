package activity

import (
	"time"
)

// Role is the conversational role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a resolved tool invocation attached to an assistant message.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Raw       string         `json:"argumentsRaw,omitempty"`
}

// ToolResultRecord is the outcome of one tool call, attached to a role=tool
// message and fed back into the next provider turn.
type ToolResultRecord struct {
	ToolCallID  string `json:"toolCallId"`
	Content     string `json:"content"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	ExecutionMs int64  `json:"executionMs"`
}

// Message is the persisted chat message record. One assistant message is
// written per turn; its ReasoningTrace concatenates the thinking fragments
// that were not hidden.
type Message struct {
	ID             string             `json:"id"`
	SessionID      string             `json:"sessionId"`
	Role           Role               `json:"role"`
	Content        string             `json:"content"`
	Model          string             `json:"model,omitempty"`
	TokenUsage     *TokenUsage        `json:"tokenUsage,omitempty"`
	ToolCalls      []ToolCall         `json:"toolCalls,omitempty"`
	ToolResults    []ToolResultRecord `json:"toolResults,omitempty"`
	ReasoningTrace string             `json:"reasoningTrace,omitempty"`
	ToolCallID     string             `json:"toolCallId,omitempty"`
	ParentID       string             `json:"parentId,omitempty"`
	BranchID       string             `json:"branchId,omitempty"`
	ThreadDepth    int                `json:"threadDepth,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// FragmentKind classifies one contiguous block of model output within a turn.
type FragmentKind string

const (
	FragmentReasoning FragmentKind = "reasoning"
	FragmentText      FragmentKind = "text"
	FragmentToolCall  FragmentKind = "tool_call"
)

// Fragment preserves the interleaving of reasoning, text and tool blocks in
// the order the model produced them. Persistence receives the fragment list
// so alternating thinking/text is never coalesced.
type Fragment struct {
	Kind       FragmentKind `json:"kind"`
	Content    string       `json:"content"`
	ToolCallID string       `json:"toolCallId,omitempty"`
	Hidden     bool         `json:"hidden,omitempty"`
}
