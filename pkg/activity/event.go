package activity

import (
	"time"
)

// EventType identifies a canonical event variant. The value doubles as the
// SSE "event:" field on the client-facing stream.
type EventType string

const (
	EventActivityStart    EventType = "activity_start"
	EventThinkingStart    EventType = "thinking_start"
	EventThinkingDelta    EventType = "thinking_delta"
	EventThinkingComplete EventType = "thinking_complete"
	EventContentDelta     EventType = "content_delta"
	EventToolStart        EventType = "tool_start"
	EventToolDelta        EventType = "tool_delta"
	EventToolProgress     EventType = "tool_progress"
	EventToolComplete     EventType = "tool_complete"
	EventToolResult       EventType = "tool_result"
	EventTodoUpdate       EventType = "todo_update"
	EventMetricsUpdate    EventType = "metrics_update"
	EventActivityComplete EventType = "activity_complete"
	EventError            EventType = "error"
)

// ThinkingMode describes how reasoning content was produced.
type ThinkingMode string

const (
	// ThinkingExtended is Anthropic-style extended thinking with streamed
	// thinking blocks and an opaque signature.
	ThinkingExtended ThinkingMode = "extended"
	// ThinkingChainOfThought is DeepSeek/Ollama-style reasoning, either via
	// an explicit reasoning field or embedded <think> tags.
	ThinkingChainOfThought ThinkingMode = "chain_of_thought"
	// ThinkingSummary is Gemini-style thought summaries.
	ThinkingSummary ThinkingMode = "summary"
	// ThinkingHidden marks reasoning the provider counted but never streamed
	// (OpenAI o-family).
	ThinkingHidden ThinkingMode = "hidden"
)

// StopReason says why an activity ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopToolUse   StopReason = "tool_use"
	StopError     StopReason = "error"
)

// TokenUsage aggregates token counts for a session.
type TokenUsage struct {
	In        int `json:"in"`
	Out       int `json:"out"`
	Reasoning int `json:"reasoning"`
	Total     int `json:"total"`
}

// Timing carries wall-clock measurements for a session.
type Timing struct {
	// TTFTMs is the time to first token in milliseconds, 0 if no token was
	// ever emitted.
	TTFTMs int64 `json:"ttft,omitempty"`
	// ElapsedMs is the total elapsed time since activity start.
	ElapsedMs int64 `json:"elapsed"`
	// TPS is output tokens per second over the elapsed window.
	TPS float64 `json:"tps"`
}

// CapabilitySummary is the capability excerpt surfaced on activity_start.
type CapabilitySummary struct {
	SupportsTools    bool   `json:"supportsTools"`
	ThinkingMode     string `json:"thinkingMode"`
	MaxContextTokens int    `json:"maxContextTokens"`
	MaxOutputTokens  int    `json:"maxOutputTokens"`
}

// TodoItem is one entry of the todo side channel.
type TodoItem struct {
	ID       string `json:"id,omitempty"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// Event is the canonical event union. Concrete types below implement it.
type Event interface {
	Kind() EventType
	Session() string
	OccurredAt() time.Time
}

// Delta is implemented by the three streaming delta variants. StreamKey
// identifies the block a delta belongs to so that lossy subscribers can
// coalesce consecutive deltas of the same block.
type Delta interface {
	Event
	StreamKey() string
	Seq() int
}

type ActivityStart struct {
	SessionID    string            `json:"sessionId"`
	MessageID    string            `json:"messageId"`
	Model        string            `json:"model"`
	Provider     string            `json:"provider"`
	Capabilities CapabilitySummary `json:"capabilities"`
	TS           time.Time         `json:"ts"`
}

type ThinkingStart struct {
	SessionID  string       `json:"sessionId"`
	ThinkingID string       `json:"thinkingId"`
	Mode       ThinkingMode `json:"mode"`
	TS         time.Time    `json:"ts"`
}

type ThinkingDelta struct {
	SessionID      string    `json:"sessionId"`
	ThinkingID     string    `json:"thinkingId"`
	Delta          string    `json:"delta"`
	Accumulated    string    `json:"accumulated"`
	SequenceNumber int       `json:"sequenceNumber"`
	TS             time.Time `json:"ts"`
}

type ThinkingComplete struct {
	SessionID  string    `json:"sessionId"`
	ThinkingID string    `json:"thinkingId"`
	Content    string    `json:"content"`
	TokenCount int       `json:"tokenCount"`
	DurationMs int64     `json:"durationMs"`
	WasHidden  bool      `json:"wasHidden"`
	TS         time.Time `json:"ts"`
}

type ContentDelta struct {
	SessionID      string    `json:"sessionId"`
	Delta          string    `json:"delta"`
	Accumulated    string    `json:"accumulated"`
	SequenceNumber int       `json:"sequenceNumber"`
	TS             time.Time `json:"ts"`
}

type ToolStart struct {
	SessionID  string    `json:"sessionId"`
	ToolCallID string    `json:"toolCallId"`
	ToolName   string    `json:"toolName"`
	ToolIndex  int       `json:"toolIndex"`
	TS         time.Time `json:"ts"`
}

type ToolDelta struct {
	SessionID      string    `json:"sessionId"`
	ToolCallID     string    `json:"toolCallId"`
	Delta          string    `json:"delta"`
	Accumulated    string    `json:"accumulated"`
	SequenceNumber int       `json:"sequenceNumber"`
	IsValidJSON    bool      `json:"isValidJson"`
	TS             time.Time `json:"ts"`
}

// ToolProgress is a sub-variant of tool_delta carrying incremental output of
// a streaming tool handler during execution.
type ToolProgress struct {
	SessionID  string    `json:"sessionId"`
	ToolCallID string    `json:"toolCallId"`
	Output     string    `json:"output"`
	TS         time.Time `json:"ts"`
}

type ToolComplete struct {
	SessionID    string         `json:"sessionId"`
	ToolCallID   string         `json:"toolCallId"`
	ToolName     string         `json:"toolName"`
	Arguments    map[string]any `json:"arguments"`
	ArgumentsRaw string         `json:"argumentsRaw"`
	DurationMs   int64          `json:"durationMs"`
	TS           time.Time      `json:"ts"`
}

type ToolResult struct {
	SessionID   string    `json:"sessionId"`
	ToolCallID  string    `json:"toolCallId"`
	Result      string    `json:"result"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	ExecutionMs int64     `json:"executionMs"`
	TS          time.Time `json:"ts"`
}

type TodoUpdate struct {
	SessionID string     `json:"sessionId"`
	Todos     []TodoItem `json:"todos"`
	TS        time.Time  `json:"ts"`
}

type MetricsUpdate struct {
	SessionID string     `json:"sessionId"`
	Tokens    TokenUsage `json:"tokens"`
	Timing    Timing     `json:"timing"`
	TS        time.Time  `json:"ts"`
}

type ActivityComplete struct {
	SessionID     string     `json:"sessionId"`
	Tokens        TokenUsage `json:"tokens"`
	Timing        Timing     `json:"timing"`
	HadThinking   bool       `json:"hadThinking"`
	ToolCallCount int        `json:"toolCallCount"`
	StopReason    StopReason `json:"stopReason"`
	CostUSD       float64    `json:"costUsd,omitempty"`
	TS            time.Time  `json:"ts"`
}

// ErrorEvent precedes the terminal activity_complete on a mid-stream error.
type ErrorEvent struct {
	SessionID string    `json:"sessionId"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	TS        time.Time `json:"ts"`
}

func (e *ActivityStart) Kind() EventType    { return EventActivityStart }
func (e *ThinkingStart) Kind() EventType    { return EventThinkingStart }
func (e *ThinkingDelta) Kind() EventType    { return EventThinkingDelta }
func (e *ThinkingComplete) Kind() EventType { return EventThinkingComplete }
func (e *ContentDelta) Kind() EventType     { return EventContentDelta }
func (e *ToolStart) Kind() EventType        { return EventToolStart }
func (e *ToolDelta) Kind() EventType        { return EventToolDelta }
func (e *ToolProgress) Kind() EventType     { return EventToolProgress }
func (e *ToolComplete) Kind() EventType     { return EventToolComplete }
func (e *ToolResult) Kind() EventType       { return EventToolResult }
func (e *TodoUpdate) Kind() EventType       { return EventTodoUpdate }
func (e *MetricsUpdate) Kind() EventType    { return EventMetricsUpdate }
func (e *ActivityComplete) Kind() EventType { return EventActivityComplete }
func (e *ErrorEvent) Kind() EventType       { return EventError }

func (e *ActivityStart) Session() string    { return e.SessionID }
func (e *ThinkingStart) Session() string    { return e.SessionID }
func (e *ThinkingDelta) Session() string    { return e.SessionID }
func (e *ThinkingComplete) Session() string { return e.SessionID }
func (e *ContentDelta) Session() string     { return e.SessionID }
func (e *ToolStart) Session() string        { return e.SessionID }
func (e *ToolDelta) Session() string        { return e.SessionID }
func (e *ToolProgress) Session() string     { return e.SessionID }
func (e *ToolComplete) Session() string     { return e.SessionID }
func (e *ToolResult) Session() string       { return e.SessionID }
func (e *TodoUpdate) Session() string       { return e.SessionID }
func (e *MetricsUpdate) Session() string    { return e.SessionID }
func (e *ActivityComplete) Session() string { return e.SessionID }
func (e *ErrorEvent) Session() string       { return e.SessionID }

func (e *ActivityStart) OccurredAt() time.Time    { return e.TS }
func (e *ThinkingStart) OccurredAt() time.Time    { return e.TS }
func (e *ThinkingDelta) OccurredAt() time.Time    { return e.TS }
func (e *ThinkingComplete) OccurredAt() time.Time { return e.TS }
func (e *ContentDelta) OccurredAt() time.Time     { return e.TS }
func (e *ToolStart) OccurredAt() time.Time        { return e.TS }
func (e *ToolDelta) OccurredAt() time.Time        { return e.TS }
func (e *ToolProgress) OccurredAt() time.Time     { return e.TS }
func (e *ToolComplete) OccurredAt() time.Time     { return e.TS }
func (e *ToolResult) OccurredAt() time.Time       { return e.TS }
func (e *TodoUpdate) OccurredAt() time.Time       { return e.TS }
func (e *MetricsUpdate) OccurredAt() time.Time    { return e.TS }
func (e *ActivityComplete) OccurredAt() time.Time { return e.TS }
func (e *ErrorEvent) OccurredAt() time.Time       { return e.TS }

func (e *ThinkingDelta) StreamKey() string { return "thinking:" + e.ThinkingID }
func (e *ThinkingDelta) Seq() int          { return e.SequenceNumber }
func (e *ContentDelta) StreamKey() string  { return "content" }
func (e *ContentDelta) Seq() int           { return e.SequenceNumber }
func (e *ToolDelta) StreamKey() string     { return "tool:" + e.ToolCallID }
func (e *ToolDelta) Seq() int              { return e.SequenceNumber }
