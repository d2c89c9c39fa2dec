package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionCompleted is returned when an event is produced after
	// activity_complete. This is an invariant violation, fatal to the turn.
	ErrSessionCompleted = errors.New("activity session already completed")

	// ErrUnknownToolCall is returned for deltas referencing a tool call id
	// that never saw a tool_start.
	ErrUnknownToolCall = errors.New("unknown tool call id")

	// ErrNonMonotonicBlock is returned when a provider emits block indices
	// out of order. Recovery is not attempted; the turn terminates.
	ErrNonMonotonicBlock = errors.New("non-monotonic content block index")
)

// BlockKind classifies an indexed provider block (Anthropic-style streams).
type BlockKind string

const (
	BlockThinking BlockKind = "thinking"
	BlockText     BlockKind = "text"
	BlockToolUse  BlockKind = "tool_use"
)

// ToolCallState tracks one in-flight tool call's streamed argument assembly.
type ToolCallState struct {
	ID        string
	Name      string
	Index     int
	StartedAt time.Time

	buf       strings.Builder
	seq       int
	completed bool
	resulted  bool

	// Arguments holds the parsed argument object once the call completes.
	Arguments map[string]any
}

// Accumulated returns the raw JSON assembled so far.
func (t *ToolCallState) Accumulated() string { return t.buf.String() }

// Completed reports whether the call saw its tool_complete.
func (t *ToolCallState) Completed() bool { return t.completed }

// Resulted reports whether the call saw its tool_result.
func (t *ToolCallState) Resulted() bool { return t.resulted }

// Session is the per-request aggregate state. It is owned by exactly one
// orchestrator task and must not be shared across goroutines; normalizers
// borrow it for the duration of a single event.
type Session struct {
	ID        string
	MessageID string
	Model     string
	Provider  string
	StartedAt time.Time

	// ThinkingSignature is the opaque continuity token some providers return
	// with extended thinking. Preserved for graceful continuation.
	ThinkingSignature string

	// InsideThinkTag tracks the two-state parser for providers that embed
	// reasoning in <think>...</think> tags.
	InsideThinkTag bool

	lastTS time.Time

	thinkingID    string
	thinkingMode  ThinkingMode
	thinkingBuf   strings.Builder
	thinkingSeq   int
	thinkingOpen  bool
	thinkingStart time.Time
	hadThinking   bool

	contentBuf  strings.Builder
	contentSeq  int
	contentOpen bool

	tools     map[string]*ToolCallState
	toolOrder []string

	blockKinds map[int]BlockKind
	blockTools map[int]string
	lastBlock  int

	inputTokens     int
	outputTokens    int
	reasoningTokens int
	ttft            time.Duration

	fragments []Fragment
	completed bool
}

// NewSession creates the aggregate state for one in-flight request.
func NewSession(messageID, model, provider string) *Session {
	now := time.Now()
	return &Session{
		ID:         uuid.New().String(),
		MessageID:  messageID,
		Model:      model,
		Provider:   provider,
		StartedAt:  now,
		lastTS:     now,
		tools:      make(map[string]*ToolCallState),
		blockKinds: make(map[int]BlockKind),
		blockTools: make(map[int]string),
		lastBlock:  -1,
	}
}

// stamp allocates a monotonic timestamp for the next event.
func (s *Session) stamp() time.Time {
	now := time.Now()
	if !now.After(s.lastTS) {
		now = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = now
	return now
}

func (s *Session) markFirstToken() {
	if s.ttft == 0 {
		s.ttft = time.Since(s.StartedAt)
		if s.ttft <= 0 {
			s.ttft = time.Nanosecond
		}
	}
}

// Completed reports whether activity_complete has been emitted.
func (s *Session) Completed() bool { return s.completed }

// HadThinking reports whether any thinking block (streamed or hidden) was
// seen this session.
func (s *Session) HadThinking() bool { return s.hadThinking }

// TTFT returns the time to first token, 0 if no token was emitted yet.
func (s *Session) TTFT() time.Duration { return s.ttft }

// Fragments returns the ordered reasoning/text/tool blocks of the turn so
// far. The returned slice is owned by the session.
func (s *Session) Fragments() []Fragment { return s.fragments }

// ToolCalls returns the tool call states in the order the calls were opened.
func (s *Session) ToolCalls() []*ToolCallState {
	out := make([]*ToolCallState, 0, len(s.toolOrder))
	for _, id := range s.toolOrder {
		out = append(out, s.tools[id])
	}
	return out
}

// Tool returns the state for a tool call id.
func (s *Session) Tool(id string) (*ToolCallState, bool) {
	t, ok := s.tools[id]
	return t, ok
}

// AddUsage folds provider-reported token usage into the session counters.
// Counts are absolute when positive; zero values leave the counter as is.
func (s *Session) AddUsage(in, out, reasoning int) {
	if in > 0 {
		s.inputTokens = in
	}
	if out > 0 {
		s.outputTokens = out
	}
	if reasoning > 0 {
		s.reasoningTokens = reasoning
	}
}

// Usage returns the current token counters.
func (s *Session) Usage() TokenUsage {
	return TokenUsage{
		In:        s.inputTokens,
		Out:       s.outputTokens,
		Reasoning: s.reasoningTokens,
		Total:     s.inputTokens + s.outputTokens + s.reasoningTokens,
	}
}

func (s *Session) timing() Timing {
	elapsed := time.Since(s.StartedAt)
	t := Timing{ElapsedMs: elapsed.Milliseconds()}
	if s.ttft > 0 {
		t.TTFTMs = s.ttft.Milliseconds()
		if t.TTFTMs == 0 {
			t.TTFTMs = 1
		}
	}
	if secs := elapsed.Seconds(); secs > 0 && s.outputTokens > 0 {
		t.TPS = float64(s.outputTokens) / secs
	}
	return t
}

// Begin emits the opening activity_start event.
func (s *Session) Begin(caps CapabilitySummary) *ActivityStart {
	return &ActivityStart{
		SessionID:    s.ID,
		MessageID:    s.MessageID,
		Model:        s.Model,
		Provider:     s.Provider,
		Capabilities: caps,
		TS:           s.stamp(),
	}
}

// AppendThinking appends a reasoning delta, opening a thinking block first
// if none is open. An open text block is finalized in memory before the
// thinking block starts.
func (s *Session) AppendThinking(mode ThinkingMode, delta string) ([]Event, error) {
	if s.completed {
		return nil, ErrSessionCompleted
	}
	var events []Event
	if !s.thinkingOpen {
		s.finalizeText()
		s.thinkingID = uuid.New().String()
		s.thinkingMode = mode
		s.thinkingOpen = true
		s.thinkingStart = time.Now()
		s.thinkingSeq = 0
		s.thinkingBuf.Reset()
		s.hadThinking = true
		events = append(events, &ThinkingStart{
			SessionID:  s.ID,
			ThinkingID: s.thinkingID,
			Mode:       mode,
			TS:         s.stamp(),
		})
	}
	s.markFirstToken()
	s.thinkingBuf.WriteString(delta)
	s.thinkingSeq++
	events = append(events, &ThinkingDelta{
		SessionID:      s.ID,
		ThinkingID:     s.thinkingID,
		Delta:          delta,
		Accumulated:    s.thinkingBuf.String(),
		SequenceNumber: s.thinkingSeq,
		TS:             s.stamp(),
	})
	return events, nil
}

// CloseThinking finalizes an open thinking block, emitting its
// thinking_complete. It is a no-op when no block is open.
func (s *Session) CloseThinking() []Event {
	if !s.thinkingOpen {
		return nil
	}
	content := s.thinkingBuf.String()
	ev := &ThinkingComplete{
		SessionID:  s.ID,
		ThinkingID: s.thinkingID,
		Content:    content,
		TokenCount: EstimateTokens(content),
		DurationMs: time.Since(s.thinkingStart).Milliseconds(),
		TS:         s.stamp(),
	}
	s.fragments = append(s.fragments, Fragment{Kind: FragmentReasoning, Content: content})
	s.thinkingOpen = false
	s.thinkingBuf.Reset()
	return []Event{ev}
}

/// ThinkingContent returns the reasoning accumulated so far this turn: the
// open block's buffer, or the most recent closed reasoning fragment.
func (s *Session) ThinkingContent() string {
	if s.thinkingOpen {
		return s.thinkingBuf.String()
	}
	for i := len(s.fragments) - 1; i >= 0; i-- {
		if s.fragments[i].Kind == FragmentReasoning && !s.fragments[i].Hidden {
			return s.fragments[i].Content
		}
	}
	return ""
}

// HiddenThinking records reasoning the provider counted but never streamed.
// It emits a thinking_complete with wasHidden=true and empty content.
func (s *Session) HiddenThinking(tokenCount int) (*ThinkingComplete, error) {
	if s.completed {
		return nil, ErrSessionCompleted
	}
	s.hadThinking = true
	if tokenCount > 0 {
		s.reasoningTokens = tokenCount
	}
	s.fragments = append(s.fragments, Fragment{Kind: FragmentReasoning, Hidden: true})
	return &ThinkingComplete{
		SessionID:  s.ID,
		ThinkingID: uuid.New().String(),
		Content:    "",
		TokenCount: tokenCount,
		WasHidden:  true,
		TS:         s.stamp(),
	}, nil
}

// AppendContent appends an assistant text delta. An open thinking block is
// closed first with a synthetic thinking_complete carrying its buffer.
func (s *Session) AppendContent(delta string) ([]Event, error) {
	if s.completed {
		return nil, ErrSessionCompleted
	}
	events := s.CloseThinking()
	s.markFirstToken()
	s.contentOpen = true
	s.contentBuf.WriteString(delta)
	s.contentSeq++
	events = append(events, &ContentDelta{
		SessionID:      s.ID,
		Delta:          delta,
		Accumulated:    s.contentBuf.String(),
		SequenceNumber: s.contentSeq,
		TS:             s.stamp(),
	})
	return events, nil
}

// finalizeText pushes the open text run onto the fragment list. Text blocks
// have no closing wire event; they are finalized in memory only.
func (s *Session) finalizeText() {
	if !s.contentOpen {
		return
	}
	start := 0
	for _, f := range s.fragments {
		if f.Kind == FragmentText {
			start += len(f.Content)
		}
	}
	full := s.contentBuf.String()
	if start < len(full) {
		s.fragments = append(s.fragments, Fragment{Kind: FragmentText, Content: full[start:]})
	}
	s.contentOpen = false
}

// Content returns the accumulated assistant text for the turn.
func (s *Session) Content() string { return s.contentBuf.String() }

// StartTool opens a tool call block. Any open thinking block is closed
// first; the returned slice carries the synthetic thinking_complete (if any)
// followed by the tool_start.
func (s *Session) StartTool(id, name string) ([]Event, error) {
	if s.completed {
		return nil, ErrSessionCompleted
	}
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := s.tools[id]; exists {
		return nil, fmt.Errorf("tool call %q already started", id)
	}
	events := s.CloseThinking()
	s.finalizeText()
	st := &ToolCallState{
		ID:        id,
		Name:      name,
		Index:     len(s.toolOrder),
		StartedAt: time.Now(),
	}
	s.tools[id] = st
	s.toolOrder = append(s.toolOrder, id)
	events = append(events, &ToolStart{
		SessionID:  s.ID,
		ToolCallID: id,
		ToolName:   name,
		ToolIndex:  st.Index,
		TS:         s.stamp(),
	})
	return events, nil
}

// AppendToolJSON appends a streamed JSON argument fragment to a tool call.
func (s *Session) AppendToolJSON(id, fragment string) (*ToolDelta, error) {
	if s.completed {
		return nil, ErrSessionCompleted
	}
	st, ok := s.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToolCall, id)
	}
	st.buf.WriteString(fragment)
	st.seq++
	acc := st.buf.String()
	return &ToolDelta{
		SessionID:      s.ID,
		ToolCallID:     id,
		Delta:          fragment,
		Accumulated:    acc,
		SequenceNumber: st.seq,
		IsValidJSON:    json.Valid([]byte(acc)),
		TS:             s.stamp(),
	}, nil
}

// CompleteTool closes a tool call block, parsing the accumulated argument
// JSON. A parse failure does not fail the call: arguments resolve to an
// empty object and the raw text is preserved on the event.
func (s *Session) CompleteTool(id string) (*ToolComplete, error) {
	if s.completed {
		return nil, ErrSessionCompleted
	}
	st, ok := s.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToolCall, id)
	}
	if st.completed {
		return nil, fmt.Errorf("tool call %q already completed", id)
	}
	raw := st.buf.String()
	args := make(map[string]any)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			args = map[string]any{}
		}
	}
	st.Arguments = args
	st.completed = true
	s.fragments = append(s.fragments, Fragment{Kind: FragmentToolCall, Content: raw, ToolCallID: id})
	return &ToolComplete{
		SessionID:    s.ID,
		ToolCallID:   id,
		ToolName:     st.Name,
		Arguments:    args,
		ArgumentsRaw: raw,
		DurationMs:   time.Since(st.StartedAt).Milliseconds(),
		TS:           s.stamp(),
	}, nil
}

// CompleteToolWithArgs closes a tool call whose provider delivered the full
// argument object at once (no streamed fragments, or a final authoritative
// object overriding them).
func (s *Session) CompleteToolWithArgs(id string, args map[string]any, raw string) (*ToolComplete, error) {
	st, ok := s.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToolCall, id)
	}
	if raw == "" {
		b, err := json.Marshal(args)
		if err == nil {
			raw = string(b)
		}
	}
	st.buf.Reset()
	st.buf.WriteString(raw)
	ev, err := s.CompleteTool(id)
	if err != nil {
		return nil, err
	}
	if args != nil {
		ev.Arguments = args
		st.Arguments = args
	}
	return ev, nil
}

// FinishTool records the execution outcome of a completed tool call.
func (s *Session) FinishTool(id, result string, success bool, errMsg string, execution time.Duration) (*ToolResult, error) {
	if s.completed {
		return nil, ErrSessionCompleted
	}
	st, ok := s.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToolCall, id)
	}
	st.resulted = true
	return &ToolResult{
		SessionID:   s.ID,
		ToolCallID:  id,
		Result:      result,
		Success:     success,
		Error:       errMsg,
		ExecutionMs: execution.Milliseconds(),
		TS:          s.stamp(),
	}, nil
}

// Progress emits incremental output of a streaming tool handler.
func (s *Session) Progress(id, output string) (*ToolProgress, error) {
	if s.completed {
		return nil, ErrSessionCompleted
	}
	if _, ok := s.tools[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToolCall, id)
	}
	return &ToolProgress{SessionID: s.ID, ToolCallID: id, Output: output, TS: s.stamp()}, nil
}

// Todos emits the todo side-channel event.
func (s *Session) Todos(items []TodoItem) *TodoUpdate {
	return &TodoUpdate{SessionID: s.ID, Todos: items, TS: s.stamp()}
}

// Metrics snapshots the token and timing counters.
func (s *Session) Metrics() *MetricsUpdate {
	return &MetricsUpdate{
		SessionID: s.ID,
		Tokens:    s.Usage(),
		Timing:    s.timing(),
		TS:        s.stamp(),
	}
}

// Complete emits the terminal event. Every opened tool call must have been
// completed and carry a result, unless the session stops with an error.
func (s *Session) Complete(reason StopReason, costUSD float64) (*ActivityComplete, error) {
	if s.completed {
		return nil, ErrSessionCompleted
	}
	if reason != StopError {
		for _, id := range s.toolOrder {
			st := s.tools[id]
			if !st.completed || !st.resulted {
				return nil, fmt.Errorf("tool call %q has no terminal event before activity_complete", id)
			}
		}
	}
	s.CloseThinking()
	s.finalizeText()
	s.completed = true
	return &ActivityComplete{
		SessionID:     s.ID,
		Tokens:        s.Usage(),
		Timing:        s.timing(),
		HadThinking:   s.hadThinking,
		ToolCallCount: len(s.toolOrder),
		StopReason:    reason,
		CostUSD:       costUSD,
		TS:            s.stamp(),
	}, nil
}

// Errorf builds the error event that precedes a stopReason=error complete.
func (s *Session) Errorf(code, format string, args ...any) *ErrorEvent {
	return &ErrorEvent{
		SessionID: s.ID,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		TS:        s.stamp(),
	}
}

// OpenBlock records the type of an indexed provider block. Indices must grow
// strictly; an out-of-order index is an implementation error, not silently
// repaired.
func (s *Session) OpenBlock(index int, kind BlockKind, toolID string) error {
	if index <= s.lastBlock {
		return fmt.Errorf("%w: %d after %d", ErrNonMonotonicBlock, index, s.lastBlock)
	}
	s.lastBlock = index
	s.blockKinds[index] = kind
	if toolID != "" {
		s.blockTools[index] = toolID
	}
	return nil
}

// Block returns the recorded kind and tool id for an index.
func (s *Session) Block(index int) (BlockKind, string, bool) {
	kind, ok := s.blockKinds[index]
	return kind, s.blockTools[index], ok
}

// ResetTurn clears per-turn block bookkeeping while keeping session-scoped
// counters. The orchestrator calls this before a continuation stream.
func (s *Session) ResetTurn() {
	s.blockKinds = make(map[int]BlockKind)
	s.blockTools = make(map[int]string)
	s.lastBlock = -1
	s.InsideThinkTag = false
}

// EstimateTokens approximates the token count of a text when the provider
/// reported none: ceil(len/4).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
