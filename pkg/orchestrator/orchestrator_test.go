package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/activitycore/pkg/activity"
	"github.com/agenticwork/activitycore/pkg/capability"
	"github.com/agenticwork/activitycore/pkg/config"
	"github.com/agenticwork/activitycore/pkg/fanout"
	"github.com/agenticwork/activitycore/pkg/prompt"
	"github.com/agenticwork/activitycore/pkg/providers"
	"github.com/agenticwork/activitycore/pkg/store"
	"github.com/agenticwork/activitycore/pkg/tools"
)

type scriptedStream struct {
	payloads []string
	pos      int
}

func (s *scriptedStream) Recv() (json.RawMessage, error) {
	if s.pos >= len(s.payloads) {
		return nil, io.EOF
	}
	p := s.payloads[s.pos]
	s.pos++
	return json.RawMessage(p), nil
}

func (s *scriptedStream) Close() error { return nil }

// faultyStream drops the connection after its payloads instead of closing
// cleanly.
type faultyStream struct{ scriptedStream }

func (s *faultyStream) Recv() (json.RawMessage, error) {
	if s.pos >= len(s.payloads) {
		return nil, fmt.Errorf("connection reset")
	}
	return s.scriptedStream.Recv()
}

// blockingStream parks until the request context is cancelled, standing in
// for a provider that has stopped sending.
type blockingStream struct{ ctx context.Context }

func (s *blockingStream) Recv() (json.RawMessage, error) {
	<-s.ctx.Done()
	return nil, s.ctx.Err()
}

func (s *blockingStream) Close() error { return nil }

type scriptedTransport struct {
	mu      sync.Mutex
	scripts [][]string
	// faults marks, per script, streams that end with a transport error
	// instead of EOF.
	faults   []bool
	block    bool
	requests []providers.StreamRequest
}

func (t *scriptedTransport) Family() providers.Family                { return providers.FamilyAnthropic }
func (t *scriptedTransport) ResolveFamily(string) providers.Family   { return providers.FamilyAnthropic }
func (t *scriptedTransport) Close() error                            { return nil }

func (t *scriptedTransport) OpenStream(ctx context.Context, req providers.StreamRequest) (providers.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)
	if t.block {
		return &blockingStream{ctx: ctx}, nil
	}
	if len(t.scripts) == 0 {
		return nil, fmt.Errorf("no scripted stream left")
	}
	s := t.scripts[0]
	t.scripts = t.scripts[1:]
	var fault bool
	if len(t.faults) > 0 {
		fault = t.faults[0]
		t.faults = t.faults[1:]
	}
	if fault {
		return &faultyStream{scriptedStream{payloads: s}}, nil
	}
	return &scriptedStream{payloads: s}, nil
}

func (t *scriptedTransport) requestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

func (t *scriptedTransport) request(i int) providers.StreamRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests[i]
}

type fakeTool struct {
	name    string
	sleep   time.Duration
	fail    bool
	content string
}

func (f *fakeTool) GetName() string        { return f.name }
func (f *fakeTool) GetDescription() string { return "test tool" }
func (f *fakeTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{Name: f.name, Description: "test tool"}
}

func (f *fakeTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
			return tools.ToolResult{}, ctx.Err()
		}
	}
	if f.fail {
		return tools.ToolResult{Success: false, Error: "handler blew up"}, nil
	}
	return tools.ToolResult{Success: true, Content: f.content}, nil
}

type harness struct {
	orch      *Orchestrator
	transport *scriptedTransport
	store     store.Store
}

func newHarness(t *testing.T, transport *scriptedTransport, handoffRoles map[string]string, testTools ...tools.Tool) *harness {
	t.Helper()
	st, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SaveTemplate(context.Background(), store.Template{
		ID: "t-def", Name: "Default", Category: "default",
		Content: "You are a helpful assistant.", IsDefault: true, IsActive: true,
	}))

	preg := providers.NewRegistry()
	require.NoError(t, preg.Register("anthropic-main", transport))

	treg := tools.NewRegistry()
	for _, tool := range testTools {
		require.NoError(t, treg.Add(tool))
	}
	inv := tools.NewInvoker(treg,
		tools.WithTimeout(2*time.Second),
		tools.WithHandoffRoles(handoffRoles))

	router := prompt.NewRouter(config.RoutingConfig{
		SemanticRouting: config.SemanticDisabled,
		CacheTTL:        time.Minute,
	}, st, nil, nil)

	orch := New(
		config.OrchestratorConfig{
			ToolTimeout:     2 * time.Second,
			RequestTimeout:  10 * time.Second,
			MaxHandoffDepth: 4,
			MaxIterations:   5,
			AbortGrace:      100 * time.Millisecond,
			HandoffRoles:    handoffRoles,
		},
		config.FanoutConfig{BufferSize: 64, SSELossless: true},
		Services{
			Providers:    preg,
			Tools:        treg,
			Invoker:      inv,
			Capabilities: capability.NewRegistry(),
			Prompts:      router,
			Store:        st,
		},
	)
	return &harness{orch: orch, transport: transport, store: st}
}

func collect(t *testing.T, sub *fanout.Subscriber) []activity.Event {
	t.Helper()
	var out []activity.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			t.Fatalf("stream did not terminate; got %d events", len(out))
		}
	}
}

func eventKinds(events []activity.Event) []activity.EventType {
	out := make([]activity.EventType, len(events))
	for i, e := range events {
		out[i] = e.Kind()
	}
	return out
}

func textTurn(text string) []string {
	return []string{
		`{"type":"message_start","message":{"usage":{"input_tokens":100,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text),
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}`,
		`{"type":"message_stop"}`,
	}
}

func toolTurn(blocks ...[3]string) []string {
	payloads := []string{
		`{"type":"message_start","message":{"usage":{"input_tokens":80,"output_tokens":0}}}`,
	}
	for i, b := range blocks {
		id, name, args := b[0], b[1], b[2]
		payloads = append(payloads,
			fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":%q,"name":%q}}`, i, id, name),
			fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":%q}}`, i, args),
			fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, i),
		)
	}
	return append(payloads,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
	)
}

func TestStreamSimpleTurn(t *testing.T) {
	transport := &scriptedTransport{scripts: [][]string{
		{
			`{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Let me work "}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"through this."}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"text"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"The answer is 42."}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":55}}`,
			`{"type":"message_stop"}`,
		},
	}}
	h := newHarness(t, transport, nil)

	sub, err := h.orch.Stream(context.Background(), Request{
		SessionID: "sess-1", UserID: "u1", Message: "what is the answer?",
		Provider: "anthropic-main", Model: "claude-sonnet-4",
	})
	require.NoError(t, err)

	events := collect(t, sub)
	assert.Equal(t, []activity.EventType{
		activity.EventActivityStart,
		activity.EventThinkingStart,
		activity.EventThinkingDelta,
		activity.EventThinkingDelta,
		activity.EventThinkingComplete,
		activity.EventContentDelta,
		activity.EventMetricsUpdate,
		activity.EventActivityComplete,
	}, eventKinds(events))

	done := events[len(events)-1].(*activity.ActivityComplete)
	assert.Equal(t, activity.StopEndTurn, done.StopReason)
	assert.True(t, done.HadThinking)
	assert.Zero(t, done.ToolCallCount)

	// Both sides of the exchange were persisted.
	require.Eventually(t, func() bool {
		history, err := h.store.History(context.Background(), "sess-1", 0)
		return err == nil && len(history) == 2
	}, 2*time.Second, 10*time.Millisecond)
	history, err := h.store.History(context.Background(), "sess-1", 0)
	require.NoError(t, err)
	assert.Equal(t, activity.RoleUser, history[0].Role)
	assert.Equal(t, activity.RoleAssistant, history[1].Role)
	assert.Equal(t, "The answer is 42.", history[1].Content)
	assert.Equal(t, "Let me work through this.", history[1].ReasoningTrace)
}

func TestStreamToolCallContinuation(t *testing.T) {
	transport := &scriptedTransport{scripts: [][]string{
		toolTurn([3]string{"toolu_01", "get_weather", `{"city":"Paris"}`}),
		textTurn("It is 21C in Paris."),
	}}
	h := newHarness(t, transport, nil, &fakeTool{name: "get_weather", content: `{"temp":"21C"}`})

	sub, err := h.orch.Stream(context.Background(), Request{
		SessionID: "sess-2", UserID: "u1", Message: "weather in paris?",
		Provider: "anthropic-main", Model: "claude-sonnet-4",
	})
	require.NoError(t, err)

	events := collect(t, sub)
	assert.Equal(t, []activity.EventType{
		activity.EventActivityStart,
		activity.EventToolStart,
		activity.EventToolDelta,
		activity.EventToolComplete,
		activity.EventMetricsUpdate,
		activity.EventToolResult,
		activity.EventContentDelta,
		activity.EventMetricsUpdate,
		activity.EventActivityComplete,
	}, eventKinds(events))

	result := events[5].(*activity.ToolResult)
	assert.True(t, result.Success)
	assert.Equal(t, `{"temp":"21C"}`, result.Result)

	done := events[len(events)-1].(*activity.ActivityComplete)
	assert.Equal(t, activity.StopEndTurn, done.StopReason)
	assert.Equal(t, 1, done.ToolCallCount)

	// The continuation request replays the call and its result.
	require.Equal(t, 2, transport.requestCount())
	cont := transport.request(1)
	require.GreaterOrEqual(t, len(cont.Messages), 3)
	assistant := cont.Messages[len(cont.Messages)-2]
	toolMsg := cont.Messages[len(cont.Messages)-1]
	assert.Equal(t, "assistant", assistant.Role)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "toolu_01", assistant.ToolCalls[0].ID)
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "toolu_01", toolMsg.ToolCallID)
	assert.Equal(t, `{"temp":"21C"}`, toolMsg.Content)
}

func TestParallelToolsReserializedInIndexOrder(t *testing.T) {
	transport := &scriptedTransport{scripts: [][]string{
		toolTurn(
			[3]string{"t-slow", "slow_lookup", `{"q":"a"}`},
			[3]string{"t-fast", "fast_lookup", `{"q":"b"}`},
		),
		textTurn("done"),
	}}
	h := newHarness(t, transport, nil,
		&fakeTool{name: "slow_lookup", sleep: 200 * time.Millisecond, content: "slow-result"},
		&fakeTool{name: "fast_lookup", content: "fast-result"},
	)

	sub, err := h.orch.Stream(context.Background(), Request{
		SessionID: "sess-3", UserID: "u1", Message: "look both up",
		Provider: "anthropic-main", Model: "claude-sonnet-4",
	})
	require.NoError(t, err)
	events := collect(t, sub)

	// Results surface in completion order: the fast tool first.
	var results []*activity.ToolResult
	for _, e := range events {
		if r, ok := e.(*activity.ToolResult); ok {
			results = append(results, r)
		}
	}
	require.Len(t, results, 2)
	assert.Equal(t, "t-fast", results[0].ToolCallID)
	assert.Equal(t, "t-slow", results[1].ToolCallID)

	// The continuation replays them in the order the calls were opened.
	require.Equal(t, 2, transport.requestCount())
	cont := transport.request(1)
	var toolMsgs []providers.ChatMessage
	for _, m := range cont.Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 2)
	assert.Equal(t, "t-slow", toolMsgs[0].ToolCallID)
	assert.Equal(t, "t-fast", toolMsgs[1].ToolCallID)
}

func TestHandoffRunsNestedActivity(t *testing.T) {
	transport := &scriptedTransport{scripts: [][]string{
		toolTurn([3]string{"t-h1", "reasoning", `{"task":"think hard about it"}`}),
		textTurn("Deep answer."),
		textTurn("Final answer, per the reasoning model."),
	}}
	roles := map[string]string{"reasoning": "anthropic-main/claude-opus-4"}
	h := newHarness(t, transport, roles)

	sub, err := h.orch.Stream(context.Background(), Request{
		SessionID: "sess-4", UserID: "u1", Message: "hard question",
		Provider: "anthropic-main", Model: "claude-sonnet-4",
	})
	require.NoError(t, err)
	events := collect(t, sub)

	var starts []*activity.ActivityStart
	var completes []*activity.ActivityComplete
	for _, e := range events {
		switch ev := e.(type) {
		case *activity.ActivityStart:
			starts = append(starts, ev)
		case *activity.ActivityComplete:
			completes = append(completes, ev)
		}
	}
	require.Len(t, starts, 2, "handoff emits its own activity_start")
	require.Len(t, completes, 2)
	assert.Equal(t, "claude-sonnet-4", starts[0].Model)
	assert.Equal(t, "claude-opus-4", starts[1].Model)
	// The nested pair closes before the outer one.
	assert.Equal(t, starts[1].SessionID, completes[0].SessionID)
	assert.Equal(t, starts[0].SessionID, completes[1].SessionID)

	// The sub-model's answer came back as the call's result.
	var result *activity.ToolResult
	for _, e := range events {
		if r, ok := e.(*activity.ToolResult); ok {
			result = r
		}
	}
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "Deep answer.", result.Result)

	require.Equal(t, 3, transport.requestCount())
	handoffReq := transport.request(1)
	assert.Equal(t, "claude-opus-4", handoffReq.Model)
	assert.Equal(t, "think hard about it", handoffReq.Messages[len(handoffReq.Messages)-1].Content)
}

func TestHandoffCycleIsFatal(t *testing.T) {
	transport := &scriptedTransport{scripts: [][]string{
		toolTurn([3]string{"t-h1", "reasoning", `{"task":"first"}`}),
		toolTurn([3]string{"t-h2", "reasoning", `{"task":"again"}`}),
	}}
	roles := map[string]string{"reasoning": "anthropic-main/claude-opus-4"}
	h := newHarness(t, transport, roles)

	sub, err := h.orch.Stream(context.Background(), Request{
		SessionID: "sess-5", UserID: "u1", Message: "loop",
		Provider: "anthropic-main", Model: "claude-sonnet-4",
	})
	require.NoError(t, err)
	events := collect(t, sub)

	var errEvents []*activity.ErrorEvent
	for _, e := range events {
		if ev, ok := e.(*activity.ErrorEvent); ok {
			errEvents = append(errEvents, ev)
		}
	}
	require.NotEmpty(t, errEvents)
	codes := make([]string, len(errEvents))
	for i, ev := range errEvents {
		codes[i] = ev.Code
	}
	assert.Contains(t, codes, CodeHandoffCycle)

	done := events[len(events)-1].(*activity.ActivityComplete)
	assert.Equal(t, activity.StopError, done.StopReason)
}

func TestDoubleToolFailureEndsTurn(t *testing.T) {
	transport := &scriptedTransport{scripts: [][]string{
		toolTurn([3]string{"t-f1", "flaky", `{"q":"x"}`}),
		toolTurn([3]string{"t-f2", "flaky", `{"q":"x"}`}),
	}}
	h := newHarness(t, transport, nil, &fakeTool{name: "flaky", fail: true})

	sub, err := h.orch.Stream(context.Background(), Request{
		SessionID: "sess-6", UserID: "u1", Message: "try it",
		Provider: "anthropic-main", Model: "claude-sonnet-4",
	})
	require.NoError(t, err)
	events := collect(t, sub)

	var failures int
	for _, e := range events {
		if r, ok := e.(*activity.ToolResult); ok && !r.Success {
			failures++
		}
	}
	assert.Equal(t, 2, failures)

	var errEvent *activity.ErrorEvent
	for _, e := range events {
		if ev, ok := e.(*activity.ErrorEvent); ok {
			errEvent = ev
		}
	}
	require.NotNil(t, errEvent)
	assert.Equal(t, CodeToolFailed, errEvent.Code)

	done := events[len(events)-1].(*activity.ActivityComplete)
	assert.Equal(t, activity.StopError, done.StopReason)
}

func TestCancelInterruptsAndPersists(t *testing.T) {
	transport := &scriptedTransport{block: true}
	h := newHarness(t, transport, nil)

	sub, err := h.orch.Stream(context.Background(), Request{
		SessionID: "sess-7", UserID: "u1", Message: "never answered",
		Provider: "anthropic-main", Model: "claude-sonnet-4",
	})
	require.NoError(t, err)

	// Wait for the stream to open, then cancel.
	first := <-sub.Events()
	assert.Equal(t, activity.EventActivityStart, first.Kind())
	require.Eventually(t, func() bool { return transport.requestCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.orch.Cancel("sess-7"))

	events := collect(t, sub)
	require.NotEmpty(t, events)
	done := events[len(events)-1].(*activity.ActivityComplete)
	assert.Equal(t, activity.StopError, done.StopReason)

	var sawInterrupted bool
	var errCode string
	for _, e := range events {
		if cd, ok := e.(*activity.ContentDelta); ok && cd.Delta == "[Interrupted]" {
			sawInterrupted = true
		}
		if ev, ok := e.(*activity.ErrorEvent); ok {
			errCode = ev.Code
		}
	}
	assert.True(t, sawInterrupted)
	assert.Equal(t, CodeCancelled, errCode)

	// The truncated transcript still lands in the store.
	require.Eventually(t, func() bool {
		history, err := h.store.History(context.Background(), "sess-7", 0)
		if err != nil || len(history) != 2 {
			return false
		}
		return history[1].Content == "[Interrupted]"
	}, 2*time.Second, 10*time.Millisecond)

	// Idempotent: once the run is gone a second cancel is a no-op.
	assert.Eventually(t, func() bool { return !h.orch.Cancel("sess-7") }, 2*time.Second, 10*time.Millisecond)
}

func TestMissingUsageIsEstimatedFromTranscript(t *testing.T) {
	// A stream that never reports usage accounting.
	transport := &scriptedTransport{scripts: [][]string{{
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"A reply the provider never accounted for."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	}}}
	h := newHarness(t, transport, nil)

	sub, err := h.orch.Stream(context.Background(), Request{
		SessionID: "sess-10", UserID: "u1", Message: "hello",
		Provider: "anthropic-main", Model: "claude-sonnet-4",
	})
	require.NoError(t, err)
	events := collect(t, sub)
	done := events[len(events)-1].(*activity.ActivityComplete)
	assert.Equal(t, activity.StopEndTurn, done.StopReason)

	require.Eventually(t, func() bool {
		history, err := h.store.History(context.Background(), "sess-10", 0)
		return err == nil && len(history) == 2
	}, 2*time.Second, 10*time.Millisecond)
	history, err := h.store.History(context.Background(), "sess-10", 0)
	require.NoError(t, err)
	require.NotNil(t, history[1].TokenUsage)
	assert.Greater(t, history[1].TokenUsage.Out, 0, "output tokens are counted locally when the provider reports none")
}

func TestStreamReopenCarriesThinkingSignature(t *testing.T) {
	transport := &scriptedTransport{
		scripts: [][]string{
			{
				`{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`,
				`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Half a thought."}}`,
				`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-partial"}}`,
			},
			textTurn("Recovered answer."),
		},
		faults: []bool{true},
	}
	h := newHarness(t, transport, nil)

	sub, err := h.orch.Stream(context.Background(), Request{
		SessionID: "sess-9", UserID: "u1", Message: "keep going",
		Provider: "anthropic-main", Model: "claude-sonnet-4",
	})
	require.NoError(t, err)
	events := collect(t, sub)

	done := events[len(events)-1].(*activity.ActivityComplete)
	assert.Equal(t, activity.StopEndTurn, done.StopReason)

	// The reopened request replays the signed partial thinking block.
	require.Equal(t, 2, transport.requestCount())
	assert.Empty(t, transport.request(0).ThinkingSignature)
	retry := transport.request(1)
	assert.Equal(t, "sig-partial", retry.ThinkingSignature)
	assert.Equal(t, "Half a thought.", retry.ThinkingText)
}

func TestPromptNotConfiguredFailsTurn(t *testing.T) {
	transport := &scriptedTransport{}
	h := newHarness(t, transport, nil)
	// Deactivate the default template so resolution has nowhere to land.
	require.NoError(t, h.store.SaveTemplate(context.Background(), store.Template{
		ID: "t-def", Name: "Default", Category: "default",
		Content: "You are a helpful assistant.", IsDefault: true, IsActive: false,
	}))

	// Resolution happens before the stream opens: the caller gets a plain
	// error it can map to an HTTP status, not an error frame.
	_, err := h.orch.Stream(context.Background(), Request{
		SessionID: "sess-8", UserID: "u1", Message: "hello",
		Provider: "anthropic-main", Model: "claude-sonnet-4",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, prompt.ErrNotConfigured)
	assert.Equal(t, CodePromptNotConfigured, ErrCode(err))
	assert.Equal(t, 0, transport.requestCount(), "no provider stream is opened without a prompt")
}

func TestStreamValidatesRequest(t *testing.T) {
	h := newHarness(t, &scriptedTransport{}, nil)

	_, err := h.orch.Stream(context.Background(), Request{
		Provider: "anthropic-main", Model: "claude-sonnet-4",
	})
	assert.Error(t, err, "message is required")

	_, err = h.orch.Stream(context.Background(), Request{
		Message: "hi", Provider: "nope", Model: "claude-sonnet-4",
	})
	assert.ErrorContains(t, err, "unknown provider")
}
