package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/activitycore/pkg/activity"
)

func TestOpenAIChatContentAndToolCalls(t *testing.T) {
	s := activity.NewSession("msg-1", "gpt-4o", "openai-main")
	n := newOpenAINormalizer()

	events := feedAll(t, n, s, []string{
		`{"choices":[{"delta":{"content":"Checking "}}]}`,
		`{"choices":[{"delta":{"content":"the weather."}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Oslo\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":80,"completion_tokens":30}}`,
	})

	assert.Equal(t, []activity.EventType{
		activity.EventContentDelta,
		activity.EventContentDelta,
		activity.EventToolStart,
		activity.EventToolDelta,
		activity.EventToolDelta,
		activity.EventToolComplete,
	}, kinds(events))

	complete := events[5].(*activity.ToolComplete)
	assert.Equal(t, "call_abc", complete.ToolCallID)
	assert.Equal(t, map[string]any{"city": "Oslo"}, complete.Arguments)

	_, stop, err := n.Finish(s)
	require.NoError(t, err)
	assert.Equal(t, activity.StopToolUse, stop)
	assert.Equal(t, 80, s.Usage().In)
}

func TestOpenAIHiddenReasoningSynthesis(t *testing.T) {
	s := activity.NewSession("msg-2", "o3-mini", "openai-main")
	n := newOpenAINormalizer()

	feedAll(t, n, s, []string{
		`{"choices":[{"delta":{"content":"The result is 7."}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":50,"completion_tokens":200,"completion_tokens_details":{"reasoning_tokens":180}}}`,
	})

	events, stop, err := n.Finish(s)
	require.NoError(t, err)
	assert.Equal(t, activity.StopEndTurn, stop)

	require.Len(t, events, 1)
	hidden := events[0].(*activity.ThinkingComplete)
	assert.True(t, hidden.WasHidden)
	assert.Empty(t, hidden.Content)
	assert.Equal(t, 180, hidden.TokenCount)
	assert.Equal(t, 180, s.Usage().Reasoning)
}

func TestOpenAIStreamedReasoningIsNotResynthesized(t *testing.T) {
	s := activity.NewSession("msg-3", "deepseek-r1", "gateway")
	n := newOpenAINormalizer()

	feedAll(t, n, s, []string{
		`{"choices":[{"delta":{"reasoning_content":"step one"}}]}`,
		`{"choices":[{"delta":{"content":"done"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":20,"completion_tokens_details":{"reasoning_tokens":15}}}`,
	})

	events, _, err := n.Finish(s)
	require.NoError(t, err)
	for _, e := range events {
		if tc, ok := e.(*activity.ThinkingComplete); ok {
			assert.False(t, tc.WasHidden)
		}
	}
}

func TestOpenAIResponsesDialect(t *testing.T) {
	s := activity.NewSession("msg-4", "gpt-5", "openai-main")
	n := newOpenAINormalizer()

	events := feedAll(t, n, s, []string{
		`{"type":"response.output_text.delta","delta":"Hello"}`,
		`{"type":"response.output_item.added","item":{"id":"fc_1","type":"function_call","call_id":"call_9","name":"search"}}`,
		`{"type":"response.function_call_arguments.delta","item_id":"fc_1","delta":"{\"q\":"}`,
		`{"type":"response.function_call_arguments.delta","item_id":"fc_1","delta":"\"go\"}"}`,
		`{"type":"response.function_call_arguments.done","item_id":"fc_1","arguments":"{\"q\":\"go\"}"}`,
		`{"type":"response.completed","response":{"usage":{"input_tokens":40,"output_tokens":12}}}`,
	})

	assert.Equal(t, []activity.EventType{
		activity.EventContentDelta,
		activity.EventToolStart,
		activity.EventToolDelta,
		activity.EventToolDelta,
		activity.EventToolComplete,
	}, kinds(events))

	complete := events[4].(*activity.ToolComplete)
	assert.Equal(t, "call_9", complete.ToolCallID)
	assert.Equal(t, map[string]any{"q": "go"}, complete.Arguments)

	_, stop, err := n.Finish(s)
	require.NoError(t, err)
	assert.Equal(t, activity.StopToolUse, stop)
}

func TestOpenAIResponsesReasoningSummaryMode(t *testing.T) {
	s := activity.NewSession("msg-6", "gpt-5", "openai-main")
	n := newOpenAINormalizer()

	events := feedAll(t, n, s, []string{
		`{"type":"response.reasoning_summary_text.delta","delta":"Weighing the options."}`,
		`{"type":"response.output_text.delta","delta":"Option B."}`,
		`{"type":"response.completed","response":{"usage":{"input_tokens":20,"output_tokens":8}}}`,
	})

	require.GreaterOrEqual(t, len(events), 2)
	start := events[0].(*activity.ThinkingStart)
	assert.Equal(t, activity.ThinkingSummary, start.Mode)
}

func TestOpenAIResponsesIncompleteMapsToMaxTokens(t *testing.T) {
	s := activity.NewSession("msg-5", "gpt-5", "openai-main")
	n := newOpenAINormalizer()

	feedAll(t, n, s, []string{
		`{"type":"response.output_text.delta","delta":"truncated"}`,
		`{"type":"response.incomplete","response":{"usage":{"input_tokens":5,"output_tokens":100}}}`,
	})

	_, stop, err := n.Finish(s)
	require.NoError(t, err)
	assert.Equal(t, activity.StopMaxTokens, stop)
}
