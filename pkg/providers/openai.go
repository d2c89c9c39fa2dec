package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agenticwork/activitycore/pkg/activity"
	"github.com/agenticwork/activitycore/pkg/config"
	"github.com/agenticwork/activitycore/pkg/httpclient"
)

// OpenAITransport speaks the OpenAI Chat Completions API. It also serves
// OpenAI-compatible gateways; only the base URL differs.
type OpenAITransport struct {
	cfg        config.ProviderConfig
	family     Family
	httpClient *httpclient.Client
}

func NewOpenAITransport(cfg config.ProviderConfig) (*OpenAITransport, error) {
	return newOpenAICompatTransport(cfg, FamilyOpenAI)
}

func newOpenAICompatTransport(cfg config.ProviderConfig, family Family) (*OpenAITransport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for %s provider", family)
	}

	return &OpenAITransport{
		cfg:    cfg,
		family: family,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: defaultTimeout(cfg.Timeout)}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (t *OpenAITransport) Family() Family                      { return t.family }
func (t *OpenAITransport) ResolveFamily(modelID string) Family { return t.family }
func (t *OpenAITransport) Close() error                        { return nil }

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openaiRequest struct {
	Model           string          `json:"model"`
	Messages        []openaiMessage `json:"messages"`
	MaxTokens       int             `json:"max_completion_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	Stream          bool            `json:"stream"`
	StreamOptions   map[string]any  `json:"stream_options,omitempty"`
	Tools           []openaiTool    `json:"tools,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
}

func (t *OpenAITransport) buildRequest(req StreamRequest) openaiRequest {
	messages := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		m := openaiMessage{Role: msg.Role, Content: msg.Content, ToolCallID: msg.ToolCallID}
		for i, tc := range msg.ToolCalls {
			args := tc.Arguments
			if args == "" {
				args = "{}"
			}
			otc := openaiToolCall{Index: i, ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = args
			m.ToolCalls = append(m.ToolCalls, otc)
		}
		messages = append(messages, m)
	}

	out := openaiRequest{
		Model:         req.Model,
		Messages:      messages,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: map[string]any{"include_usage": true},
	}
	// Reasoning models reject explicit temperature.
	if req.ReasoningEffort != "" {
		out.ReasoningEffort = req.ReasoningEffort
	} else if req.Temperature > 0 {
		temp := req.Temperature
		out.Temperature = &temp
	}
	for _, tool := range req.Tools {
		ot := openaiTool{Type: "function"}
		ot.Function.Name = tool.Name
		ot.Function.Description = tool.Description
		ot.Function.Parameters = tool.InputSchema
		out.Tools = append(out.Tools, ot)
	}
	return out
}

func (t *OpenAITransport) OpenStream(ctx context.Context, req StreamRequest) (Stream, error) {
	body, err := json.Marshal(t.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(t.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", t.family, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s API error (HTTP %d): %s", t.family, resp.StatusCode, respBody)
	}

	return newSSEStream(resp), nil
}

// openaiResponseEvent is the Responses API stream shape. Events carry a
// dotted type discriminator (response.output_text.delta and friends).
type openaiResponseEvent struct {
	Type string `json:"type"`
	Item *struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Name   string `json:"name"`
	} `json:"item"`
	ItemID    string `json:"item_id"`
	Delta     string `json:"delta"`
	Arguments string `json:"arguments"`
	Response  *struct {
		Usage *struct {
			InputTokens        int `json:"input_tokens"`
			OutputTokens       int `json:"output_tokens"`
			OutputTokensDetail struct {
				ReasoningTokens int `json:"reasoning_tokens"`
			} `json:"output_tokens_details"`
		} `json:"usage"`
	} `json:"response"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			// Gateways stream reasoning under either key.
			Reasoning        string           `json:"reasoning"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openaiToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens            int `json:"prompt_tokens"`
		CompletionTokens        int `json:"completion_tokens"`
		CompletionTokensDetails struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// openaiNormalizer folds OpenAI stream payloads into canonical events. Both
// wire shapes are accepted: Responses API events (dotted type field) and Chat
// Completions chunks, since gateways proxy either. Reasoning models that
// never stream their chain of thought still report reasoning token counts in
// the final usage block; Finish synthesizes the hidden thinking_complete
// from that.
type openaiNormalizer struct {
	toolByWire      map[int]string
	callByItem      map[string]string
	sawReasoning    bool
	sawToolCalls    bool
	reasoningTokens int
	stopReason      activity.StopReason
}

func newOpenAINormalizer() *openaiNormalizer {
	return &openaiNormalizer{
		toolByWire: make(map[int]string),
		callByItem: make(map[string]string),
		stopReason: activity.StopEndTurn,
	}
}

func (n *openaiNormalizer) Feed(payload []byte, s *activity.Session) ([]activity.Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
	}
	if strings.HasPrefix(probe.Type, "response.") || probe.Type == "error" {
		return n.feedResponseEvent(payload, s)
	}

	var chunk openaiStreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
	}
	if chunk.Error != nil {
		return nil, fmt.Errorf("%s stream error: %s", chunk.Error.Type, chunk.Error.Message)
	}

	if chunk.Usage != nil {
		s.AddUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens, chunk.Usage.CompletionTokensDetails.ReasoningTokens)
		n.reasoningTokens = chunk.Usage.CompletionTokensDetails.ReasoningTokens
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}
	choice := chunk.Choices[0]

	var events []activity.Event
	if reasoning := choice.Delta.Reasoning + choice.Delta.ReasoningContent; reasoning != "" {
		n.sawReasoning = true
		evts, err := s.AppendThinking(activity.ThinkingChainOfThought, reasoning)
		if err != nil {
			return nil, err
		}
		events = append(events, evts...)
	}

	if choice.Delta.Content != "" {
		evts, err := s.AppendContent(choice.Delta.Content)
		if err != nil {
			return nil, err
		}
		events = append(events, evts...)
	}

	for _, tc := range choice.Delta.ToolCalls {
		if tc.ID != "" {
			n.toolByWire[tc.Index] = tc.ID
			n.sawToolCalls = true
			evts, err := s.StartTool(tc.ID, tc.Function.Name)
			if err != nil {
				return nil, err
			}
			events = append(events, evts...)
		}
		if tc.Function.Arguments != "" {
			id, ok := n.toolByWire[tc.Index]
			if !ok {
				return nil, fmt.Errorf("tool call arguments for unknown index %d", tc.Index)
			}
			delta, err := s.AppendToolJSON(id, tc.Function.Arguments)
			if err != nil {
				return nil, err
			}
			events = append(events, delta)
		}
	}

	if choice.FinishReason != "" {
		n.stopReason = mapOpenAIFinishReason(choice.FinishReason)
		// The wire has no per-call terminator; finish_reason closes them all.
		for wireIdx := 0; wireIdx < len(n.toolByWire); wireIdx++ {
			id, ok := n.toolByWire[wireIdx]
			if !ok {
				continue
			}
			complete, err := s.CompleteTool(id)
			if err != nil {
				return nil, err
			}
			events = append(events, complete)
		}
		n.toolByWire = make(map[int]string)
	}

	return events, nil
}

func (n *openaiNormalizer) feedResponseEvent(payload []byte, s *activity.Session) ([]activity.Event, error) {
	var evt openaiResponseEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode response event: %w", err)
	}

	switch evt.Type {
	case "response.output_item.added":
		if evt.Item == nil || evt.Item.Type != "function_call" {
			return nil, nil
		}
		callID := evt.Item.CallID
		if callID == "" {
			callID = evt.Item.ID
		}
		n.callByItem[evt.Item.ID] = callID
		n.sawToolCalls = true
		return s.StartTool(callID, evt.Item.Name)

	case "response.function_call_arguments.delta":
		callID, ok := n.callByItem[evt.ItemID]
		if !ok {
			return nil, fmt.Errorf("arguments delta for unknown item %s", evt.ItemID)
		}
		delta, err := s.AppendToolJSON(callID, evt.Delta)
		if err != nil {
			return nil, err
		}
		return []activity.Event{delta}, nil

	case "response.function_call_arguments.done":
		callID, ok := n.callByItem[evt.ItemID]
		if !ok {
			return nil, fmt.Errorf("arguments done for unknown item %s", evt.ItemID)
		}
		delete(n.callByItem, evt.ItemID)
		// The done event is authoritative; a parse failure still completes
		// the call with empty arguments.
		args := map[string]any{}
		if evt.Arguments != "" {
			if err := json.Unmarshal([]byte(evt.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}
		complete, err := s.CompleteToolWithArgs(callID, args, evt.Arguments)
		if err != nil {
			return nil, err
		}
		return []activity.Event{complete}, nil

	case "response.output_text.delta":
		return s.AppendContent(evt.Delta)

	case "response.reasoning_summary_text.delta":
		// Responses API reasoning arrives as model-written summaries, not the
		// raw chain of thought.
		n.sawReasoning = true
		return s.AppendThinking(activity.ThinkingSummary, evt.Delta)

	case "response.completed", "response.incomplete":
		if evt.Response != nil && evt.Response.Usage != nil {
			u := evt.Response.Usage
			s.AddUsage(u.InputTokens, u.OutputTokens, u.OutputTokensDetail.ReasoningTokens)
			n.reasoningTokens = u.OutputTokensDetail.ReasoningTokens
		}
		if evt.Type == "response.incomplete" {
			n.stopReason = activity.StopMaxTokens
		} else if n.sawToolCalls {
			n.stopReason = activity.StopToolUse
		}
		return nil, nil

	case "error":
		return nil, fmt.Errorf("openai stream error: %s", payload)

	default:
		return nil, nil
	}
}

func (n *openaiNormalizer) Finish(s *activity.Session) ([]activity.Event, activity.StopReason, error) {
	events := s.CloseThinking()
	if !n.sawReasoning && n.reasoningTokens > 0 {
		hidden, err := s.HiddenThinking(n.reasoningTokens)
		if err != nil {
			return nil, n.stopReason, err
		}
		events = append(events, hidden)
	}
	return events, n.stopReason, nil
}

func mapOpenAIFinishReason(reason string) activity.StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return activity.StopToolUse
	case "length":
		return activity.StopMaxTokens
	default:
		return activity.StopEndTurn
	}
}
