package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/agenticwork/activitycore/pkg/activity"
	"github.com/agenticwork/activitycore/pkg/config"
	"github.com/agenticwork/activitycore/pkg/httpclient"
)

const anthropicVersion = "2023-06-01"

// AnthropicTransport speaks the Anthropic Messages API.
type AnthropicTransport struct {
	cfg        config.ProviderConfig
	httpClient *httpclient.Client
}

func NewAnthropicTransport(cfg config.ProviderConfig) (*AnthropicTransport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for anthropic provider")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}

	return &AnthropicTransport{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: defaultTimeout(cfg.Timeout)}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (t *AnthropicTransport) Family() Family                      { return FamilyAnthropic }
func (t *AnthropicTransport) ResolveFamily(modelID string) Family { return FamilyAnthropic }
func (t *AnthropicTransport) Close() error                        { return nil }

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

func (t *AnthropicTransport) buildRequest(req StreamRequest) anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// System text rides the top-level field, not the message list.
			continue

		case "tool":
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case "assistant":
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, anthropicMessage{
					Role:    "assistant",
					Content: []anthropicContent{{Type: "text", Text: msg.Content}},
				})
				continue
			}
			blocks := make([]anthropicContent, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := json.RawMessage(tc.Arguments)
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicContent{
					Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: args,
				})
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})

		default:
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: msg.Content}},
			})
		}
	}

	// Reopening after a mid-stream failure replays the signed partial
	// thinking block so the model resumes instead of starting over.
	if req.ThinkingSignature != "" {
		messages = append(messages, anthropicMessage{
			Role: "assistant",
			Content: []anthropicContent{{
				Type:      "thinking",
				Thinking:  req.ThinkingText,
				Signature: req.ThinkingSignature,
			}},
		})
	}

	out := anthropicRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
		System:      req.System,
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool(tool))
	}
	if req.ThinkingBudget > 0 {
		out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: req.ThinkingBudget}
		// Extended thinking requires temperature 1.
		out.Temperature = 1
	}
	return out
}

func (t *AnthropicTransport) OpenStream(ctx context.Context, req StreamRequest) (Stream, error) {
	body, err := json.Marshal(t.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", t.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic API error (HTTP %d): %s", resp.StatusCode, respBody)
	}

	return newSSEStream(resp), nil
}

type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Delta        *anthropicDelta   `json:"delta,omitempty"`
	Message      *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicNormalizer folds Messages API stream events into canonical
// activity events. The wire's content_block_* framing maps nearly one to one.
type anthropicNormalizer struct {
	toolByIndex map[int]string
	stopReason  activity.StopReason
}

func newAnthropicNormalizer() *anthropicNormalizer {
	return &anthropicNormalizer{
		toolByIndex: make(map[int]string),
		stopReason:  activity.StopEndTurn,
	}
}

func (n *anthropicNormalizer) Feed(payload []byte, s *activity.Session) ([]activity.Event, error) {
	var evt anthropicStreamEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode stream event: %w", err)
	}

	switch evt.Type {
	case "message_start":
		if evt.Message != nil {
			s.AddUsage(evt.Message.Usage.InputTokens, evt.Message.Usage.OutputTokens, 0)
		}
		return nil, nil

	case "content_block_start":
		if evt.ContentBlock == nil {
			return nil, nil
		}
		switch evt.ContentBlock.Type {
		case "tool_use":
			if err := s.OpenBlock(evt.Index, activity.BlockToolUse, evt.ContentBlock.ID); err != nil {
				return nil, err
			}
			n.toolByIndex[evt.Index] = evt.ContentBlock.ID
			return s.StartTool(evt.ContentBlock.ID, evt.ContentBlock.Name)
		case "thinking":
			return nil, s.OpenBlock(evt.Index, activity.BlockThinking, "")
		case "text":
			return nil, s.OpenBlock(evt.Index, activity.BlockText, "")
		}
		return nil, nil

	case "content_block_delta":
		if evt.Delta == nil {
			return nil, nil
		}
		switch evt.Delta.Type {
		case "thinking_delta":
			return s.AppendThinking(activity.ThinkingExtended, evt.Delta.Thinking)
		case "text_delta":
			return s.AppendContent(evt.Delta.Text)
		case "input_json_delta":
			id, ok := n.toolByIndex[evt.Index]
			if !ok {
				return nil, fmt.Errorf("input_json_delta for unknown block index %d", evt.Index)
			}
			delta, err := s.AppendToolJSON(id, evt.Delta.PartialJSON)
			if err != nil {
				return nil, err
			}
			return []activity.Event{delta}, nil
		case "signature_delta":
			// Not renderable, but required to resume thinking if the stream
			// drops mid-turn.
			s.ThinkingSignature = evt.Delta.Signature
			return nil, nil
		}
		// Future delta types carry nothing renderable.
		return nil, nil

	case "content_block_stop":
		if id, ok := n.toolByIndex[evt.Index]; ok {
			delete(n.toolByIndex, evt.Index)
			complete, err := s.CompleteTool(id)
			if err != nil {
				return nil, err
			}
			return []activity.Event{complete}, nil
		}
		return s.CloseThinking(), nil

	case "message_delta":
		if evt.Usage != nil {
			s.AddUsage(0, evt.Usage.OutputTokens, 0)
		}
		if evt.Delta != nil && evt.Delta.StopReason != "" {
			n.stopReason = mapAnthropicStopReason(evt.Delta.StopReason)
		}
		return nil, nil

	case "error":
		if evt.Error != nil {
			return nil, fmt.Errorf("anthropic stream error (%s): %s", evt.Error.Type, evt.Error.Message)
		}
		return nil, fmt.Errorf("anthropic stream error")

	default:
		// message_stop, ping.
		return nil, nil
	}
}

func (n *anthropicNormalizer) Finish(s *activity.Session) ([]activity.Event, activity.StopReason, error) {
	return s.CloseThinking(), n.stopReason, nil
}

func mapAnthropicStopReason(reason string) activity.StopReason {
	switch reason {
	case "tool_use":
		return activity.StopToolUse
	case "max_tokens":
		return activity.StopMaxTokens
	default:
		return activity.StopEndTurn
	}
}
