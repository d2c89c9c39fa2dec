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

// GeminiTransport speaks the Gemini generateContent API over SSE.
type GeminiTransport struct {
	cfg        config.ProviderConfig
	httpClient *httpclient.Client
}

func NewGeminiTransport(cfg config.ProviderConfig) (*GeminiTransport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for gemini provider")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}

	return &GeminiTransport{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: defaultTimeout(cfg.Timeout)}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseGeminiHeaders),
		),
	}, nil
}

func (t *GeminiTransport) Family() Family                      { return FamilyGemini }
func (t *GeminiTransport) ResolveFamily(modelID string) Family { return FamilyGemini }
func (t *GeminiTransport) Close() error                        { return nil }

type geminiPart struct {
	Text         string              `json:"text,omitempty"`
	Thought      bool                `json:"thought,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResp *struct {
		Name     string         `json:"name"`
		Response map[string]any `json:"response"`
	} `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
	// Streaming function calls arrive as incremental path/value pairs until
	// the final chunk carries the whole args object.
	PartialArgs  []geminiPartialArg `json:"partialArgs,omitempty"`
	WillContinue bool               `json:"willContinue,omitempty"`
}

type geminiPartialArg struct {
	JSONPath string          `json:"jsonPath"`
	Value    json.RawMessage `json:"value"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiToolSet `json:"tools,omitempty"`
	GenerationConfig  struct {
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		Temperature     *float64 `json:"temperature,omitempty"`
		ThinkingConfig  *struct {
			ThinkingBudget  int  `json:"thinkingBudget"`
			IncludeThoughts bool `json:"includeThoughts"`
		} `json:"thinkingConfig,omitempty"`
	} `json:"generationConfig"`
}

type geminiToolSet struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func (t *GeminiTransport) buildRequest(req StreamRequest) geminiRequest {
	out := geminiRequest{}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			continue
		case "assistant":
			parts := []geminiPart{}
			if msg.Content != "" {
				parts = append(parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				_ = json.Unmarshal([]byte(tc.Arguments), &args)
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args}})
			}
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: parts})
		case "tool":
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{
				FunctionResp: &struct {
					Name     string         `json:"name"`
					Response map[string]any `json:"response"`
				}{Name: msg.ToolName, Response: map[string]any{"result": msg.Content}},
			}}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}

	if len(req.Tools) > 0 {
		set := geminiToolSet{}
		for _, tool := range req.Tools {
			set.FunctionDeclarations = append(set.FunctionDeclarations, geminiFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}
		out.Tools = []geminiToolSet{set}
	}

	out.GenerationConfig.MaxOutputTokens = req.MaxTokens
	if req.Temperature > 0 {
		temp := req.Temperature
		out.GenerationConfig.Temperature = &temp
	}
	if req.ThinkingBudget > 0 {
		out.GenerationConfig.ThinkingConfig = &struct {
			ThinkingBudget  int  `json:"thinkingBudget"`
			IncludeThoughts bool `json:"includeThoughts"`
		}{ThinkingBudget: req.ThinkingBudget, IncludeThoughts: true}
	}
	return out
}

func (t *GeminiTransport) OpenStream(ctx context.Context, req StreamRequest) (Stream, error) {
	body, err := json.Marshal(t.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
		strings.TrimSuffix(t.cfg.BaseURL, "/"), req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", t.cfg.APIKey)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gemini API error (HTTP %d): %s", resp.StatusCode, respBody)
	}

	return newSSEStream(resp), nil
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	} `json:"usageMetadata"`
}

// geminiNormalizer classifies candidate parts: thought text, streamed
// function calls, and plain text.
type geminiNormalizer struct {
	openToolID   map[string]string // function name -> synthesized call id
	toolCounter  int
	sawToolCalls bool
	stopReason   activity.StopReason
}

func newGeminiNormalizer() *geminiNormalizer {
	return &geminiNormalizer{
		openToolID: make(map[string]string),
		stopReason: activity.StopEndTurn,
	}
}

func (n *geminiNormalizer) Feed(payload []byte, s *activity.Session) ([]activity.Event, error) {
	var chunk geminiStreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
	}

	if chunk.UsageMetadata != nil {
		s.AddUsage(chunk.UsageMetadata.PromptTokenCount, chunk.UsageMetadata.CandidatesTokenCount, chunk.UsageMetadata.ThoughtsTokenCount)
	}
	if len(chunk.Candidates) == 0 {
		return nil, nil
	}
	candidate := chunk.Candidates[0]

	var events []activity.Event
	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			evts, err := n.feedFunctionCall(part.FunctionCall, s)
			if err != nil {
				return nil, err
			}
			events = append(events, evts...)

		case part.Thought && part.Text != "":
			evts, err := s.AppendThinking(activity.ThinkingSummary, part.Text)
			if err != nil {
				return nil, err
			}
			events = append(events, evts...)

		case part.Text != "":
			evts, err := s.AppendContent(part.Text)
			if err != nil {
				return nil, err
			}
			events = append(events, evts...)
		}
	}

	if candidate.FinishReason != "" {
		n.stopReason = n.mapFinishReason(candidate.FinishReason)
	}
	return events, nil
}

func (n *geminiNormalizer) feedFunctionCall(fc *geminiFunctionCall, s *activity.Session) ([]activity.Event, error) {
	var events []activity.Event

	id, open := n.openToolID[fc.Name]
	if !open {
		n.toolCounter++
		id = fmt.Sprintf("%s-%d", fc.Name, n.toolCounter)
		n.openToolID[fc.Name] = id
		n.sawToolCalls = true
		evts, err := s.StartTool(id, fc.Name)
		if err != nil {
			return nil, err
		}
		events = append(events, evts...)
	}

	for _, partial := range fc.PartialArgs {
		fragment := fmt.Sprintf("{%q:%s}", partial.JSONPath, partial.Value)
		delta, err := s.AppendToolJSON(id, fragment)
		if err != nil {
			return nil, err
		}
		events = append(events, delta)
	}

	if !fc.WillContinue && fc.Args != nil {
		raw, _ := json.Marshal(fc.Args)
		complete, err := s.CompleteToolWithArgs(id, fc.Args, string(raw))
		if err != nil {
			return nil, err
		}
		events = append(events, complete)
		delete(n.openToolID, fc.Name)
	}
	return events, nil
}

func (n *geminiNormalizer) Finish(s *activity.Session) ([]activity.Event, activity.StopReason, error) {
	events := s.CloseThinking()
	if n.sawToolCalls && n.stopReason == activity.StopEndTurn {
		n.stopReason = activity.StopToolUse
	}
	return events, n.stopReason, nil
}

func (n *geminiNormalizer) mapFinishReason(reason string) activity.StopReason {
	switch reason {
	case "MAX_TOKENS":
		return activity.StopMaxTokens
	case "STOP":
		if n.sawToolCalls {
			return activity.StopToolUse
		}
		return activity.StopEndTurn
	default:
		return activity.StopEndTurn
	}
}
