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

// BedrockTransport talks to a Bedrock SSE gateway. Bedrock hosts models from
// several vendors and passes their native stream shapes through, so the
// model id decides which normalizer consumes the stream.
type BedrockTransport struct {
	cfg        config.ProviderConfig
	httpClient *httpclient.Client
}

func NewBedrockTransport(cfg config.ProviderConfig) (*BedrockTransport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for bedrock provider")
	}

	return &BedrockTransport{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: defaultTimeout(cfg.Timeout)}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}, nil
}

func (t *BedrockTransport) Family() Family { return FamilyBedrock }

// ResolveFamily maps a hosted model id to its native dialect. Configured
// prefixes win; anthropic.* model ids are recognized without configuration.
func (t *BedrockTransport) ResolveFamily(modelID string) Family {
	for prefix, family := range t.cfg.ModelFamilies {
		if strings.HasPrefix(modelID, prefix) {
			return Family(family)
		}
	}
	if strings.HasPrefix(modelID, "anthropic.") || strings.Contains(modelID, "claude") {
		return FamilyAnthropic
	}
	return FamilyBedrock
}

func (t *BedrockTransport) Close() error { return nil }

func (t *BedrockTransport) OpenStream(ctx context.Context, req StreamRequest) (Stream, error) {
	family := t.ResolveFamily(req.Model)

	var body []byte
	var err error
	if family == FamilyAnthropic {
		// Native Claude request body minus the transport-level stream flag.
		at := AnthropicTransport{cfg: t.cfg}
		native := at.buildRequest(req)
		native.Stream = false
		payload := struct {
			anthropicRequest
			AnthropicVersion string `json:"anthropic_version"`
		}{native, "bedrock-2023-05-31"}
		body, err = json.Marshal(payload)
	} else {
		body, err = json.Marshal(map[string]any{
			"prompt":      flattenMessages(req),
			"max_tokens":  req.MaxTokens,
			"temperature": req.Temperature,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/model/%s/invoke-with-response-stream",
		strings.TrimSuffix(t.cfg.BaseURL, "/"), req.Model)
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
		return nil, fmt.Errorf("bedrock request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bedrock API error (HTTP %d): %s", resp.StatusCode, respBody)
	}

	return newSSEStream(resp), nil
}

func flattenMessages(req StreamRequest) string {
	var sb strings.Builder
	if req.System != "" {
		sb.WriteString(req.System)
		sb.WriteString("\n\n")
	}
	for _, msg := range req.Messages {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// bedrockNormalizer handles streams from models without a dedicated
// dialect. Payloads carrying an Anthropic-style type field delegate to the
// anthropic state machine; everything else is read as loose delta objects.
type bedrockNormalizer struct {
	anthropic *anthropicNormalizer
	delegated bool
	stop      activity.StopReason
}

func newBedrockNormalizer() *bedrockNormalizer {
	return &bedrockNormalizer{
		anthropic: newAnthropicNormalizer(),
		stop:      activity.StopEndTurn,
	}
}

type bedrockChunk struct {
	Type  string `json:"type"`
	Delta *struct {
		Thinking  string `json:"thinking"`
		Reasoning string `json:"reasoning"`
		Text      string `json:"text"`
	} `json:"delta"`
	StopReason string `json:"stop_reason"`
}

func (n *bedrockNormalizer) Feed(payload []byte, s *activity.Session) ([]activity.Event, error) {
	var chunk bedrockChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
	}

	if chunk.Type != "" {
		n.delegated = true
		return n.anthropic.Feed(payload, s)
	}

	var events []activity.Event
	if chunk.Delta != nil {
		if thinking := chunk.Delta.Thinking + chunk.Delta.Reasoning; thinking != "" {
			evts, err := s.AppendThinking(activity.ThinkingChainOfThought, thinking)
			if err != nil {
				return nil, err
			}
			events = append(events, evts...)
		}
		if chunk.Delta.Text != "" {
			evts, err := s.AppendContent(chunk.Delta.Text)
			if err != nil {
				return nil, err
			}
			events = append(events, evts...)
		}
	}
	if chunk.StopReason != "" {
		n.stop = mapAnthropicStopReason(chunk.StopReason)
	}
	return events, nil
}

func (n *bedrockNormalizer) Finish(s *activity.Session) ([]activity.Event, activity.StopReason, error) {
	if n.delegated {
		return n.anthropic.Finish(s)
	}
	return s.CloseThinking(), n.stop, nil
}
