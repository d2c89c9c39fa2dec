package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agenticwork/activitycore/pkg/activity"
	"github.com/agenticwork/activitycore/pkg/config"
)

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// NewDeepSeekTransport serves DeepSeek and Ollama endpoints, which speak the
// OpenAI-compatible chat API.
func NewDeepSeekTransport(cfg config.ProviderConfig) (*OpenAITransport, error) {
	return newOpenAICompatTransport(cfg, FamilyDeepSeek)
}

// deepSeekNormalizer handles two reasoning channels: the explicit
// reasoning_content delta field, and <think>...</think> tags embedded in
// ordinary content by locally hosted models. Tags may split across chunk
// boundaries, so a carry buffer holds any trailing partial tag.
type deepSeekNormalizer struct {
	toolByWire map[int]string
	carry      string
	stopReason activity.StopReason
}

func newDeepSeekNormalizer() *deepSeekNormalizer {
	return &deepSeekNormalizer{
		toolByWire: make(map[int]string),
		stopReason: activity.StopEndTurn,
	}
}

func (n *deepSeekNormalizer) Feed(payload []byte, s *activity.Session) ([]activity.Event, error) {
	var chunk openaiStreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
	}
	if chunk.Error != nil {
		return nil, fmt.Errorf("%s stream error: %s", chunk.Error.Type, chunk.Error.Message)
	}

	if chunk.Usage != nil {
		s.AddUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens, chunk.Usage.CompletionTokensDetails.ReasoningTokens)
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}
	choice := chunk.Choices[0]

	var events []activity.Event
	if reasoning := choice.Delta.Reasoning + choice.Delta.ReasoningContent; reasoning != "" {
		evts, err := s.AppendThinking(activity.ThinkingChainOfThought, reasoning)
		if err != nil {
			return nil, err
		}
		events = append(events, evts...)
	}

	if choice.Delta.Content != "" {
		evts, err := n.feedTaggedContent(choice.Delta.Content, s)
		if err != nil {
			return nil, err
		}
		events = append(events, evts...)
	}

	for _, tc := range choice.Delta.ToolCalls {
		if tc.ID != "" {
			n.toolByWire[tc.Index] = tc.ID
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

// feedTaggedContent splits a content chunk at <think> tag boundaries and
// routes the pieces. The insideThinkTag state lives on the session so a
// continuation stream starts clean after ResetTurn.
func (n *deepSeekNormalizer) feedTaggedContent(text string, s *activity.Session) ([]activity.Event, error) {
	text = n.carry + text
	n.carry = ""

	var events []activity.Event
	emit := func(piece string) error {
		if piece == "" {
			return nil
		}
		var evts []activity.Event
		var err error
		if s.InsideThinkTag {
			evts, err = s.AppendThinking(activity.ThinkingChainOfThought, piece)
		} else {
			evts, err = s.AppendContent(piece)
		}
		if err != nil {
			return err
		}
		events = append(events, evts...)
		return nil
	}

	for text != "" {
		tag := thinkOpenTag
		if s.InsideThinkTag {
			tag = thinkCloseTag
		}

		idx := strings.Index(text, tag)
		if idx >= 0 {
			if err := emit(text[:idx]); err != nil {
				return nil, err
			}
			if s.InsideThinkTag {
				events = append(events, s.CloseThinking()...)
			}
			s.InsideThinkTag = !s.InsideThinkTag
			text = text[idx+len(tag):]
			continue
		}

		// Hold back a trailing partial tag for the next chunk.
		hold := partialTagSuffix(text, tag)
		if err := emit(text[:len(text)-hold]); err != nil {
			return nil, err
		}
		n.carry = text[len(text)-hold:]
		break
	}
	return events, nil
}

// partialTagSuffix returns the length of the longest suffix of text that is
// a proper prefix of tag.
func partialTagSuffix(text, tag string) int {
	max := len(tag) - 1
	if max > len(text) {
		max = len(text)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(text, tag[:l]) {
			return l
		}
	}
	return 0
}

func (n *deepSeekNormalizer) Finish(s *activity.Session) ([]activity.Event, activity.StopReason, error) {
	// An unterminated think tag at stream end flushes as thinking; the carry
	// is dropped only if it is a bare partial tag.
	var events []activity.Event
	if n.carry != "" && !strings.HasPrefix(n.carry, "<") {
		evts, err := s.AppendContent(n.carry)
		if err != nil {
			return nil, n.stopReason, err
		}
		events = append(events, evts...)
		n.carry = ""
	}
	events = append(events, s.CloseThinking()...)
	return events, n.stopReason, nil
}
