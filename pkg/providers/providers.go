// Package providers turns heterogeneous model API streams into the canonical
// activity event vocabulary. Each supported wire dialect (family) has a
// transport that shapes requests and a normalizer that folds raw stream
// payloads into an activity.Session.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agenticwork/activitycore/pkg/registry"
)

// Family identifies a wire dialect, not a vendor. A proxy exposing the
// OpenAI-compatible API is FamilyOpenAI regardless of which models it hosts.
type Family string

const (
	FamilyAnthropic Family = "anthropic"
	FamilyOpenAI    Family = "openai"
	FamilyGemini    Family = "gemini"
	FamilyDeepSeek  Family = "deepseek"
	FamilyBedrock   Family = "bedrock"
)

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ChatMessage is a provider-neutral conversation entry used for request
// shaping.
type ChatMessage struct {
	Role       string // system, user, assistant, tool
	Content    string
	ToolCallID string
	ToolName   string
	// ToolCalls carries assistant tool invocations for replay in follow-up
	// requests.
	ToolCalls []RequestToolCall
}

type RequestToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// StreamRequest is the provider-neutral request a transport shapes into its
// family's wire format.
type StreamRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
	// ThinkingBudget enables extended thinking on families that price it in
	// tokens. Zero disables.
	ThinkingBudget int
	// ReasoningEffort is low/medium/high for reasoning-effort families.
	ReasoningEffort string
	// ThinkingSignature and ThinkingText replay the provider's partial
	// extended-thinking block when a stream is reopened after a mid-stream
	// failure.
	ThinkingSignature string
	ThinkingText      string
}

// Stream yields raw wire payloads, one JSON document per Recv. Recv returns
// io.EOF when the provider closes the stream.
type Stream interface {
	Recv() (json.RawMessage, error)
	Close() error
}

// Transport opens a streaming completion against one configured provider
// endpoint.
type Transport interface {
	Family() Family
	// ResolveFamily maps a model id to the dialect whose normalizer should
	// consume the stream. Differs from Family() only for gateway transports.
	ResolveFamily(modelID string) Family
	OpenStream(ctx context.Context, req StreamRequest) (Stream, error)
	Close() error
}

// Registry holds configured transports keyed by provider id.
type Registry struct {
	*registry.BaseRegistry[Transport]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Transport]()}
}

// Close shuts down every registered transport, returning the first error.
func (r *Registry) Close() error {
	var firstErr error
	for _, t := range r.List() {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Transport returns the transport for a provider id or an error naming it.
func (r *Registry) Transport(providerID string) (Transport, error) {
	t, ok := r.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", providerID)
	}
	return t, nil
}

func defaultTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Minute
	}
	return d
}
