// Package capability maps model ids to their operating envelope: context
// window, tool-calling support and accuracy, thinking mode and budgets, and
// cost factors. Lookup never fails; unknown models get conservative
// defaults.
package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/agenticwork/activitycore/pkg/activity"
)

// ThinkingMode describes how a model exposes reasoning.
type ThinkingMode string

const (
	// ThinkingNone means the model has no reasoning mode.
	ThinkingNone ThinkingMode = "none"
	// ThinkingNative streams thinking blocks on the wire (Anthropic,
	// DeepSeek, tag-based Ollama models).
	ThinkingNative ThinkingMode = "native"
	// ThinkingSummary streams condensed thought summaries (Gemini).
	ThinkingSummary ThinkingMode = "summary"
	// ThinkingReasoningEffort reasons internally, steered by an effort
	// parameter, and reports only token counts (OpenAI o-family).
	ThinkingReasoningEffort ThinkingMode = "reasoning-effort"
)

// ThinkingSupport is the thinking sub-record of a capability entry. It
// dictates whether the request gets a reasoning-budget field, whether a
// thinking_start surfaces on the first reasoning delta, and whether hidden
// reasoning is tolerated.
type ThinkingSupport struct {
	Mode                ThinkingMode `json:"mode" yaml:"mode"`
	MaxBudgetTokens     int          `json:"max_budget_tokens" yaml:"max_budget_tokens"`
	DefaultBudgetTokens int          `json:"default_budget_tokens" yaml:"default_budget_tokens"`
}

// Enabled reports whether the model reasons at all.
func (t ThinkingSupport) Enabled() bool { return t.Mode != ThinkingNone && t.Mode != "" }

// Hidden reports whether reasoning happens without a visible stream.
func (t ThinkingSupport) Hidden() bool { return t.Mode == ThinkingReasoningEffort }

// Capabilities is the capability record for one model id.
type Capabilities struct {
	ModelID          string          `json:"model_id" yaml:"model_id"`
	Family           string          `json:"family" yaml:"family"`
	MaxContextTokens int             `json:"max_context_tokens" yaml:"max_context_tokens"`
	MaxOutputTokens  int             `json:"max_output_tokens" yaml:"max_output_tokens"`
	SupportsTools    bool            `json:"supports_tools" yaml:"supports_tools"`
	ToolAccuracy     float64         `json:"tool_accuracy" yaml:"tool_accuracy"`
	Thinking         ThinkingSupport `json:"thinking" yaml:"thinking"`
	InputCostPer1K   float64         `json:"input_cost_per_1k" yaml:"input_cost_per_1k"`
	OutputCostPer1K  float64         `json:"output_cost_per_1k" yaml:"output_cost_per_1k"`
}

// Validate enforces the capability invariants.
func (c Capabilities) Validate() error {
	if c.ModelID == "" {
		return fmt.Errorf("model id is required")
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("model %s: max output tokens must be positive", c.ModelID)
	}
	if c.MaxContextTokens < c.MaxOutputTokens {
		return fmt.Errorf("model %s: context window (%d) smaller than max output (%d)",
			c.ModelID, c.MaxContextTokens, c.MaxOutputTokens)
	}
	if c.ToolAccuracy < 0 || c.ToolAccuracy > 1 {
		return fmt.Errorf("model %s: tool accuracy %f outside [0,1]", c.ModelID, c.ToolAccuracy)
	}
	if c.Thinking.MaxBudgetTokens > c.MaxOutputTokens {
		return fmt.Errorf("model %s: thinking budget (%d) exceeds max output (%d)",
			c.ModelID, c.Thinking.MaxBudgetTokens, c.MaxOutputTokens)
	}
	return nil
}

// Summary is the excerpt surfaced on activity_start.
func (c Capabilities) Summary() activity.CapabilitySummary {
	mode := string(c.Thinking.Mode)
	if mode == "" {
		mode = string(ThinkingNone)
	}
	return activity.CapabilitySummary{
		SupportsTools:    c.SupportsTools,
		ThinkingMode:     mode,
		MaxContextTokens: c.MaxContextTokens,
		MaxOutputTokens:  c.MaxOutputTokens,
	}
}

// Cost prices a token usage with this model's cost factors.
func (c Capabilities) Cost(usage activity.TokenUsage) float64 {
	in := float64(usage.In) / 1000 * c.InputCostPer1K
	out := float64(usage.Out+usage.Reasoning) / 1000 * c.OutputCostPer1K
	return in + out
}

// Store persists administrative capability overrides, when wired.
type Store interface {
	SaveCapabilities(ctx context.Context, caps Capabilities) error
	LoadCapabilities(ctx context.Context) ([]Capabilities, error)
}

type patternEntry struct {
	match string
	caps  Capabilities
}

// Registry resolves model ids to capabilities. Reads are lock-free after a
// short read-lock on the override map; writes go through a single writer
// lock.
type Registry struct {
	mu       sync.RWMutex
	overrides map[string]Capabilities
	patterns  []patternEntry
	fallback  Capabilities
	store     Store
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore wires persistence for administrative overrides.
func WithStore(store Store) Option {
	return func(r *Registry) { r.store = store }
}

// NewRegistry builds a registry seeded with the built-in pattern table.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		overrides: make(map[string]Capabilities),
		patterns:  builtinPatterns(),
		fallback:  Fallback(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fallback is the conservative default for unknown models: a small window,
// no tools, no thinking, zero cost.
func Fallback() Capabilities {
	return Capabilities{
		ModelID:          "unknown",
		Family:           "unknown",
		MaxContextTokens: 8192,
		MaxOutputTokens:  4096,
		SupportsTools:    false,
		ToolAccuracy:     0,
		Thinking:         ThinkingSupport{Mode: ThinkingNone},
	}
}

// Warm loads persisted overrides from the wired store.
func (r *Registry) Warm(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	entries, err := r.store.LoadCapabilities(ctx)
	if err != nil {
		return fmt.Errorf("failed to load capability overrides: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, caps := range entries {
		r.overrides[strings.ToLower(caps.ModelID)] = caps
	}
	return nil
}

// Lookup resolves capabilities for a model id. Resolution order: exact
// case-insensitive override, substring match against overridden ids, the
// ordered pattern table, then the conservative fallback. It never fails.
func (r *Registry) Lookup(modelID string) Capabilities {
	key := strings.ToLower(strings.TrimSpace(modelID))
	if key == "" {
		return r.fallback
	}

	r.mu.RLock()
	if caps, ok := r.overrides[key]; ok {
		r.mu.RUnlock()
		return caps
	}
	for id, caps := range r.overrides {
		if strings.Contains(key, id) {
			r.mu.RUnlock()
			return withModelID(caps, modelID)
		}
	}
	r.mu.RUnlock()

	for _, entry := range r.patterns {
		if strings.Contains(key, entry.match) {
			return withModelID(entry.caps, modelID)
		}
	}

	return withModelID(r.fallback, modelID)
}

// Register upserts an administrative override and persists it when a store
// is wired.
func (r *Registry) Register(ctx context.Context, caps Capabilities) error {
	if err := caps.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.overrides[strings.ToLower(caps.ModelID)] = caps
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveCapabilities(ctx, caps); err != nil {
			return fmt.Errorf("failed to persist capabilities for %s: %w", caps.ModelID, err)
		}
	}
	return nil
}

// Patterns exposes the ordered pattern table for tests.
func (r *Registry) Patterns() []string {
	out := make([]string, len(r.patterns))
	for i, p := range r.patterns {
		out[i] = p.match
	}
	return out
}

// PatternCanonical returns the canonical model id a pattern resolves to.
func (r *Registry) PatternCanonical(i int) string {
	return r.patterns[i].caps.ModelID
}

func withModelID(caps Capabilities, modelID string) Capabilities {
	caps.ModelID = modelID
	return caps
}
