package capability

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/activitycore/pkg/activity"
)

func TestLookupPatternMatch(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		modelID      string
		wantFamily   string
		wantTools    bool
		wantThinking ThinkingMode
	}{
		{"claude-sonnet-4-20250514", "anthropic", true, ThinkingNative},
		{"claude-3-5-haiku-latest", "anthropic", true, ""},
		{"gpt-4o-mini-2024-07-18", "openai", true, ""},
		{"GPT-4o", "openai", true, ""},
		{"o3-mini", "openai", true, ThinkingReasoningEffort},
		{"gemini-2.5-pro", "gemini", true, ThinkingSummary},
		{"deepseek-r1:14b", "deepseek", true, ThinkingNative},
		{"qwen3-coder:30b", "deepseek", true, ""},
		{"qwen3:8b", "deepseek", true, ThinkingNative},
	}
	for _, tt := range tests {
		t.Run(tt.modelID, func(t *testing.T) {
			caps := r.Lookup(tt.modelID)
			assert.Equal(t, tt.modelID, caps.ModelID)
			assert.Equal(t, tt.wantFamily, caps.Family)
			assert.Equal(t, tt.wantTools, caps.SupportsTools)
			assert.Equal(t, tt.wantThinking, caps.Thinking.Mode)
		})
	}
}

func TestLookupUnknownModelGetsConservativeDefaults(t *testing.T) {
	r := NewRegistry()
	caps := r.Lookup("totally-made-up-model")
	assert.Equal(t, "totally-made-up-model", caps.ModelID)
	assert.Equal(t, 8192, caps.MaxContextTokens)
	assert.Equal(t, 4096, caps.MaxOutputTokens)
	assert.False(t, caps.SupportsTools)
	assert.False(t, caps.Thinking.Enabled())
	assert.Zero(t, caps.InputCostPer1K)
}

func TestRegisterOverridesPattern(t *testing.T) {
	r := NewRegistry()
	custom := Capabilities{
		ModelID: "gpt-4o", Family: "openai",
		MaxContextTokens: 64000, MaxOutputTokens: 8000,
		SupportsTools: true, ToolAccuracy: 0.5,
	}
	require.NoError(t, r.Register(context.Background(), custom))

	caps := r.Lookup("GPT-4O")
	assert.Equal(t, 64000, caps.MaxContextTokens)
	assert.Equal(t, 0.5, caps.ToolAccuracy)
}

func TestRegisterValidates(t *testing.T) {
	r := NewRegistry()
	err := r.Register(context.Background(), Capabilities{ModelID: "bad", MaxContextTokens: 10, MaxOutputTokens: 100})
	assert.Error(t, err)
	err = r.Register(context.Background(), Capabilities{
		ModelID: "bad2", MaxContextTokens: 1000, MaxOutputTokens: 100,
		Thinking: ThinkingSupport{Mode: ThinkingNative, MaxBudgetTokens: 200},
	})
	assert.Error(t, err)
}

// TestPatternOrdering enforces the table's maintenance rule: no earlier
// pattern may match a later pattern's canonical model id, otherwise the
// later entry is unreachable for its own canonical model.
func TestPatternOrdering(t *testing.T) {
	r := NewRegistry()
	patterns := r.Patterns()
	for i := 0; i < len(patterns); i++ {
		for j := i + 1; j < len(patterns); j++ {
			canonical := strings.ToLower(r.PatternCanonical(j))
			assert.False(t, strings.Contains(canonical, patterns[i]),
				"pattern %q (index %d) shadows canonical id %q (index %d)",
				patterns[i], i, canonical, j)
		}
	}
}

func TestPatternTableValid(t *testing.T) {
	r := NewRegistry()
	for i, p := range r.Patterns() {
		caps := r.Lookup(r.PatternCanonical(i))
		assert.NoError(t, caps.Validate(), "pattern %q", p)
	}
}

func TestCost(t *testing.T) {
	caps := Capabilities{InputCostPer1K: 0.003, OutputCostPer1K: 0.015}
	cost := caps.Cost(activity.TokenUsage{In: 2000, Out: 1000, Reasoning: 1000})
	assert.InDelta(t, 0.003*2+0.015*2, cost, 1e-9)
}

func TestSummary(t *testing.T) {
	caps := NewRegistry().Lookup("claude-sonnet-4")
	sum := caps.Summary()
	assert.True(t, sum.SupportsTools)
	assert.Equal(t, "native", sum.ThinkingMode)
	assert.Equal(t, 200000, sum.MaxContextTokens)

	none := Fallback().Summary()
	assert.Equal(t, "none", none.ThinkingMode)
}
