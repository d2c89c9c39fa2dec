package capability

// builtinPatterns is the ordered, human-maintained model pattern table.
//
// Ordering rule: a pattern must come before any strict prefix of it, so
// "gpt-4o-mini" is listed before "gpt-4o" which is listed before "gpt-4".
// When adding a model, place its pattern before any pattern that would also
// match it. TestPatternOrdering enforces this.
func builtinPatterns() []patternEntry {
	return []patternEntry{
		// Anthropic
		{"claude-opus-4", Capabilities{
			ModelID: "claude-opus-4", Family: "anthropic",
			MaxContextTokens: 200000, MaxOutputTokens: 32000,
			SupportsTools: true, ToolAccuracy: 0.98,
			Thinking:       ThinkingSupport{Mode: ThinkingNative, MaxBudgetTokens: 24000, DefaultBudgetTokens: 8192},
			InputCostPer1K: 0.015, OutputCostPer1K: 0.075,
		}},
		{"claude-sonnet-4", Capabilities{
			ModelID: "claude-sonnet-4", Family: "anthropic",
			MaxContextTokens: 200000, MaxOutputTokens: 64000,
			SupportsTools: true, ToolAccuracy: 0.96,
			Thinking:       ThinkingSupport{Mode: ThinkingNative, MaxBudgetTokens: 32000, DefaultBudgetTokens: 8192},
			InputCostPer1K: 0.003, OutputCostPer1K: 0.015,
		}},
		{"claude-3-7-sonnet", Capabilities{
			ModelID: "claude-3-7-sonnet", Family: "anthropic",
			MaxContextTokens: 200000, MaxOutputTokens: 64000,
			SupportsTools: true, ToolAccuracy: 0.95,
			Thinking:       ThinkingSupport{Mode: ThinkingNative, MaxBudgetTokens: 32000, DefaultBudgetTokens: 4096},
			InputCostPer1K: 0.003, OutputCostPer1K: 0.015,
		}},
		{"claude-3-5-haiku", Capabilities{
			ModelID: "claude-3-5-haiku", Family: "anthropic",
			MaxContextTokens: 200000, MaxOutputTokens: 8192,
			SupportsTools: true, ToolAccuracy: 0.9,
			InputCostPer1K: 0.0008, OutputCostPer1K: 0.004,
		}},
		{"claude-3-5-sonnet", Capabilities{
			ModelID: "claude-3-5-sonnet", Family: "anthropic",
			MaxContextTokens: 200000, MaxOutputTokens: 8192,
			SupportsTools: true, ToolAccuracy: 0.94,
			InputCostPer1K: 0.003, OutputCostPer1K: 0.015,
		}},
		{"claude", Capabilities{
			ModelID: "claude-3-opus-20240229", Family: "anthropic",
			MaxContextTokens: 200000, MaxOutputTokens: 8192,
			SupportsTools: true, ToolAccuracy: 0.9,
			InputCostPer1K: 0.003, OutputCostPer1K: 0.015,
		}},

		// OpenAI
		{"gpt-5-mini", Capabilities{
			ModelID: "gpt-5-mini", Family: "openai",
			MaxContextTokens: 400000, MaxOutputTokens: 128000,
			SupportsTools: true, ToolAccuracy: 0.94,
			Thinking:       ThinkingSupport{Mode: ThinkingReasoningEffort, MaxBudgetTokens: 32768, DefaultBudgetTokens: 8192},
			InputCostPer1K: 0.00025, OutputCostPer1K: 0.002,
		}},
		{"gpt-5", Capabilities{
			ModelID: "gpt-5", Family: "openai",
			MaxContextTokens: 400000, MaxOutputTokens: 128000,
			SupportsTools: true, ToolAccuracy: 0.97,
			Thinking:       ThinkingSupport{Mode: ThinkingReasoningEffort, MaxBudgetTokens: 32768, DefaultBudgetTokens: 8192},
			InputCostPer1K: 0.00125, OutputCostPer1K: 0.01,
		}},
		{"gpt-4o-mini", Capabilities{
			ModelID: "gpt-4o-mini", Family: "openai",
			MaxContextTokens: 128000, MaxOutputTokens: 16384,
			SupportsTools: true, ToolAccuracy: 0.9,
			InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006,
		}},
		{"gpt-4o", Capabilities{
			ModelID: "gpt-4o", Family: "openai",
			MaxContextTokens: 128000, MaxOutputTokens: 16384,
			SupportsTools: true, ToolAccuracy: 0.93,
			InputCostPer1K: 0.0025, OutputCostPer1K: 0.01,
		}},
		{"gpt-4-turbo", Capabilities{
			ModelID: "gpt-4-turbo", Family: "openai",
			MaxContextTokens: 128000, MaxOutputTokens: 4096,
			SupportsTools: true, ToolAccuracy: 0.92,
			InputCostPer1K: 0.01, OutputCostPer1K: 0.03,
		}},
		{"gpt-4", Capabilities{
			ModelID: "gpt-4", Family: "openai",
			MaxContextTokens: 8192, MaxOutputTokens: 4096,
			SupportsTools: true, ToolAccuracy: 0.88,
			InputCostPer1K: 0.03, OutputCostPer1K: 0.06,
		}},
		{"o4-mini", Capabilities{
			ModelID: "o4-mini", Family: "openai",
			MaxContextTokens: 200000, MaxOutputTokens: 100000,
			SupportsTools: true, ToolAccuracy: 0.93,
			Thinking:       ThinkingSupport{Mode: ThinkingReasoningEffort, MaxBudgetTokens: 32768, DefaultBudgetTokens: 8192},
			InputCostPer1K: 0.0011, OutputCostPer1K: 0.0044,
		}},
		{"o3-mini", Capabilities{
			ModelID: "o3-mini", Family: "openai",
			MaxContextTokens: 200000, MaxOutputTokens: 100000,
			SupportsTools: true, ToolAccuracy: 0.92,
			Thinking:       ThinkingSupport{Mode: ThinkingReasoningEffort, MaxBudgetTokens: 32768, DefaultBudgetTokens: 8192},
			InputCostPer1K: 0.0011, OutputCostPer1K: 0.0044,
		}},
		{"o3", Capabilities{
			ModelID: "o3", Family: "openai",
			MaxContextTokens: 200000, MaxOutputTokens: 100000,
			SupportsTools: true, ToolAccuracy: 0.95,
			Thinking:       ThinkingSupport{Mode: ThinkingReasoningEffort, MaxBudgetTokens: 65536, DefaultBudgetTokens: 16384},
			InputCostPer1K: 0.002, OutputCostPer1K: 0.008,
		}},
		{"o1", Capabilities{
			ModelID: "o1", Family: "openai",
			MaxContextTokens: 200000, MaxOutputTokens: 100000,
			SupportsTools: true, ToolAccuracy: 0.9,
			Thinking:       ThinkingSupport{Mode: ThinkingReasoningEffort, MaxBudgetTokens: 65536, DefaultBudgetTokens: 16384},
			InputCostPer1K: 0.015, OutputCostPer1K: 0.06,
		}},

		// Google
		{"gemini-2.5-flash", Capabilities{
			ModelID: "gemini-2.5-flash", Family: "gemini",
			MaxContextTokens: 1048576, MaxOutputTokens: 65536,
			SupportsTools: true, ToolAccuracy: 0.92,
			Thinking:       ThinkingSupport{Mode: ThinkingSummary, MaxBudgetTokens: 24576, DefaultBudgetTokens: 8192},
			InputCostPer1K: 0.0003, OutputCostPer1K: 0.0025,
		}},
		{"gemini-2.5-pro", Capabilities{
			ModelID: "gemini-2.5-pro", Family: "gemini",
			MaxContextTokens: 1048576, MaxOutputTokens: 65536,
			SupportsTools: true, ToolAccuracy: 0.95,
			Thinking:       ThinkingSupport{Mode: ThinkingSummary, MaxBudgetTokens: 32768, DefaultBudgetTokens: 8192},
			InputCostPer1K: 0.00125, OutputCostPer1K: 0.01,
		}},
		{"gemini-1.5", Capabilities{
			ModelID: "gemini-1.5-pro", Family: "gemini",
			MaxContextTokens: 1048576, MaxOutputTokens: 8192,
			SupportsTools: true, ToolAccuracy: 0.9,
			InputCostPer1K: 0.00125, OutputCostPer1K: 0.005,
		}},
		{"gemini", Capabilities{
			ModelID: "gemini-2.0-flash-lite", Family: "gemini",
			MaxContextTokens: 1048576, MaxOutputTokens: 65536,
			SupportsTools: true, ToolAccuracy: 0.88,
			InputCostPer1K: 0.0001, OutputCostPer1K: 0.0004,
		}},

		// DeepSeek and local models. qwen3-coder ships without thinking
		// support despite the qwen3 name, so it must precede qwen3.
		{"deepseek-r1", Capabilities{
			ModelID: "deepseek-r1", Family: "deepseek",
			MaxContextTokens: 65536, MaxOutputTokens: 8192,
			SupportsTools: true, ToolAccuracy: 0.85,
			Thinking:       ThinkingSupport{Mode: ThinkingNative, MaxBudgetTokens: 8192, DefaultBudgetTokens: 4096},
			InputCostPer1K: 0.00055, OutputCostPer1K: 0.00219,
		}},
		{"deepseek-reasoner", Capabilities{
			ModelID: "deepseek-reasoner", Family: "deepseek",
			MaxContextTokens: 65536, MaxOutputTokens: 8192,
			SupportsTools: true, ToolAccuracy: 0.85,
			Thinking:       ThinkingSupport{Mode: ThinkingNative, MaxBudgetTokens: 8192, DefaultBudgetTokens: 4096},
			InputCostPer1K: 0.00055, OutputCostPer1K: 0.00219,
		}},
		{"deepseek", Capabilities{
			ModelID: "deepseek-chat", Family: "deepseek",
			MaxContextTokens: 65536, MaxOutputTokens: 8192,
			SupportsTools: true, ToolAccuracy: 0.87,
			InputCostPer1K: 0.00027, OutputCostPer1K: 0.0011,
		}},
		{"qwen3-coder", Capabilities{
			ModelID: "qwen3-coder", Family: "deepseek",
			MaxContextTokens: 32768, MaxOutputTokens: 8192,
			SupportsTools: true, ToolAccuracy: 0.8,
		}},
		{"qwen3", Capabilities{
			ModelID: "qwen3", Family: "deepseek",
			MaxContextTokens: 32768, MaxOutputTokens: 8192,
			SupportsTools: true, ToolAccuracy: 0.8,
			Thinking: ThinkingSupport{Mode: ThinkingNative, MaxBudgetTokens: 8192, DefaultBudgetTokens: 2048},
		}},
		{"llama", Capabilities{
			ModelID: "llama-3.3-70b", Family: "deepseek",
			MaxContextTokens: 131072, MaxOutputTokens: 8192,
			SupportsTools: true, ToolAccuracy: 0.75,
		}},
	}
}
