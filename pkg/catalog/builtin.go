package catalog

// DefaultAliases returns the fixed alias table.
func DefaultAliases() map[string]string {
	return map[string]string{
		"fast":    "deepseek/deepseek-chat",
		"smart":   "anthropic/claude-sonnet-4.5",
		"code":    "anthropic/claude-sonnet-4.5",
		"chat":    "openai/gpt-4o",
		"default": "deepseek/deepseek-chat",
	}
}

// Builtin returns the minimum viable model list used when no other source is
// available.
func Builtin() []Descriptor {
	text := []string{"text"}
	vision := []string{"text", "image"}
	return []Descriptor{
		{
			ID:               "deepseek/deepseek-chat",
			DisplayName:      "DeepSeek V3.2",
			Provider:         "deepseek",
			ContextWindow:    128_000,
			MaxOutputTokens:  8192,
			InputModalities:  text,
			OutputModalities: text,
		},
		{
			ID:                "deepseek/deepseek-reasoner",
			DisplayName:       "DeepSeek R1",
			Provider:          "deepseek",
			ContextWindow:     128_000,
			MaxOutputTokens:   32_768,
			SupportsReasoning: true,
			InputModalities:   text,
			OutputModalities:  text,
		},
		{
			ID:               "moonshotai/kimi-k2",
			DisplayName:      "Kimi K2",
			Provider:         "moonshotai",
			ContextWindow:    256_000,
			MaxOutputTokens:  8192,
			InputModalities:  text,
			OutputModalities: text,
		},
		{
			ID:               "openai/gpt-4o",
			DisplayName:      "GPT-4o",
			Provider:         "openai",
			ContextWindow:    128_000,
			MaxOutputTokens:  16_384,
			InputModalities:  vision,
			OutputModalities: text,
		},
		{
			ID:               "openai/gpt-4.1",
			DisplayName:      "GPT-4.1",
			Provider:         "openai",
			ContextWindow:    1_047_576,
			MaxOutputTokens:  32_768,
			InputModalities:  vision,
			OutputModalities: text,
		},
		{
			ID:                "anthropic/claude-sonnet-4.5",
			DisplayName:       "Claude Sonnet 4.5",
			Provider:          "anthropic",
			ContextWindow:     200_000,
			MaxOutputTokens:   64_000,
			SupportsReasoning: true,
			InputModalities:   vision,
			OutputModalities:  text,
		},
		{
			ID:                "google/gemini-2.5-pro",
			DisplayName:       "Gemini 2.5 Pro",
			Provider:          "google",
			ContextWindow:     1_048_576,
			MaxOutputTokens:   65_536,
			SupportsReasoning: true,
			InputModalities:   vision,
			OutputModalities:  text,
		},
	}
}
