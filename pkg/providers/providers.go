// Package providers implements CompletionService backends for various LLM APIs.
package providers

import (
	"fmt"
	"strings"

	"github.com/code-rabi/rllm/pkg/core"
)

// Provider identifies an LLM provider.
type Provider string

// Known providers.
const (
	Anthropic Provider = "anthropic"
	Gemini    Provider = "gemini"
	OpenAI    Provider = "openai"
)

// GetProvider returns the provider for a given model name.
// Returns Anthropic as default for unknown models.
func GetProvider(model string) Provider {
	switch {
	case strings.HasPrefix(model, "gemini"):
		return Gemini
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return OpenAI
	default:
		return Anthropic
	}
}

// EnvKey returns the environment variable name for the provider's API key.
func (p Provider) EnvKey() string {
	switch p {
	case Gemini:
		return "GEMINI_API_KEY"
	case OpenAI:
		return "OPENAI_API_KEY"
	default:
		return "ANTHROPIC_API_KEY"
	}
}

// New creates a completion service for the given provider.
func New(p Provider, apiKey, model string, verbose bool) (core.CompletionService, error) {
	switch p {
	case Anthropic:
		return NewAnthropicClient(apiKey, model, verbose), nil
	case OpenAI:
		return NewOpenAIClient(apiKey, model, verbose), nil
	case Gemini:
		return NewGeminiClient(apiKey, model, verbose), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}
}
