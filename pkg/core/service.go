package core

import "context"

// CompletionRequest describes one chat-completion call.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// CompletionResponse is the result of one chat-completion call.
type CompletionResponse struct {
	Message      Message `json:"message"`
	Usage        Usage   `json:"usage"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// CompletionService is the interface any LLM backend must satisfy.
// Both root-level driver calls and sandbox sub-calls go through it.
type CompletionService interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}
