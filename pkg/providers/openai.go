package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/code-rabi/rllm/pkg/core"
)

// OpenAIClient implements core.CompletionService for OpenAI's API.
type OpenAIClient struct {
	apiKey     string
	model      string
	httpClient *http.Client
	verbose    bool
	baseURL    string // For testing; defaults to OpenAI API
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey, model string, verbose bool) *OpenAIClient {
	return &OpenAIClient{
		apiKey:  apiKey,
		model:   model,
		verbose: verbose,
		baseURL: "https://api.openai.com",
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SetBaseURL overrides the API endpoint. Used in tests.
func (c *OpenAIClient) SetBaseURL(url string) {
	c.baseURL = url
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete implements core.CompletionService.
func (c *OpenAIClient) Complete(ctx context.Context, req core.CompletionRequest) (core.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	apiMessages := make([]openaiMessage, len(req.Messages))
	for i, msg := range req.Messages {
		apiMessages[i] = openaiMessage{Role: msg.Role, Content: msg.Content}
	}

	reqBody := openaiRequest{
		Model:       model,
		Messages:    apiMessages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	start := time.Now()
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return core.CompletionResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return core.CompletionResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return core.CompletionResponse{}, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.CompletionResponse{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return core.CompletionResponse{}, fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return core.CompletionResponse{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return core.CompletionResponse{}, fmt.Errorf("api error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return core.CompletionResponse{}, fmt.Errorf("api error: empty choices")
	}

	if c.verbose {
		fmt.Printf("  [API] %v, tokens: %d→%d\n",
			time.Since(start), apiResp.Usage.PromptTokens, apiResp.Usage.CompletionTokens)
	}

	return core.CompletionResponse{
		Message:      core.Message{Role: core.RoleAssistant, Content: apiResp.Choices[0].Message.Content},
		Usage: core.Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		FinishReason: apiResp.Choices[0].FinishReason,
	}, nil
}
