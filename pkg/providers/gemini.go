package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/code-rabi/rllm/pkg/core"
)

// GeminiClient implements core.CompletionService for Google's Gemini API.
type GeminiClient struct {
	apiKey     string
	model      string
	httpClient *http.Client
	verbose    bool
	baseURL    string // For testing; defaults to Gemini API
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(apiKey, model string, verbose bool) *GeminiClient {
	return &GeminiClient{
		apiKey:  apiKey,
		model:   model,
		verbose: verbose,
		baseURL: "https://generativelanguage.googleapis.com",
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
func (c *GeminiClient) SetBaseURL(url string) {
	c.baseURL = url
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// Complete implements core.CompletionService.
func (c *GeminiClient) Complete(ctx context.Context, req core.CompletionRequest) (core.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	var systemContent *geminiContent
	var contents []geminiContent
	for _, msg := range req.Messages {
		if msg.Role == core.RoleSystem {
			systemContent = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
			continue
		}
		role := msg.Role
		if role == core.RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: msg.Content}}})
	}

	reqBody := geminiRequest{
		Contents:          contents,
		SystemInstruction: systemContent,
		GenerationConfig:  &geminiGenConfig{MaxOutputTokens: 8192},
	}

	start := time.Now()
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return core.CompletionResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return core.CompletionResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	var apiResp geminiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return core.CompletionResponse{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return core.CompletionResponse{}, fmt.Errorf("api error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Candidates) == 0 {
		return core.CompletionResponse{}, fmt.Errorf("api error: no candidates")
	}

	if c.verbose {
		fmt.Printf("  [API] %v, tokens: %d→%d\n",
			time.Since(start), apiResp.UsageMetadata.PromptTokenCount, apiResp.UsageMetadata.CandidatesTokenCount)
	}

	var texts []string
	for _, part := range apiResp.Candidates[0].Content.Parts {
		texts = append(texts, part.Text)
	}

	return core.CompletionResponse{
		Message:      core.Message{Role: core.RoleAssistant, Content: strings.Join(texts, "")},
		Usage: core.Usage{
			PromptTokens:     apiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: apiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      apiResp.UsageMetadata.TotalTokenCount,
		},
		FinishReason: apiResp.Candidates[0].FinishReason,
	}, nil
}
