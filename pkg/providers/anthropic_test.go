package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-rabi/rllm/pkg/core"
)

func TestAnthropicComplete(t *testing.T) {
	var gotReq anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "hello "},
				{"type": "text", "text": "world"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 12, "output_tokens": 7},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewAnthropicClient("test-key", "claude-test", false)
	client.SetBaseURL(server.URL)

	resp, err := client.Complete(context.Background(), core.CompletionRequest{
		Messages: []core.Message{
			{Role: core.RoleSystem, Content: "be terse"},
			{Role: core.RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello world", resp.Message.Content)
	assert.Equal(t, core.RoleAssistant, resp.Message.Role)
	assert.Equal(t, core.Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19}, resp.Usage)
	assert.Equal(t, "end_turn", resp.FinishReason)

	// System messages are lifted out of the message list.
	assert.Equal(t, "be terse", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
	assert.Equal(t, "claude-test", gotReq.Model)
}

func TestAnthropicModelOverride(t *testing.T) {
	var gotReq anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
			"usage":   map[string]int{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer server.Close()

	client := NewAnthropicClient("k", "default-model", false)
	client.SetBaseURL(server.URL)

	_, err := client.Complete(context.Background(), core.CompletionRequest{
		Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}},
		Model:    "override-model",
	})
	require.NoError(t, err)
	assert.Equal(t, "override-model", gotReq.Model)
}

func TestAnthropicAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer server.Close()

	client := NewAnthropicClient("k", "m", false)
	client.SetBaseURL(server.URL)

	_, err := client.Complete(context.Background(), core.CompletionRequest{
		Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}
