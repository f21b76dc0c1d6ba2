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

func TestOpenAIComplete(t *testing.T) {
	var gotReq openaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := map[string]any{
			"choices": []map[string]any{
				{
					"message":       map[string]string{"content": "the answer"},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{"prompt_tokens": 20, "completion_tokens": 4, "total_tokens": 24},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOpenAIClient("test-key", "gpt-test", false)
	client.SetBaseURL(server.URL)

	resp, err := client.Complete(context.Background(), core.CompletionRequest{
		Messages: []core.Message{
			{Role: core.RoleSystem, Content: "sys"},
			{Role: core.RoleUser, Content: "q"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "the answer", resp.Message.Content)
	assert.Equal(t, core.Usage{PromptTokens: 20, CompletionTokens: 4, TotalTokens: 24}, resp.Usage)
	assert.Equal(t, "stop", resp.FinishReason)

	// OpenAI keeps the system message in the list.
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
}

func TestOpenAIEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer server.Close()

	client := NewOpenAIClient("k", "m", false)
	client.SetBaseURL(server.URL)

	_, err := client.Complete(context.Background(), core.CompletionRequest{
		Messages: []core.Message{{Role: core.RoleUser, Content: "q"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty choices")
}
