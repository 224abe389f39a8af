package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *OpenAIProvider) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	config := openai.DefaultConfig("test-api-key")
	config.BaseURL = ts.URL + "/v1"
	client := openai.NewClientWithConfig(config)
	provider := newOpenAIProviderWithClient(client)
	return ts, provider
}

func TestOpenAIGenerate_Success(t *testing.T) {
	_, provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		resp := openai.ChatCompletionResponse{
			ID:    "chatcmpl-test123",
			Model: "gpt-4o-mini",
			Choices: []openai.ChatCompletionChoice{
				{
					Message: openai.ChatCompletionMessage{
						Role:    "assistant",
						Content: "Units start at 85L for a 2BHK.",
					},
					FinishReason: openai.FinishReasonStop,
				},
			},
			Usage: openai.Usage{
				PromptTokens:     42,
				CompletionTokens: 12,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	req := &Request{
		Model: "gpt-4o-mini",
		Messages: []Message{
			{Role: "system", Content: "You are a sales assistant."},
			{Role: "user", Content: "What is the price of a 2BHK?"},
		},
		Temperature: 0.3,
		MaxTokens:   512,
	}

	resp, err := provider.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Units start at 85L for a 2BHK.", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 42, resp.InputTokens)
	assert.Equal(t, 12, resp.OutputTokens)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
}

func TestOpenAIGenerate_APIError(t *testing.T) {
	_, provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"message": "Invalid API key",
				"type":    "invalid_request_error",
			},
		})
	})

	req := &Request{
		Model:     "gpt-4o-mini",
		Messages:  []Message{{Role: "user", Content: "Hello"}},
		MaxTokens: 100,
	}

	_, err := provider.Generate(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestOpenAIGenerate_NoChoices(t *testing.T) {
	_, provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{ID: "chatcmpl-empty"})
	})

	_, err := provider.Generate(context.Background(), &Request{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "Hello"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestResolve(t *testing.T) {
	p, err := Resolve("openai", "sk-test", "")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	p, err = Resolve("openai", "sk-test", "http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	_, err = Resolve("openai", "", "")
	assert.ErrorIs(t, err, ErrProviderNotAvailable)

	p, err = Resolve("ollama", "", "http://localhost:11434")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	_, err = Resolve("bedrock", "", "")
	assert.ErrorIs(t, err, ErrProviderNotAvailable)
}
