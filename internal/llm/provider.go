// Package llm generates role-scoped responses. Providers receive prompts
// built exclusively from a single bot profile; nothing outside that profile's
// allowed topics and knowledge vault reaches the model.
package llm

import (
	"context"
	"errors"
	"time"
)

// TimeoutLLMCall bounds every generation call.
const TimeoutLLMCall = 60 * time.Second

// Domain errors for the LLM package.
var (
	ErrProviderNotAvailable = errors.New("provider not available")
	ErrGeneration           = errors.New("generation failed")
	ErrGenerationTimeout    = errors.New("generation timed out")
)

// Provider is the interface all LLM providers must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "ollama").
	Name() string
	// Generate sends a completion request to the LLM and returns the response.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request represents an LLM generation request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Message represents a chat message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Response represents an LLM generation response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
}
