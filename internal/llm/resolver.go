package llm

import "fmt"

// Resolve creates a Provider for the named backend. OpenAI requires apiKey
// and accepts an optional base URL override for OpenAI-compatible endpoints;
// Ollama uses baseURL and no key.
func Resolve(providerName, apiKey, baseURL string) (Provider, error) {
	switch providerName {
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("%w: openai requires an API key", ErrProviderNotAvailable)
		}
		if baseURL != "" {
			return NewOpenAIProviderWithBaseURL(apiKey, baseURL), nil
		}
		return NewOpenAIProvider(apiKey), nil
	case "ollama":
		return NewOllamaProvider(baseURL), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrProviderNotAvailable, providerName)
	}
}
