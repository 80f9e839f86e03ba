package llm

import (
	"fmt"
	"strings"
)

// Client is a Model that can also embed text.
type Client interface {
	Model
	Embedder
}

// NewClient picks a client by provider name (ollama|mock).
func NewClient(provider string, cfg OllamaConfig) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "ollama":
		return NewOllamaClient(cfg), nil
	case "mock":
		return NewMockModel(), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", provider)
	}
}
