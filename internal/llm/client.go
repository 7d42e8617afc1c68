package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// Client is implemented by every chat provider.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is
	// non-nil, tokens are delivered to it as they arrive.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping verifies the provider is reachable with the configured
	// credentials.
	Ping(ctx context.Context) error
}

// Options configure a provider client. Zero values take provider
// defaults.
type Options struct {
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Logger      *slog.Logger
}

// New builds a client for the named provider. Supported names are
// "anthropic" and "openai"; the latter also covers any
// chat-completions-compatible endpoint via Options.BaseURL.
func New(provider string, opts Options) (Client, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicClient(opts), nil
	case "openai":
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
