// Package llm provides chat model provider clients.
package llm

import (
	"fmt"
	"time"
)

// Message is a provider-neutral chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned id, required for result correlation.
	ID       string       `json:"id,omitempty"`
	Function ToolFunction `json:"function"`
}

// ToolFunction names the tool and carries its decoded arguments.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from any provider. Wire-format
// conversion happens inside each provider client.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int
}

// StreamEventKind identifies the type of a stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolCallStart fires when the model requests a tool.
	KindToolCallStart

	// KindToolCallDone fires when a tool execution settles.
	KindToolCallDone

	// KindDone signals the stream is complete.
	KindDone
)

// StreamEvent is a single event in a streaming response. Consumers
// switch on Kind to know which fields are set.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken.
	Token string

	// ToolCall is set for KindToolCallStart.
	ToolCall *ToolCall

	// ToolName, ToolResult, and ToolError are set for KindToolCallDone.
	ToolName   string
	ToolResult string
	ToolError  string

	// Response is set for KindDone.
	Response *ChatResponse
}

// StreamCallback receives stream events.
type StreamCallback func(event StreamEvent)

// ProviderError is an HTTP-level failure from a provider API.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Message)
}
