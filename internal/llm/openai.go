package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/satchel-ai/satchel/internal/httpkit"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

// OpenAIClient talks to the OpenAI chat completions API, or any
// compatible endpoint via a custom base URL.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOpenAIClient creates a chat completions client.
func NewOpenAIClient(opts Options) *OpenAIClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		apiKey:      opts.APIKey,
		baseURL:     baseURL,
		maxTokens:   maxTokens,
		temperature: opts.Temperature,
		logger:      logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

type openaiRequest struct {
	Model         string           `json:"model"`
	Messages      []openaiMessage  `json:"messages"`
	Tools         []map[string]any `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   float64          `json:"temperature,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *openaiStreamOpt `json:"stream_options,omitempty"`
}

type openaiStreamOpt struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// openaiToolCall carries arguments as a JSON string on the wire.
type openaiToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openaiUsage `json:"usage"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := openaiRequest{
		Model:       model,
		Messages:    convertToOpenAI(messages),
		Tools:       tools,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	choice := parsed.Choices[0].Message
	result := &ChatResponse{
		Model: parsed.Model,
		Message: Message{
			Role:      "assistant",
			Content:   choice.Content,
			ToolCalls: decodeOpenAIToolCalls(choice.ToolCalls),
		},
		Done:         true,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	return result, nil
}

// ChatStream sends a streaming chat request. Tool call fragments
// arrive interleaved across chunks and are merged by choice index: the
// first fragment for an index carries the id and name, later ones
// append to the arguments string.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	req := openaiRequest{
		Model:         model,
		Messages:      convertToOpenAI(messages),
		Tools:         tools,
		MaxTokens:     c.maxTokens,
		Temperature:   c.temperature,
		Stream:        true,
		StreamOptions: &openaiStreamOpt{IncludeUsage: true},
	}

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.handleStreaming(ctx, resp.Body, callback)
}

// Ping lists models to verify connectivity and credentials.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Provider: "openai", Status: resp.StatusCode, Message: "ping failed"}
	}
	return nil
}

func (c *OpenAIClient) post(ctx context.Context, req openaiRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, levelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		resp.Body.Close()
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &ProviderError{Provider: "openai", Status: resp.StatusCode, Message: errBody}
	}
	return resp, nil
}

// pendingToolCall accumulates one tool call across stream chunks.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func (c *OpenAIClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		content strings.Builder
		pending = make(map[int]*pendingToolCall)
		usage   openaiUsage
		model   string
	)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			callback(StreamEvent{Kind: KindToken, Token: delta.Content})
		}
		for _, frag := range delta.ToolCalls {
			idx := 0
			if frag.Index != nil {
				idx = *frag.Index
			}
			p, ok := pending[idx]
			if !ok {
				p = &pendingToolCall{}
				pending[idx] = p
			}
			if frag.ID != "" {
				p.id = frag.ID
			}
			if frag.Function.Name != "" {
				p.name = frag.Function.Name
			}
			p.args.WriteString(frag.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	// Assemble merged tool calls in index order.
	indexes := make([]int, 0, len(pending))
	for idx := range pending {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var toolCalls []ToolCall
	for _, idx := range indexes {
		p := pending[idx]
		var args map[string]any
		if p.args.Len() > 0 {
			if err := json.Unmarshal([]byte(p.args.String()), &args); err != nil {
				args = map[string]any{"_raw": p.args.String()}
			}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID: p.id,
			Function: ToolFunction{
				Name:      p.name,
				Arguments: args,
			},
		})
	}

	resp := &ChatResponse{
		Model: model,
		Message: Message{
			Role:      "assistant",
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	return resp, nil
}

// convertToOpenAI converts neutral messages to the chat completions
// shape; tool call arguments are encoded back to JSON strings.
func convertToOpenAI(messages []Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(messages))
	for _, msg := range messages {
		m := openaiMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			otc := openaiToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Function.Name
			if tc.Function.Arguments != nil {
				if b, err := json.Marshal(tc.Function.Arguments); err == nil {
					otc.Function.Arguments = string(b)
				}
			} else {
				otc.Function.Arguments = "{}"
			}
			m.ToolCalls = append(m.ToolCalls, otc)
		}
		out = append(out, m)
	}
	return out
}

func decodeOpenAIToolCalls(calls []openaiToolCall) []ToolCall {
	var out []ToolCall
	for _, tc := range calls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		out = append(out, ToolCall{
			ID: tc.ID,
			Function: ToolFunction{
				Name:      tc.Function.Name,
				Arguments: args,
			},
		})
	}
	return out
}
