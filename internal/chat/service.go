package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/satchel-ai/satchel/internal/call"
	"github.com/satchel-ai/satchel/internal/events"
	"github.com/satchel-ai/satchel/internal/llm"
	"github.com/satchel-ai/satchel/internal/manager"
)

const (
	defaultMaxIter     = 8
	defaultToolTimeout = 2 * time.Minute
)

// TurnResult summarizes one completed turn.
type TurnResult struct {
	Content    string `json:"content"`
	Model      string `json:"model"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"tool_calls"`
	// ToolsUsed lists the executed tool names in call order, one entry
	// per tool call.
	ToolsUsed    []string `json:"tools_used,omitempty"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	// Exhausted is set when the iteration cap cut the turn short and
	// the final answer was forced without tools.
	Exhausted bool `json:"exhausted,omitempty"`
}

// Service drives conversations against a provider and the tool
// manager.
type Service struct {
	logger  *slog.Logger
	bus     *events.Bus
	client  llm.Client
	manager *manager.Manager

	model       string
	maxIter     int
	toolTimeout time.Duration
}

// ServiceOption tunes a Service.
type ServiceOption func(*Service)

// WithMaxIterations caps tool rounds per turn.
func WithMaxIterations(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxIter = n
		}
	}
}

// WithToolTimeout bounds each tool execution.
func WithToolTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.toolTimeout = d
		}
	}
}

// NewService creates a chat service. The bus may be nil.
func NewService(logger *slog.Logger, bus *events.Bus, client llm.Client, mgr *manager.Manager, model string, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger:      logger.With("component", "chat"),
		bus:         bus,
		client:      client,
		manager:     mgr,
		model:       model,
		maxIter:     defaultMaxIter,
		toolTimeout: defaultToolTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendMessage appends a user message and runs the turn to completion.
func (s *Service) SendMessage(ctx context.Context, conv *Conversation, content string) (*TurnResult, error) {
	return s.run(ctx, conv, content, nil)
}

// StreamMessage is SendMessage with token and tool progress events
// delivered to callback as they happen.
func (s *Service) StreamMessage(ctx context.Context, conv *Conversation, content string, callback llm.StreamCallback) (*TurnResult, error) {
	return s.run(ctx, conv, content, callback)
}

func (s *Service) run(ctx context.Context, conv *Conversation, content string, callback llm.StreamCallback) (*TurnResult, error) {
	conv.AddUser(content)

	s.bus.Publish(events.Event{
		Source: events.SourceChat,
		Kind:   events.KindTurnStart,
		Data:   map[string]any{"model": s.model},
	})

	var totalInput, totalOutput, totalCalls int
	var toolsUsed []string
	startTime := time.Now()

	for i := range s.maxIter {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("turn cancelled: %w", err)
		}

		s.logger.Debug("model call", "iter", i, "model", s.model, "msgs", conv.Len())

		resp, err := s.client.ChatStream(ctx, s.model, conv.Messages(), s.manager.ToolsForModel(), callback)
		if err != nil {
			return nil, fmt.Errorf("model call failed (iter %d): %w", i, err)
		}
		totalInput += resp.InputTokens
		totalOutput += resp.OutputTokens

		// No tool calls means the model is done talking.
		if len(resp.Message.ToolCalls) == 0 {
			conv.append(resp.Message)
			res := &TurnResult{
				Content:      resp.Message.Content,
				Model:        s.model,
				Iterations:   i + 1,
				ToolCalls:    totalCalls,
				ToolsUsed:    toolsUsed,
				InputTokens:  totalInput,
				OutputTokens: totalOutput,
			}
			s.finish(res, startTime)
			return res, nil
		}

		conv.append(resp.Message)
		totalCalls += len(resp.Message.ToolCalls)
		for _, tc := range resp.Message.ToolCalls {
			toolsUsed = append(toolsUsed, tc.Function.Name)
		}
		s.processToolCalls(ctx, conv, resp.Message.ToolCalls, callback)
	}

	// Iteration cap reached. Ask for a plain text wrap-up with no
	// tools on offer so the turn always ends with an answer.
	s.logger.Warn("turn iteration cap reached", "max_iter", s.maxIter)

	resp, err := s.client.ChatStream(ctx, s.model, conv.Messages(), nil, callback)
	if err != nil {
		return nil, fmt.Errorf("final model call failed: %w", err)
	}
	totalInput += resp.InputTokens
	totalOutput += resp.OutputTokens
	conv.append(resp.Message)

	res := &TurnResult{
		Content:      resp.Message.Content,
		Model:        s.model,
		Iterations:   s.maxIter,
		ToolCalls:    totalCalls,
		ToolsUsed:    toolsUsed,
		InputTokens:  totalInput,
		OutputTokens: totalOutput,
		Exhausted:    true,
	}
	s.finish(res, startTime)
	return res, nil
}

// processToolCalls executes each requested tool and appends exactly
// one tool message per tool_call id, error text included, so the
// transcript always pairs up for the next model call.
func (s *Service) processToolCalls(ctx context.Context, conv *Conversation, toolCalls []llm.ToolCall, callback llm.StreamCallback) {
	for _, tc := range toolCalls {
		if callback != nil {
			tcCopy := tc
			callback(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &tcCopy})
		}

		var c *call.Call
		if tc.ID != "" {
			c = call.NewWithID(tc.ID, tc.Function.Name, tc.Function.Arguments)
		} else {
			c = call.New(tc.Function.Name, tc.Function.Arguments)
		}

		content := ""
		errText := ""
		res, err := s.manager.ExecuteCall(ctx, c, manager.Options{Timeout: s.toolTimeout})
		switch {
		case err != nil:
			// Lookup failure: the tool's pack is not loaded.
			errText = err.Error()
			content = "Error: " + errText
			s.logger.Warn("tool unavailable", "tool", tc.Function.Name, "error", err)
		case res.Status == call.StatusSuccess:
			content = res.Data
		default:
			errText = res.Error
			content = "Error: " + errText
			s.logger.Warn("tool call did not succeed",
				"tool", tc.Function.Name, "status", res.Status, "error", res.Error)
		}

		if callback != nil {
			callback(llm.StreamEvent{
				Kind:       llm.KindToolCallDone,
				ToolName:   tc.Function.Name,
				ToolResult: content,
				ToolError:  errText,
			})
		}

		conv.append(llm.Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: tc.ID,
		})
	}
}

func (s *Service) finish(res *TurnResult, startTime time.Time) {
	s.logger.Info("turn complete",
		"model", res.Model,
		"iterations", res.Iterations,
		"tool_calls", res.ToolCalls,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"exhausted", res.Exhausted,
		"elapsed", time.Since(startTime).Round(time.Millisecond),
	)
	s.bus.Publish(events.Event{
		Source: events.SourceChat,
		Kind:   events.KindTurnComplete,
		Data: map[string]any{
			"iterations": res.Iterations,
			"tool_calls": res.ToolCalls,
			"exhausted":  res.Exhausted,
		},
	})
}

// Ping verifies the provider is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
