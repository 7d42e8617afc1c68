// Package exec runs a single tool call through the validate, invoke,
// and format stages, settling the call exactly once no matter how the
// handler and the caller's context race.
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/satchel-ai/satchel/internal/call"
	"github.com/satchel-ai/satchel/internal/events"
	"github.com/satchel-ai/satchel/internal/format"
	"github.com/satchel-ai/satchel/internal/pack"
	"github.com/satchel-ai/satchel/internal/schema"
)

// HandlerError wraps a failure raised by the tool handler itself, as
// opposed to validation or cancellation.
type HandlerError struct {
	Tool string
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// ResolvedTool is everything the pipeline needs to run one tool: the
// handler plus its compiled schema and display shape, resolved from
// the catalog before execution starts.
type ResolvedTool struct {
	Name    string
	Handler pack.Handler
	Schema  *schema.Compiled
	Shape   format.Shape
}

// Result is the uniform envelope every execution produces, success or
// not. Data carries the rendered output; Error carries a message when
// Status is error or cancelled.
type Result struct {
	Data     string      `json:"data,omitempty"`
	Status   call.Status `json:"status"`
	Error    string      `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// Metadata identifies the call behind a result.
type Metadata struct {
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	DurationMs int64  `json:"duration_ms"`
}

// Pipeline executes calls. It is stateless; active-call bookkeeping
// lives in the manager.
type Pipeline struct {
	logger *slog.Logger
	bus    *events.Bus
}

// NewPipeline creates a pipeline. The bus may be nil.
func NewPipeline(logger *slog.Logger, bus *events.Bus) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger: logger.With("component", "pipeline"),
		bus:    bus,
	}
}

// Run drives one call through validation and the handler, returning
// its envelope. The call is settled exactly once: if the context is
// cancelled mid-handler the call settles cancelled and the handler
// goroutine is abandoned to drain on its own; if the handler wins the
// race its outcome sticks and a late cancellation is a no-op.
func (p *Pipeline) Run(ctx context.Context, c *call.Call, tool ResolvedTool) *Result {
	if !c.BeginRunning() {
		// Already settled, e.g. cancelled before the queue got to it.
		return p.envelope(c)
	}

	if verr := tool.Schema.Validate(c.Args); verr != nil {
		c.Settle(call.StatusError, "", verr.Error())
		p.logger.Warn("tool arguments rejected",
			"tool", tool.Name, "call_id", c.ID, "error", verr)
		p.publish(events.KindExecError, c, map[string]any{"error": verr.Error()})
		return p.envelope(c)
	}

	p.logger.Debug("executing tool", "tool", tool.Name, "call_id", c.ID)
	p.publish(events.KindExecStarting, c, nil)

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := tool.Handler(ctx, c.Args)
		done <- outcome{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		reason := "execution cancelled"
		if ctx.Err() == context.DeadlineExceeded {
			reason = "execution timed out"
		}
		if c.Settle(call.StatusCancelled, "", reason) {
			p.logger.Info("tool call cancelled",
				"tool", tool.Name, "call_id", c.ID, "reason", reason)
			p.publish(events.KindExecCancelled, c, map[string]any{"reason": reason})
		}
		return p.envelope(c)

	case o := <-done:
		if o.err != nil {
			herr := &HandlerError{Tool: tool.Name, Err: o.err}
			if c.Settle(call.StatusError, "", o.err.Error()) {
				p.logger.Error("tool call failed",
					"tool", tool.Name, "call_id", c.ID, "error", herr)
				p.publish(events.KindExecError, c, map[string]any{"error": o.err.Error()})
			}
			return p.envelope(c)
		}

		rendered, rerr := format.Render(o.out, tool.Shape)
		if rerr != nil {
			if c.Settle(call.StatusError, "", fmt.Sprintf("formatting result: %v", rerr)) {
				p.publish(events.KindExecError, c, map[string]any{"error": rerr.Error()})
			}
			return p.envelope(c)
		}
		if c.Settle(call.StatusSuccess, rendered, "") {
			p.publish(events.KindExecCompleted, c, nil)
		}
		return p.envelope(c)
	}
}

// envelope builds the result from the call's settled state.
func (p *Pipeline) envelope(c *call.Call) *Result {
	rec := c.Snapshot()
	res := &Result{
		Data:   rec.Result,
		Status: rec.Status,
		Error:  rec.Error,
		Metadata: Metadata{
			CallID:     rec.ID,
			Tool:       rec.Tool,
			DurationMs: rec.DurationMs,
		},
	}
	return res
}

func (p *Pipeline) publish(kind events.Kind, c *call.Call, extra map[string]any) {
	data := map[string]any{
		"tool":    c.Tool,
		"call_id": c.ID,
	}
	for k, v := range extra {
		data[k] = v
	}
	if kind == events.KindExecCompleted || kind == events.KindExecCancelled || kind == events.KindExecError {
		rec := c.Snapshot()
		data["duration_ms"] = rec.DurationMs
	}
	p.bus.Publish(events.Event{
		Source:    events.SourcePipeline,
		Kind:      kind,
		Timestamp: time.Now(),
		Data:      data,
	})
}
