// Package call defines the tool-call lifecycle: a call is created
// pending, runs at most once, and settles into exactly one terminal
// state. Settled calls are immutable; a bounded trailing history and an
// optional SQLite archive retain them for inspection.
package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a tool call.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a settled end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Call is one tool invocation flowing from the model through the
// pipeline. The struct is mutated in place through its lifecycle;
// transitions are guarded internally so a cancellation from another
// goroutine cannot race the pipeline's own settlement.
type Call struct {
	// ID is the invocation id. Model-issued calls keep the provider's
	// id; locally created calls get a UUIDv7.
	ID string
	// Tool is the qualified "domain.name" tool identifier.
	Tool string
	// Args holds the loosely-typed arguments from the model.
	Args map[string]any
	// CreatedAt is when the call object was created.
	CreatedAt time.Time

	mu          sync.Mutex
	status      Status
	startedAt   *time.Time
	completedAt *time.Time
	result      string
	errMsg      string
}

// New creates a pending call with a fresh UUIDv7 id.
func New(tool string, args map[string]any) *Call {
	id, _ := uuid.NewV7()
	return NewWithID(id.String(), tool, args)
}

// NewWithID creates a pending call with a caller-supplied id
// (typically the tool_call id issued by the model).
func NewWithID(id, tool string, args map[string]any) *Call {
	return &Call{
		ID:        id,
		Tool:      tool,
		Args:      args,
		CreatedAt: time.Now(),
		status:    StatusPending,
	}
}

// Status returns the current lifecycle state.
func (c *Call) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Result returns the settled result string (empty until success).
func (c *Call) Result() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// ErrorMessage returns the settled error text (empty unless error or
// cancelled).
func (c *Call) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// StartedAt returns when the call entered running, or the zero time.
func (c *Call) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt == nil {
		return time.Time{}
	}
	return *c.startedAt
}

// CompletedAt returns when the call settled, or the zero time.
func (c *Call) CompletedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completedAt == nil {
		return time.Time{}
	}
	return *c.completedAt
}

// BeginRunning transitions pending → running, stamping startedAt and
// clearing any stale result/error. Returns false if the call is not
// pending (already running or settled).
func (c *Call) BeginRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusPending {
		return false
	}
	now := time.Now()
	c.status = StatusRunning
	c.startedAt = &now
	c.result = ""
	c.errMsg = ""
	return true
}

// Settle moves the call into a terminal state, stamping completedAt.
// The first settlement wins: once terminal, further calls are no-ops
// returning false. This resolves the cancel-vs-complete race — whoever
// settles first determines the recorded outcome.
func (c *Call) Settle(status Status, result, errMsg string) bool {
	if !status.Terminal() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return false
	}
	now := time.Now()
	c.status = status
	c.completedAt = &now
	c.result = result
	c.errMsg = errMsg
	return true
}

// Record is an immutable snapshot of a call, used by the trailing
// history, the archive, and API responses.
type Record struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	Status      Status         `json:"status"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
	DurationMs  int64          `json:"duration_ms"`
}

// Snapshot captures the call's current state.
func (c *Call) Snapshot() Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := Record{
		ID:        c.ID,
		Tool:      c.Tool,
		Args:      c.Args,
		Status:    c.status,
		Result:    c.result,
		Error:     c.errMsg,
		CreatedAt: c.CreatedAt,
	}
	if c.startedAt != nil {
		rec.StartedAt = *c.startedAt
	}
	if c.completedAt != nil {
		rec.CompletedAt = *c.completedAt
		if c.startedAt != nil {
			rec.DurationMs = c.completedAt.Sub(*c.startedAt).Milliseconds()
		}
	}
	return rec
}
