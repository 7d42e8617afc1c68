// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (capability registry, tool
// pipeline, conversation service) to subscribers (WebSocket handler,
// future metrics collector). The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
//
// The bus carries observability only. Control-flow wiring between the
// registry and the tool manager uses a typed listener interface instead,
// so lifecycle correctness never depends on bus delivery.
package events

import (
	"sync"
	"time"
)

// Source identifies which component published an event.
type Source = string

// Kind describes the type of event within a source.
type Kind = string

// Source constants identify which component published an event.
const (
	// SourceRegistry identifies events from the capability registry.
	SourceRegistry Source = "registry"
	// SourceManager identifies events from the tool manager.
	SourceManager Source = "manager"
	// SourcePipeline identifies events from the execution pipeline.
	SourcePipeline Source = "pipeline"
	// SourceChat identifies events from the conversation service.
	SourceChat Source = "chat"
)

// Kind constants describe the type of event within a source.
const (
	// KindPackLoaded signals a capability pack finished loading.
	// Data: domain, tools, dependencies.
	KindPackLoaded Kind = "pack_loaded"
	// KindPackUnloaded signals a capability pack was unloaded.
	// Data: domain, dependents.
	KindPackUnloaded Kind = "pack_unloaded"

	// KindToolRegistered signals a tool entered the catalog.
	// Data: tool.
	KindToolRegistered Kind = "tool_registered"
	// KindToolUnregistered signals a tool left the catalog.
	// Data: tool.
	KindToolUnregistered Kind = "tool_unregistered"

	// KindExecStarting signals the start of a tool execution.
	// Data: call_id, tool, params.
	KindExecStarting Kind = "exec_starting"
	// KindExecCompleted signals successful completion of a tool execution.
	// Data: call_id, tool, duration_ms, result_len.
	KindExecCompleted Kind = "exec_completed"
	// KindExecError signals a failed tool execution.
	// Data: call_id, tool, duration_ms, error, error_type.
	KindExecError Kind = "exec_error"
	// KindExecCancelled signals an execution cancelled by token or timeout.
	// Data: call_id, tool.
	KindExecCancelled Kind = "exec_cancelled"

	// KindTurnStart signals the beginning of a conversational turn.
	// Data: conversation_id, messages.
	KindTurnStart Kind = "turn_start"
	// KindTurnComplete signals the end of a conversational turn.
	// Data: conversation_id, rounds, tool_calls, elapsed_ms.
	KindTurnComplete Kind = "turn_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source Source `json:"source"`
	// Kind describes the type of event within the source.
	Kind Kind `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op). A zero Timestamp
// is stamped with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
