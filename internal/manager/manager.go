// Package manager owns the live tool catalog: it ingests tools as
// packs load, evicts them as packs unload, and fronts the execution
// pipeline with per-call contexts so in-flight work can be cancelled.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/satchel-ai/satchel/internal/call"
	"github.com/satchel-ai/satchel/internal/events"
	"github.com/satchel-ai/satchel/internal/exec"
	"github.com/satchel-ai/satchel/internal/format"
	"github.com/satchel-ai/satchel/internal/pack"
	"github.com/satchel-ai/satchel/internal/schema"
)

// ErrToolNotFound is returned when a tool name is absent from the
// catalog, typically because its pack is not loaded.
type ErrToolNotFound struct {
	Name string
}

func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q is not available", e.Name)
}

// ErrCallNotFound is returned when a call id matches no in-flight
// execution.
type ErrCallNotFound struct {
	ID string
}

func (e *ErrCallNotFound) Error() string {
	return fmt.Sprintf("no active call %q", e.ID)
}

// catalogEntry is one ingested tool with its schema compiled once at
// ingest time rather than per call.
type catalogEntry struct {
	domain   string
	spec     pack.ToolSpec
	compiled *schema.Compiled
}

// active tracks an in-flight execution so it can be cancelled.
type active struct {
	call   *call.Call
	domain string
	cancel context.CancelFunc
}

// Options tune one execution.
type Options struct {
	// Timeout bounds the handler; zero means no deadline beyond the
	// caller's context.
	Timeout time.Duration
	// Shape overrides the tool's declared display shape when non-empty.
	Shape format.Shape
}

// Manager is the tool catalog plus execution front door. It implements
// pack.Listener and must be attached to the registry with AddListener.
type Manager struct {
	logger   *slog.Logger
	bus      *events.Bus
	pipeline *exec.Pipeline

	mu      sync.Mutex
	catalog map[string]*catalogEntry
	actives map[string]*active

	history *call.History
	archive *call.Archive
}

// New creates a manager. The bus and archive may be nil.
func New(logger *slog.Logger, bus *events.Bus, archive *call.Archive, historySize int) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if historySize <= 0 {
		historySize = call.DefaultHistorySize
	}
	return &Manager{
		logger:   logger.With("component", "manager"),
		bus:      bus,
		pipeline: exec.NewPipeline(logger, bus),
		catalog:  make(map[string]*catalogEntry),
		actives:  make(map[string]*active),
		history:  call.NewHistory(historySize),
		archive:  archive,
	}
}

// PackLoaded ingests a pack's tools under their qualified names. A
// tool whose schema does not compile is skipped with an error log; the
// rest of the pack still loads.
func (m *Manager) PackLoaded(domain string, tools []pack.ToolSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range tools {
		name := pack.QualifiedName(domain, t.Name)
		compiled, err := schema.Compile(t.Schema)
		if err != nil {
			m.logger.Error("tool schema rejected, tool skipped",
				"tool", name, "error", err)
			continue
		}
		m.catalog[name] = &catalogEntry{domain: domain, spec: t, compiled: compiled}
		m.bus.Publish(events.Event{
			Source: events.SourceManager,
			Kind:   events.KindToolRegistered,
			Data:   map[string]any{"tool": name, "domain": domain},
		})
	}
	m.logger.Debug("tools ingested", "domain", domain, "count", len(tools))
}

// RegisterTool ingests a single tool without going through a pack
// lifecycle. Unlike PackLoaded's batch ingest, a schema that does not
// compile is an error here: the caller asked for exactly this tool.
func (m *Manager) RegisterTool(domain string, t pack.ToolSpec) error {
	name := pack.QualifiedName(domain, t.Name)
	compiled, err := schema.Compile(t.Schema)
	if err != nil {
		return fmt.Errorf("tool %q schema: %w", name, err)
	}

	m.mu.Lock()
	m.catalog[name] = &catalogEntry{domain: domain, spec: t, compiled: compiled}
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Source: events.SourceManager,
		Kind:   events.KindToolRegistered,
		Data:   map[string]any{"tool": name, "domain": domain},
	})
	m.logger.Debug("tool registered", "tool", name)
	return nil
}

// UnregisterTool cancels the named tool's in-flight calls and evicts
// it from the catalog, leaving the rest of its domain alone. It
// reports whether the tool was present.
func (m *Manager) UnregisterTool(name string) bool {
	m.mu.Lock()
	e, ok := m.catalog[name]
	if !ok {
		m.mu.Unlock()
		return false
	}
	for id, a := range m.actives {
		if a.call.Tool == name {
			m.logger.Info("cancelling call for unregistering tool",
				"call_id", id, "tool", name)
			a.cancel()
		}
	}
	delete(m.catalog, name)
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Source: events.SourceManager,
		Kind:   events.KindToolUnregistered,
		Data:   map[string]any{"tool": name, "domain": e.domain},
	})
	m.logger.Debug("tool unregistered", "tool", name)
	return true
}

// PackUnloaded cancels the pack's in-flight calls, then evicts its
// tools. Cancel-before-evict keeps the invariant that a running call
// always has a catalog entry behind it.
func (m *Manager) PackUnloaded(domain string) {
	m.mu.Lock()
	for id, a := range m.actives {
		if a.domain == domain {
			m.logger.Info("cancelling call for unloading pack",
				"call_id", id, "domain", domain)
			a.cancel()
		}
	}
	evicted := 0
	for name, e := range m.catalog {
		if e.domain == domain {
			delete(m.catalog, name)
			evicted++
			m.bus.Publish(events.Event{
				Source: events.SourceManager,
				Kind:   events.KindToolUnregistered,
				Data:   map[string]any{"tool": name, "domain": domain},
			})
		}
	}
	m.mu.Unlock()
	m.logger.Debug("tools evicted", "domain", domain, "count", evicted)
}

// resolve looks a tool up and builds its pipeline view.
func (m *Manager) resolve(name string, opts Options) (*catalogEntry, exec.ResolvedTool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.catalog[name]
	if !ok {
		return nil, exec.ResolvedTool{}, &ErrToolNotFound{Name: name}
	}
	shape := e.spec.Display.Shape
	if opts.Shape != "" {
		shape = opts.Shape
	}
	if shape == "" {
		shape = format.ShapeAuto
	}
	return e, exec.ResolvedTool{
		Name:    name,
		Handler: e.spec.Handler,
		Schema:  e.compiled,
		Shape:   shape,
	}, nil
}

// Execute runs a tool call end to end and returns its envelope. The
// returned error covers lookup failure only; handler and validation
// failures are reported inside the envelope.
func (m *Manager) Execute(ctx context.Context, name string, args map[string]any, opts Options) (*exec.Result, error) {
	return m.ExecuteCall(ctx, call.New(name, args), opts)
}

// ExecuteCall runs a pre-built call, which lets chat reuse the model's
// tool_call id as the call id.
func (m *Manager) ExecuteCall(ctx context.Context, c *call.Call, opts Options) (*exec.Result, error) {
	e, resolved, err := m.resolve(c.Tool, opts)
	if err != nil {
		// Unknown tools still settle and enter history so the call's
		// terminal state and error are inspectable afterwards.
		c.Settle(call.StatusError, "", err.Error())
		m.record(c)
		return nil, err
	}

	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	m.mu.Lock()
	m.actives[c.ID] = &active{call: c, domain: e.domain, cancel: cancel}
	m.mu.Unlock()

	res := m.pipeline.Run(ctx, c, resolved)

	m.mu.Lock()
	delete(m.actives, c.ID)
	m.mu.Unlock()

	m.record(c)
	return res, nil
}

func (m *Manager) record(c *call.Call) {
	rec := c.Snapshot()
	m.history.Add(rec)
	if m.archive != nil {
		if aerr := m.archive.Record(rec); aerr != nil {
			m.logger.Warn("archiving call failed", "call_id", c.ID, "error", aerr)
		}
	}
}

// Cancel cancels an in-flight call by id. It reports false when the id
// is unknown or the call already settled, so repeated cancels are
// harmless.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	a, ok := m.actives[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	a.cancel()
	return true
}

// ActiveCalls returns snapshots of in-flight calls sorted by creation
// time.
func (m *Manager) ActiveCalls() []call.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]call.Record, 0, len(m.actives))
	for _, a := range m.actives {
		out = append(out, a.call.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RecentCalls returns up to n completed calls, newest first.
func (m *Manager) RecentCalls(n int) []call.Record {
	return m.history.Recent(n)
}

// CallsByTool returns up to n completed calls for one tool, newest
// first.
func (m *Manager) CallsByTool(tool string, n int) []call.Record {
	return m.history.ByTool(tool, n)
}

// ValidateParameters checks args against a tool's schema without
// executing it.
func (m *Manager) ValidateParameters(name string, args map[string]any) error {
	m.mu.Lock()
	e, ok := m.catalog[name]
	m.mu.Unlock()
	if !ok {
		return &ErrToolNotFound{Name: name}
	}
	return e.compiled.Validate(args)
}

// Has reports whether a tool is currently available.
func (m *Manager) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.catalog[name]
	return ok
}

// ToolInfo is the read-only catalog projection for listings.
type ToolInfo struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Hidden      bool   `json:"hidden,omitempty"`
}

// ListTools returns every catalog entry sorted by name, hidden tools
// included.
func (m *Manager) ListTools() []ToolInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ToolInfo, 0, len(m.catalog))
	for name, e := range m.catalog {
		out = append(out, ToolInfo{
			Name:        name,
			Domain:      e.domain,
			Description: e.spec.Description,
			Icon:        e.spec.Icon,
			Hidden:      e.spec.Display.Hidden,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolsForModel returns the tool definitions in the wire shape chat
// providers expect. Hidden tools are omitted.
func (m *Manager) ToolsForModel() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.catalog))
	for name, e := range m.catalog {
		if e.spec.Display.Hidden {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		e := m.catalog[name]
		params := e.spec.Schema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        name,
				"description": e.spec.Description,
				"parameters":  params,
			},
		})
	}
	return out
}
