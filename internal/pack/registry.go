package pack

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/satchel-ai/satchel/internal/events"
)

// Listener receives pack lifecycle notifications. The tool manager
// implements this to ingest and evict tools as packs load and unload.
// Listeners are invoked synchronously under the registry's lock, so
// dependency ordering holds: a dependency's tools are ingested before
// its dependent's, and a dependent's tools are evicted before its
// dependency's. Listeners must not call back into the registry.
type Listener interface {
	// PackLoaded fires after the pack's OnLoad hook succeeds.
	PackLoaded(domain string, tools []ToolSpec)
	// PackUnloaded fires after the pack's OnUnload hook runs.
	PackUnloaded(domain string)
}

// entry is a registered pack plus its runtime state.
type entry struct {
	pack   Pack
	loaded bool
	scope  *Scope
}

// Registry owns the pack catalog, the dependency graph, and load/unload
// ordering. All mutation is serialized under one lock; lifecycle hooks
// run inside it, so hooks must not call back into the registry.
type Registry struct {
	logger *slog.Logger
	bus    *events.Bus

	mu        sync.Mutex
	packs     map[string]*entry
	listeners []Listener
}

// NewRegistry creates an empty registry. The bus may be nil (events are
// then dropped).
func NewRegistry(logger *slog.Logger, bus *events.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "registry"),
		bus:    bus,
		packs:  make(map[string]*entry),
	}
}

// AddListener attaches a lifecycle listener. Wiring is explicit by
// design — consumers hold a typed reference to the registry rather
// than discovering it over an ambient bus.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register stores a pack under its domain key. Re-registration
// overwrites an unloaded pack; a loaded pack must be unloaded first so
// its catalog entries and dependency edges cannot mutate underneath
// the loaded-implies-dependencies-loaded invariant. The system pack
// can never be overwritten.
func (r *Registry) Register(p Pack) error {
	if p.Domain == "" {
		return fmt.Errorf("pack domain is required")
	}
	if len(p.Tools) == 0 {
		return fmt.Errorf("pack %q: a tool list is required", p.Domain)
	}
	for _, t := range p.Tools {
		if t.Name == "" {
			return fmt.Errorf("pack %q: tool name is required", p.Domain)
		}
		if t.Handler == nil {
			return fmt.Errorf("pack %q: tool %q has no handler", p.Domain, t.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.packs[p.Domain]; ok {
		if p.Domain == SystemDomain {
			return &ErrSystemPack{Op: "overwrite"}
		}
		if existing.loaded {
			return fmt.Errorf("pack %q is loaded; unload before re-registering", p.Domain)
		}
	}

	r.packs[p.Domain] = &entry{pack: p}
	r.logger.Debug("pack registered",
		"domain", p.Domain,
		"tools", len(p.Tools),
		"dependencies", p.Dependencies,
	)
	return nil
}

// LoadResult reports the outcome of a Load call.
type LoadResult struct {
	// Domain is the pack that was asked for.
	Domain string `json:"loaded"`
	// Status is "loaded" or "already-loaded".
	Status string `json:"status"`
	// Dependencies lists packs loaded as a side effect, in load order.
	Dependencies []string `json:"dependencies,omitempty"`
}

// Load loads a pack, depth-first loading any unloaded dependencies
// first. A dependency cycle is rejected rather than recursed into.
// Loading is not transactional: a failure partway leaves dependencies
// that already loaded in the loaded state.
func (r *Registry) Load(ctx context.Context, domain string) (*LoadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.packs[domain]
	if !ok {
		return nil, &ErrPackNotFound{Domain: domain}
	}
	if e.loaded {
		return &LoadResult{Domain: domain, Status: "already-loaded"}, nil
	}

	var order []string
	if err := r.loadLocked(ctx, domain, nil, &order); err != nil {
		return nil, err
	}

	// The root is the last pack loaded; everything before it was a
	// dependency side effect.
	deps := order[:len(order)-1]
	r.logger.Info("pack loaded", "domain", domain, "dependencies", deps)
	return &LoadResult{Domain: domain, Status: "loaded", Dependencies: deps}, nil
}

// loadLocked performs the depth-first load. visiting carries the DFS
// path for cycle detection; order accumulates every pack that
// transitions to loaded.
func (r *Registry) loadLocked(ctx context.Context, domain string, visiting []string, order *[]string) error {
	e, ok := r.packs[domain]
	if !ok {
		return &ErrPackNotFound{Domain: domain}
	}
	if e.loaded {
		return nil
	}
	if i := slices.Index(visiting, domain); i >= 0 {
		return &ErrDependencyCycle{Path: append(slices.Clone(visiting[i:]), domain)}
	}

	visiting = append(visiting, domain)
	for _, dep := range e.pack.Dependencies {
		if err := r.loadLocked(ctx, dep, visiting, order); err != nil {
			return err
		}
	}

	scope := &Scope{}
	if e.pack.OnLoad != nil {
		if err := e.pack.OnLoad(ctx, scope); err != nil {
			scope.teardown()
			lerr := &LifecycleError{Domain: domain, Hook: "load", Err: err}
			r.logger.Error("pack load hook failed", "domain", domain, "error", err)
			return lerr
		}
	}

	e.loaded = true
	e.scope = scope
	*order = append(*order, domain)

	for _, l := range r.listeners {
		l.PackLoaded(domain, e.pack.Tools)
	}
	r.bus.Publish(events.Event{
		Source: events.SourceRegistry,
		Kind:   events.KindPackLoaded,
		Data: map[string]any{
			"domain":       domain,
			"tools":        len(e.pack.Tools),
			"dependencies": e.pack.Dependencies,
		},
	})
	return nil
}

// UnloadResult reports the outcome of an Unload call.
type UnloadResult struct {
	// Domain is the pack that was asked for.
	Domain string `json:"unloaded"`
	// Status is "unloaded" or "not-loaded".
	Status string `json:"status"`
	// Dependents lists loaded packs that were unloaded first because
	// they depend (transitively) on Domain.
	Dependents []string `json:"dependents,omitempty"`
}

// Unload unloads a pack, first recursively unloading every loaded pack
// that depends on it, so no pack is ever removed while a still-loaded
// pack depends on it. The system pack can never be unloaded.
func (r *Registry) Unload(ctx context.Context, domain string) (*UnloadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if domain == SystemDomain {
		return nil, &ErrSystemPack{Op: "unload"}
	}
	e, ok := r.packs[domain]
	if !ok {
		return nil, &ErrPackNotFound{Domain: domain}
	}
	if !e.loaded {
		return &UnloadResult{Domain: domain, Status: "not-loaded"}, nil
	}

	var dependents []string
	if err := r.unloadLocked(ctx, domain, &dependents); err != nil {
		return nil, err
	}

	// The root is the last pack unloaded.
	dependents = dependents[:len(dependents)-1]
	r.logger.Info("pack unloaded", "domain", domain, "dependents", dependents)
	return &UnloadResult{Domain: domain, Status: "unloaded", Dependents: dependents}, nil
}

// unloadLocked unloads domain after its loaded dependents, appending
// each unloaded domain to order.
func (r *Registry) unloadLocked(ctx context.Context, domain string, order *[]string) error {
	e := r.packs[domain]

	// Dependents first, in stable order so unload sequences are
	// deterministic.
	var deps []string
	for other, oe := range r.packs {
		if oe.loaded && slices.Contains(oe.pack.Dependencies, domain) {
			deps = append(deps, other)
		}
	}
	sort.Strings(deps)
	for _, dep := range deps {
		if dep == SystemDomain {
			return &ErrSystemPack{Op: "unload"}
		}
		if err := r.unloadLocked(ctx, dep, order); err != nil {
			return err
		}
	}

	// The pack is unloaded regardless of hook outcome: a failing
	// OnUnload cannot leave a stuck pack, so teardown proceeds and the
	// error propagates afterwards.
	var hookErr error
	if e.pack.OnUnload != nil {
		if err := e.pack.OnUnload(ctx); err != nil {
			hookErr = &LifecycleError{Domain: domain, Hook: "unload", Err: err}
			r.logger.Error("pack unload hook failed", "domain", domain, "error", err)
		}
	}

	e.loaded = false
	if e.scope != nil {
		e.scope.teardown()
		e.scope = nil
	}
	*order = append(*order, domain)

	for _, l := range r.listeners {
		l.PackUnloaded(domain)
	}
	r.bus.Publish(events.Event{
		Source: events.SourceRegistry,
		Kind:   events.KindPackUnloaded,
		Data:   map[string]any{"domain": domain},
	})
	return hookErr
}

// Loaded reports whether a domain is registered and loaded.
func (r *Registry) Loaded(domain string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.packs[domain]
	return ok && e.loaded
}

// Info is the read-only pack projection for listings.
type Info struct {
	Domain      string `json:"domain"`
	Description string `json:"description,omitempty"`
	Loaded      bool   `json:"loaded"`
	ToolCount   int    `json:"tool_count"`
}

// DetailedInfo extends Info with version, dependency, and tool data.
type DetailedInfo struct {
	Info
	Version      string   `json:"version,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Tools        []string `json:"tools"`
	Icons        []string `json:"icons,omitempty"`
}

// ListPacks returns all registered packs sorted by domain.
func (r *Registry) ListPacks() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.packs))
	for _, e := range r.packs {
		out = append(out, Info{
			Domain:      e.pack.Domain,
			Description: e.pack.Description,
			Loaded:      e.loaded,
			ToolCount:   len(e.pack.Tools),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// ListPacksDetailed returns the full projection of every registered
// pack, sorted by domain.
func (r *Registry) ListPacksDetailed() []DetailedInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]DetailedInfo, 0, len(r.packs))
	for _, e := range r.packs {
		d := DetailedInfo{
			Info: Info{
				Domain:      e.pack.Domain,
				Description: e.pack.Description,
				Loaded:      e.loaded,
				ToolCount:   len(e.pack.Tools),
			},
			Version:      e.pack.Version,
			Dependencies: slices.Clone(e.pack.Dependencies),
		}
		for _, t := range e.pack.Tools {
			d.Tools = append(d.Tools, t.Name)
			if t.Icon != "" {
				d.Icons = append(d.Icons, t.Icon)
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}
