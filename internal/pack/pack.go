// Package pack defines capability packs — named, dependency-aware
// bundles of tools with their own load/unload lifecycle — and the
// registry that owns them.
package pack

import (
	"context"
	"fmt"
	"strings"

	"github.com/satchel-ai/satchel/internal/format"
)

// SystemDomain is the distinguished pack that is always loaded and can
// never be unloaded or overwritten.
const SystemDomain = "system"

// Handler executes one tool call. The result may be any JSON-encodable
// value; strings pass to the model verbatim. Handlers with external
// side effects should poll ctx for real early exit — cancellation
// abandons the caller-visible wait, it does not kill the handler.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// DisplayOptions control how a tool surfaces outside its pack.
type DisplayOptions struct {
	// Hidden excludes the tool from the model-facing tool list. The
	// tool stays callable directly through the manager.
	Hidden bool `json:"hidden,omitempty"`
	// Shape requests a result rendering ("text", "json", "markdown",
	// "html"). Empty means auto-detect.
	Shape format.Shape `json:"shape,omitempty"`
}

// ToolSpec describes one tool inside a pack. Its identity outside the
// pack is "domain.name", unique while the pack is registered.
type ToolSpec struct {
	// Name is the pack-local tool name.
	Name        string
	Description string
	// Schema is the JSON-schema parameter declaration handed to the
	// model and compiled for validation. Nil means schema-less: every
	// argument set validates.
	Schema  map[string]any
	Handler Handler
	Icon    string
	Display DisplayOptions
}

// Scope is the isolated lifecycle handle created for each pack at
// registration. Hooks use it to register teardown work; everything
// registered is torn down atomically when the pack unloads, so packs
// cannot leak subscriptions or connections across reload cycles.
type Scope struct {
	cleanups []func()
}

// Defer registers fn to run when the pack unloads. Functions run in
// reverse registration order, after OnUnload returns.
func (s *Scope) Defer(fn func()) {
	if fn == nil {
		return
	}
	s.cleanups = append(s.cleanups, fn)
}

func (s *Scope) teardown() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	s.cleanups = nil
}

// Pack is a capability pack: a bundle of tools plus the dependency and
// lifecycle metadata the registry needs to manage it.
type Pack struct {
	// Domain is the unique pack key and the namespace prefix for its
	// tools.
	Domain      string
	Description string
	Version     string
	Tools       []ToolSpec
	// Dependencies lists domains that must be loaded before this pack.
	Dependencies []string
	// OnLoad runs before the pack's tools become visible. Optional.
	OnLoad func(ctx context.Context, scope *Scope) error
	// OnUnload runs after in-flight calls are cancelled and before the
	// pack's tools are removed. Optional.
	OnUnload func(ctx context.Context) error
}

// QualifiedName forms the catalog identity for a tool in a domain.
func QualifiedName(domain, name string) string {
	return domain + "." + name
}

// SplitQualifiedName splits "domain.name" at the first dot. Tool names
// may themselves contain dots; domains may not.
func SplitQualifiedName(qualified string) (domain, name string, err error) {
	i := strings.IndexByte(qualified, '.')
	if i <= 0 || i == len(qualified)-1 {
		return "", "", fmt.Errorf("malformed tool name %q (want domain.name)", qualified)
	}
	return qualified[:i], qualified[i+1:], nil
}
