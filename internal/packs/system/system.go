// Package system provides the always-loaded pack that lets the model
// manage other packs and inspect recent tool activity.
package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/satchel-ai/satchel/internal/manager"
	"github.com/satchel-ai/satchel/internal/pack"
)

// New builds the system pack. It is registered and loaded at startup
// and can never be unloaded, so the model always keeps the ability to
// load capabilities back in.
func New(reg *pack.Registry, mgr *manager.Manager) pack.Pack {
	return pack.Pack{
		Domain:      pack.SystemDomain,
		Description: "Pack management and tool call inspection",
		Version:     "1.0.0",
		Tools: []pack.ToolSpec{
			listPacksTool(reg),
			loadPackTool(reg),
			unloadPackTool(reg),
			recentCallsTool(mgr),
		},
	}
}

func listPacksTool(reg *pack.Registry) pack.ToolSpec {
	return pack.ToolSpec{
		Name:        "list_packs",
		Description: "List all capability packs with their load state, tools, and dependencies. Use load_pack to gain access to an unloaded pack's tools.",
		Icon:        "package",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return reg.ListPacksDetailed(), nil
		},
	}
}

func loadPackTool(reg *pack.Registry) pack.ToolSpec {
	return pack.ToolSpec{
		Name:        "load_pack",
		Description: "Load a capability pack, making its tools available. Unloaded dependencies are loaded first automatically.",
		Icon:        "download",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "The pack domain to load",
				},
			},
			"required": []any{"domain"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			domain, _ := args["domain"].(string)
			res, err := reg.Load(ctx, domain)
			if err != nil {
				return nil, err
			}
			if res.Status == "already-loaded" {
				return fmt.Sprintf("Pack %q is already loaded.", domain), nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Pack %q loaded.", domain)
			if len(res.Dependencies) > 0 {
				fmt.Fprintf(&b, " Dependencies loaded first: %s.", strings.Join(res.Dependencies, ", "))
			}
			return b.String(), nil
		},
	}
}

func unloadPackTool(reg *pack.Registry) pack.ToolSpec {
	return pack.ToolSpec{
		Name:        "unload_pack",
		Description: "Unload a capability pack, removing its tools. Loaded packs that depend on it are unloaded first. The system pack cannot be unloaded.",
		Icon:        "upload",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "The pack domain to unload",
				},
			},
			"required": []any{"domain"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			domain, _ := args["domain"].(string)
			res, err := reg.Unload(ctx, domain)
			if err != nil {
				return nil, err
			}
			if res.Status == "not-loaded" {
				return fmt.Sprintf("Pack %q is not loaded.", domain), nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Pack %q unloaded.", domain)
			if len(res.Dependents) > 0 {
				fmt.Fprintf(&b, " Dependent packs unloaded first: %s.", strings.Join(res.Dependents, ", "))
			}
			return b.String(), nil
		},
	}
}

func recentCallsTool(mgr *manager.Manager) pack.ToolSpec {
	return pack.ToolSpec{
		Name:        "recent_tool_calls",
		Description: "Show recent tool call outcomes, newest first. Optionally filter by tool name.",
		Icon:        "history",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool": map[string]any{
					"type":        "string",
					"description": "Qualified tool name to filter by",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum entries to return (default 10)",
					"minimum":     float64(1),
					"maximum":     float64(50),
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			limit := 10
			if v, ok := args["limit"].(float64); ok {
				limit = int(v)
			}
			if tool, ok := args["tool"].(string); ok && tool != "" {
				return mgr.CallsByTool(tool, limit), nil
			}
			return mgr.RecentCalls(limit), nil
		},
	}
}
