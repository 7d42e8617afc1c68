package manager

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/satchel-ai/satchel/internal/call"
	"github.com/satchel-ai/satchel/internal/format"
	"github.com/satchel-ai/satchel/internal/pack"
)

func newTestManager() *Manager {
	return New(slog.New(slog.DiscardHandler), nil, nil, 8)
}

func echoSpec(name string) pack.ToolSpec {
	return pack.ToolSpec{
		Name:        name,
		Description: "echoes its input",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}
}

func TestIngestAndExecute(t *testing.T) {
	m := newTestManager()
	m.PackLoaded("util", []pack.ToolSpec{echoSpec("echo")})

	if !m.Has("util.echo") {
		t.Fatal("util.echo should be in the catalog")
	}

	res, err := m.Execute(context.Background(), "util.echo",
		map[string]any{"text": "hi"}, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != call.StatusSuccess {
		t.Fatalf("Status = %q: %s", res.Status, res.Error)
	}
	if res.Data != "hi" {
		t.Errorf("Data = %q", res.Data)
	}

	recent := m.RecentCalls(10)
	if len(recent) != 1 || recent[0].Tool != "util.echo" {
		t.Errorf("RecentCalls = %+v", recent)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	m := newTestManager()

	c := call.New("ghost.tool", nil)
	var nf *ErrToolNotFound
	if _, err := m.ExecuteCall(context.Background(), c, Options{}); !errors.As(err, &nf) {
		t.Fatalf("got %v, want ErrToolNotFound", err)
	}

	// The call still settles terminally and enters history.
	if got := c.Status(); got != call.StatusError {
		t.Fatalf("Status = %q, want %q", got, call.StatusError)
	}
	if c.ErrorMessage() == "" {
		t.Error("ErrorMessage should carry the lookup failure")
	}
	recent := m.RecentCalls(10)
	if len(recent) != 1 || recent[0].Tool != "ghost.tool" || recent[0].Status != call.StatusError {
		t.Errorf("RecentCalls = %+v", recent)
	}
}

func TestExecuteValidation(t *testing.T) {
	m := newTestManager()
	m.PackLoaded("util", []pack.ToolSpec{echoSpec("echo")})

	res, err := m.Execute(context.Background(), "util.echo",
		map[string]any{}, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != call.StatusError {
		t.Fatalf("Status = %q, want error", res.Status)
	}

	if err := m.ValidateParameters("util.echo", map[string]any{"text": "x"}); err != nil {
		t.Errorf("ValidateParameters valid args: %v", err)
	}
	if err := m.ValidateParameters("util.echo", map[string]any{}); err == nil {
		t.Error("ValidateParameters should reject missing required field")
	}
}

func TestExecuteTimeout(t *testing.T) {
	m := newTestManager()
	m.PackLoaded("slowpack", []pack.ToolSpec{{
		Name: "wait",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}})

	res, err := m.Execute(context.Background(), "slowpack.wait", nil,
		Options{Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != call.StatusCancelled {
		t.Fatalf("Status = %q, want cancelled", res.Status)
	}
}

func TestCancelInFlight(t *testing.T) {
	m := newTestManager()
	started := make(chan struct{})
	m.PackLoaded("slowpack", []pack.ToolSpec{{
		Name: "wait",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}})

	c := call.New("slowpack.wait", nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := m.ExecuteCall(context.Background(), c, Options{})
		if err != nil {
			t.Errorf("ExecuteCall: %v", err)
			return
		}
		if res.Status != call.StatusCancelled {
			t.Errorf("Status = %q, want cancelled", res.Status)
		}
	}()

	<-started
	if !m.Cancel(c.ID) {
		t.Error("Cancel should find the active call")
	}
	<-done

	// A second cancel of the settled call is a no-op.
	if m.Cancel(c.ID) {
		t.Error("Cancel after settlement should report false")
	}
}

func TestDeclaredDisplayShape(t *testing.T) {
	m := newTestManager()
	m.PackLoaded("util", []pack.ToolSpec{{
		Name:    "report",
		Display: pack.DisplayOptions{Shape: format.ShapeJSON},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"a": 1}, nil
		},
	}})

	// The tool's declared shape applies by default.
	res, err := m.Execute(context.Background(), "util.report", nil, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Data, "\n") || !strings.Contains(res.Data, `"a": 1`) {
		t.Errorf("Data = %q, want indented JSON", res.Data)
	}

	// A per-call shape overrides the declaration.
	res, err = m.Execute(context.Background(), "util.report", nil,
		Options{Shape: format.ShapeText})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Data != `{"a":1}` {
		t.Errorf("Data = %q, want compact text form", res.Data)
	}
}

func TestRegisterToolDirect(t *testing.T) {
	m := newTestManager()

	if err := m.RegisterTool("util", echoSpec("echo")); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	if !m.Has("util.echo") {
		t.Fatal("util.echo should be in the catalog")
	}
	res, err := m.Execute(context.Background(), "util.echo",
		map[string]any{"text": "hi"}, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != call.StatusSuccess || res.Data != "hi" {
		t.Errorf("result = %+v", res)
	}

	bad := echoSpec("broken")
	bad.Schema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": "string"},
	}
	if err := m.RegisterTool("util", bad); err == nil {
		t.Error("RegisterTool should reject an uncompilable schema")
	}
}

func TestUnregisterTool(t *testing.T) {
	m := newTestManager()
	m.PackLoaded("util", []pack.ToolSpec{echoSpec("echo"), echoSpec("other")})

	if !m.UnregisterTool("util.echo") {
		t.Fatal("UnregisterTool should find util.echo")
	}
	if m.Has("util.echo") {
		t.Error("util.echo should be evicted")
	}
	if !m.Has("util.other") {
		t.Error("sibling tool should survive")
	}
	if m.UnregisterTool("util.echo") {
		t.Error("second unregister should report false")
	}
}

func TestUnregisterToolCancelsInFlight(t *testing.T) {
	m := newTestManager()
	started := make(chan struct{})
	m.PackLoaded("slowpack", []pack.ToolSpec{{
		Name: "wait",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := m.Execute(context.Background(), "slowpack.wait", nil, Options{})
		if err != nil {
			t.Errorf("Execute: %v", err)
			return
		}
		if res.Status != call.StatusCancelled {
			t.Errorf("Status = %q, want cancelled", res.Status)
		}
	}()

	<-started
	if !m.UnregisterTool("slowpack.wait") {
		t.Error("UnregisterTool should find the tool")
	}
	<-done

	if m.Has("slowpack.wait") {
		t.Error("tool should be evicted")
	}
}

func TestPackUnloadedCancelsAndEvicts(t *testing.T) {
	m := newTestManager()
	started := make(chan struct{})
	m.PackLoaded("slowpack", []pack.ToolSpec{{
		Name: "wait",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := m.Execute(context.Background(), "slowpack.wait", nil, Options{})
		if err != nil {
			t.Errorf("Execute: %v", err)
			return
		}
		if res.Status != call.StatusCancelled {
			t.Errorf("Status = %q, want cancelled", res.Status)
		}
	}()

	<-started
	m.PackUnloaded("slowpack")
	<-done

	if m.Has("slowpack.wait") {
		t.Error("tool should be evicted after unload")
	}
}

func TestToolsForModelFiltersHidden(t *testing.T) {
	m := newTestManager()
	visible := echoSpec("echo")
	hidden := echoSpec("internal_echo")
	hidden.Display.Hidden = true
	m.PackLoaded("util", []pack.ToolSpec{visible, hidden})

	defs := m.ToolsForModel()
	if len(defs) != 1 {
		t.Fatalf("got %d defs, want 1", len(defs))
	}
	fn, ok := defs[0]["function"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected def shape: %v", defs[0])
	}
	if fn["name"] != "util.echo" {
		t.Errorf("name = %v", fn["name"])
	}

	infos := m.ListTools()
	if len(infos) != 2 {
		t.Errorf("ListTools should include hidden tools, got %d", len(infos))
	}
}

func TestIngestRejectsBadSchema(t *testing.T) {
	m := newTestManager()
	bad := pack.ToolSpec{
		Name:   "broken",
		Schema: map[string]any{"type": 42},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, nil
		},
	}
	m.PackLoaded("util", []pack.ToolSpec{bad, echoSpec("echo")})

	if m.Has("util.broken") {
		t.Error("tool with invalid schema must be skipped")
	}
	if !m.Has("util.echo") {
		t.Error("valid sibling tool must still ingest")
	}
}
