package mqtt

import (
	"context"
	"log/slog"
	"testing"

	"github.com/satchel-ai/satchel/internal/pack"
)

func TestPackShape(t *testing.T) {
	p := New(Config{Broker: "mqtt://localhost:1883"}, slog.New(slog.DiscardHandler))
	if p.Domain != "mqtt" {
		t.Errorf("Domain = %q", p.Domain)
	}
	if len(p.Tools) != 1 || p.Tools[0].Name != "publish" {
		t.Fatalf("Tools = %+v", p.Tools)
	}
	if p.OnLoad == nil || p.OnUnload == nil {
		t.Error("lifecycle hooks should be set")
	}
}

func TestLoadRequiresBroker(t *testing.T) {
	p := New(Config{}, slog.New(slog.DiscardHandler))
	if err := p.OnLoad(context.Background(), &pack.Scope{}); err == nil {
		t.Error("load without a broker should fail")
	}
}

func TestPublishRequiresConnection(t *testing.T) {
	conn := &connection{cfg: Config{}, logger: slog.New(slog.DiscardHandler)}
	if _, err := conn.publish(context.Background(), map[string]any{"topic": "t"}); err == nil {
		t.Error("publish before connect should fail")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	conn := &connection{cfg: Config{}, logger: slog.New(slog.DiscardHandler)}
	if err := conn.disconnect(context.Background()); err != nil {
		t.Errorf("disconnect with no connection: %v", err)
	}
}
