package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satchel-ai/satchel/internal/chat"
	"github.com/satchel-ai/satchel/internal/events"
	"github.com/satchel-ai/satchel/internal/llm"
	"github.com/satchel-ai/satchel/internal/manager"
	"github.com/satchel-ai/satchel/internal/pack"
)

// echoClient is a model client that answers every turn with fixed text.
type echoClient struct {
	reply string
}

func (c *echoClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

func (c *echoClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	if callback != nil {
		callback(llm.StreamEvent{Kind: llm.KindToken, Token: c.reply})
	}
	return &llm.ChatResponse{
		Model:   model,
		Message: llm.Message{Role: "assistant", Content: c.reply},
		Done:    true,
	}, nil
}

func (c *echoClient) Ping(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, *events.Bus) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	bus := events.New()
	reg := pack.NewRegistry(logger, bus)
	mgr := manager.New(logger, bus, nil, 16)
	reg.AddListener(mgr)

	if err := reg.Register(pack.Pack{
		Domain:      pack.SystemDomain,
		Description: "core",
		Tools: []pack.ToolSpec{{
			Name:        "noop",
			Description: "does nothing",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return "ok", nil
			},
		}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(pack.Pack{
		Domain:      "echo",
		Description: "echo tools",
		Tools: []pack.ToolSpec{{
			Name:        "say",
			Description: "echoes text",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []any{"text"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				text, _ := args["text"].(string)
				return "echo: " + text, nil
			},
		}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Load(context.Background(), pack.SystemDomain); err != nil {
		t.Fatal(err)
	}

	svc := chat.NewService(logger, bus, &echoClient{reply: "hello there"}, mgr, "test-model")
	return NewServer("", 0, reg, mgr, svc, bus, logger), bus
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reqBody *strings.Reader
	if body == "" {
		reqBody = strings.NewReader("")
	} else {
		reqBody = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode %s %s response: %v\nbody: %s", method, path, err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestHealthAndRoot(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec, body := doJSON(t, h, "GET", "/health", "")
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health = %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, h, "GET", "/", "")
	if rec.Code != http.StatusOK || body["name"] != "Satchel" {
		t.Errorf("root = %d %v", rec.Code, body)
	}
}

func TestPackLifecycleEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec, body := doJSON(t, h, "GET", "/v1/packs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list packs: %d", rec.Code)
	}
	packs, _ := body["packs"].([]any)
	if len(packs) != 2 {
		t.Errorf("got %d packs, want 2", len(packs))
	}

	rec, body = doJSON(t, h, "POST", "/v1/packs/echo/load", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("load echo: %d %v", rec.Code, body)
	}
	if body["loaded"] != "echo" || body["status"] != "loaded" {
		t.Errorf("load result = %v", body)
	}

	rec, _ = doJSON(t, h, "POST", "/v1/packs/nope/load", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("load unknown = %d, want 404", rec.Code)
	}

	rec, _ = doJSON(t, h, "POST", "/v1/packs/"+pack.SystemDomain+"/unload", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("unload system = %d, want 403", rec.Code)
	}

	rec, body = doJSON(t, h, "POST", "/v1/packs/echo/unload", "")
	if rec.Code != http.StatusOK || body["unloaded"] != "echo" {
		t.Errorf("unload echo = %d %v", rec.Code, body)
	}
}

func TestToolInvokeEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	if _, body := doJSON(t, h, "POST", "/v1/packs/echo/load", ""); body["status"] != "loaded" {
		t.Fatalf("load echo failed: %v", body)
	}

	rec, body := doJSON(t, h, "POST", "/v1/tools/invoke",
		`{"tool": "echo.say", "params": {"text": "ping"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("invoke: %d %v", rec.Code, body)
	}
	if body["status"] != "success" || body["data"] != "echo: ping" {
		t.Errorf("envelope = %v", body)
	}

	// validation failure comes back as an error envelope, not an HTTP error
	rec, body = doJSON(t, h, "POST", "/v1/tools/invoke", `{"tool": "echo.say", "params": {}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("invoke invalid: %d", rec.Code)
	}
	if body["status"] != "error" {
		t.Errorf("envelope = %v, want error status", body)
	}

	rec, _ = doJSON(t, h, "POST", "/v1/tools/invoke", `{"tool": "missing.tool"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("invoke unknown = %d, want 404", rec.Code)
	}
}

func TestToolCallsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	doJSON(t, h, "POST", "/v1/packs/echo/load", "")
	doJSON(t, h, "POST", "/v1/tools/invoke", `{"tool": "echo.say", "params": {"text": "one"}}`)

	rec, body := doJSON(t, h, "GET", "/v1/tools/calls", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("calls: %d", rec.Code)
	}
	recent, _ := body["recent"].([]any)
	if len(recent) != 1 {
		t.Errorf("recent = %v, want one record", body["recent"])
	}

	rec, _ = doJSON(t, h, "POST", "/v1/tools/calls/nope/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("cancel unknown = %d, want 404", rec.Code)
	}
}

func TestChatEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec, body := doJSON(t, h, "POST", "/v1/chat", `{"message": "hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: %d %v", rec.Code, body)
	}
	if body["response"] != "hello there" {
		t.Errorf("response = %v", body["response"])
	}
	convID, _ := body["conversation_id"].(string)
	if convID == "" {
		t.Fatal("expected a conversation id")
	}

	// same id continues the same conversation
	rec, body = doJSON(t, h, "POST", "/v1/chat",
		`{"message": "again", "conversation_id": "`+convID+`"}`)
	if rec.Code != http.StatusOK || body["conversation_id"] != convID {
		t.Errorf("follow-up = %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, h, "POST", "/v1/chat", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty message = %d, want 400", rec.Code)
	}
}

func TestChatStreamEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/chat", strings.NewReader(`{"message": "hi", "stream": true}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"kind":"token"`) {
		t.Errorf("missing token frame in %q", body)
	}
	if !strings.Contains(body, `"kind":"done"`) {
		t.Errorf("missing done frame in %q", body)
	}
}

func TestEventStream(t *testing.T) {
	s, bus := newTestServer(t)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Subscription happens inside the handler; give it a moment before
	// publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	bus.Publish(events.Event{Source: events.SourceRegistry, Kind: events.KindPackLoaded,
		Data: map[string]any{"domain": "echo"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindPackLoaded || ev.Data["domain"] != "echo" {
		t.Errorf("event = %+v", ev)
	}
}
