// Package api implements the HTTP control surface: chat, pack
// lifecycle, tool introspection, and the live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satchel-ai/satchel/internal/buildinfo"
	"github.com/satchel-ai/satchel/internal/chat"
	"github.com/satchel-ai/satchel/internal/events"
	"github.com/satchel-ai/satchel/internal/llm"
	"github.com/satchel-ai/satchel/internal/manager"
	"github.com/satchel-ai/satchel/internal/pack"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	registry *pack.Registry
	manager  *manager.Manager
	chat     *chat.Service
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server

	systemPrompt string

	convMu sync.Mutex
	convs  map[string]*chat.Conversation
}

// NewServer creates a new API server.
func NewServer(address string, port int, reg *pack.Registry, mgr *manager.Manager, svc *chat.Service, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		address:  address,
		port:     port,
		registry: reg,
		manager:  mgr,
		chat:     svc,
		bus:      bus,
		logger:   logger,
		convs:    make(map[string]*chat.Conversation),
	}
}

// SetSystemPrompt sets the system prompt applied to new conversations.
func (s *Server) SetSystemPrompt(prompt string) {
	s.systemPrompt = prompt
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // long for streaming responses
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the routed handler. Start wraps it with request
// logging; tests mount it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /v1/chat", s.handleChat)

	// Pack lifecycle
	mux.HandleFunc("GET /v1/packs", s.handlePackList)
	mux.HandleFunc("POST /v1/packs/{domain}/load", s.handlePackLoad)
	mux.HandleFunc("POST /v1/packs/{domain}/unload", s.handlePackUnload)

	// Tool catalog and call trace
	mux.HandleFunc("GET /v1/tools", s.handleToolList)
	mux.HandleFunc("POST /v1/tools/invoke", s.handleToolInvoke)
	mux.HandleFunc("GET /v1/tools/calls", s.handleToolCalls)
	mux.HandleFunc("POST /v1/tools/calls/{id}/cancel", s.handleToolCallCancel)

	// Live event stream
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)
	return mux
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]any{
		"error": map[string]string{"message": message},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Satchel",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// conversation returns the conversation for id, creating it when id is
// empty or unknown. The returned id identifies the conversation in
// later requests.
func (s *Server) conversation(id string) (string, *chat.Conversation) {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	if id != "" {
		if conv, ok := s.convs[id]; ok {
			return id, conv
		}
	}
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			v7 = uuid.New()
		}
		id = v7.String()
	}
	conv := chat.NewConversation(s.systemPrompt)
	s.convs[id] = conv
	return id, conv
}

// ChatRequest starts or continues a conversation turn.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
}

// ChatResponse carries the completed turn.
type ChatResponse struct {
	Response       string   `json:"response"`
	Model          string   `json:"model"`
	ConversationID string   `json:"conversation_id"`
	Iterations     int      `json:"iterations"`
	ToolCalls      []string `json:"tool_calls,omitempty"`
	InputTokens    int      `json:"input_tokens"`
	OutputTokens   int      `json:"output_tokens"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	convID, conv := s.conversation(req.ConversationID)

	if req.Stream {
		s.handleChatStream(w, r, convID, conv, req.Message)
		return
	}

	res, err := s.chat.SendMessage(r.Context(), conv, req.Message)
	if err != nil {
		s.logger.Error("chat turn failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "chat error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		Response:       res.Content,
		Model:          res.Model,
		ConversationID: convID,
		Iterations:     res.Iterations,
		ToolCalls:      res.ToolsUsed,
		InputTokens:    res.InputTokens,
		OutputTokens:   res.OutputTokens,
	}, s.logger)
}

// streamFrame is one SSE data payload during a streaming chat turn.
type streamFrame struct {
	Kind           string `json:"kind"`
	Token          string `json:"token,omitempty"`
	Tool           string `json:"tool,omitempty"`
	CallID         string `json:"call_id,omitempty"`
	Result         string `json:"result,omitempty"`
	Error          string `json:"error,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Response       string `json:"response,omitempty"`
	Model          string `json:"model,omitempty"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, convID string, conv *chat.Conversation, message string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	rc := http.NewResponseController(w)
	send := func(frame streamFrame) {
		s.writeSSE(w, frame)
		flusher.Flush()
		// keep the write deadline ahead of long tool executions
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	res, err := s.chat.StreamMessage(r.Context(), conv, message, func(event llm.StreamEvent) {
		switch event.Kind {
		case llm.KindToken:
			send(streamFrame{Kind: "token", Token: event.Token})
		case llm.KindToolCallStart:
			send(streamFrame{Kind: "tool_call_start", Tool: event.ToolCall.Function.Name, CallID: event.ToolCall.ID})
		case llm.KindToolCallDone:
			send(streamFrame{Kind: "tool_call_done", Tool: event.ToolName, Result: event.ToolResult, Error: event.ToolError})
		}
	})
	if err != nil {
		send(streamFrame{Kind: "error", Error: err.Error()})
		return
	}

	send(streamFrame{
		Kind:           "done",
		ConversationID: convID,
		Response:       res.Content,
		Model:          res.Model,
	})
}

func (s *Server) writeSSE(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE frame", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Server) handlePackList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"packs": s.registry.ListPacksDetailed()}, s.logger)
}

func (s *Server) handlePackLoad(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")

	result, err := s.registry.Load(r.Context(), domain)
	if err != nil {
		s.packError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

func (s *Server) handlePackUnload(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")

	result, err := s.registry.Unload(r.Context(), domain)
	if err != nil {
		s.packError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

// packError maps registry errors to HTTP status codes.
func (s *Server) packError(w http.ResponseWriter, err error) {
	var notFound *pack.ErrPackNotFound
	var system *pack.ErrSystemPack
	switch {
	case errors.As(err, &notFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.As(err, &system):
		s.errorResponse(w, http.StatusForbidden, err.Error())
	default:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": s.manager.ListTools()}, s.logger)
}

// InvokeRequest executes a tool directly, outside any conversation.
type InvokeRequest struct {
	Tool           string         `json:"tool"`
	Params         map[string]any `json:"params,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleToolInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tool == "" {
		s.errorResponse(w, http.StatusBadRequest, "tool is required")
		return
	}

	opts := manager.Options{}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	result, err := s.manager.Execute(r.Context(), req.Tool, req.Params, opts)
	if err != nil {
		var notFound *manager.ErrToolNotFound
		if errors.As(err, &notFound) {
			s.errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"active": s.manager.ActiveCalls(),
		"recent": s.manager.RecentCalls(limit),
	}, s.logger)
}

func (s *Server) handleToolCallCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !s.manager.Cancel(id) {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("no active call %q", id))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"cancelled": id}, s.logger)
}
