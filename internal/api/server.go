// Package api implements the HTTP and WebSocket surface: chat intake,
// conversation and task reads, and per-conversation update streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/trial-scout/internal/buildinfo"
	"github.com/nugget/trial-scout/internal/conversation"
	"github.com/nugget/trial-scout/internal/notify"
	"github.com/nugget/trial-scout/internal/prompts"
	"github.com/nugget/trial-scout/internal/task"
)

// Runner launches one response-generation run. The engine satisfies
// this; tests substitute a recorder.
type Runner interface {
	Run(ctx context.Context, conversationID, taskID string) error
}

// Server is the HTTP API server.
type Server struct {
	listen        string
	conversations *conversation.Store
	tasks         *task.Store
	hub           *notify.Hub
	runner        Runner
	logger        *slog.Logger
	server        *http.Server
	upgrader      websocket.Upgrader

	// baseCtx parents every background run so shutdown can cancel
	// in-flight model calls.
	baseCtx context.Context
}

// NewServer creates an API server.
func NewServer(listen string, conversations *conversation.Store, tasks *task.Store, hub *notify.Hub, runner Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:        listen,
		conversations: conversations,
		tasks:         tasks,
		hub:           hub,
		runner:        runner,
		logger:        logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		baseCtx: context.Background(),
	}
}

// Handler returns the route table. Exposed separately from Start for
// httptest use.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationDelete)
	mux.HandleFunc("GET /v1/conversations/{id}/updates", s.handleUpdates)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleTaskGet)
	mux.HandleFunc("GET /v1/prompts", s.handlePrompts)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called. ctx parents all background runs.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}
	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// chatRequest starts or continues a conversation.
type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

type chatResponse struct {
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conv, err := s.conversations.Create()
		if err != nil {
			s.logger.Error("create conversation", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to create conversation")
			return
		}
		conversationID = conv.ID
	} else if _, err := s.conversations.Get(conversationID); err != nil {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	// Claim the run slot before touching history so a rejected request
	// leaves the conversation unchanged.
	t, err := s.tasks.Create(conversationID)
	if err != nil {
		if errors.Is(err, task.ErrActiveTask) {
			s.writeError(w, http.StatusConflict, "conversation already has a response in progress")
			return
		}
		s.logger.Error("create task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	if _, err := s.conversations.AddUserMessage(conversationID, req.Message); err != nil {
		s.logger.Error("add user message", "error", err)
		_ = s.tasks.Fail(t.ID, "failed to record user message")
		s.writeError(w, http.StatusInternalServerError, "failed to record message")
		return
	}
	s.hub.Publish(conversationID)

	// Fire and forget; the engine owns the task from here.
	go func() {
		if err := s.runner.Run(s.baseCtx, conversationID, t.ID); err != nil {
			s.logger.Warn("background run finished with error", "task_id", t.ID, "error", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, chatResponse{
		ConversationID: conversationID,
		TaskID:         t.ID,
	})
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	convs, err := s.conversations.List()
	if err != nil {
		s.logger.Error("list conversations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []conversation.Conversation{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.conversations.Get(id); err != nil {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err := s.conversations.Delete(id); err != nil {
		s.logger.Error("delete conversation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// taskView is a task plus its derived progress sentence.
type taskView struct {
	*task.Task
	Progress string `json:"progress"`
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, taskView{
		Task:     t,
		Progress: task.ProgressMessage(t.Status, time.Since(t.UpdatedAt)),
	})
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"prompts": prompts.Examples})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// updateFrame is pushed to WebSocket observers on every wake-up: the
// conversation's latest task state plus a progress sentence. Observers
// treat it as a hint to re-read, not as a change log.
type updateFrame struct {
	ConversationID string     `json:"conversation_id"`
	Task           *task.Task `json:"task,omitempty"`
	Progress       string     `json:"progress,omitempty"`
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if _, err := s.conversations.Get(conversationID); err != nil {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	wakeups := s.hub.Subscribe(conversationID)
	defer s.hub.Unsubscribe(conversationID, wakeups)

	// Reader goroutine: surfaces client disconnects as context
	// cancellation. Inbound frames are ignored.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Initial frame so the client renders current state immediately.
	if err := s.sendUpdate(conn, conversationID); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-wakeups:
			if !ok {
				return
			}
			if err := s.sendUpdate(conn, conversationID); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendUpdate(conn *websocket.Conn, conversationID string) error {
	frame := updateFrame{ConversationID: conversationID}
	if t, err := s.tasks.Latest(conversationID); err == nil && t != nil {
		frame.Task = t
		frame.Progress = task.ProgressMessage(t.Status, time.Since(t.UpdatedAt))
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}
