// Package server exposes the streaming core over HTTP: an SSE chat endpoint,
// session management, health, and the Prometheus scrape surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agenticwork/activitycore/pkg/activity"
	"github.com/agenticwork/activitycore/pkg/config"
	"github.com/agenticwork/activitycore/pkg/orchestrator"
	"github.com/agenticwork/activitycore/pkg/store"
)

// Server is the HTTP front of the orchestrator.
type Server struct {
	cfg   config.Config
	orch  *orchestrator.Orchestrator
	store store.Store
	http  *http.Server
}

func New(cfg config.Config, orch *orchestrator.Orchestrator, st store.Store) *Server {
	s := &Server{cfg: cfg, orch: orch, store: st}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/stream", s.handleChatStream)
		r.Post("/chat/{sessionID}/cancel", s.handleCancel)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}/messages", s.handleHistory)
		r.Delete("/sessions/{sessionID}", s.handleDeleteSession)
	})
	return r
}

// Start serves until the context is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

type chatRequest struct {
	SessionID    string   `json:"sessionId"`
	MessageID    string   `json:"messageId,omitempty"`
	Message      string   `json:"message"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	UserID       string   `json:"userId,omitempty"`
	Groups       []string `json:"groups,omitempty"`
	EnabledTools []string `json:"enabledTools,omitempty"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body is not valid JSON")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "message is required")
		return
	}

	provider, model, err := s.resolveTarget(req.Provider, req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	sub, err := s.orch.Stream(r.Context(), orchestrator.Request{
		SessionID:    req.SessionID,
		MessageID:    req.MessageID,
		UserID:       req.UserID,
		Groups:       req.Groups,
		Message:      req.Message,
		Provider:     provider,
		Model:        model,
		EnabledTools: req.EnabledTools,
	})
	if err != nil {
		writeStreamError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-Id", req.SessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case e, open := <-sub.Events():
			if !open {
				return
			}
			frame, err := activity.EncodeSSE(e)
			if err != nil {
				slog.Error("Failed to encode event", "kind", e.Kind(), "error", err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				// Writer gone: treat like a disconnect.
				s.abandon(req.SessionID, sub.Events())
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			s.abandon(req.SessionID, sub.Events())
			return
		}
	}
}

// writeStreamError maps a pre-stream failure to an HTTP status. Prompt
// resolution problems are server-side configuration faults, not client
// errors.
func writeStreamError(w http.ResponseWriter, err error) {
	switch code := orchestrator.ErrCode(err); code {
	case orchestrator.CodePromptNotConfigured, orchestrator.CodePromptRoutingFailed:
		writeError(w, http.StatusInternalServerError, code, err.Error())
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	}
}

// abandon cancels a request whose client went away and drains the lane so
// the orchestrator can finish persisting the truncated turn.
func (s *Server) abandon(sessionID string, events <-chan activity.Event) {
	s.orch.Cancel(sessionID)
	for range events {
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !s.orch.Cancel(sessionID) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no active stream for session")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "sessionId": sessionID})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if sessions == nil {
		sessions = []store.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	messages, err := s.store.History(r.Context(), sessionID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if messages == nil {
		messages = []activity.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "messages": messages})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.store.DeleteSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolveTarget fills the provider and model from configuration defaults. A
// missing provider is unambiguous only when exactly one is configured.
func (s *Server) resolveTarget(provider, model string) (string, string, error) {
	if provider == "" {
		if len(s.cfg.Providers) != 1 {
			return "", "", fmt.Errorf("provider is required when %d providers are configured", len(s.cfg.Providers))
		}
		for name := range s.cfg.Providers {
			provider = name
		}
	}
	pcfg, ok := s.cfg.Providers[provider]
	if !ok {
		return "", "", fmt.Errorf("unknown provider: %s", provider)
	}
	if model == "" {
		model = pcfg.DefaultModel
	}
	if model == "" {
		return "", "", fmt.Errorf("model is required: provider %s has no default model", provider)
	}
	return provider, model, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
