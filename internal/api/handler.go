// Package api exposes the HTTP surface of the gateway: the WebSocket
// session endpoint, readiness, and per-session diagnostics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/alia-gateway/internal/conversation"
	"github.com/ashureev/alia-gateway/internal/session"
	"github.com/ashureev/alia-gateway/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler handles readiness and diagnostic requests.
type Handler struct {
	mgr  *session.Manager
	repo store.Repository
}

// NewHandler creates a new API handler.
func NewHandler(mgr *session.Manager, repo store.Repository) *Handler {
	return &Handler{mgr: mgr, repo: repo}
}

// RegisterRoutes registers the HTTP routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ready", h.HandleReady)
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/{sessionKey}", h.HandleSessionState)
	})
}

// HandleReady reports whether new sessions can currently be accepted.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ready := h.mgr.IsReady(r.Context())
	if ready && h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			slog.Warn("Store unreachable during readiness check", "error", err)
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":           ready,
		"active_sessions": h.mgr.ActiveCount(),
	})
}

// HandleSessionState returns the best-effort conversation state for a
// session: the live state when the session is running, the persisted
// record when it already ended.
func (h *Handler) HandleSessionState(w http.ResponseWriter, r *http.Request) {
	sessionKey := chi.URLParam(r, "sessionKey")

	if state, ok := h.mgr.Snapshot(sessionKey); ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"session_key": sessionKey,
			"live":        true,
			"summary":     state.Summary(),
			"state":       state,
		})
		return
	}

	if h.repo != nil {
		record, err := h.repo.GetSession(r.Context(), sessionKey)
		if err != nil {
			slog.Warn("Failed to load session record", "session_key", sessionKey, "error", err)
			http.Error(w, `{"error": "failed to load session"}`, http.StatusInternalServerError)
			return
		}
		if record != nil {
			// A stage that no longer parses means the row predates a schema
			// change or was corrupted; do not surface it as-is.
			if _, err := conversation.ParseStage(record.Stage); err != nil {
				slog.Warn("Persisted session record has invalid stage",
					"session_key", sessionKey, "stage", record.Stage)
				http.Error(w, `{"error": "corrupt session record"}`, http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"session_key": sessionKey,
				"live":        false,
				"record":      record,
			})
			return
		}
	}

	http.Error(w, `{"error": "session not found"}`, http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
