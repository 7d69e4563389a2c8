package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/alia-gateway/internal/bridge"
	"github.com/ashureev/alia-gateway/internal/codec"
	"github.com/ashureev/alia-gateway/internal/runtime"
	"github.com/ashureev/alia-gateway/internal/session"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// WebSocketHandler handles WebSocket-based conversation sessions.
type WebSocketHandler struct {
	mgr           *session.Manager
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(mgr *session.Manager, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		mgr:           mgr,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsClientConn adapts websocket.Conn to the bridge's client transport.
type wsClientConn struct {
	ws *websocket.Conn
}

func (c *wsClientConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *wsClientConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionKey := chi.URLParam(r, "sessionKey")
	if sessionKey == "" {
		http.Error(w, `{"error": "session key required"}`, http.StatusBadRequest)
		return
	}
	isAudio := r.URL.Query().Get("is_audio") == "true"
	enableVideo := r.URL.Query().Get("enable_video") == "true"

	slog.Info("WebSocket connection request", "session_key", sessionKey,
		"audio", isAudio, "video", enableVideo, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_key", sessionKey)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_key", sessionKey)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &wsClientConn{ws: ws}
	sess, err := h.mgr.Open(ctx, client, runtime.SessionOptions{
		SessionKey:    sessionKey,
		AudioResponse: isAudio,
		EnableVideo:   enableVideo,
	})
	if err != nil {
		slog.Warn("Runtime not available for session", "session_key", sessionKey, "error", err)
		// Distinct non-1000 close code, before any envelope exchange.
		if closeErr := ws.Close(websocket.StatusInternalError, "agent runtime unavailable"); closeErr != nil {
			slog.Debug("Failed to close websocket after open failure", "error", closeErr)
		}
		return
	}
	defer sess.Close()

	if err := h.mgr.Run(ctx, sess); err != nil && !errors.Is(err, bridge.ErrTransportClosed) {
		// The client connection may still be alive; send one best-effort
		// human-readable error envelope before closing.
		h.sendErrorEnvelope(client, sessionKey)
	}

	slog.Info("WebSocket session ended", "session_key", sessionKey)
}

func (h *WebSocketHandler) sendErrorEnvelope(client bridge.ClientConn, sessionKey string) {
	raw, err := codec.Encode(codec.Text("Sorry, there was an error. Please reconnect to start over."))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Write(ctx, raw); err != nil {
		slog.Debug("Failed to send error envelope", "session_key", sessionKey, "error", err)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
