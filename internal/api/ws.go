package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"finplan/internal/chat"
	"finplan/internal/convlog"
	"finplan/internal/identity"
	"finplan/internal/profile"
)

// wsMessage represents the WebSocket chat message structure, both
// directions. Clients send type "chat" (with message) or "reset";
// the server answers with "delta", "done", "error" and "state" frames.
type wsMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Content   string `json:"content,omitempty"`
	Reply     string `json:"reply,omitempty"`
	Fragments int    `json:"fragments,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HandleChatSocket handles GET /ws/chat, a duplex alternative to the
// SSE chat endpoint with identical session semantics.
func (h *Handler) HandleChatSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	slog.Info("WebSocket chat request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := h.sessions.GetOrCreate(userID, sessionID)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return
			}
			slog.Debug("WebSocket read error", "error", err, "user_id", userID)
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeWS(ctx, ws, wsMessage{Type: "error", Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "chat":
			h.serveSocketChat(ctx, ws, sess, userID, sessionID, strings.TrimSpace(msg.Message))
		case "reset":
			if err := sess.Reset(); err != nil {
				h.writeWS(ctx, ws, wsMessage{Type: "error", Error: err.Error()})
				continue
			}
			h.writeWS(ctx, ws, wsMessage{Type: "state", Content: string(sess.State())})
		default:
			h.writeWS(ctx, ws, wsMessage{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *Handler) serveSocketChat(ctx context.Context, ws *websocket.Conn, sess *chat.Session, userID, sessionID, message string) {
	if message == "" {
		h.writeWS(ctx, ws, wsMessage{Type: "error", Error: "message is required"})
		return
	}
	if !h.rateLimiter.Allow(userID) {
		h.writeWS(ctx, ws, wsMessage{Type: "error", Error: "rate limit exceeded"})
		return
	}

	instruction := profile.Compile(sess.Profile())
	h.log.Log(convlog.Event{
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    "chat_ws",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: message,
	})

	stream, err := sess.Submit(ctx, h.client, instruction, message)
	if err != nil {
		if !errors.Is(err, chat.ErrStreamInFlight) {
			h.finishExchange("chat_ws", userID, sessionID, instruction, message, "", 0, err.Error(), "")
		}
		h.writeWS(ctx, ws, wsMessage{Type: "error", Error: err.Error()})
		return
	}

	var reply strings.Builder
	fragments := 0
	streamErrMsg := ""

	for frag, err := range stream {
		if err != nil {
			streamErrMsg = err.Error()
			h.writeWS(ctx, ws, wsMessage{Type: "error", Error: err.Error()})
			break
		}
		fragments++
		reply.WriteString(frag)
		h.writeWS(ctx, ws, wsMessage{Type: "delta", Content: frag})
	}

	if streamErrMsg == "" {
		h.writeWS(ctx, ws, wsMessage{Type: "done", Reply: reply.String(), Fragments: fragments})
	}
	h.finishExchange("chat_ws", userID, sessionID, instruction, message, reply.String(), fragments, streamErrMsg, "")
}

func (h *Handler) writeWS(ctx context.Context, ws *websocket.Conn, msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("failed to marshal websocket message", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
	}
}

// checkOrigin validates the request origin against the configured
// frontend URL. Development mode allows any origin.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	allowed, err := url.Parse(h.cfg.FrontendURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, allowed.Host)
}
