package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"finplan/internal/chat"
	"finplan/internal/convlog"
	"finplan/internal/identity"
	"finplan/internal/profile"
	"finplan/internal/store"
)

// chatRequest is the POST /api/chat payload.
type chatRequest struct {
	Message string `json:"message"`
}

// HandleChat handles POST /api/chat requests. The reply streams back as
// SSE: "message" events carrying {"delta": ...} fragments, then a
// terminal "done" event with the full reply, or an "error" event.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Rate-limit by userID only so clients cannot bypass throttling by
	// rotating session IDs.
	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, http.ErrHandlerTimeout) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	sess := h.sessions.GetOrCreate(userID, sessionID)
	instruction := profile.Compile(sess.Profile())
	reqID := chiMiddleware.GetReqID(r.Context())

	slog.Info("Chat request",
		"user_id", userID,
		"session_id", sessionID,
		"message_length", len(req.Message),
	)
	h.log.Log(convlog.Event{
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: req.Message,
		Meta:       map[string]any{"request_id": reqID},
	})

	// The flusher check runs before the submit: once a stream is
	// claimed it must be consumed, so bail out while nothing is open.
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := sess.Submit(r.Context(), h.client, instruction, req.Message)
	if errors.Is(err, chat.ErrStreamInFlight) {
		Error(w, http.StatusConflict, err.Error())
		return
	}

	// Stream response via SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Configure client retry behavior.
	retryDelay := h.cfg.SSE.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	if _, writeErr := fmt.Fprintf(w, "retry: %d\n\n", retryDelay.Milliseconds()); writeErr != nil {
		slog.Warn("failed to write SSE retry header", "error", writeErr, "user_id", userID)
		if err == nil {
			for range stream {
				break
			}
		}
		return
	}
	flusher.Flush()

	if err != nil {
		// The remote open failed; the user entry stays appended and the
		// session remains usable for the next message.
		slog.Error("Remote exchange failed to open", "error", err, "user_id", userID)
		h.finishExchange("chat_http", userID, sessionID, instruction, req.Message, "", 0, err.Error(), reqID)
		if writeErr := writeSSE(w, "error", errorJSON(err)); writeErr != nil {
			slog.Warn("failed to write SSE error event", "error", writeErr)
			return
		}
		flusher.Flush()
		return
	}

	// Keepalive pings between fragments keep proxies from dropping the
	// stream during a slow remote turn. Writes share a mutex with the
	// fragment loop.
	keepaliveInterval := h.cfg.SSE.KeepaliveInterval
	if keepaliveInterval <= 0 {
		keepaliveInterval = 10 * time.Second
	}
	var writeMu sync.Mutex
	keepaliveDone := make(chan struct{})
	defer close(keepaliveDone)
	go func() {
		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()
		for {
			select {
			case <-keepaliveDone:
				return
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				writeMu.Lock()
				if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
					writeMu.Unlock()
					slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
					return
				}
				flusher.Flush()
				writeMu.Unlock()
			}
		}
	}()

	var reply strings.Builder
	fragments := 0
	streamErrMsg := ""

	for frag, err := range stream {
		if err != nil {
			streamErrMsg = err.Error()
			slog.Error("Chat stream failed", "error", err, "user_id", userID)
			writeMu.Lock()
			if writeErr := writeSSE(w, "error", errorJSON(err)); writeErr != nil {
				slog.Warn("failed to write SSE error event", "error", writeErr)
				writeMu.Unlock()
				break
			}
			flusher.Flush()
			writeMu.Unlock()
			break
		}

		fragments++
		reply.WriteString(frag)

		data, err := json.Marshal(map[string]string{"delta": frag})
		if err != nil {
			slog.Warn("failed to marshal chat fragment", "error", err)
			continue
		}
		writeMu.Lock()
		if err := writeSSE(w, "message", string(data)); err != nil {
			slog.Warn("failed to write SSE message event", "error", err)
			streamErrMsg = err.Error()
			writeMu.Unlock()
			break
		}
		flusher.Flush()
		writeMu.Unlock()
	}

	if streamErrMsg == "" {
		data, err := json.Marshal(map[string]any{
			"reply":     reply.String(),
			"fragments": fragments,
		})
		if err == nil {
			writeMu.Lock()
			if writeErr := writeSSE(w, "done", string(data)); writeErr != nil {
				slog.Warn("failed to write SSE done event", "error", writeErr)
			}
			flusher.Flush()
			writeMu.Unlock()
		}
	}

	h.finishExchange("chat_http", userID, sessionID, instruction, req.Message, reply.String(), fragments, streamErrMsg, reqID)
}

// finishExchange records a completed or failed exchange to the
// conversation log and the audit trail.
func (h *Handler) finishExchange(channel, userID, sessionID, instruction, message, reply string, fragments int, errMsg, requestID string) {
	h.log.Log(convlog.Event{
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: reply,
		Meta: map[string]any{
			"stream_fragments": fragments,
			"stream_error":     errMsg,
			"request_id":       requestID,
		},
	})

	if !h.cfg.AuditEnabled || h.repo == nil {
		return
	}
	ctx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()
	if err := h.repo.InsertAudit(ctx, &store.AuditEntry{
		UserID:      userID,
		SessionID:   sessionID,
		Model:       h.cfg.ModelName,
		Instruction: instruction,
		Message:     message,
		Reply:       reply,
		Fragments:   fragments,
		Error:       errMsg,
	}); err != nil {
		slog.Warn("failed to record exchange audit", "error", err, "user_id", userID)
	}
}

// contextWithTimeout detaches audit writes from the request context so
// a client disconnect cannot cancel them.
func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func errorJSON(err error) string {
	data, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return `{"error": "remote call failed"}`
	}
	return string(data)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
