// Package api provides HTTP handlers for the finplan API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"finplan/internal/chat"
	"finplan/internal/config"
	"finplan/internal/convlog"
	"finplan/internal/domain"
	"finplan/internal/identity"
	"finplan/internal/llm"
	"finplan/internal/profile"
	"finplan/internal/store"
)

// Handler serves the planner API.
type Handler struct {
	repo        store.Repository
	sessions    *chat.Manager
	client      llm.Client
	rateLimiter *RateLimiter
	log         convlog.Logger
	cfg         *config.Config
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository, sessions *chat.Manager, client llm.Client, logger convlog.Logger, cfg *config.Config) *Handler {
	if logger == nil {
		logger = convlog.NopLogger{}
	}
	if client == nil {
		client = llm.Unconfigured{}
	}
	return &Handler{
		repo:        repo,
		sessions:    sessions,
		client:      client,
		rateLimiter: NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		log:         logger,
		cfg:         cfg,
	}
}

// RegisterRoutes registers the planner routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/profile/options", h.HandleProfileOptions)
		r.Get("/session", h.HandleSessionSnapshot)
		r.Put("/profile", h.HandleProfileUpdate)
		r.Post("/reset", h.HandleReset)
		r.Post("/chat", h.HandleChat)
		r.Get("/audit", h.HandleAuditHistory)
	})
	r.Get("/ws/chat", h.HandleChatSocket)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// HandleProfileOptions handles GET /api/profile/options.
func (h *Handler) HandleProfileOptions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"fields":  profile.Options(),
		"default": domain.DefaultProfile(),
	})
}

// sessionSnapshot is the rehydration payload for the frontend.
type sessionSnapshot struct {
	Profile    domain.Profile   `json:"profile"`
	Transcript []domain.Message `json:"transcript"`
	State      chat.State       `json:"state"`
}

func snapshot(s *chat.Session) sessionSnapshot {
	transcript := s.Transcript()
	if transcript == nil {
		transcript = []domain.Message{}
	}
	return sessionSnapshot{
		Profile:    s.Profile(),
		Transcript: transcript,
		State:      s.State(),
	}
}

// HandleSessionSnapshot handles GET /api/session.
func (h *Handler) HandleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromRequest(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, snapshot(sess))
}

// HandleProfileUpdate handles PUT /api/profile. A changed profile
// clears the transcript and the model history together before the next
// message is sent.
func (h *Handler) HandleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromRequest(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)
	var p domain.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	changed, err := sess.SetProfile(p)
	switch {
	case errors.Is(err, chat.ErrStreamInFlight):
		Error(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := snapshot(sess)
	if changed {
		h.log.Log(convlog.Event{
			UserID:     identity.UserIDFromContext(r.Context()),
			SessionID:  identity.SessionIDFromContext(r.Context()),
			Channel:    "profile",
			Direction:  "outbound",
			EventType:  "profile_changed",
			ContentRaw: profile.Compile(p),
		})
	}
	JSON(w, http.StatusOK, resp)
}

// HandleReset handles POST /api/reset (the clear-history button).
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromRequest(w, r)
	if !ok {
		return
	}

	if err := sess.Reset(); err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}
	JSON(w, http.StatusOK, snapshot(sess))
}

// HandleAuditHistory handles GET /api/audit, returning the caller's
// recent exchange audit records, oldest first.
func (h *Handler) HandleAuditHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.cfg.AuditEnabled || h.repo == nil {
		JSON(w, http.StatusOK, map[string]any{"entries": []*store.AuditEntry{}})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	entries, err := h.repo.AuditForUser(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to load audit records", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load audit records")
		return
	}
	if entries == nil {
		entries = []*store.AuditEntry{}
	}
	JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// sessionFromRequest resolves the caller's chat session, writing the
// error response itself when identity is missing.
func (h *Handler) sessionFromRequest(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	sessionID := identity.SessionIDFromContext(r.Context())
	return h.sessions.GetOrCreate(userID, sessionID), true
}
