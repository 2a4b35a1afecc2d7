package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"vtt-sync/internal/middleware"
	"vtt-sync/internal/models"
	"vtt-sync/internal/services/collaboration"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	sessions  SessionManager
	persist   Persistence // nil when persistence is disabled
	auth      Authenticator
	wsHandler *collaboration.WebSocketHandler
	log       zerolog.Logger
}

func NewHandler(
	sessions SessionManager,
	persist Persistence,
	auth Authenticator,
	wsHandler *collaboration.WebSocketHandler,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		sessions:  sessions,
		persist:   persist,
		auth:      auth,
		wsHandler: wsHandler,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// SessionDetail is a session summary plus its current snapshot
type SessionDetail struct {
	collaboration.SessionInfo
	State models.FullStateResponse `json:"fullState"`
}

type endSessionRequest struct {
	Reason string `json:"reason"`
}

// Session handlers

// CreateSession handles POST /api/sessions. The caller becomes the GM unless
// the body names another GM user.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req collaboration.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, collaboration.ErrValidation.WithMessage("invalid request body: "+err.Error()))
		return
	}
	if req.GMUserID == "" {
		req.GMUserID = userID
	}

	session, err := h.sessions.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	detail, err := h.detail(r, session)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

// ListSessions handles GET /api/sessions. With ?status= it lists stored
// sessions instead of live ones.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		h.listStoredSessions(w, r, models.SessionStatus(status))
		return
	}

	infos := h.sessions.List(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": infos,
		"count":    len(infos),
	})
}

func (h *Handler) listStoredSessions(w http.ResponseWriter, r *http.Request, status models.SessionStatus) {
	if status != models.SessionActive && status != models.SessionEnded {
		http.Error(w, "status must be active or ended", http.StatusBadRequest)
		return
	}
	if h.persist == nil {
		http.Error(w, "session storage is disabled", http.StatusServiceUnavailable)
		return
	}

	limitStr := r.URL.Query().Get("limit")
	offsetStr := r.URL.Query().Get("offset")

	limit := 50 // default
	offset := 0

	if limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 200 {
			limit = parsedLimit
		}
	}
	if offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}

	records, err := h.persist.ListSessions(r.Context(), status, limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": records,
		"count":    len(records),
		"limit":    limit,
		"offset":   offset,
	})
}

// GetSession handles GET /api/sessions/{id}, restoring a persisted session if needed
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	session, err := h.sessions.Open(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	detail, err := h.detail(r, session)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// EndSession handles DELETE /api/sessions/{id}; only the GM may end a session
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	var req endSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, collaboration.ErrValidation.WithMessage("invalid request body: "+err.Error()))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "ended by GM"
	}

	session, err := h.sessions.Open(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	info, err := session.Info(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if info.GMUserID != userID {
		h.writeError(w, r, collaboration.ErrPermissionDenied.WithMessage("only the GM can end the session"))
		return
	}

	if err := h.sessions.End(r.Context(), id, req.Reason); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSessionWebSocket handles GET /ws/session/{id}
func (h *Handler) HandleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleSessionConnection(w, r)
}

// Health handles GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":   "ok",
		"sessions": h.sessions.Len(),
	}
	if h.persist != nil {
		status["persistQueue"] = h.persist.GetQueueLength()
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) detail(r *http.Request, session *collaboration.GameSession) (SessionDetail, error) {
	info, err := session.Info(r.Context())
	if err != nil {
		return SessionDetail{}, err
	}
	full, err := session.FullState(r.Context())
	if err != nil {
		return SessionDetail{}, err
	}
	return SessionDetail{SessionInfo: info, State: full}, nil
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		h.log.Debug().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).Msg("unauthorized request")
		http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

// writeError maps session errors onto HTTP statuses with a JSON body
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := collaboration.AsError(err)
	status := collaboration.HTTPStatus(e.Code)
	middleware.AddSpanError(r.Context(), err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).Msg("request failed")
	}
	writeJSON(w, status, map[string]interface{}{"error": e.Body()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
