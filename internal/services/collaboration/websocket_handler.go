package collaboration

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"vtt-sync/internal/middleware"
	"vtt-sync/internal/models"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections

The session is joined BEFORE the upgrade so that auth, missing sessions and a
taken GM seat still come back as plain HTTP errors. The join's full snapshot
waits in the buffered outbox until the write pump starts.
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Authenticator resolves the verified user id of a request
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// WebSocketHandler connects clients to game sessions
type WebSocketHandler struct {
	sessionManager *SessionManager
	auth           Authenticator
	log            zerolog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(sessionManager *SessionManager, auth Authenticator, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
		auth:           auth,
		log:            log.With().Str("component", "websocket_handler").Logger(),
	}
}

// HandleSessionConnection handles GET /ws/session/{id}?role=gm|player
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["id"]

	userID, err := h.auth.Authenticate(r)
	if err != nil {
		h.log.Warn().Err(err).Msg("unauthorized WebSocket connect")
		http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	role := models.Role(r.URL.Query().Get("role"))
	if role == "" {
		role = models.RolePlayer
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("session.id", sessionID),
		attribute.String("user.id", userID),
		attribute.String("user.role", string(role)),
	)
	defer span.End()

	session, err := h.sessionManager.Open(ctx, sessionID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		e := AsError(err)
		http.Error(w, e.Error(), HTTPStatus(e.Code))
		return
	}

	socketID := uuid.NewString()
	send := session.NewOutbox()
	if err := session.Join(ctx, models.PlayerConnection{UserID: userID, SocketID: socketID, Role: role}, send); err != nil {
		middleware.AddSpanError(ctx, err)
		e := AsError(err)
		http.Error(w, e.Error(), HTTPStatus(e.Code))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to upgrade WebSocket")
		middleware.AddSpanError(ctx, err)
		session.Leave(userID, socketID)
		return
	}

	log := h.log.With().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("socket_id", socketID).
		Logger()
	c := newConnection(session, conn, userID, socketID, send, log)

	// The request context ends with this handler; keep only its trace values.
	connCtx := context.WithoutCancel(ctx)
	go c.WritePump()
	go c.ReadPump(connCtx)

	log.Info().Str("role", string(role)).Msg("✓ WebSocket connection established")
}
