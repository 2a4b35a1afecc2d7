package api

import (
	"context"
	"net/http"

	"vtt-sync/internal/models"
	"vtt-sync/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of the session manager and the
persistence service, so their interfaces live HERE and declare only the
methods the handlers call.
*/

// SessionManager defines what handlers need from the live session registry
type SessionManager interface {
	Create(ctx context.Context, req collaboration.CreateSessionRequest) (*collaboration.GameSession, error)
	Open(ctx context.Context, id string) (*collaboration.GameSession, error)
	List(ctx context.Context) []collaboration.SessionInfo
	End(ctx context.Context, id, reason string) error
	Len() int
}

// Persistence reports the persistence backlog and lists stored sessions
type Persistence interface {
	GetQueueLength() int
	ListSessions(ctx context.Context, status models.SessionStatus, limit, offset int) ([]*models.SessionRecord, error)
}

// Authenticator resolves the verified user behind a request
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}
