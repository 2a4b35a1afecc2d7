package collaboration

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"vtt-sync/internal/models"
	"vtt-sync/internal/repository"
	"vtt-sync/internal/services/state"
)

/*
LEARNING: EXPLICIT SESSION REGISTRY

The manager is the only place that knows every live session. It is built once in main,
handed to the HTTP and WebSocket layers, and shut down explicitly - there is no package
level map of sessions.

- sync.RWMutex guards only the map; session state lives inside each session's actor
- Sessions are never called while the lock is held, so a session ending (which removes
  itself from the map) can't deadlock against a manager call
- Shutdown cancels the shared context: every actor persists a resumable snapshot
  and exits
*/

// SessionLoader restores persisted sessions
type SessionLoader interface {
	LoadSession(ctx context.Context, id string) (*models.SessionRecord, error)
}

// CreateSessionRequest seeds a new session
type CreateSessionRequest struct {
	SessionID string           `json:"sessionId,omitempty"`
	GMUserID  string           `json:"gmUserId"`
	Initial   models.GameState `json:"initialState"`
}

// SessionManager owns every live GameSession
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*GameSession

	opts   Options
	loader SessionLoader
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSessionManager creates a session manager. loader may be nil when
// sessions are never restored.
func NewSessionManager(opts Options, loader SessionLoader) *SessionManager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		sessions: make(map[string]*GameSession),
		opts:     opts,
		loader:   loader,
		log:      opts.Logger.With().Str("component", "session_manager").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Create seeds a session at version 1 and starts its actor
func (m *SessionManager) Create(ctx context.Context, req CreateSessionRequest) (*GameSession, error) {
	if req.SessionID == "" {
		req.SessionID = ksuid.New().String()
	}
	store, err := state.New(req.SessionID, req.Initial, m.opts.Now())
	if err != nil {
		return nil, newError(models.CodeValidationError, "initial state: %v", err)
	}

	m.mu.Lock()
	if _, exists := m.sessions[req.SessionID]; exists {
		m.mu.Unlock()
		return nil, newError(models.CodeValidationError, "session %s already exists", req.SessionID)
	}
	s := m.register(store, req.GMUserID)
	m.mu.Unlock()

	m.persistInitial(store, req.GMUserID)
	m.log.Info().
		Str("session_id", s.ID()).
		Str("version", store.Version()).
		Str("hash", store.Hash()).
		Msg("✓ Session created")
	return s, nil
}

// Open returns a live session, restoring it from the loader if necessary
func (m *SessionManager) Open(ctx context.Context, id string) (*GameSession, error) {
	if s, err := m.Get(id); err == nil {
		return s, nil
	}
	if m.loader == nil {
		return nil, newError(models.CodeSessionNotFound, "session %s not found", id)
	}

	record, err := m.loader.LoadSession(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(models.CodeSessionNotFound, "session %s not found", id)
		}
		return nil, errors.Wrapf(err, "load session %s", id)
	}
	if record.Status == models.SessionEnded {
		return nil, newError(models.CodeSessionNotFound, "session %s has ended", id)
	}
	store, err := state.Restore(record.ID, record.State, uint64(record.Version), record.Hash, m.opts.Now())
	if err != nil {
		m.log.Error().Err(err).Str("session_id", id).Msg("refusing to restore session")
		return nil, AsError(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	s := m.register(store, record.GMUserID)
	m.log.Info().Str("session_id", id).Str("version", store.Version()).Msg("✓ Session restored")
	return s, nil
}

// register starts a session actor; the caller holds m.mu
func (m *SessionManager) register(store *state.Store, gmUserID string) *GameSession {
	s := newGameSession(store, gmUserID, m.opts)
	s.onEnd = m.remove
	m.sessions[s.ID()] = s
	s.start(m.ctx)
	return s
}

func (m *SessionManager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *SessionManager) persistInitial(store *state.Store, gmUserID string) {
	if m.opts.Persister == nil {
		return
	}
	m.opts.Persister.Enqueue(models.PersistJob{
		SessionID: store.SessionID(),
		GMUserID:  gmUserID,
		Status:    models.SessionActive,
		Version:   int64(store.VersionNumber()),
		Hash:      store.Hash(),
		State:     store.Canonical(),
		At:        store.LastUpdated(),
	})
}

// Get returns a live session
func (m *SessionManager) Get(id string) (*GameSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, newError(models.CodeSessionNotFound, "session %s not found", id)
	}
	return s, nil
}

// List summarizes every live session, oldest first
func (m *SessionManager) List(ctx context.Context) []SessionInfo {
	m.mu.RLock()
	sessions := make([]*GameSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info, err := s.Info(ctx)
		if err != nil {
			continue // ended while listing
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// End terminates a session
func (m *SessionManager) End(ctx context.Context, id, reason string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.End(ctx, reason)
}

// Len returns the number of live sessions
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown stops every session and waits for their actors to exit
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.log.Info().Msg("🛑 Shutting down session manager...")

	m.mu.RLock()
	sessions := make([]*GameSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	m.cancel()
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "session manager shutdown")
		}
	}

	m.log.Info().Int("sessions", len(sessions)).Msg("✓ Session manager shutdown complete")
	return nil
}
