package state

import (
	"bytes"
	"time"

	"github.com/pkg/errors"

	"vtt-sync/internal/models"
)

// Store holds the canonical state of one session.
// It is not safe for concurrent use; the owning session actor serializes access.
type Store struct {
	sessionID   string
	game        models.GameState
	canonical   []byte
	version     uint64
	hash        string
	players     []models.PlayerConnection
	pending     []models.ActionMessage
	lastUpdated time.Time
}

// New seeds a store at version 1
func New(sessionID string, seed models.GameState, now time.Time) (*Store, error) {
	game, canonical, err := Canonicalize(seed)
	if err != nil {
		return nil, err
	}
	return &Store{
		sessionID:   sessionID,
		game:        game,
		canonical:   canonical,
		version:     1,
		hash:        digest(canonical),
		lastUpdated: now,
	}, nil
}

// Restore rebuilds a store from persisted canonical JSON and checks the
// stored hash against the recomputed one.
func Restore(sessionID string, stateJSON []byte, version uint64, hash string, now time.Time) (*Store, error) {
	seed, err := decodeGame(stateJSON)
	if err != nil {
		return nil, err
	}
	s, err := New(sessionID, seed, now)
	if err != nil {
		return nil, err
	}
	if s.hash != hash {
		return nil, errors.Wrapf(ErrHashMismatch, "session %s: stored %s, computed %s", sessionID, hash, s.hash)
	}
	s.version = version
	return s, nil
}

func (s *Store) SessionID() string { return s.sessionID }

func (s *Store) Version() string { return FormatVersion(s.version) }

func (s *Store) VersionNumber() uint64 { return s.version }

func (s *Store) Hash() string { return s.hash }

func (s *Store) LastUpdated() time.Time { return s.lastUpdated }

// Canonical returns a copy of the canonical game state JSON
func (s *Store) Canonical() []byte {
	return bytes.Clone(s.canonical)
}

// Apply applies ops as one atomic batch. Either every operation applies and
// the version advances by one, or the store is left exactly as it was.
func (s *Store) Apply(ops []models.PatchOperation, now time.Time) error {
	if len(ops) == 0 {
		return errors.Wrap(ErrTransactionFailed, "empty patch")
	}
	normalized, err := NormalizeOperations(ops)
	if err != nil {
		return errors.Wrapf(ErrTransactionFailed, "%v", err)
	}
	doc, err := applyPatch(s.canonical, normalized)
	if err != nil {
		return errors.Wrapf(ErrTransactionFailed, "%v", err)
	}
	next, err := decodeGame(doc)
	if err != nil {
		return errors.Wrapf(ErrTransactionFailed, "%v", err)
	}
	game, canonical, err := Canonicalize(next)
	if err != nil {
		return errors.Wrapf(ErrTransactionFailed, "%v", err)
	}

	s.game = game
	s.canonical = canonical
	s.hash = digest(canonical)
	s.version++
	s.lastUpdated = now
	return nil
}

// Verify recomputes the hash of the in-memory game state
func (s *Store) Verify() error {
	computed, err := Hash(s.game)
	if err != nil {
		return err
	}
	if computed != s.hash {
		return errors.Wrapf(ErrHashMismatch, "stored %s, computed %s", s.hash, computed)
	}
	return nil
}

// Game returns a deep copy of the game state
func (s *Store) Game() (models.GameState, error) {
	return decodeGame(s.canonical)
}

// Snapshot returns a deep copy of the full session state
func (s *Store) Snapshot() (models.SessionState, error) {
	game, err := s.Game()
	if err != nil {
		return models.SessionState{}, err
	}
	hash := s.hash
	return models.SessionState{
		SessionID:        s.sessionID,
		GameState:        game,
		ConnectedPlayers: append([]models.PlayerConnection{}, s.players...),
		PendingActions:   append([]models.ActionMessage{}, s.pending...),
		Version:          s.Version(),
		Hash:             &hash,
		LastUpdated:      s.lastUpdated,
	}, nil
}

// SetConnectedPlayers replaces the presence list; it does not touch version or hash
func (s *Store) SetConnectedPlayers(players []models.PlayerConnection) {
	s.players = append(s.players[:0:0], players...)
}

// SetPendingActions replaces the queued action list; it does not touch version or hash
func (s *Store) SetPendingActions(pending []models.ActionMessage) {
	s.pending = append(s.pending[:0:0], pending...)
}
