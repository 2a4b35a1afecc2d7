package collaboration

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"vtt-sync/internal/models"
	"vtt-sync/internal/services/state"
)

/*
LEARNING: ONE ENCODE, MANY OUTBOXES

Every participant owns a buffered outbox channel drained by its connection's write pump.
Publish encodes the state_update frame exactly once and offers the same bytes to every
outbox with a non-blocking send:

- all participants receive identical payloads
- a slow reader can never stall the session actor
- a full outbox means the reader is too far behind to trust diffs, so it is dropped

Published frames are also kept in a bounded history so a client that missed a few
versions can be caught up by replaying the exact frames it missed. Versions older than
the history come from the persisted batch log when the caller supplies it.
*/

// Resync kinds
const (
	ResyncFull    = "full"
	ResyncReplay  = "replay"
	ResyncArchive = "archive"
)

type participant struct {
	conn models.PlayerConnection
	send chan []byte
}

type published struct {
	version uint64
	hash    string
	frame   []byte
}

// Broadcaster applies batches to the store and fans updates out to participants
type Broadcaster struct {
	sessionID    string
	store        *state.Store
	participants map[string]*participant
	history      []published
	historyLimit int
	dropped      []models.PlayerConnection
	log          zerolog.Logger
}

// NewBroadcaster creates a broadcaster over a session's store
func NewBroadcaster(store *state.Store, historyLimit int, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		sessionID:    store.SessionID(),
		store:        store,
		participants: make(map[string]*participant),
		historyLimit: historyLimit,
		log:          log,
	}
}

// Attach registers a participant outbox. A previous connection of the same
// user is replaced and its outbox closed.
func (b *Broadcaster) Attach(conn models.PlayerConnection, send chan []byte) (replaced bool) {
	if old, ok := b.participants[conn.UserID]; ok {
		close(old.send)
		replaced = true
	}
	b.participants[conn.UserID] = &participant{conn: conn, send: send}
	return replaced
}

// Detach removes a participant if socketID still identifies its connection
func (b *Broadcaster) Detach(userID, socketID string) bool {
	p, ok := b.participants[userID]
	if !ok || p.conn.SocketID != socketID {
		return false
	}
	close(p.send)
	delete(b.participants, userID)
	return true
}

// Connection returns a participant's connection
func (b *Broadcaster) Connection(userID string) (models.PlayerConnection, bool) {
	p, ok := b.participants[userID]
	if !ok {
		return models.PlayerConnection{}, false
	}
	return p.conn, true
}

// Connections lists participants in join order
func (b *Broadcaster) Connections() []models.PlayerConnection {
	out := make([]models.PlayerConnection, 0, len(b.participants))
	for _, p := range b.participants {
		out = append(out, p.conn)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Publish applies ops as one batch and broadcasts the resulting update
func (b *Broadcaster) Publish(ops []models.PatchOperation, now time.Time) (models.StateUpdate, error) {
	if err := b.store.Apply(ops, now); err != nil {
		return models.StateUpdate{}, err
	}
	update := models.StateUpdate{
		SessionID:  b.sessionID,
		Operations: ops,
		Version:    b.store.Version(),
		Hash:       b.store.Hash(),
		Timestamp:  now,
	}
	frame, err := models.Encode(models.MessageStateUpdate, update)
	if err != nil {
		return update, errors.Wrap(err, "encode state update")
	}
	b.remember(published{version: b.store.VersionNumber(), hash: update.Hash, frame: frame})
	b.fanOut(frame)
	return update, nil
}

func (b *Broadcaster) remember(p published) {
	if b.historyLimit <= 0 {
		return
	}
	b.history = append(b.history, p)
	if over := len(b.history) - b.historyLimit; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
}

// FullState returns a deep-copied snapshot with the current version and hash
func (b *Broadcaster) FullState(now time.Time) (models.FullStateResponse, error) {
	snap, err := b.store.Snapshot()
	if err != nil {
		return models.FullStateResponse{}, err
	}
	return models.FullStateResponse{
		SessionID: b.sessionID,
		State:     snap,
		Version:   snap.Version,
		Hash:      b.store.Hash(),
		Timestamp: now,
	}, nil
}

// SendFullState delivers a snapshot to one participant
func (b *Broadcaster) SendFullState(userID string, now time.Time) error {
	full, err := b.FullState(now)
	if err != nil {
		return err
	}
	return b.SendTo(userID, models.MessageFullState, full)
}

// NeedsArchive reports whether catching up from sinceVersion needs batches
// older than the in-memory history
func (b *Broadcaster) NeedsArchive(sinceVersion string) bool {
	since, err := state.ParseVersion(sinceVersion)
	if err != nil || since >= b.store.VersionNumber() {
		return false
	}
	return len(b.history) == 0 || b.history[0].version > since+1
}

// Resync brings a participant up to date. Missed updates are replayed only when
// every version after sinceVersion is available, from archive (persisted batches,
// may be nil) followed by the in-memory history; otherwise a full snapshot is
// sent. A client is never sent a diff that skips a version.
func (b *Broadcaster) Resync(userID, sinceVersion string, archive []*models.PatchBatch, now time.Time) (string, error) {
	frames, archived, ok := b.missedSince(sinceVersion, archive)
	if !ok {
		return ResyncFull, b.SendFullState(userID, now)
	}
	kind := ResyncReplay
	if archived > 0 {
		kind = ResyncArchive
	}
	p, ok := b.participants[userID]
	if !ok {
		return kind, nil
	}
	for _, frame := range frames {
		if !b.offer(p, frame) {
			break
		}
	}
	return kind, nil
}

// missedSince collects the frames after sinceVersion and how many of them
// came from archive
func (b *Broadcaster) missedSince(sinceVersion string, archive []*models.PatchBatch) ([][]byte, int, bool) {
	if sinceVersion == "" {
		return nil, 0, false
	}
	since, err := state.ParseVersion(sinceVersion)
	if err != nil {
		return nil, 0, false
	}
	current := b.store.VersionNumber()
	if since > current {
		return nil, 0, false
	}

	var frames [][]byte
	next := since + 1
	for _, batch := range archive {
		v := uint64(batch.Version)
		if v < next {
			continue
		}
		if v != next || v > current || (len(b.history) > 0 && v >= b.history[0].version) {
			break
		}
		frame, err := b.archivedFrame(batch)
		if err != nil {
			b.log.Warn().Err(err).Int64("version", batch.Version).Msg("unusable archived batch")
			return nil, 0, false
		}
		frames = append(frames, frame)
		next++
	}
	archived := len(frames)

	if next <= current {
		if len(b.history) == 0 || b.history[0].version > next {
			return nil, 0, false
		}
		for _, p := range b.history {
			if p.version >= next {
				frames = append(frames, p.frame)
			}
		}
	}
	return frames, archived, true
}

func (b *Broadcaster) archivedFrame(batch *models.PatchBatch) ([]byte, error) {
	var ops []models.PatchOperation
	if err := json.Unmarshal(batch.Operations, &ops); err != nil {
		return nil, errors.Wrap(err, "decode archived operations")
	}
	return models.Encode(models.MessageStateUpdate, models.StateUpdate{
		SessionID:  b.sessionID,
		Operations: ops,
		Version:    state.FormatVersion(uint64(batch.Version)),
		Hash:       batch.Hash,
		Timestamp:  batch.CreatedAt,
	})
}

// Matches reports whether (version, hash) agrees with the session's history.
// known is false when the version is too old to check.
func (b *Broadcaster) Matches(version, hash string) (match, known bool) {
	v, err := state.ParseVersion(version)
	if err != nil {
		return false, true
	}
	if v == b.store.VersionNumber() {
		return hash == b.store.Hash(), true
	}
	if v > b.store.VersionNumber() {
		return false, true
	}
	for _, p := range b.history {
		if p.version == v {
			return hash == p.hash, true
		}
	}
	return false, false
}

// Emit broadcasts a non-state message to every participant
func (b *Broadcaster) Emit(t models.MessageType, v any) error {
	frame, err := models.Encode(t, v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", t)
	}
	b.fanOut(frame)
	return nil
}

// SendTo delivers a message to one participant; unknown users are ignored
func (b *Broadcaster) SendTo(userID string, t models.MessageType, v any) error {
	p, ok := b.participants[userID]
	if !ok {
		return nil
	}
	frame, err := models.Encode(t, v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", t)
	}
	b.offer(p, frame)
	return nil
}

func (b *Broadcaster) fanOut(frame []byte) {
	for _, p := range b.participants {
		b.offer(p, frame)
	}
}

// offer does a non-blocking send; a full outbox drops the participant
func (b *Broadcaster) offer(p *participant, frame []byte) bool {
	select {
	case p.send <- frame:
		return true
	default:
		b.log.Warn().Str("user_id", p.conn.UserID).Msg("⚠️  outbox full, dropping participant")
		droppedClients.Inc()
		close(p.send)
		delete(b.participants, p.conn.UserID)
		b.dropped = append(b.dropped, p.conn)
		return false
	}
}

// TakeDropped returns and forgets the participants dropped since the last call
func (b *Broadcaster) TakeDropped() []models.PlayerConnection {
	dropped := b.dropped
	b.dropped = nil
	return dropped
}

// CloseAll closes every outbox and forgets every participant
func (b *Broadcaster) CloseAll() {
	for id, p := range b.participants {
		close(p.send)
		delete(b.participants, id)
	}
}
