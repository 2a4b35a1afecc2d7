package models

import (
	"encoding/json"
	"strings"
	"time"
)

/*
LEARNING: PATCHABLE STATE VS SESSION METADATA

A session carries two kinds of data:

1. GameState: the content every client replicates (campaign, documents, encounter,
   turn order, plugin data). It is mutated ONLY by RFC-6902 patch batches and is the
   input to the integrity hash.
2. Metadata: who is connected, what is queued, the current version/hash. The server
   owns it; clients never patch it.

Keeping them apart means two observers that applied the same patches from the same
start always agree on (version, hash), no matter who joined or left in between.
*/

// Role is the seat a connection occupies in a session
type Role string

const (
	RoleGM     Role = "gm"
	RolePlayer Role = "player"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleGM || r == RolePlayer
}

// ActionStatus tracks an action request through approval
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionQueued   ActionStatus = "queued"
	ActionStale    ActionStatus = "stale"
)

// Terminal reports whether no further transition is allowed
func (s ActionStatus) Terminal() bool {
	return s == ActionApproved || s == ActionRejected || s == ActionStale
}

// Document is a polymorphic game entity (character, actor, item, token...).
// It is always addressed through GameState.Documents[id].
type Document map[string]any

// TurnState is the initiative tracker of the current encounter
type TurnState struct {
	Round    int      `json:"round"`
	Index    int      `json:"index"`
	Order    []string `json:"order"`
	ActiveID string   `json:"activeId,omitempty"`
}

// GameState is the replicated, patchable part of a session
type GameState struct {
	Campaign         map[string]any      `json:"campaign"`
	Documents        map[string]Document `json:"documents"`
	CurrentEncounter map[string]any      `json:"currentEncounter"`
	TurnManager      *TurnState          `json:"turnManager"`
	PluginData       map[string]any      `json:"pluginData"`
}

// Normalize replaces nil maps with empty ones so patches can add into them
func (g *GameState) Normalize() {
	if g.Campaign == nil {
		g.Campaign = map[string]any{}
	}
	if g.Documents == nil {
		g.Documents = map[string]Document{}
	}
	if g.PluginData == nil {
		g.PluginData = map[string]any{}
	}
}

// PlayerConnection is one live connection to a session
type PlayerConnection struct {
	UserID      string    `json:"userId"`
	SocketID    string    `json:"socketId"`
	Role        Role      `json:"role"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// ActionMessage is a player's request to change game state
type ActionMessage struct {
	ID         string          `json:"id"`
	PlayerID   string          `json:"playerId"`
	SessionID  string          `json:"sessionId"`
	ActionType string          `json:"actionType"`
	PluginID   string          `json:"pluginId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Status     ActionStatus    `json:"status"`

	// Sequence is the server arrival order, used to break timestamp ties
	Sequence uint64 `json:"sequence"`
}

// SubmittedBefore orders actions by submission time, then arrival
func (a *ActionMessage) SubmittedBefore(b *ActionMessage) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Sequence < b.Sequence
}

// Patch operation kinds (RFC 6902)
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

// PatchOperation is the sole mutation primitive for GameState
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// MarshalJSON always writes value for add, replace and test, so a null
// value survives the round trip.
func (o PatchOperation) MarshalJSON() ([]byte, error) {
	type plain PatchOperation
	switch o.Op {
	case OpAdd, OpReplace, OpTest:
		return json.Marshal(struct {
			Op    string `json:"op"`
			Path  string `json:"path"`
			Value any    `json:"value"`
		}{Op: o.Op, Path: o.Path, Value: o.Value})
	default:
		return json.Marshal(plain(o))
	}
}

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")

// JSONPointer builds an RFC 6901 pointer from raw path segments
func JSONPointer(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(pointerEscaper.Replace(s))
	}
	return b.String()
}

// SessionState is the complete state of one live session
type SessionState struct {
	SessionID string `json:"sessionId"`
	GameState
	ConnectedPlayers []PlayerConnection `json:"connectedPlayers"`
	PendingActions   []ActionMessage    `json:"pendingActions"`
	Version          string             `json:"version"`
	Hash             *string            `json:"hash"`
	LastUpdated      time.Time          `json:"lastUpdated"`
}
