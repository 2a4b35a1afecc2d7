package models

import (
	"encoding/json"
	"time"
)

// MessageType names a message in the session sync protocol
type MessageType string

const (
	// Client -> server
	MessageSubmitAction     MessageType = "submit_action"
	MessageApproveAction    MessageType = "approve_action"
	MessageDenyAction       MessageType = "deny_action"
	MessageRequestFullState MessageType = "request_full_state"
	MessageSubmitPatch      MessageType = "submit_patch"
	MessageVerifyState      MessageType = "verify_state"
	MessageHeartbeat        MessageType = "heartbeat"

	// Server -> client
	MessageActionResponse  MessageType = "action_response"
	MessageActionResult    MessageType = "action_result"
	MessageApprovalRequest MessageType = "approval_request"
	MessageStateUpdate     MessageType = "state_update"
	MessageFullState       MessageType = "full_state"
	MessagePresence        MessageType = "presence"
	MessageGMStatus        MessageType = "gm_status"
	MessageError           MessageType = "error"
	MessageSessionEnded    MessageType = "session_ended"
)

// Envelope frames every message on the wire
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps v in an envelope of the given type
func Encode(t MessageType, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Payload: payload})
}

// ErrorCode is a machine-readable error code sent to clients
type ErrorCode string

const (
	CodeVersionConflict   ErrorCode = "VERSION_CONFLICT"
	CodeValidationError   ErrorCode = "VALIDATION_ERROR"
	CodeTransactionFailed ErrorCode = "TRANSACTION_FAILED"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeHashMismatch      ErrorCode = "HASH_MISMATCH"
	CodeApprovalTimeout   ErrorCode = "APPROVAL_TIMEOUT"
	CodeQueueFull         ErrorCode = "QUEUE_FULL"
	CodeInternal          ErrorCode = "INTERNAL"
)

// ErrorBody is the error object carried by responses and error events
type ErrorBody struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
	CurrentVersion string    `json:"currentVersion,omitempty"`
	CurrentHash    string    `json:"currentHash,omitempty"`
}

// ActionSubmission is the client request for a game action
type ActionSubmission struct {
	ActionID   string          `json:"actionId"`
	PlayerID   string          `json:"playerId"`
	SessionID  string          `json:"sessionId"`
	PluginID   string          `json:"pluginId"`
	ActionType string          `json:"actionType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ToAction converts a submission into an action message
func (s ActionSubmission) ToAction() *ActionMessage {
	return &ActionMessage{
		ID:         s.ActionID,
		PlayerID:   s.PlayerID,
		SessionID:  s.SessionID,
		ActionType: s.ActionType,
		PluginID:   s.PluginID,
		Payload:    s.Payload,
		Timestamp:  s.Timestamp,
		Status:     ActionPending,
	}
}

// ActionResponse answers an action submission
type ActionResponse struct {
	Success   bool         `json:"success"`
	Approved  *bool        `json:"approved,omitempty"`
	RequestID string       `json:"requestId"`
	Status    ActionStatus `json:"status,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Version   string       `json:"version,omitempty"`
	Hash      string       `json:"hash,omitempty"`
	Error     *ErrorBody   `json:"error,omitempty"`
}

// ApprovalRequest asks the GM to decide on an action
type ApprovalRequest struct {
	RequestID  string          `json:"requestId"`
	SessionID  string          `json:"sessionId"`
	PlayerID   string          `json:"playerId"`
	PluginID   string          `json:"pluginId"`
	ActionType string          `json:"actionType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Replay     bool            `json:"replay,omitempty"`
}

// GMDecision is the GM's approval or denial of a request.
// Operations may carry a GM-computed patch for approved actions.
type GMDecision struct {
	RequestID  string           `json:"requestId"`
	PlayerID   string           `json:"playerId"`
	Approved   bool             `json:"-"`
	Reason     string           `json:"reason,omitempty"`
	Operations []PatchOperation `json:"operations,omitempty"`
}

// StateUpdate is the diff broadcast after every applied batch
type StateUpdate struct {
	SessionID  string           `json:"sessionId"`
	Operations []PatchOperation `json:"operations"`
	Version    string           `json:"version"`
	Hash       string           `json:"hash"`
	Timestamp  time.Time        `json:"timestamp"`
}

// FullStateRequest asks for a snapshot; SinceVersion enables replay of missed updates
type FullStateRequest struct {
	SessionID    string `json:"sessionId"`
	SinceVersion string `json:"sinceVersion,omitempty"`
}

// FullStateResponse seeds a client replica
type FullStateResponse struct {
	SessionID string       `json:"sessionId"`
	State     SessionState `json:"state"`
	Version   string       `json:"version"`
	Hash      string       `json:"hash"`
	Timestamp time.Time    `json:"timestamp"`
}

// PatchSubmission is a GM-authored patch against a known base version
type PatchSubmission struct {
	BaseVersion string           `json:"baseVersion"`
	Operations  []PatchOperation `json:"operations"`
}

// VerifyState lets a client check its replica against the server
type VerifyState struct {
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// Presence event kinds
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
	PresenceEnd   = "end"
)

// PresenceEvent is a membership change; it is not a state patch
type PresenceEvent struct {
	SessionID        string             `json:"sessionId"`
	UserID           string             `json:"userId,omitempty"`
	Event            string             `json:"event"`
	Role             Role               `json:"role,omitempty"`
	ConnectedPlayers []PlayerConnection `json:"connectedPlayers,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
}

// GMStatusEvent tells participants whether approvals are flowing
type GMStatusEvent struct {
	SessionID string    `json:"sessionId"`
	Status    string    `json:"status"`
	Queued    int       `json:"queued"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent is a session-wide integrity error
type ErrorEvent struct {
	SessionID string    `json:"sessionId"`
	Error     ErrorBody `json:"error"`
}
