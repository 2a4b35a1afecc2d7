package collaboration

import (
	"encoding/json"
	"sync"

	"vtt-sync/internal/models"
)

// CorePluginID handles actions submitted without a plugin id
const CorePluginID = "core"

// ActionPlugin turns an approved action into patch operations.
// Payloads are opaque to the session; only the plugin reads them.
// Returning no operations means the action needs no state change.
type ActionPlugin interface {
	ID() string
	Operations(action *models.ActionMessage) ([]models.PatchOperation, error)
}

// PluginRegistry maps plugin ids to plugins
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins map[string]ActionPlugin
}

// NewPluginRegistry creates a registry that always contains the core plugin
func NewPluginRegistry(plugins ...ActionPlugin) *PluginRegistry {
	r := &PluginRegistry{plugins: make(map[string]ActionPlugin)}
	r.Register(CorePlugin{})
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a plugin
func (r *PluginRegistry) Register(p ActionPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.ID()] = p
}

// Lookup finds a plugin by id
func (r *PluginRegistry) Lookup(id string) (ActionPlugin, bool) {
	if id == "" {
		id = CorePluginID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// ActionMoveToken moves a token document to a new position
const ActionMoveToken = "move-token"

type moveTokenPayload struct {
	TokenID string          `json:"tokenId"`
	To      json.RawMessage `json:"to"`
}

type position struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

// CorePlugin computes patches for built-in actions
type CorePlugin struct{}

func (CorePlugin) ID() string { return CorePluginID }

func (CorePlugin) Operations(action *models.ActionMessage) ([]models.PatchOperation, error) {
	switch action.ActionType {
	case ActionMoveToken:
		var p moveTokenPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return nil, newError(models.CodeValidationError, "move-token payload: %v", err)
		}
		if p.TokenID == "" {
			return nil, newError(models.CodeValidationError, "move-token payload: tokenId is required")
		}
		var to position
		if err := json.Unmarshal(p.To, &to); err != nil || to.X == nil || to.Y == nil {
			return nil, newError(models.CodeValidationError, "move-token payload: to must be {x, y}")
		}
		return []models.PatchOperation{{
			Op:    models.OpReplace,
			Path:  models.JSONPointer("documents", p.TokenID, "position"),
			Value: map[string]float64{"x": *to.X, "y": *to.Y},
		}}, nil
	}
	return nil, nil
}
