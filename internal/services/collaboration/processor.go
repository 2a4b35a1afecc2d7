package collaboration

import (
	"encoding/json"
	"regexp"
	"sort"
	"time"

	"vtt-sync/internal/models"
)

/*
LEARNING: NON-BLOCKING APPROVAL ROUND TRIPS

The session actor must never sit inside a receive waiting for the GM: that would stall
joins, heartbeats and every other player. Instead an approval is a record in a map:

1. Track stores the action and arms a timer (time.AfterFunc)
2. The timer only POSTS a message back into the actor's mailbox
3. Whichever arrives first (GM decision or timeout message) resolves the record

Both paths go through the mailbox, so the resolution runs on the actor goroutine and
never races with anything else touching the session.
*/

var actionTypePattern = regexp.MustCompile(`^[a-z][a-z0-9]*([-_.:][a-z0-9]+)*$`)

// inflight is an action forwarded to the GM and awaiting a decision
type inflight struct {
	action *models.ActionMessage
	replay bool
	timer  *time.Timer
}

// ActionProcessor validates player actions, tracks GM approvals and turns
// approved actions into patch batches
type ActionProcessor struct {
	sessionID string
	plugins   *PluginRegistry
	timeout   time.Duration
	inflight  map[string]*inflight
}

// NewActionProcessor creates a processor for one session
func NewActionProcessor(sessionID string, plugins *PluginRegistry, timeout time.Duration) *ActionProcessor {
	if plugins == nil {
		plugins = NewPluginRegistry()
	}
	return &ActionProcessor{
		sessionID: sessionID,
		plugins:   plugins,
		timeout:   timeout,
		inflight:  make(map[string]*inflight),
	}
}

// Validate performs structural and membership checks only; game rules are the GM's call
func (p *ActionProcessor) Validate(action *models.ActionMessage, senderID string, isParticipant func(string) bool) error {
	if action.SessionID != "" && action.SessionID != p.sessionID {
		return newError(models.CodeValidationError, "action targets session %q", action.SessionID)
	}
	if action.PlayerID != senderID {
		return newError(models.CodePermissionDenied, "cannot submit actions for %q", action.PlayerID)
	}
	if !isParticipant(senderID) {
		return newError(models.CodePermissionDenied, "%q is not a participant", senderID)
	}
	if !actionTypePattern.MatchString(action.ActionType) {
		return newError(models.CodeValidationError, "malformed action type %q", action.ActionType)
	}
	if len(action.Payload) > 0 && !json.Valid(action.Payload) {
		return newError(models.CodeValidationError, "payload is not valid JSON")
	}
	if _, ok := p.inflight[action.ID]; ok {
		return newError(models.CodeValidationError, "duplicate action id %q", action.ID)
	}
	return nil
}

// Track registers an in-flight approval. onTimeout runs on the timer goroutine
// and must only hand the request id back to the session.
func (p *ActionProcessor) Track(action *models.ActionMessage, replay bool, onTimeout func(requestID string)) {
	id := action.ID
	p.inflight[id] = &inflight{
		action: action,
		replay: replay,
		timer:  time.AfterFunc(p.timeout, func() { onTimeout(id) }),
	}
}

// Lookup returns the in-flight action without resolving it
func (p *ActionProcessor) Lookup(requestID string) (*models.ActionMessage, bool) {
	f, ok := p.inflight[requestID]
	if !ok {
		return nil, false
	}
	return f.action, true
}

// Resolve removes an in-flight approval and stops its timer
func (p *ActionProcessor) Resolve(requestID string) (*inflight, bool) {
	f, ok := p.inflight[requestID]
	if !ok {
		return nil, false
	}
	f.timer.Stop()
	delete(p.inflight, requestID)
	return f, true
}

// Drain resolves every in-flight approval, oldest submission first
func (p *ActionProcessor) Drain() []*inflight {
	out := make([]*inflight, 0, len(p.inflight))
	for id, f := range p.inflight {
		f.timer.Stop()
		delete(p.inflight, id)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].action.SubmittedBefore(out[j].action)
	})
	return out
}

// InFlight reports how many approvals are outstanding
func (p *ActionProcessor) InFlight() int {
	return len(p.inflight)
}

// Patch computes the batch for an approved action. GM-supplied operations win;
// otherwise the action's plugin computes them.
func (p *ActionProcessor) Patch(action *models.ActionMessage, gmOps []models.PatchOperation) ([]models.PatchOperation, error) {
	if len(gmOps) > 0 {
		return gmOps, nil
	}
	plugin, ok := p.plugins.Lookup(action.PluginID)
	if !ok {
		return nil, nil
	}
	return plugin.Operations(action)
}
