package collaboration

import (
	"context"

	"vtt-sync/internal/models"
)

// Mailbox messages. Replies are buffered so the actor never blocks on a caller
// that has gone away.
type sessionMsg interface{ isSessionMsg() }

type actionReply struct {
	resp models.ActionResponse
	err  error
}

type joinMsg struct {
	conn  models.PlayerConnection
	send  chan []byte
	reply chan error
}

type leaveMsg struct {
	userID, socketID string
}

type actionMsg struct {
	senderID string
	action   *models.ActionMessage
	reply    chan actionReply
}

type decisionMsg struct {
	gmID     string
	decision models.GMDecision
	reply    chan actionReply
}

type patchReply struct {
	update models.StateUpdate
	err    error
}

type patchMsg struct {
	userID string
	sub    models.PatchSubmission
	reply  chan patchReply
}

type heartbeatMsg struct{ userID string }

type resyncReply struct {
	kind        string
	needArchive bool
	err         error
}

// resyncMsg asks for a catch-up. archived marks the second round, after the
// caller has looked up persisted batches (archive may still be empty).
type resyncMsg struct {
	userID, since string
	archive       []*models.PatchBatch
	archived      bool
	reply         chan resyncReply
}

type verifyReply struct {
	match bool
	err   error
}

type verifyMsg struct {
	userID string
	state  models.VerifyState
	reply  chan verifyReply
}

type snapshotReply struct {
	full models.FullStateResponse
	err  error
}

type snapshotMsg struct{ reply chan snapshotReply }

type infoMsg struct{ reply chan SessionInfo }

type approvalTimeoutMsg struct{ requestID string }

type sweepMsg struct{}

type endMsg struct {
	reason string
	reply  chan error
}

func (joinMsg) isSessionMsg()            {}
func (leaveMsg) isSessionMsg()           {}
func (actionMsg) isSessionMsg()          {}
func (decisionMsg) isSessionMsg()        {}
func (patchMsg) isSessionMsg()           {}
func (heartbeatMsg) isSessionMsg()       {}
func (resyncMsg) isSessionMsg()          {}
func (verifyMsg) isSessionMsg()          {}
func (snapshotMsg) isSessionMsg()        {}
func (infoMsg) isSessionMsg()            {}
func (approvalTimeoutMsg) isSessionMsg() {}
func (sweepMsg) isSessionMsg()           {}
func (endMsg) isSessionMsg()             {}

func (s *GameSession) endedError() error {
	return newError(models.CodeSessionNotFound, "session %s has ended", s.id)
}

// call posts msg and waits for its reply
func call[T any](ctx context.Context, s *GameSession, msg sessionMsg, reply chan T) (T, error) {
	var zero T
	select {
	case s.inbox <- msg:
	case <-s.done:
		return zero, s.endedError()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-s.done:
		select {
		case r := <-reply:
			return r, nil
		default:
			return zero, s.endedError()
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// post delivers a fire-and-forget message unless the session has ended
func (s *GameSession) post(msg sessionMsg) {
	select {
	case s.inbox <- msg:
	case <-s.done:
	}
}
