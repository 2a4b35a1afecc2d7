package collaboration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"

	"vtt-sync/internal/middleware"
	"vtt-sync/internal/models"
	"vtt-sync/internal/services/state"
)

/*
LEARNING: ONE GOROUTINE PER SESSION (ACTOR MODEL)

Each GameSession owns its store, processor, broadcaster and GM monitor, and only its own
goroutine (run) ever touches them. Everyone else talks to it through the inbox:

    caller ──msg{..., reply}──▶ inbox ──▶ run() ──▶ handle ──▶ reply
    timer  ──approvalTimeout──▶ inbox

Because every mutation is serialized through one loop there are no locks around the
state, broadcasts leave in exactly the order batches were applied, and no two sessions
share anything mutable. Public methods are thin wrappers that post a message and wait
for the reply (or ctx / session end).
*/

// Persister receives snapshots to store out of band; Enqueue must not block
type Persister interface {
	Enqueue(job models.PersistJob) bool
}

// BatchLoader reads persisted patch batches newer than afterVersion, oldest first
type BatchLoader interface {
	BatchesSince(ctx context.Context, sessionID string, afterVersion int64) ([]*models.PatchBatch, error)
}

// Options configures a game session
type Options struct {
	ApprovalTimeout  time.Duration
	HeartbeatTimeout time.Duration
	GracePeriod      time.Duration
	QueueMaxSize     int
	QueueMaxAge      time.Duration
	OutboxSize       int
	HistoryLimit     int
	MailboxSize      int
	SweepInterval    time.Duration

	Plugins   *PluginRegistry
	Persister Persister
	Batches   BatchLoader // nil limits replay to the in-memory history
	Logger    zerolog.Logger
	Now       func() time.Time
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		ApprovalTimeout:  30 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
		GracePeriod:      10 * time.Minute,
		QueueMaxSize:     100,
		QueueMaxAge:      5 * time.Minute,
		OutboxSize:       256,
		HistoryLimit:     128,
		MailboxSize:      64,
		SweepInterval:    5 * time.Second,
		Logger:           zerolog.Nop(),
		Now:              time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ApprovalTimeout <= 0 {
		o.ApprovalTimeout = d.ApprovalTimeout
	}
	if o.QueueMaxSize <= 0 {
		o.QueueMaxSize = d.QueueMaxSize
	}
	if o.QueueMaxAge <= 0 {
		o.QueueMaxAge = d.QueueMaxAge
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = d.OutboxSize
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = d.MailboxSize
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.Plugins == nil {
		o.Plugins = NewPluginRegistry()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SessionInfo is a read-only summary of a live session
type SessionInfo struct {
	SessionID   string                    `json:"sessionId"`
	GMUserID    string                    `json:"gmUserId,omitempty"`
	GMStatus    GMState                   `json:"gmStatus"`
	Version     string                    `json:"version"`
	Hash        string                    `json:"hash"`
	Players     []models.PlayerConnection `json:"connectedPlayers"`
	Queued      int                       `json:"queued"`
	InFlight    int                       `json:"inFlight"`
	CreatedAt   time.Time                 `json:"createdAt"`
	LastUpdated time.Time                 `json:"lastUpdated"`
}

// GameSession is the single entry point for one live session
type GameSession struct {
	id        string
	gmUserID  string
	createdAt time.Time
	opts      Options
	log       zerolog.Logger

	store       *state.Store
	processor   *ActionProcessor
	broadcaster *Broadcaster
	monitor     *GMMonitor
	seq         uint64

	inbox chan sessionMsg
	done  chan struct{}
	onEnd func(id string)
}

// NewGameSession wraps a seeded store and starts the session actor.
// Cancelling ctx ends the session but keeps it resumable.
func NewGameSession(ctx context.Context, store *state.Store, gmUserID string, opts Options) *GameSession {
	s := newGameSession(store, gmUserID, opts)
	s.start(ctx)
	return s
}

func newGameSession(store *state.Store, gmUserID string, opts Options) *GameSession {
	opts = opts.withDefaults()
	now := opts.Now()
	s := &GameSession{
		id:        store.SessionID(),
		gmUserID:  gmUserID,
		createdAt: now,
		opts:      opts,
		log:       opts.Logger.With().Str("session_id", store.SessionID()).Logger(),
		store:     store,
		processor: NewActionProcessor(store.SessionID(), opts.Plugins, opts.ApprovalTimeout),
		monitor: NewGMMonitor(MonitorConfig{
			HeartbeatTimeout: opts.HeartbeatTimeout,
			GracePeriod:      opts.GracePeriod,
			QueueMaxSize:     opts.QueueMaxSize,
			QueueMaxAge:      opts.QueueMaxAge,
		}, now),
		inbox: make(chan sessionMsg, opts.MailboxSize),
		done:  make(chan struct{}),
	}
	s.broadcaster = NewBroadcaster(store, opts.HistoryLimit, s.log)
	return s
}

func (s *GameSession) start(ctx context.Context) {
	activeSessions.Inc()
	go s.run(ctx)
}

func (s *GameSession) ID() string { return s.id }

// NewOutbox allocates an outbox sized for this session
func (s *GameSession) NewOutbox() chan []byte {
	return make(chan []byte, s.opts.OutboxSize)
}

// Done is closed once the session has ended
func (s *GameSession) Done() <-chan struct{} { return s.done }

// Join attaches a connection. Joiners always receive a full snapshot first.
// Only one GM seat exists per session.
func (s *GameSession) Join(ctx context.Context, conn models.PlayerConnection, send chan []byte) error {
	reply := make(chan error, 1)
	err, callErr := call(ctx, s, joinMsg{conn: conn, send: send, reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

// Leave detaches a connection; a stale socket id is ignored
func (s *GameSession) Leave(userID, socketID string) {
	s.post(leaveMsg{userID: userID, socketID: socketID})
}

// HandleActionRequest validates an action and forwards it to the GM or queues it
func (s *GameSession) HandleActionRequest(ctx context.Context, senderID string, action *models.ActionMessage) (models.ActionResponse, error) {
	reply := make(chan actionReply, 1)
	r, err := call(ctx, s, actionMsg{senderID: senderID, action: action, reply: reply}, reply)
	if err != nil {
		return models.ActionResponse{}, err
	}
	return r.resp, r.err
}

// Decide records the GM's approval or denial of a pending request
func (s *GameSession) Decide(ctx context.Context, gmID string, decision models.GMDecision) (models.ActionResponse, error) {
	reply := make(chan actionReply, 1)
	r, err := call(ctx, s, decisionMsg{gmID: gmID, decision: decision, reply: reply}, reply)
	if err != nil {
		return models.ActionResponse{}, err
	}
	return r.resp, r.err
}

// SubmitPatch applies a GM-authored batch against an expected base version
func (s *GameSession) SubmitPatch(ctx context.Context, userID string, sub models.PatchSubmission) (models.StateUpdate, error) {
	reply := make(chan patchReply, 1)
	r, err := call(ctx, s, patchMsg{userID: userID, sub: sub, reply: reply}, reply)
	if err != nil {
		return models.StateUpdate{}, err
	}
	return r.update, r.err
}

// Heartbeat records liveness of a connection
func (s *GameSession) Heartbeat(userID string) {
	s.post(heartbeatMsg{userID: userID})
}

// Resync replays missed updates or sends a full snapshot to userID. Versions
// older than the in-memory history are read from the batch log outside the actor.
func (s *GameSession) Resync(ctx context.Context, userID, sinceVersion string) (string, error) {
	r, err := s.resyncRound(ctx, resyncMsg{userID: userID, since: sinceVersion})
	if err != nil {
		return "", err
	}
	if !r.needArchive {
		return r.kind, r.err
	}

	middleware.AddSpanEvent(ctx, "resync.batch_log", attribute.String("since", sinceVersion))
	var archive []*models.PatchBatch
	if since, perr := state.ParseVersion(sinceVersion); perr == nil {
		archive, err = s.opts.Batches.BatchesSince(ctx, s.id, int64(since))
		if err != nil {
			s.log.Warn().Err(err).Str("since", sinceVersion).Msg("batch log unavailable, sending full state")
			archive = nil
		}
	}
	r, err = s.resyncRound(ctx, resyncMsg{userID: userID, since: sinceVersion, archive: archive, archived: true})
	if err != nil {
		return "", err
	}
	return r.kind, r.err
}

func (s *GameSession) resyncRound(ctx context.Context, msg resyncMsg) (resyncReply, error) {
	msg.reply = make(chan resyncReply, 1)
	return call(ctx, s, msg, msg.reply)
}

// VerifyState checks a client replica; on mismatch the client gets a full snapshot
func (s *GameSession) VerifyState(ctx context.Context, userID string, v models.VerifyState) (bool, error) {
	reply := make(chan verifyReply, 1)
	r, err := call(ctx, s, verifyMsg{userID: userID, state: v, reply: reply}, reply)
	if err != nil {
		return false, err
	}
	return r.match, r.err
}

// FullState returns a deep-copied snapshot for external readers
func (s *GameSession) FullState(ctx context.Context) (models.FullStateResponse, error) {
	reply := make(chan snapshotReply, 1)
	r, err := call(ctx, s, snapshotMsg{reply: reply}, reply)
	if err != nil {
		return models.FullStateResponse{}, err
	}
	return r.full, r.err
}

// Info returns a summary of the session
func (s *GameSession) Info(ctx context.Context) (SessionInfo, error) {
	reply := make(chan SessionInfo, 1)
	return call(ctx, s, infoMsg{reply: reply}, reply)
}

// End tears the session down. Queued actions become stale, in-flight ones are
// rejected and every connection is closed.
func (s *GameSession) End(ctx context.Context, reason string) error {
	reply := make(chan error, 1)
	err, callErr := call(ctx, s, endMsg{reason: reason, reply: reply}, reply)
	if callErr != nil {
		return callErr
	}
	return err
}

func (s *GameSession) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.end("server shutting down", models.SessionActive)
			return

		case <-ticker.C:
			if s.sweep() {
				return
			}

		case m := <-s.inbox:
			if s.handle(m) {
				return
			}
			s.reapDropped()
		}
	}
}

// handle dispatches one message; it reports whether the session ended
func (s *GameSession) handle(m sessionMsg) bool {
	switch msg := m.(type) {
	case joinMsg:
		msg.reply <- s.join(msg.conn, msg.send)

	case leaveMsg:
		if conn, ok := s.broadcaster.Connection(msg.userID); ok && s.broadcaster.Detach(msg.userID, msg.socketID) {
			s.departed(conn)
		}

	case actionMsg:
		resp, err := s.submit(msg.senderID, msg.action)
		msg.reply <- actionReply{resp: resp, err: err}

	case decisionMsg:
		resp, err := s.decide(msg.gmID, msg.decision)
		msg.reply <- actionReply{resp: resp, err: err}

	case patchMsg:
		update, err := s.patch(msg.userID, msg.sub)
		msg.reply <- patchReply{update: update, err: err}

	case heartbeatMsg:
		s.heartbeat(msg.userID)

	case resyncMsg:
		msg.reply <- s.resyncFor(msg)

	case verifyMsg:
		match, err := s.verify(msg.userID, msg.state)
		msg.reply <- verifyReply{match: match, err: err}

	case snapshotMsg:
		full, err := s.broadcaster.FullState(s.opts.Now())
		msg.reply <- snapshotReply{full: full, err: err}

	case infoMsg:
		msg.reply <- s.info()

	case approvalTimeoutMsg:
		s.approvalTimedOut(msg.requestID)

	case sweepMsg:
		return s.sweep()

	case endMsg:
		s.end(msg.reason, models.SessionEnded)
		msg.reply <- nil
		return true
	}
	return false
}

func (s *GameSession) join(conn models.PlayerConnection, send chan []byte) error {
	if conn.UserID == "" || !conn.Role.Valid() {
		return newError(models.CodeValidationError, "join requires a user id and a valid role")
	}
	switch {
	case conn.Role == models.RoleGM && s.gmUserID == "":
		s.gmUserID = conn.UserID
	case conn.Role == models.RoleGM && conn.UserID != s.gmUserID:
		return newError(models.CodePermissionDenied, "session %s already has a GM", s.id)
	case conn.Role == models.RolePlayer && conn.UserID == s.gmUserID:
		return newError(models.CodePermissionDenied, "the GM must join with the gm role")
	}

	now := s.opts.Now()
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}
	if s.broadcaster.Attach(conn, send) {
		s.log.Info().Str("user_id", conn.UserID).Msg("connection replaced")
		if conn.Role == models.RoleGM {
			// Requests sent to the old socket are lost with it.
			s.gmLost(now)
		}
	}
	s.syncPresence()

	if err := s.broadcaster.SendFullState(conn.UserID, now); err != nil {
		return err
	}
	s.emit(models.MessagePresence, models.PresenceEvent{
		SessionID:        s.id,
		UserID:           conn.UserID,
		Event:            models.PresenceJoin,
		Role:             conn.Role,
		ConnectedPlayers: s.broadcaster.Connections(),
		Timestamp:        now,
	})
	s.log.Info().Str("user_id", conn.UserID).Str("role", string(conn.Role)).Msg("joined")

	if conn.Role == models.RoleGM {
		s.gmArrived(now)
	} else {
		s.sendTo(conn.UserID, models.MessageGMStatus, s.gmStatus(now))
	}
	return nil
}

// departed handles a connection that is gone, whether it left or was dropped
func (s *GameSession) departed(conn models.PlayerConnection) {
	now := s.opts.Now()
	s.syncPresence()
	s.emit(models.MessagePresence, models.PresenceEvent{
		SessionID:        s.id,
		UserID:           conn.UserID,
		Event:            models.PresenceLeave,
		Role:             conn.Role,
		ConnectedPlayers: s.broadcaster.Connections(),
		Timestamp:        now,
	})
	s.log.Info().Str("user_id", conn.UserID).Msg("left")

	if conn.Role == models.RoleGM {
		s.gmLost(now)
	}
}

// reapDropped treats participants dropped for slow reads as departures
func (s *GameSession) reapDropped() {
	for {
		dropped := s.broadcaster.TakeDropped()
		if len(dropped) == 0 {
			return
		}
		for _, conn := range dropped {
			s.departed(conn)
		}
	}
}

func (s *GameSession) gmStatus(now time.Time) models.GMStatusEvent {
	return models.GMStatusEvent{
		SessionID: s.id,
		Status:    string(s.monitor.State()),
		Queued:    s.monitor.Len(),
		Timestamp: now,
	}
}

func (s *GameSession) gmArrived(now time.Time) {
	replay := s.monitor.Connect(now)
	s.emit(models.MessageGMStatus, s.gmStatus(now))
	if replay {
		s.log.Info().Int("queued", s.monitor.Len()).Msg("GM reconnected, replaying queue")
		s.replayNext()
	}
}

// gmLost moves live approvals back into the queue so nothing is lost or reordered
func (s *GameSession) gmLost(now time.Time) {
	if !s.monitor.Disconnect(now) {
		return
	}
	gmDisconnects.Inc()
	s.log.Warn().Msg("GM disconnected")

	for _, f := range s.processor.Drain() {
		if !f.replay {
			s.requeue(f.action)
		}
	}
	s.syncPending()
	s.emit(models.MessageGMStatus, s.gmStatus(now))
}

// requeue moves a live approval into the queue; replayed entries never left it
func (s *GameSession) requeue(action *models.ActionMessage) {
	if err := s.monitor.Enqueue(action); err != nil {
		s.fail(action, AsError(err))
		return
	}
	actionsTotal.WithLabelValues(string(models.ActionQueued)).Inc()
	s.notify(action, models.ActionResponse{
		Success:   true,
		RequestID: action.ID,
		Status:    models.ActionQueued,
		Reason:    "GM disconnected",
	})
}

func (s *GameSession) heartbeat(userID string) {
	if userID == "" || userID != s.gmUserID {
		return
	}
	now := s.opts.Now()
	s.monitor.Heartbeat(now)
	if s.monitor.State() == GMDisconnected {
		if conn, ok := s.broadcaster.Connection(userID); ok && conn.Role == models.RoleGM {
			s.gmArrived(now)
		}
	}
}

func (s *GameSession) submit(senderID string, action *models.ActionMessage) (models.ActionResponse, error) {
	if action == nil {
		return models.ActionResponse{}, newError(models.CodeValidationError, "missing action")
	}
	if action.ID == "" {
		action.ID = ksuid.New().String()
	}
	if action.PlayerID == "" {
		action.PlayerID = senderID
	}
	isParticipant := func(id string) bool {
		_, ok := s.broadcaster.Connection(id)
		return ok
	}
	if err := s.processor.Validate(action, senderID, isParticipant); err != nil {
		actionsTotal.WithLabelValues("invalid").Inc()
		return models.ActionResponse{}, err
	}
	if s.monitor.Contains(action.ID) {
		actionsTotal.WithLabelValues("invalid").Inc()
		return models.ActionResponse{}, newError(models.CodeValidationError, "duplicate action id %q", action.ID)
	}

	now := s.opts.Now()
	action.SessionID = s.id
	s.seq++
	action.Sequence = s.seq
	if action.Timestamp.IsZero() || action.Timestamp.After(now) {
		action.Timestamp = now
	}
	action.Status = models.ActionPending

	// The GM does not need to approve their own actions.
	if senderID == s.gmUserID {
		return s.resolve(action, models.GMDecision{RequestID: action.ID, PlayerID: senderID, Approved: true}), nil
	}

	if !s.monitor.Available() {
		if err := s.monitor.Enqueue(action); err != nil {
			return models.ActionResponse{}, err
		}
		actionsTotal.WithLabelValues(string(models.ActionQueued)).Inc()
		s.syncPending()
		s.log.Debug().Str("action_id", action.ID).Int("queued", s.monitor.Len()).Msg("action queued")
		return models.ActionResponse{Success: true, RequestID: action.ID, Status: models.ActionQueued}, nil
	}

	s.forward(action, false)
	return models.ActionResponse{Success: true, RequestID: action.ID, Status: models.ActionPending}, nil
}

// forward sends an approval request to the GM and arms its timeout
func (s *GameSession) forward(action *models.ActionMessage, replay bool) {
	s.processor.Track(action, replay, func(requestID string) {
		s.post(approvalTimeoutMsg{requestID: requestID})
	})
	s.sendTo(s.gmUserID, models.MessageApprovalRequest, models.ApprovalRequest{
		RequestID:  action.ID,
		SessionID:  s.id,
		PlayerID:   action.PlayerID,
		PluginID:   action.PluginID,
		ActionType: action.ActionType,
		Payload:    action.Payload,
		Timestamp:  action.Timestamp,
		Replay:     replay,
	})
}

// replayNext forwards the oldest queued action once the previous one resolved
func (s *GameSession) replayNext() {
	s.expireStale(s.opts.Now())
	next := s.monitor.Next()
	if next == nil {
		if s.monitor.FinishReplay() {
			s.log.Info().Msg("queue replay complete")
			s.emit(models.MessageGMStatus, s.gmStatus(s.opts.Now()))
		}
		return
	}
	s.forward(next, true)
}

func (s *GameSession) decide(gmID string, d models.GMDecision) (models.ActionResponse, error) {
	if gmID != s.gmUserID {
		return models.ActionResponse{}, newError(models.CodePermissionDenied, "only the GM can decide on actions")
	}
	if conn, ok := s.broadcaster.Connection(gmID); !ok || conn.Role != models.RoleGM {
		return models.ActionResponse{}, newError(models.CodePermissionDenied, "GM is not connected")
	}
	action, ok := s.processor.Lookup(d.RequestID)
	if !ok {
		return models.ActionResponse{}, newError(models.CodeValidationError, "no pending request %q", d.RequestID)
	}
	if d.PlayerID != "" && d.PlayerID != action.PlayerID {
		return models.ActionResponse{}, newError(models.CodeValidationError, "request %q belongs to %q", d.RequestID, action.PlayerID)
	}

	f, _ := s.processor.Resolve(d.RequestID)
	if f.replay {
		s.monitor.Remove(d.RequestID)
		s.syncPending()
	}
	resp := s.resolve(f.action, d)
	if f.replay {
		s.replayNext()
	}
	return resp, nil
}

// resolve applies the outcome of a decision and reports it to the submitter
func (s *GameSession) resolve(action *models.ActionMessage, d models.GMDecision) models.ActionResponse {
	if action.Status.Terminal() {
		return settled(action)
	}
	if !d.Approved {
		action.Status = models.ActionRejected
		actionsTotal.WithLabelValues(string(models.ActionRejected)).Inc()
		resp := models.ActionResponse{
			Success:   true,
			Approved:  boolPtr(false),
			RequestID: action.ID,
			Status:    models.ActionRejected,
			Reason:    d.Reason,
		}
		s.notify(action, resp)
		return resp
	}

	ops, err := s.processor.Patch(action, d.Operations)
	if err != nil {
		return s.fail(action, AsError(err))
	}

	if len(ops) > 0 {
		if _, err := s.publish(ops); err != nil {
			return s.fail(action, AsError(err))
		}
	}

	action.Status = models.ActionApproved
	actionsTotal.WithLabelValues(string(models.ActionApproved)).Inc()
	resp := models.ActionResponse{
		Success:   true,
		Approved:  boolPtr(true),
		RequestID: action.ID,
		Status:    models.ActionApproved,
		Version:   s.store.Version(),
		Hash:      s.store.Hash(),
	}
	s.notify(action, resp)
	return resp
}

// fail rejects an action with an error and tells the submitter
func (s *GameSession) fail(action *models.ActionMessage, e *Error) models.ActionResponse {
	if action.Status.Terminal() {
		return settled(action)
	}
	action.Status = models.ActionRejected
	actionsTotal.WithLabelValues(string(models.ActionRejected)).Inc()
	body := e.Body()
	if body.Code == models.CodeTransactionFailed {
		body.CurrentVersion = s.store.Version()
		body.CurrentHash = s.store.Hash()
	}
	resp := models.ActionResponse{
		Success:   false,
		RequestID: action.ID,
		Status:    models.ActionRejected,
		Error:     &body,
	}
	s.notify(action, resp)
	return resp
}

// settled answers a repeated outcome without notifying the submitter again
func settled(action *models.ActionMessage) models.ActionResponse {
	body := newError(models.CodeValidationError, "action %s is already %s", action.ID, action.Status).Body()
	return models.ActionResponse{
		Success:   false,
		RequestID: action.ID,
		Status:    action.Status,
		Error:     &body,
	}
}

func (s *GameSession) publish(ops []models.PatchOperation) (models.StateUpdate, error) {
	update, err := s.broadcaster.Publish(ops, s.opts.Now())
	if err != nil {
		patchesFailed.Inc()
		s.log.Warn().Err(err).Msg("patch batch rejected")
		return update, err
	}
	patchesApplied.Inc()
	s.log.Debug().Str("version", update.Version).Int("ops", len(ops)).Msg("patch batch applied")
	s.persist(models.SessionActive, ops)
	return update, nil
}

func (s *GameSession) patch(userID string, sub models.PatchSubmission) (models.StateUpdate, error) {
	if userID != s.gmUserID {
		return models.StateUpdate{}, newError(models.CodePermissionDenied, "only the GM can submit patches")
	}
	if conn, ok := s.broadcaster.Connection(userID); !ok || conn.Role != models.RoleGM {
		return models.StateUpdate{}, newError(models.CodePermissionDenied, "GM is not connected")
	}
	if sub.BaseVersion != s.store.Version() {
		conflict := &Error{
			Code:           models.CodeVersionConflict,
			Message:        "base version " + sub.BaseVersion + " is not current",
			CurrentVersion: s.store.Version(),
			CurrentHash:    s.store.Hash(),
		}
		s.emit(models.MessageError, models.ErrorEvent{SessionID: s.id, Error: conflict.Body()})
		if err := s.broadcaster.SendFullState(userID, s.opts.Now()); err != nil {
			s.log.Error().Err(err).Msg("failed to send full state")
		}
		return models.StateUpdate{}, conflict
	}
	update, err := s.publish(sub.Operations)
	if err != nil {
		e := AsError(err)
		e.CurrentVersion = s.store.Version()
		e.CurrentHash = s.store.Hash()
		return models.StateUpdate{}, e
	}
	return update, nil
}

// resyncFor asks the caller for archived batches when the history cannot
// cover the request, then replays
func (s *GameSession) resyncFor(msg resyncMsg) resyncReply {
	if _, ok := s.broadcaster.Connection(msg.userID); !ok {
		return resyncReply{err: newError(models.CodePermissionDenied, "%q is not a participant", msg.userID)}
	}
	if !msg.archived && s.opts.Batches != nil && s.broadcaster.NeedsArchive(msg.since) {
		return resyncReply{needArchive: true}
	}
	kind, err := s.resync(msg.userID, msg.since, msg.archive)
	return resyncReply{kind: kind, err: err}
}

func (s *GameSession) resync(userID, since string, archive []*models.PatchBatch) (string, error) {
	if _, ok := s.broadcaster.Connection(userID); !ok {
		return "", newError(models.CodePermissionDenied, "%q is not a participant", userID)
	}
	kind, err := s.broadcaster.Resync(userID, since, archive, s.opts.Now())
	if err != nil {
		return "", err
	}
	resyncsTotal.WithLabelValues(kind).Inc()
	return kind, nil
}

func (s *GameSession) verify(userID string, v models.VerifyState) (bool, error) {
	if _, ok := s.broadcaster.Connection(userID); !ok {
		return false, newError(models.CodePermissionDenied, "%q is not a participant", userID)
	}
	match, known := s.broadcaster.Matches(v.Version, v.Hash)
	if match {
		if v.Version != s.store.Version() {
			_, err := s.resync(userID, v.Version, nil)
			return true, err
		}
		return true, nil
	}
	if known {
		mismatch := &Error{
			Code:           models.CodeHashMismatch,
			Message:        "replica diverged at version " + v.Version,
			CurrentVersion: s.store.Version(),
			CurrentHash:    s.store.Hash(),
		}
		s.sendTo(userID, models.MessageError, models.ErrorEvent{SessionID: s.id, Error: mismatch.Body()})
		s.log.Warn().Str("user_id", userID).Str("version", v.Version).Msg("client replica diverged")
	}
	resyncsTotal.WithLabelValues(ResyncFull).Inc()
	return false, s.broadcaster.SendFullState(userID, s.opts.Now())
}

func (s *GameSession) approvalTimedOut(requestID string) {
	f, ok := s.processor.Resolve(requestID)
	if !ok {
		return
	}
	now := s.opts.Now()
	if s.monitor.HeartbeatMissed(now) {
		s.gmLost(now)
		if !f.replay {
			s.requeue(f.action)
			s.syncPending()
		}
		return
	}

	s.log.Warn().Str("action_id", requestID).Bool("replay", f.replay).Msg("approval timed out")
	timeout := newError(models.CodeApprovalTimeout, "GM did not respond within %s", s.opts.ApprovalTimeout)
	resp := s.fail(f.action, timeout)
	s.sendTo(s.gmUserID, models.MessageActionResult, resp)
	if f.replay {
		s.monitor.Remove(requestID)
		s.syncPending()
		s.replayNext()
	}
}

// expireStale drops queued actions past their max age and tells their submitters
func (s *GameSession) expireStale(now time.Time) {
	stale := s.monitor.ExpireStale(now)
	if len(stale) == 0 {
		return
	}
	for _, a := range stale {
		actionsTotal.WithLabelValues(string(models.ActionStale)).Inc()
		s.notify(a, models.ActionResponse{
			Success:   false,
			RequestID: a.ID,
			Status:    models.ActionStale,
			Reason:    "action expired while waiting for the GM",
		})
	}
	s.log.Info().Int("count", len(stale)).Msg("expired stale actions")
	s.syncPending()
}

// sweep runs periodic liveness and integrity checks; it reports whether the session ended
func (s *GameSession) sweep() bool {
	now := s.opts.Now()
	if s.monitor.HeartbeatMissed(now) {
		s.gmLost(now)
	}
	s.expireStale(now)
	if s.monitor.GraceExpired(now) {
		s.end("GM did not return within the grace period", models.SessionEnded)
		return true
	}
	if err := s.store.Verify(); err != nil {
		s.log.Error().Err(err).Msg("state hash mismatch")
		mismatch := &Error{
			Code:           models.CodeHashMismatch,
			Message:        "server state failed verification, resync required",
			CurrentVersion: s.store.Version(),
			CurrentHash:    s.store.Hash(),
		}
		s.emit(models.MessageError, models.ErrorEvent{SessionID: s.id, Error: mismatch.Body()})
		for _, conn := range s.broadcaster.Connections() {
			if err := s.broadcaster.SendFullState(conn.UserID, now); err != nil {
				s.log.Error().Err(err).Msg("failed to send full state")
			}
		}
	}
	s.reapDropped()
	return false
}

// end is terminal for this actor. The final snapshot is persisted with the given
// status before outboxes close; an active status lets the session be reopened.
func (s *GameSession) end(reason string, final models.SessionStatus) {
	now := s.opts.Now()

	for _, f := range s.processor.Drain() {
		if f.replay {
			continue
		}
		f.action.Status = models.ActionRejected
		actionsTotal.WithLabelValues(string(models.ActionRejected)).Inc()
		s.notify(f.action, models.ActionResponse{
			Success:   false,
			Approved:  boolPtr(false),
			RequestID: f.action.ID,
			Status:    models.ActionRejected,
			Reason:    "session ended",
		})
	}
	for _, a := range s.monitor.End() {
		actionsTotal.WithLabelValues(string(models.ActionStale)).Inc()
		s.notify(a, models.ActionResponse{
			Success:   false,
			RequestID: a.ID,
			Status:    models.ActionStale,
			Reason:    "session ended",
		})
	}
	s.syncPending()
	s.persist(final, nil)

	s.emit(models.MessageSessionEnded, models.PresenceEvent{
		SessionID: s.id,
		Event:     models.PresenceEnd,
		Reason:    reason,
		Timestamp: now,
	})
	s.broadcaster.CloseAll()
	s.broadcaster.TakeDropped()

	activeSessions.Dec()
	s.log.Info().Str("reason", reason).Str("version", s.store.Version()).Msg("🛑 session ended")
	s.store = nil
	if s.onEnd != nil {
		s.onEnd(s.id)
	}
}

func (s *GameSession) info() SessionInfo {
	return SessionInfo{
		SessionID:   s.id,
		GMUserID:    s.gmUserID,
		GMStatus:    s.monitor.State(),
		Version:     s.store.Version(),
		Hash:        s.store.Hash(),
		Players:     s.broadcaster.Connections(),
		Queued:      s.monitor.Len(),
		InFlight:    s.processor.InFlight(),
		CreatedAt:   s.createdAt,
		LastUpdated: s.store.LastUpdated(),
	}
}

func (s *GameSession) syncPresence() {
	s.store.SetConnectedPlayers(s.broadcaster.Connections())
}

func (s *GameSession) syncPending() {
	s.store.SetPendingActions(s.monitor.Pending())
}

// persist hands a snapshot to the persister without blocking the actor
func (s *GameSession) persist(status models.SessionStatus, ops []models.PatchOperation) {
	if s.opts.Persister == nil {
		return
	}
	job := models.PersistJob{
		SessionID: s.id,
		GMUserID:  s.gmUserID,
		Status:    status,
		Version:   int64(s.store.VersionNumber()),
		Hash:      s.store.Hash(),
		State:     s.store.Canonical(),
		At:        s.opts.Now(),
	}
	if len(ops) > 0 {
		raw, err := json.Marshal(ops)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to encode patch batch")
			return
		}
		job.Operations = raw
	}
	if !s.opts.Persister.Enqueue(job) {
		s.log.Warn().Str("version", s.store.Version()).Msg("persistence queue full, snapshot skipped")
	}
}

func (s *GameSession) notify(action *models.ActionMessage, resp models.ActionResponse) {
	s.sendTo(action.PlayerID, models.MessageActionResult, resp)
}

func (s *GameSession) sendTo(userID string, t models.MessageType, v any) {
	if err := s.broadcaster.SendTo(userID, t, v); err != nil {
		s.log.Error().Err(err).Str("type", string(t)).Msg("failed to send message")
	}
}

func (s *GameSession) emit(t models.MessageType, v any) {
	if err := s.broadcaster.Emit(t, v); err != nil {
		s.log.Error().Err(err).Str("type", string(t)).Msg("failed to broadcast message")
	}
}

func boolPtr(b bool) *bool { return &b }
