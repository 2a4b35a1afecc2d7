package collaboration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vtt-sync/internal/models"
	"vtt-sync/internal/services/state"
)

func TestMoveToken_EndToEnd(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))
	ctx := context.Background()

	gm := join(t, s, "gm", models.RoleGM)
	initial := expect[models.FullStateResponse](t, gm, models.MessageFullState)
	assert.Equal(t, "1", initial.Version)

	player := join(t, s, "p1", models.RolePlayer)
	seeded := expect[models.FullStateResponse](t, player, models.MessageFullState)
	assert.Equal(t, initial.Hash, seeded.Hash)

	resp, err := s.HandleActionRequest(ctx, "p1", moveToken("a1", 5, 5, clock.Now()))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, models.ActionPending, resp.Status)

	req := expect[models.ApprovalRequest](t, gm, models.MessageApprovalRequest)
	assert.Equal(t, "a1", req.RequestID)
	assert.Equal(t, "p1", req.PlayerID)
	assert.False(t, req.Replay)

	decision, err := s.Decide(ctx, "gm", models.GMDecision{RequestID: "a1", PlayerID: "p1", Approved: true})
	require.NoError(t, err)
	require.NotNil(t, decision.Approved)
	assert.True(t, *decision.Approved)
	assert.Equal(t, "2", decision.Version)

	update := expect[models.StateUpdate](t, player, models.MessageStateUpdate)
	assert.Equal(t, "2", update.Version)
	require.Len(t, update.Operations, 1)
	assert.Equal(t, models.OpReplace, update.Operations[0].Op)
	assert.Equal(t, "/documents/t1/position", update.Operations[0].Path)
	assert.Equal(t, map[string]any{"x": 5.0, "y": 5.0}, update.Operations[0].Value)
	assert.NotEqual(t, initial.Hash, update.Hash)

	gmUpdate := expect[models.StateUpdate](t, gm, models.MessageStateUpdate)
	assert.Equal(t, update, gmUpdate)

	result := expect[models.ActionResponse](t, player, models.MessageActionResult)
	assert.Equal(t, models.ActionApproved, result.Status)

	late := join(t, s, "p2", models.RolePlayer)
	full := expect[models.FullStateResponse](t, late, models.MessageFullState)
	assert.Equal(t, "2", full.Version)
	assert.Equal(t, update.Hash, full.Hash)
	assert.Equal(t, map[string]any{"x": 5.0, "y": 5.0}, full.State.Documents["t1"]["position"])
	expectNone(t, late, models.MessageStateUpdate)
}

func TestBroadcastOrderMatchesApplyOrder(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))
	ctx := context.Background()

	gm := join(t, s, "gm", models.RoleGM)
	p1 := join(t, s, "p1", models.RolePlayer)
	p2 := join(t, s, "p2", models.RolePlayer)

	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := s.HandleActionRequest(ctx, "p1", moveToken(id, 1, 2, clock.Now()))
		require.NoError(t, err)
	}
	// The GM resolves in its own order; that order is the apply order.
	for _, id := range []string{"a3", "a1", "a2"} {
		_, err := s.Decide(ctx, "gm", models.GMDecision{RequestID: id, Approved: true})
		require.NoError(t, err)
	}

	for _, out := range []chan []byte{gm, p1, p2} {
		var versions []string
		for i := 0; i < 3; i++ {
			versions = append(versions, expect[models.StateUpdate](t, out, models.MessageStateUpdate).Version)
		}
		assert.Equal(t, []string{"2", "3", "4"}, versions)
	}
}

func TestRejectedActionDoesNotMutate(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))
	ctx := context.Background()

	gm := join(t, s, "gm", models.RoleGM)
	player := join(t, s, "p1", models.RolePlayer)

	_, err := s.HandleActionRequest(ctx, "p1", moveToken("a1", 9, 9, clock.Now()))
	require.NoError(t, err)
	expect[models.ApprovalRequest](t, gm, models.MessageApprovalRequest)

	resp, err := s.Decide(ctx, "gm", models.GMDecision{RequestID: "a1", Reason: "too far"})
	require.NoError(t, err)
	assert.Equal(t, models.ActionRejected, resp.Status)

	result := expect[models.ActionResponse](t, player, models.MessageActionResult)
	assert.Equal(t, "too far", result.Reason)
	require.NotNil(t, result.Approved)
	assert.False(t, *result.Approved)
	expectNone(t, player, models.MessageStateUpdate)
	assert.Equal(t, "1", info(t, s).Version)

	_, err = s.Decide(ctx, "gm", models.GMDecision{RequestID: "a1", Approved: true})
	assert.ErrorIs(t, err, ErrValidation, "a request resolves exactly once")
}

func TestHandleActionRequest_Validation(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))
	ctx := context.Background()
	join(t, s, "gm", models.RoleGM)
	join(t, s, "p1", models.RolePlayer)

	_, err := s.HandleActionRequest(ctx, "stranger", &models.ActionMessage{ActionType: "move-token"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = s.HandleActionRequest(ctx, "p1", &models.ActionMessage{PlayerID: "p2", ActionType: "move-token"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = s.HandleActionRequest(ctx, "p1", &models.ActionMessage{ActionType: "Move Token"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.HandleActionRequest(ctx, "p1", &models.ActionMessage{SessionID: "other", ActionType: "move-token"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.Decide(ctx, "p1", models.GMDecision{RequestID: "x", Approved: true})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestSingleGMSeat(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))
	ctx := context.Background()

	join(t, s, "gm", models.RoleGM)

	err := s.Join(ctx, models.PlayerConnection{UserID: "gm2", SocketID: "x", Role: models.RoleGM}, make(chan []byte, 8))
	assert.ErrorIs(t, err, ErrPermissionDenied)

	err = s.Join(ctx, models.PlayerConnection{UserID: "gm", SocketID: "y", Role: models.RolePlayer}, make(chan []byte, 8))
	assert.ErrorIs(t, err, ErrPermissionDenied)

	players := info(t, s).Players
	require.Len(t, players, 1)
	assert.Equal(t, models.RoleGM, players[0].Role)
}

func TestGMRejoinReplacesOldConnection(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))

	old := join(t, s, "gm", models.RoleGM)
	fresh := make(chan []byte, 64)
	require.NoError(t, s.Join(context.Background(), models.PlayerConnection{UserID: "gm", SocketID: "new", Role: models.RoleGM}, fresh))

	expectClosed(t, old)
	expect[models.FullStateResponse](t, fresh, models.MessageFullState)

	// The stale socket leaving must not remove its replacement.
	s.Leave("gm", "gm-sock")
	i := info(t, s)
	require.Len(t, i.Players, 1)
	assert.Equal(t, "new", i.Players[0].SocketID)
	assert.Equal(t, GMConnected, i.GMStatus)
}

func TestQueueReplayFollowsSubmissionOrder(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))
	ctx := context.Background()

	player := join(t, s, "p1", models.RolePlayer)
	t0 := clock.Now()
	clock.Advance(3 * time.Second)

	// C overtakes B on the network.
	for _, a := range []*models.ActionMessage{
		moveToken("A", 1, 1, t0),
		moveToken("C", 3, 3, t0.Add(2*time.Second)),
		moveToken("B", 2, 2, t0.Add(time.Second)),
	} {
		resp, err := s.HandleActionRequest(ctx, "p1", a)
		require.NoError(t, err)
		assert.Equal(t, models.ActionQueued, resp.Status)
	}
	pending := info(t, s)
	assert.Equal(t, 3, pending.Queued)
	assert.Equal(t, GMDisconnected, pending.GMStatus)

	gm := join(t, s, "gm", models.RoleGM)

	var order []string
	for i := 0; i < 3; i++ {
		req := expect[models.ApprovalRequest](t, gm, models.MessageApprovalRequest)
		assert.True(t, req.Replay)
		expectNone(t, gm, models.MessageApprovalRequest)
		order = append(order, req.RequestID)

		_, err := s.Decide(ctx, "gm", models.GMDecision{RequestID: req.RequestID, Approved: true})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"A", "B", "C"}, order)

	var versions []string
	for i := 0; i < 3; i++ {
		versions = append(versions, expect[models.StateUpdate](t, player, models.MessageStateUpdate).Version)
	}
	assert.Equal(t, []string{"2", "3", "4"}, versions)

	done := info(t, s)
	assert.Equal(t, 0, done.Queued)
	assert.Equal(t, GMConnected, done.GMStatus)
}

func TestStaleQueuedActionsAreExpiredOnReconnect(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))
	ctx := context.Background()

	player := join(t, s, "p1", models.RolePlayer)
	_, err := s.HandleActionRequest(ctx, "p1", moveToken("old", 1, 1, clock.Now()))
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	_, err = s.HandleActionRequest(ctx, "p1", moveToken("fresh", 2, 2, clock.Now()))
	require.NoError(t, err)

	gm := join(t, s, "gm", models.RoleGM)

	stale := expect[models.ActionResponse](t, player, models.MessageActionResult)
	assert.Equal(t, "old", stale.RequestID)
	assert.Equal(t, models.ActionStale, stale.Status)

	req := expect[models.ApprovalRequest](t, gm, models.MessageApprovalRequest)
	assert.Equal(t, "fresh", req.RequestID)
	expectNone(t, gm, models.MessageApprovalRequest)
}

func TestGMDisconnectRequeuesInFlightApprovals(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))
	ctx := context.Background()

	join(t, s, "gm", models.RoleGM)
	player := join(t, s, "p1", models.RolePlayer)

	_, err := s.HandleActionRequest(ctx, "p1", moveToken("a1", 4, 4, clock.Now()))
	require.NoError(t, err)

	s.Leave("gm", "gm-sock")
	queued := expect[models.ActionResponse](t, player, models.MessageActionResult)
	assert.Equal(t, models.ActionQueued, queued.Status)
	status := expect[models.GMStatusEvent](t, player, models.MessageGMStatus)
	assert.Equal(t, string(GMDisconnected), status.Status)
	assert.Equal(t, 1, status.Queued)

	// Queued while away: pending actions are visible in the snapshot.
	full, err := s.FullState(ctx)
	require.NoError(t, err)
	require.Len(t, full.State.PendingActions, 1)
	assert.Equal(t, "a1", full.State.PendingActions[0].ID)

	gm := join(t, s, "gm", models.RoleGM)
	req := expect[models.ApprovalRequest](t, gm, models.MessageApprovalRequest)
	assert.Equal(t, "a1", req.RequestID)
	assert.True(t, req.Replay)
}

func TestApprovalTimeoutWithGMOnline(t *testing.T) {
	clock := newFakeClock()
	opts := testOptions(clock)
	opts.ApprovalTimeout = 20 * time.Millisecond
	s := newTestSession(t, opts)

	join(t, s, "gm", models.RoleGM)
	player := join(t, s, "p1", models.RolePlayer)

	_, err := s.HandleActionRequest(context.Background(), "p1", moveToken("a1", 4, 4, clock.Now()))
	require.NoError(t, err)

	result := expect[models.ActionResponse](t, player, models.MessageActionResult)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, models.CodeApprovalTimeout, result.Error.Code)
	assert.Equal(t, 0, info(t, s).InFlight)
}

func TestApprovalTimeoutAfterMissedHeartbeatQueues(t *testing.T) {
	clock := newFakeClock()
	opts := testOptions(clock)
	opts.ApprovalTimeout = 100 * time.Millisecond
	opts.HeartbeatTimeout = 30 * time.Second
	s := newTestSession(t, opts)

	join(t, s, "gm", models.RoleGM)
	player := join(t, s, "p1", models.RolePlayer)

	_, err := s.HandleActionRequest(context.Background(), "p1", moveToken("a1", 4, 4, clock.Now()))
	require.NoError(t, err)
	clock.Advance(time.Minute)

	result := expect[models.ActionResponse](t, player, models.MessageActionResult)
	assert.Equal(t, models.ActionQueued, result.Status)
	assert.Equal(t, GMDisconnected, info(t, s).GMStatus)
}

func TestSubmitPatch(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))
	ctx := context.Background()

	gm := join(t, s, "gm", models.RoleGM)
	player := join(t, s, "p1", models.RolePlayer)
	drain(gm)

	ops := []models.PatchOperation{{Op: models.OpReplace, Path: "/documents/c1/hp", Value: 8}}

	_, err := s.SubmitPatch(ctx, "p1", models.PatchSubmission{BaseVersion: "1", Operations: ops})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	update, err := s.SubmitPatch(ctx, "gm", models.PatchSubmission{BaseVersion: "1", Operations: ops})
	require.NoError(t, err)
	assert.Equal(t, "2", update.Version)
	assert.Equal(t, "2", expect[models.StateUpdate](t, player, models.MessageStateUpdate).Version)

	_, err = s.SubmitPatch(ctx, "gm", models.PatchSubmission{BaseVersion: "1", Operations: ops})
	require.ErrorIs(t, err, ErrVersionConflict)
	conflict := AsError(err)
	assert.Equal(t, "2", conflict.CurrentVersion)
	assert.Equal(t, update.Hash, conflict.CurrentHash)

	event := expect[models.ErrorEvent](t, player, models.MessageError)
	assert.Equal(t, models.CodeVersionConflict, event.Error.Code)
	resync := expect[models.FullStateResponse](t, gm, models.MessageFullState)
	assert.Equal(t, "2", resync.Version)

	_, err = s.SubmitPatch(ctx, "gm", models.PatchSubmission{BaseVersion: "2", Operations: []models.PatchOperation{
		{Op: models.OpReplace, Path: "/documents/c1/hp", Value: 1},
		{Op: models.OpReplace, Path: "/documents/ghost/hp", Value: 1},
		{Op: models.OpReplace, Path: "/documents/t1/type", Value: "marker"},
	}})
	assert.ErrorIs(t, err, ErrTransactionFailed)
	i := info(t, s)
	assert.Equal(t, "2", i.Version)
	assert.Equal(t, update.Hash, i.Hash)
}

func TestSubmitPatch_NullValueClearsEncounter(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))
	ctx := context.Background()

	join(t, s, "gm", models.RoleGM)
	player := join(t, s, "p1", models.RolePlayer)
	drain(player)

	_, err := s.SubmitPatch(ctx, "gm", models.PatchSubmission{BaseVersion: "1", Operations: []models.PatchOperation{
		{Op: models.OpReplace, Path: "/currentEncounter", Value: map[string]any{"id": "e1"}},
	}})
	require.NoError(t, err)
	drain(player)

	update, err := s.SubmitPatch(ctx, "gm", models.PatchSubmission{BaseVersion: "2", Operations: []models.PatchOperation{
		{Op: models.OpReplace, Path: "/currentEncounter", Value: nil},
		{Op: models.OpReplace, Path: "/turnManager", Value: nil},
	}})
	require.NoError(t, err)
	assert.Equal(t, "3", update.Version)

	env := recv(t, player)
	require.Equal(t, models.MessageStateUpdate, env.Type)
	assert.Contains(t, string(env.Payload), `{"op":"replace","path":"/currentEncounter","value":null}`)

	full, err := s.FullState(ctx)
	require.NoError(t, err)
	assert.Nil(t, full.State.CurrentEncounter)
	assert.Nil(t, full.State.TurnManager)
	assert.Equal(t, update.Hash, full.Hash)
}

func TestResync(t *testing.T) {
	clock := newFakeClock()
	opts := testOptions(clock)
	opts.HistoryLimit = 2
	s := newTestSession(t, opts)
	ctx := context.Background()

	join(t, s, "gm", models.RoleGM)
	player := join(t, s, "p1", models.RolePlayer)
	for v := 1; v <= 3; v++ {
		_, err := s.SubmitPatch(ctx, "gm", models.PatchSubmission{
			BaseVersion: info(t, s).Version,
			Operations:  []models.PatchOperation{{Op: models.OpReplace, Path: "/documents/c1/hp", Value: v}},
		})
		require.NoError(t, err)
	}
	// Version is now 4; history keeps versions 3 and 4.
	drain(player)

	kind, err := s.Resync(ctx, "p1", "2")
	require.NoError(t, err)
	assert.Equal(t, ResyncReplay, kind)
	assert.Equal(t, "3", expect[models.StateUpdate](t, player, models.MessageStateUpdate).Version)
	assert.Equal(t, "4", expect[models.StateUpdate](t, player, models.MessageStateUpdate).Version)

	kind, err = s.Resync(ctx, "p1", "1")
	require.NoError(t, err)
	assert.Equal(t, ResyncFull, kind, "version 2 is no longer retained")
	assert.Equal(t, "4", expect[models.FullStateResponse](t, player, models.MessageFullState).Version)

	kind, err = s.Resync(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, ResyncFull, kind)

	kind, err = s.Resync(ctx, "p1", "4")
	require.NoError(t, err)
	assert.Equal(t, ResyncReplay, kind)
	expectNone(t, player, models.MessageStateUpdate)

	_, err = s.Resync(ctx, "stranger", "")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

// batchLog persists batches in memory and serves them back for resync
type batchLog struct {
	mu      sync.Mutex
	batches []*models.PatchBatch
	err     error
}

func (l *batchLog) Enqueue(job models.PersistJob) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(job.Operations) > 0 {
		l.batches = append(l.batches, &models.PatchBatch{
			SessionID:  job.SessionID,
			Version:    job.Version,
			Operations: job.Operations,
			Hash:       job.Hash,
			CreatedAt:  job.At,
		})
	}
	return true
}

func (l *batchLog) BatchesSince(_ context.Context, sessionID string, afterVersion int64) ([]*models.PatchBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	var out []*models.PatchBatch
	for _, b := range l.batches {
		if b.SessionID == sessionID && b.Version > afterVersion {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestResync_FallsBackToBatchLog(t *testing.T) {
	clock := newFakeClock()
	archive := &batchLog{}
	opts := testOptions(clock)
	opts.HistoryLimit = 1
	opts.Persister = archive
	opts.Batches = archive
	s := newTestSession(t, opts)
	ctx := context.Background()

	join(t, s, "gm", models.RoleGM)
	player := join(t, s, "p1", models.RolePlayer)
	var hashes []string
	for v := 1; v <= 3; v++ {
		update, err := s.SubmitPatch(ctx, "gm", models.PatchSubmission{
			BaseVersion: info(t, s).Version,
			Operations:  []models.PatchOperation{{Op: models.OpReplace, Path: "/documents/c1/hp", Value: v}},
		})
		require.NoError(t, err)
		hashes = append(hashes, update.Hash)
	}
	// Version is now 4; only version 4 is still in memory.
	drain(player)

	kind, err := s.Resync(ctx, "p1", "1")
	require.NoError(t, err)
	assert.Equal(t, ResyncArchive, kind)
	for i, want := range []string{"2", "3", "4"} {
		update := expect[models.StateUpdate](t, player, models.MessageStateUpdate)
		assert.Equal(t, want, update.Version)
		assert.Equal(t, hashes[i], update.Hash)
	}
	expectNone(t, player, models.MessageFullState)

	archive.mu.Lock()
	archive.err = errors.New("database unavailable")
	archive.mu.Unlock()
	kind, err = s.Resync(ctx, "p1", "1")
	require.NoError(t, err)
	assert.Equal(t, ResyncFull, kind)
	assert.Equal(t, "4", expect[models.FullStateResponse](t, player, models.MessageFullState).Version)
}

func TestSettledActionIsNotNotifiedTwice(t *testing.T) {
	clock := newFakeClock()
	store, err := state.New("s1", seedGame(), clock.Now())
	require.NoError(t, err)
	s := newGameSession(store, "gm", testOptions(clock)) // not started; driven directly
	out := make(chan []byte, 8)
	s.broadcaster.Attach(models.PlayerConnection{UserID: "p1", SocketID: "p1-sock"}, out)

	action := moveToken("a1", 5, 5, clock.Now())
	action.Status = models.ActionPending
	first := s.resolve(action, models.GMDecision{RequestID: "a1", PlayerID: "p1", Approved: false})
	assert.Equal(t, models.ActionRejected, first.Status)
	assert.Equal(t, models.ActionRejected, expect[models.ActionResponse](t, out, models.MessageActionResult).Status)

	again := s.resolve(action, models.GMDecision{RequestID: "a1", PlayerID: "p1", Approved: true})
	assert.False(t, again.Success)
	assert.Equal(t, models.ActionRejected, again.Status)
	require.NotNil(t, again.Error)
	assert.Equal(t, models.CodeValidationError, again.Error.Code)

	late := s.fail(action, newError(models.CodeApprovalTimeout, "too late"))
	assert.Equal(t, models.ActionRejected, late.Status)
	assert.Len(t, out, 0)
	assert.Equal(t, "1", store.Version())
}

func TestOptions_PartialOptionsStayBounded(t *testing.T) {
	opts := Options{ApprovalTimeout: time.Second}.withDefaults()
	d := DefaultOptions()

	assert.Equal(t, time.Second, opts.ApprovalTimeout)
	assert.Equal(t, d.QueueMaxSize, opts.QueueMaxSize)
	assert.Equal(t, d.QueueMaxAge, opts.QueueMaxAge)
	assert.Equal(t, d.HistoryLimit, opts.HistoryLimit)
	assert.Equal(t, d.OutboxSize, opts.OutboxSize)
	assert.NotNil(t, opts.Plugins)
	assert.NotNil(t, opts.Now)

	clock := newFakeClock()
	store, err := state.New("s1", seedGame(), clock.Now())
	require.NoError(t, err)
	s := newGameSession(store, "gm", Options{Now: clock.Now})
	assert.Equal(t, d.QueueMaxSize, s.monitor.cfg.QueueMaxSize)
	assert.Equal(t, d.QueueMaxAge, s.monitor.cfg.QueueMaxAge)
	assert.Equal(t, d.HistoryLimit, s.broadcaster.historyLimit)
}

func TestVerifyState(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))
	ctx := context.Background()

	player := join(t, s, "p1", models.RolePlayer)
	full := expect[models.FullStateResponse](t, player, models.MessageFullState)

	ok, err := s.VerifyState(ctx, "p1", models.VerifyState{Version: full.Version, Hash: full.Hash})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.VerifyState(ctx, "p1", models.VerifyState{Version: full.Version, Hash: "bogus"})
	require.NoError(t, err)
	assert.False(t, ok)
	event := expect[models.ErrorEvent](t, player, models.MessageError)
	assert.Equal(t, models.CodeHashMismatch, event.Error.Code)
	assert.Equal(t, full.Hash, expect[models.FullStateResponse](t, player, models.MessageFullState).Hash)
}

func TestGMOwnActionsApplyWithoutApproval(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))

	gm := join(t, s, "gm", models.RoleGM)
	action := moveToken("g1", 7, 7, clock.Now())
	action.PlayerID = "gm"

	resp, err := s.HandleActionRequest(context.Background(), "gm", action)
	require.NoError(t, err)
	assert.Equal(t, models.ActionApproved, resp.Status)
	assert.Equal(t, "2", resp.Version)
	expectNone(t, gm, models.MessageApprovalRequest)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))

	gm := make(chan []byte, 3) // full_state, presence, gm_status
	require.NoError(t, s.Join(context.Background(), models.PlayerConnection{UserID: "gm", SocketID: "g", Role: models.RoleGM}, gm))
	join(t, s, "p1", models.RolePlayer)

	expectClosed(t, gm)
	i := info(t, s)
	require.Len(t, i.Players, 1)
	assert.Equal(t, "p1", i.Players[0].UserID)
	assert.Equal(t, GMDisconnected, i.GMStatus, "a dropped GM counts as disconnected")
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	opts := testOptions(clock)
	opts.HeartbeatTimeout = 30 * time.Second
	opts.GracePeriod = time.Minute
	s := newTestSession(t, opts)

	join(t, s, "gm", models.RoleGM)
	player := join(t, s, "p1", models.RolePlayer)

	clock.Advance(20 * time.Second)
	s.Heartbeat("gm")
	clock.Advance(20 * time.Second)
	s.post(sweepMsg{})
	assert.Equal(t, GMConnected, info(t, s).GMStatus)

	clock.Advance(20 * time.Second)
	s.post(sweepMsg{})
	assert.Equal(t, GMDisconnected, info(t, s).GMStatus)

	clock.Advance(2 * time.Minute)
	s.post(sweepMsg{})
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after the grace period")
	}
	expect[models.PresenceEvent](t, player, models.MessageSessionEnded)
	expectClosed(t, player)
}

func TestEndFlushesQueueAndClosesOutboxes(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(t, testOptions(clock))
	ctx := context.Background()

	player := join(t, s, "p1", models.RolePlayer)
	_, err := s.HandleActionRequest(ctx, "p1", moveToken("q1", 1, 1, clock.Now()))
	require.NoError(t, err)

	require.NoError(t, s.End(ctx, "campaign over"))

	stale := expect[models.ActionResponse](t, player, models.MessageActionResult)
	assert.Equal(t, "q1", stale.RequestID)
	assert.Equal(t, models.ActionStale, stale.Status)
	ended := expect[models.PresenceEvent](t, player, models.MessageSessionEnded)
	assert.Equal(t, models.PresenceEnd, ended.Event)
	assert.Equal(t, "campaign over", ended.Reason)
	expectClosed(t, player)

	_, err = s.HandleActionRequest(ctx, "p1", moveToken("q2", 1, 1, clock.Now()))
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.FullState(ctx)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

type chanRecordingPersister struct {
	jobs chan models.PersistJob
}

func (p *chanRecordingPersister) Enqueue(job models.PersistJob) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

func TestPublishAndEndArePersisted(t *testing.T) {
	clock := newFakeClock()
	opts := testOptions(clock)
	persister := &chanRecordingPersister{jobs: make(chan models.PersistJob, 8)}
	opts.Persister = persister
	s := newTestSession(t, opts)
	ctx := context.Background()

	join(t, s, "gm", models.RoleGM)
	update, err := s.SubmitPatch(ctx, "gm", models.PatchSubmission{
		BaseVersion: "1",
		Operations:  []models.PatchOperation{{Op: models.OpReplace, Path: "/documents/c1/hp", Value: 3}},
	})
	require.NoError(t, err)

	job := <-persister.jobs
	assert.Equal(t, int64(2), job.Version)
	assert.Equal(t, update.Hash, job.Hash)
	assert.JSONEq(t, `[{"op":"replace","path":"/documents/c1/hp","value":3}]`, string(job.Operations))

	require.NoError(t, s.End(ctx, "done"))
	final := <-persister.jobs
	assert.Equal(t, models.SessionEnded, final.Status)
	assert.Nil(t, final.Operations)
	assert.Equal(t, update.Hash, final.Hash)
}
