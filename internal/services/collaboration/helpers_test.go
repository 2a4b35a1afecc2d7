package collaboration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vtt-sync/internal/models"
	"vtt-sync/internal/services/state"
)

var epoch = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seedGame() models.GameState {
	return models.GameState{
		Campaign: map[string]any{"id": "c1", "name": "Lost Mine"},
		Documents: map[string]models.Document{
			"t1": {"id": "t1", "type": "token", "position": map[string]any{"x": 1, "y": 1}},
			"c1": {"id": "c1", "type": "character", "hp": 12},
		},
		TurnManager: &models.TurnState{Round: 1, Order: []string{"c1"}},
	}
}

func testOptions(clock *fakeClock) Options {
	return Options{
		ApprovalTimeout: time.Minute,
		QueueMaxSize:    10,
		QueueMaxAge:     5 * time.Minute,
		OutboxSize:      64,
		HistoryLimit:    16,
		SweepInterval:   time.Hour,
		Now:             clock.Now,
	}
}

func newTestSession(t *testing.T, opts Options) *GameSession {
	t.Helper()
	store, err := state.New("s1", seedGame(), opts.Now())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	s := NewGameSession(ctx, store, "gm", opts)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s
}

func join(t *testing.T, s *GameSession, userID string, role models.Role) chan []byte {
	t.Helper()
	out := make(chan []byte, 64)
	conn := models.PlayerConnection{UserID: userID, SocketID: userID + "-sock", Role: role}
	require.NoError(t, s.Join(context.Background(), conn, out))
	return out
}

// recv receives one frame with a timeout so tests never hang
func recv(t *testing.T, ch <-chan []byte) models.Envelope {
	t.Helper()
	select {
	case frame, ok := <-ch:
		require.True(t, ok, "outbox closed unexpectedly")
		var env models.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a frame")
		return models.Envelope{}
	}
}

// expect skips frames until one of type typ arrives and decodes it
func expect[T any](t *testing.T, ch <-chan []byte, typ models.MessageType) T {
	t.Helper()
	for {
		env := recv(t, ch)
		if env.Type != typ {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal(env.Payload, &v))
		return v
	}
}

// expectNone fails if a frame of type typ is already queued
func expectNone(t *testing.T, ch <-chan []byte, typ models.MessageType) {
	t.Helper()
	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			var env models.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			require.NotEqual(t, typ, env.Type, "unexpected %s frame: %s", typ, env.Payload)
		default:
			return
		}
	}
}

// drain discards every queued frame
func drain(ch <-chan []byte) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// expectClosed drains ch and fails unless it is closed
func expectClosed(t *testing.T, ch <-chan []byte) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("outbox was not closed")
		}
	}
}

func moveToken(id string, x, y float64, ts time.Time) *models.ActionMessage {
	payload, _ := json.Marshal(map[string]any{"tokenId": "t1", "to": map[string]float64{"x": x, "y": y}})
	return &models.ActionMessage{
		ID:         id,
		PlayerID:   "p1",
		SessionID:  "s1",
		ActionType: ActionMoveToken,
		Payload:    payload,
		Timestamp:  ts,
	}
}

func info(t *testing.T, s *GameSession) SessionInfo {
	t.Helper()
	i, err := s.Info(context.Background())
	require.NoError(t, err)
	return i
}
