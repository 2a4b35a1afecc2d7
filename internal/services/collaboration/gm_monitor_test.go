package collaboration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vtt-sync/internal/models"
)

func queued(id string, ts time.Time, seq uint64) *models.ActionMessage {
	return &models.ActionMessage{ID: id, Timestamp: ts, Sequence: seq}
}

func TestGMMonitor_Transitions(t *testing.T) {
	m := NewGMMonitor(MonitorConfig{GracePeriod: time.Minute}, epoch)
	assert.Equal(t, GMDisconnected, m.State())
	assert.False(t, m.Available())

	assert.False(t, m.Connect(epoch), "no backlog, no replay")
	assert.Equal(t, GMConnected, m.State())

	assert.True(t, m.Disconnect(epoch.Add(time.Second)))
	assert.False(t, m.Disconnect(epoch.Add(2*time.Second)), "already disconnected")
	assert.False(t, m.GraceExpired(epoch.Add(time.Minute)))
	assert.True(t, m.GraceExpired(epoch.Add(2*time.Minute)))

	require.NoError(t, m.Enqueue(queued("a", epoch, 1)))
	assert.True(t, m.Connect(epoch.Add(time.Minute)))
	assert.Equal(t, GMReconnecting, m.State())
	assert.False(t, m.Available(), "new actions wait behind the backlog")

	head := m.Next()
	require.NotNil(t, head)
	assert.Nil(t, m.Next(), "one replay at a time")
	assert.False(t, m.FinishReplay())

	m.Remove(head.ID)
	assert.True(t, m.FinishReplay())
	assert.Equal(t, GMConnected, m.State())

	m.End()
	assert.Equal(t, GMEnded, m.State())
	assert.False(t, m.Connect(epoch))
	assert.ErrorIs(t, m.Enqueue(queued("b", epoch, 2)), ErrSessionNotFound)
}

func TestGMMonitor_QueueOrdersBySubmission(t *testing.T) {
	m := NewGMMonitor(MonitorConfig{}, epoch)

	require.NoError(t, m.Enqueue(queued("C", epoch.Add(2*time.Second), 1)))
	require.NoError(t, m.Enqueue(queued("A", epoch, 2)))
	require.NoError(t, m.Enqueue(queued("B2", epoch.Add(time.Second), 4)))
	require.NoError(t, m.Enqueue(queued("B1", epoch.Add(time.Second), 3)))

	var ids []string
	for _, a := range m.Pending() {
		ids = append(ids, a.ID)
		assert.Equal(t, models.ActionQueued, a.Status)
	}
	assert.Equal(t, []string{"A", "B1", "B2", "C"}, ids)
}

func TestGMMonitor_QueueBounds(t *testing.T) {
	m := NewGMMonitor(MonitorConfig{QueueMaxSize: 2, QueueMaxAge: time.Minute}, epoch)

	require.NoError(t, m.Enqueue(queued("a", epoch, 1)))
	require.NoError(t, m.Enqueue(queued("b", epoch.Add(90*time.Second), 2)))
	assert.ErrorIs(t, m.Enqueue(queued("c", epoch, 3)), ErrQueueFull)

	stale := m.ExpireStale(epoch.Add(2 * time.Minute))
	require.Len(t, stale, 1)
	assert.Equal(t, "a", stale[0].ID)
	assert.Equal(t, models.ActionStale, stale[0].Status)
	assert.Equal(t, 1, m.Len())
	assert.True(t, m.Contains("b"))
}

func TestGMMonitor_ReplayingEntryIsNotExpired(t *testing.T) {
	m := NewGMMonitor(MonitorConfig{QueueMaxAge: time.Minute}, epoch)
	require.NoError(t, m.Enqueue(queued("a", epoch, 1)))
	m.Connect(epoch)
	require.NotNil(t, m.Next())

	assert.Empty(t, m.ExpireStale(epoch.Add(time.Hour)))
	assert.Equal(t, 1, m.Len())
}

func TestGMMonitor_HeartbeatMissed(t *testing.T) {
	m := NewGMMonitor(MonitorConfig{HeartbeatTimeout: 30 * time.Second}, epoch)
	assert.False(t, m.HeartbeatMissed(epoch.Add(time.Hour)), "absent GM has no heartbeat to miss")

	m.Connect(epoch)
	m.Heartbeat(epoch.Add(20 * time.Second))
	assert.False(t, m.HeartbeatMissed(epoch.Add(40*time.Second)))
	assert.True(t, m.HeartbeatMissed(epoch.Add(51*time.Second)))
}

func TestGMMonitor_EndMarksQueueStale(t *testing.T) {
	m := NewGMMonitor(MonitorConfig{}, epoch)
	require.NoError(t, m.Enqueue(queued("a", epoch, 1)))
	require.NoError(t, m.Enqueue(queued("b", epoch, 2)))

	flushed := m.End()
	require.Len(t, flushed, 2)
	for _, a := range flushed {
		assert.Equal(t, models.ActionStale, a.Status)
	}
	assert.Zero(t, m.Len())
}
