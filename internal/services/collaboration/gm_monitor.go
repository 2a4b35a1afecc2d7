package collaboration

import (
	"sort"
	"time"

	"vtt-sync/internal/models"
)

// GMState is the availability of a session's GM
type GMState string

const (
	GMConnected    GMState = "connected"
	GMDisconnected GMState = "disconnected"
	GMReconnecting GMState = "reconnecting"
	GMEnded        GMState = "ended"
)

// MonitorConfig bounds the disconnected-GM queue and timers
type MonitorConfig struct {
	HeartbeatTimeout time.Duration
	GracePeriod      time.Duration
	QueueMaxSize     int
	QueueMaxAge      time.Duration
}

// GMMonitor tracks GM availability and holds actions that need approval while
// the GM is away. It never touches game state; it only gates and orders actions.
type GMMonitor struct {
	cfg           MonitorConfig
	state         GMState
	since         time.Time
	lastHeartbeat time.Time
	queue         []*models.ActionMessage
	replaying     string
}

// NewGMMonitor starts disconnected; the grace clock runs from now until the GM joins
func NewGMMonitor(cfg MonitorConfig, now time.Time) *GMMonitor {
	return &GMMonitor{
		cfg:   cfg,
		state: GMDisconnected,
		since: now,
	}
}

func (m *GMMonitor) State() GMState { return m.state }

// Available reports whether actions can go straight to the GM
func (m *GMMonitor) Available() bool { return m.state == GMConnected }

// Connect marks the GM present. With a backlog the monitor moves to
// reconnecting and the caller replays the queue; it returns true in that case.
func (m *GMMonitor) Connect(now time.Time) bool {
	if m.state == GMEnded {
		return false
	}
	m.lastHeartbeat = now
	m.replaying = ""
	if len(m.queue) > 0 {
		m.state = GMReconnecting
		return true
	}
	m.state = GMConnected
	return false
}

// Disconnect marks the GM absent and starts the grace clock.
// It reports whether the state changed.
func (m *GMMonitor) Disconnect(now time.Time) bool {
	if m.state == GMDisconnected || m.state == GMEnded {
		return false
	}
	m.state = GMDisconnected
	m.since = now
	m.replaying = ""
	return true
}

// Heartbeat records GM liveness
func (m *GMMonitor) Heartbeat(now time.Time) {
	m.lastHeartbeat = now
}

// HeartbeatMissed reports whether a present GM has gone quiet too long
func (m *GMMonitor) HeartbeatMissed(now time.Time) bool {
	if m.state != GMConnected && m.state != GMReconnecting {
		return false
	}
	return m.cfg.HeartbeatTimeout > 0 && now.Sub(m.lastHeartbeat) > m.cfg.HeartbeatTimeout
}

// GraceExpired reports whether the GM has been away longer than the grace period
func (m *GMMonitor) GraceExpired(now time.Time) bool {
	return m.state == GMDisconnected && m.cfg.GracePeriod > 0 && now.Sub(m.since) > m.cfg.GracePeriod
}

// Enqueue holds an action until the GM can decide on it.
// The queue stays ordered by submission time, then arrival.
func (m *GMMonitor) Enqueue(action *models.ActionMessage) error {
	if m.state == GMEnded {
		return newError(models.CodeSessionNotFound, "session ended")
	}
	if m.cfg.QueueMaxSize > 0 && len(m.queue) >= m.cfg.QueueMaxSize {
		return newError(models.CodeQueueFull, "approval queue is full (%d)", m.cfg.QueueMaxSize)
	}
	action.Status = models.ActionQueued
	i := sort.Search(len(m.queue), func(i int) bool {
		return action.SubmittedBefore(m.queue[i])
	})
	m.queue = append(m.queue, nil)
	copy(m.queue[i+1:], m.queue[i:])
	m.queue[i] = action
	return nil
}

// Contains reports whether an action id is queued
func (m *GMMonitor) Contains(id string) bool {
	for _, a := range m.queue {
		if a.ID == id {
			return true
		}
	}
	return false
}

// ExpireStale removes queued actions older than the max age and marks them stale.
// The entry currently being replayed is left alone.
func (m *GMMonitor) ExpireStale(now time.Time) []*models.ActionMessage {
	if m.cfg.QueueMaxAge <= 0 {
		return nil
	}
	var stale []*models.ActionMessage
	kept := m.queue[:0]
	for _, a := range m.queue {
		if a.ID != m.replaying && now.Sub(a.Timestamp) > m.cfg.QueueMaxAge {
			a.Status = models.ActionStale
			stale = append(stale, a)
			continue
		}
		kept = append(kept, a)
	}
	m.queue = kept
	return stale
}

// Next returns the queue head for replay, or nil while a replay is in flight,
// the queue is empty, or the GM is not reconnecting
func (m *GMMonitor) Next() *models.ActionMessage {
	if m.state != GMReconnecting || m.replaying != "" || len(m.queue) == 0 {
		return nil
	}
	m.replaying = m.queue[0].ID
	return m.queue[0]
}

// Remove drops a resolved action from the queue
func (m *GMMonitor) Remove(id string) *models.ActionMessage {
	if m.replaying == id {
		m.replaying = ""
	}
	for i, a := range m.queue {
		if a.ID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return a
		}
	}
	return nil
}

// FinishReplay completes reconnection once the backlog is empty
func (m *GMMonitor) FinishReplay() bool {
	if m.state != GMReconnecting || len(m.queue) > 0 || m.replaying != "" {
		return false
	}
	m.state = GMConnected
	return true
}

// Len returns the number of queued actions
func (m *GMMonitor) Len() int { return len(m.queue) }

// Pending returns copies of the queued actions in replay order
func (m *GMMonitor) Pending() []models.ActionMessage {
	out := make([]models.ActionMessage, len(m.queue))
	for i, a := range m.queue {
		out[i] = *a
	}
	return out
}

// End is terminal: every queued action becomes stale and is returned
func (m *GMMonitor) End() []*models.ActionMessage {
	flushed := m.queue
	for _, a := range flushed {
		a.Status = models.ActionStale
	}
	m.queue = nil
	m.replaying = ""
	m.state = GMEnded
	return flushed
}
