package collaboration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vtt_sessions_active",
		Help: "Number of live game sessions.",
	})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vtt_actions_total",
		Help: "Action requests by final status (approved, rejected, queued, stale, invalid).",
	}, []string{"status"})

	patchesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vtt_patch_batches_applied_total",
		Help: "Patch batches applied and broadcast.",
	})

	patchesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vtt_patch_batches_failed_total",
		Help: "Patch batches rejected as a whole.",
	})

	resyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vtt_resyncs_total",
		Help: "Client resyncs by kind (full, replay).",
	}, []string{"kind"})

	droppedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vtt_dropped_clients_total",
		Help: "Participants dropped because their outbox was full.",
	})

	gmDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vtt_gm_disconnects_total",
		Help: "Transitions of a session's GM into the disconnected state.",
	})
)
