// Package metrics registers the process-wide prometheus collectors shared by
// the router, session registry and script sandbox.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "girder",
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Sessions currently held in the in-memory registry index.",
	})

	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "girder",
		Subsystem: "sessions",
		Name:      "created_total",
		Help:      "Sessions persisted for the first time.",
	})

	SessionsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "girder",
		Subsystem: "sessions",
		Name:      "evicted_total",
		Help:      "Sessions evicted from the in-memory index.",
	}, []string{"reason"})

	RoomRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "girder",
		Subsystem: "sessions",
		Name:      "room_refreshes_total",
		Help:      "Room membership re-derivations triggered by peer notifications.",
	})

	RequestsRouted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "girder",
		Subsystem: "router",
		Name:      "requests_total",
		Help:      "Requests dispatched through the router.",
	})

	RequestsUnmatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "girder",
		Subsystem: "router",
		Name:      "unmatched_total",
		Help:      "Requests no candidate resource answered.",
	})

	ScriptRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "girder",
		Subsystem: "script",
		Name:      "runs_total",
		Help:      "Script hook executions started.",
	})

	ScriptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "girder",
		Subsystem: "script",
		Name:      "failures_total",
		Help:      "Script hook executions that completed with a terminal error.",
	})
)
