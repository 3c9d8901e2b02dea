// Package metrics registers Prometheus instruments for the lifecycle core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LifecycleOps counts façade operations by outcome.
	LifecycleOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autocoder",
		Subsystem: "lifecycle",
		Name:      "operations_total",
		Help:      "Count of lifecycle operations by outcome",
	}, []string{"op", "result"})

	// SessionRestarts counts recovery and continuation attempts.
	SessionRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autocoder",
		Subsystem: "session",
		Name:      "restarts_total",
		Help:      "Count of session restarts by trigger and outcome",
	}, []string{"trigger", "result"})

	// IdleStops counts environments stopped by the idle sweeper.
	IdleStops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "autocoder",
		Subsystem: "idle",
		Name:      "stops_total",
		Help:      "Count of environments stopped after idle timeout",
	})

	// HealthProbes counts health sweep probe results.
	HealthProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autocoder",
		Subsystem: "health",
		Name:      "probes_total",
		Help:      "Count of agent liveness probes by result",
	}, []string{"result"})
)
