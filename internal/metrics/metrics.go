package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server starts (reached Running).",
		},
	)
	serverStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		},
	)
	serverCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "server",
			Name:      "crashes_total",
			Help:      "Number of unsolicited server exits.",
		},
	)
	startupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "server",
			Name:      "startup_duration_seconds",
			Help:      "Time from spawn until the health endpoint answered.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between server states.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current server state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "server",
			Name:      "health_probes_total",
			Help:      "Health probe attempts by result.",
		}, []string{"result"},
	)
	logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "server",
			Name:      "log_lines_total",
			Help:      "Captured server output lines by stream.",
		}, []string{"stream"},
	)

	jobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "job",
			Name:      "submitted_total",
			Help:      "Number of workflows accepted by the server.",
		},
	)
	jobsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "job",
			Name:      "terminal_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"},
	)
	pollRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "job",
			Name:      "poll_retries_total",
			Help:      "Transient network failures absorbed while polling.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverStarts, serverStops, serverCrashes, startupDuration,
		stateTransitions, currentState, healthProbes, logLines,
		jobsSubmitted, jobsTerminal, pollRetries,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart() {
	if regOK.Load() {
		serverStarts.Inc()
	}
}

func IncStop() {
	if regOK.Load() {
		serverStops.Inc()
	}
}

func IncCrash() {
	if regOK.Load() {
		serverCrashes.Inc()
	}
}

func ObserveStartupDuration(seconds float64) {
	if regOK.Load() {
		startupDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentState.WithLabelValues(state).Set(value)
	}
}

func IncHealthProbe(result string) {
	if regOK.Load() {
		healthProbes.WithLabelValues(result).Inc()
	}
}

func IncLogLine(stream string) {
	if regOK.Load() {
		logLines.WithLabelValues(stream).Inc()
	}
}

func IncJobSubmitted() {
	if regOK.Load() {
		jobsSubmitted.Inc()
	}
}

func IncJobTerminal(status string) {
	if regOK.Load() {
		jobsTerminal.WithLabelValues(status).Inc()
	}
}

func IncPollRetry() {
	if regOK.Load() {
		pollRetries.Inc()
	}
}
