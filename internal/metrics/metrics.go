package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "pyker"
	subsystem = "process"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Number of successful spawns, including policy restarts.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restarts_total",
			Help:      "Number of policy-triggered restarts.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Number of transitions into stopped.",
		}, []string{"name"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spawn_failures_total",
			Help:      "Number of times the OS refused to create the child.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different process states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "current_state",
			Help:      "Current state of processes (1 = active state, 0 = inactive).",
		}, []string{"id", "state"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of the supervised process.",
		}, []string{"id", "name"},
	)
	memoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "memory_mb",
			Help:      "Last sampled resident memory of the supervised process in MB.",
		}, []string{"id", "name"},
	)
	droppedLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "dropped_lines_total",
			Help:      "Output lines that never reached the process log file.",
		}, []string{"name"},
	)
	reconciles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "reconciles_total",
			Help:      "Records demoted to stopped because their pid disappeared.",
		}, []string{"name"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		processStarts, processRestarts, processStops, spawnFailures,
		stateTransitions, currentStates, cpuPercent, memoryMB, droppedLines, reconciles,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
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

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func IncSpawnFailure(name string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(name).Inc()
	}
}

func IncDroppedLine(name string) {
	if regOK.Load() {
		droppedLines.WithLabelValues(name).Inc()
	}
}

func IncReconcile(name string) {
	if regOK.Load() {
		reconciles.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetCurrentState marks state as the only active state of id.
func SetCurrentState(id string, state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(id, s).Set(v)
	}
}

func SetResources(id, name string, cpu, mem float64) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(id, name).Set(cpu)
		memoryMB.WithLabelValues(id, name).Set(mem)
	}
}

// Forget drops the per-record series of a deleted process.
func Forget(id, name string, states []string) {
	if !regOK.Load() {
		return
	}
	cpuPercent.DeleteLabelValues(id, name)
	memoryMB.DeleteLabelValues(id, name)
	for _, s := range states {
		currentStates.DeleteLabelValues(id, s)
	}
}
