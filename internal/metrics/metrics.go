// Package metrics exposes the orchestration plane's Prometheus collectors:
// ambient operational surface for session, dispatch, and sandbox lifecycle
// health, independent of any persistence or auth concerns.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks the number of live client sessions (C4).
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "testforge",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of currently connected client sessions.",
	})

	// SessionsTotal counts sessions accepted since startup.
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testforge",
		Subsystem: "session",
		Name:      "total",
		Help:      "Total client sessions accepted.",
	})

	// DispatchesTotal counts dispatch attempts by outcome.
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testforge",
		Subsystem: "dispatch",
		Name:      "total",
		Help:      "Dispatches to the runner service, by outcome.",
	}, []string{"outcome"}) // "ok", "connect_exhausted", "decode_error"

	// TestsDispatched counts individual test executions handed to a driver.
	TestsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testforge",
		Subsystem: "dispatch",
		Name:      "tests_executed_total",
		Help:      "Individual tests executed by the Sandbox Driver.",
	})

	// SandboxesCreated and SandboxesDestroyed should track each other: for a
	// healthy process the two counters converge within the cleanup grace
	// window after a dispatch completes, and a growing gap means sandboxes
	// are leaking.
	SandboxesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testforge",
		Subsystem: "sandbox",
		Name:      "created_total",
		Help:      "Sandbox resources (container or job) created.",
	})

	SandboxesDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testforge",
		Subsystem: "sandbox",
		Name:      "destroyed_total",
		Help:      "Sandbox resources (container or job) destroyed.",
	})

	// RunnerCircuitState mirrors the Runner Client's circuit breaker state
	// (0=closed, 1=half-open, 2=open).
	RunnerCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "testforge",
		Subsystem: "runner",
		Name:      "circuit_state",
		Help:      "Runner Client circuit breaker state: 0=closed, 1=half-open, 2=open.",
	})
)
