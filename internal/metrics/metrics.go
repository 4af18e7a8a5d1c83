// Package metrics exposes the prometheus instrumentation shared by the
// poller and the HTTP facade.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollCycles counts executed poll cycles.
	PollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftwatch_poll_cycles_total",
		Help: "Total payment poll cycles executed",
	})

	// FetchFailures counts whole-batch status fetch failures.
	FetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftwatch_fetch_failures_total",
		Help: "Total transient exchange fetch failures",
	})

	// RetriesScheduled counts armed per-shift retry timers.
	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftwatch_retries_scheduled_total",
		Help: "Total per-shift retry timers armed",
	})

	// TerminalOutcomes counts terminal shift transitions by outcome.
	TerminalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftwatch_terminal_outcomes_total",
		Help: "Total terminal shift transitions by outcome",
	}, []string{"outcome"})

	// ActiveShifts tracks the number of shifts currently being polled.
	ActiveShifts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shiftwatch_active_shifts",
		Help: "Shifts currently in the active polling set",
	})

	// HTTPRequests counts requests handled by the API facade.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftwatch_http_requests_total",
		Help: "Total HTTP requests handled by the API facade",
	}, []string{"method", "status"})
)

// Outcome labels for TerminalOutcomes.
const (
	OutcomeSettled  = "settled"
	OutcomeExpired  = "expired"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
	OutcomeEvicted  = "evicted"
)
