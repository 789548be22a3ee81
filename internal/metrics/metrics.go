package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_runs_started_total",
			Help: "Runs transitioned to running, by backend",
		},
		[]string{"backend"},
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_runs_finished_total",
			Help: "Runs reaching a terminal state, by backend and status",
		},
		[]string{"backend", "status"},
	)

	DriverDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_driver_duration_seconds",
			Help:    "Backend driver execution duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)

	RunEventsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_run_events_appended_total",
			Help: "Run events persisted to the append-only log",
		},
	)

	MessagesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_accepted_total",
			Help: "User messages accepted by intake",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "status"},
	)
)
