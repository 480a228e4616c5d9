package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkersSweptOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_workers_swept_offline_total",
		Help: "Total number of workers transitioned to OFFLINE by the sweeper",
	})

	WorkersErrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_workers_errored_total",
		Help: "Total number of workers escalated to ERROR by the command channel",
	})

	LeasesForceReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_leases_force_released_total",
		Help: "Total number of camera leases force-released by sweep or escalation",
	})

	LeaseAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_lease_acquisitions_total",
		Help: "Total lease acquisition attempts",
	}, []string{"result"}) // granted, conflict, rejected

	CommandsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_commands_enqueued_total",
		Help: "Total commands enqueued per kind",
	}, []string{"kind"})

	CommandAcksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_command_acks_total",
		Help: "Total command acknowledgment outcomes",
	}, []string{"result"}) // acked, timed_out, duplicate

	CommandDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_command_deliveries_total",
		Help: "Total command delivery attempts per transport",
	}, []string{"transport", "result"})

	EventsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_events_ingested_total",
		Help: "Total detection events by ingest outcome",
	}, []string{"result"}) // merged, opened, duplicate, resolve_failed, unresolved

	VisitSessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_visit_sessions_opened_total",
		Help: "Total visit sessions opened since start",
	})

	CommandQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_command_queue_depth",
		Help: "Commands waiting for delivery per worker",
	}, []string{"worker_id"})

	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_rate_limit_decisions_total",
		Help: "Rate limiter outcomes per scope",
	}, []string{"scope", "result"}) // allowed, blocked, error

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
