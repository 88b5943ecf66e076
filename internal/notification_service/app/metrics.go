package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueueRequestsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "enqueue_requests_total",
			Help:      "Total number of enqueue requests by kind and result.",
		},
		[]string{"kind", "result"}, // result: accepted or a rejection reason
	)

	dispatchAttemptsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "dispatch_attempts_total",
			Help:      "Total number of transport send attempts.",
		},
		[]string{"transport", "outcome"},
	)

	dispatchAttemptDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "notification",
			Name:      "dispatch_attempt_duration_seconds",
			Help:      "Duration of transport send attempts.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	messagesFinalizedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "messages_finalized_total",
			Help:      "Total number of messages finalized by kind and terminal status.",
		},
		[]string{"kind", "status"},
	)

	retriesScheduledCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "retries_scheduled_total",
			Help:      "Total number of retries scheduled after transient failures.",
		},
		[]string{"kind"},
	)

	queueDepthGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "notification",
			Name:      "queue_depth",
			Help:      "Messages waiting in the dispatch queue.",
		},
	)

	statusCallbacksCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "status_callbacks_total",
			Help:      "Total number of gateway status callbacks by status and result.",
		},
		[]string{"status", "result"}, // result: applied, duplicate, unknown, error
	)

	natsMessagesReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "nats_messages_received_total",
			Help:      "Total number of NATS messages received.",
		},
		[]string{"subject_pattern"},
	)

	remindersCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "reminders_total",
			Help:      "Appointment reminders handled by the reminder job.",
		},
		[]string{"result"}, // enqueued, skipped, ineligible, rejected
	)
)
