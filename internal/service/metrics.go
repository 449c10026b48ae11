package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchOutcomeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notify",
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatch attempts by message type and resulting status.",
		},
		[]string{"message_type", "status"},
	)

	gatewayRecipientCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notify",
			Name:      "gateway_recipients_total",
			Help:      "Recipients handed to the gateway, by result.",
		},
		[]string{"result"}, // delivered, failed, throttled, invalid
	)

	retryScheduledCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notify",
			Name:      "retries_scheduled_total",
			Help:      "Retries handed to the deferral store.",
		},
		[]string{"message_type"},
	)

	deferredCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "notify",
			Name:      "redeferred_total",
			Help:      "Scheduled envelopes received before their time and deferred again.",
		},
	)

	deadLetterCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notify",
			Name:      "dead_lettered_total",
			Help:      "Messages routed to the dead-letter destination.",
		},
		[]string{"reason"},
	)

	dispatchDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "notify",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of one envelope dispatch, pacing included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"message_type"},
	)
)
