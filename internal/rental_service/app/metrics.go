package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncsTotalCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rental_sync",
			Name:      "syncs_total",
			Help:      "Total rental sync attempts.",
		},
		[]string{"provider", "status"}, // status: "success", "error", "discarded"
	)

	syncDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rental_sync",
			Name:      "sync_duration_seconds",
			Help:      "Duration of one rental sync round.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	messagesInsertedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rental_sync",
			Name:      "messages_inserted_total",
			Help:      "Newly persisted inbound messages after deduplication.",
		},
		[]string{"provider", "source"},
	)

	fanoutDeliveriesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rental_sync",
			Name:      "fanout_deliveries_total",
			Help:      "Messages delivered to live subscribers.",
		},
		[]string{"transport"}, // "local" or "nats"
	)
)
