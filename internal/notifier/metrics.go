package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardrelay",
		Subsystem: "relay",
		Name:      "sent_total",
		Help:      "Chat deliveries by result (ok, error, deduped, bad_channel).",
	}, []string{"result"})

	sendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cardrelay",
		Subsystem: "relay",
		Name:      "delivery_latency_seconds",
		Help:      "Time from queueing to a successful send.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
