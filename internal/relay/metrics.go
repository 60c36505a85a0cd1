package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cardrelay",
		Subsystem: "relay",
		Name:      "pushed_total",
		Help:      "Notifications queued for delivery.",
	})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardrelay",
		Subsystem: "relay",
		Name:      "dropped_total",
		Help:      "Notifications that never reached the queue, by reason.",
	}, []string{"reason"})

	flushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardrelay",
		Subsystem: "relay",
		Name:      "flush_total",
		Help:      "Flush announcements by result.",
	}, []string{"result"})
)

// Collectors exposes the queue length and pending counter as gauges read at
// scrape time, so they always match the buffer. Register them once per process.
func (b *Buffer) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cardrelay",
			Subsystem: "relay",
			Name:      "queue_length",
			Help:      "Notifications waiting in the delivery queue.",
		}, func() float64 { return float64(b.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cardrelay",
			Subsystem: "relay",
			Name:      "pending",
			Help:      "Notifications pushed since the last flush.",
		}, func() float64 { return float64(b.Pending()) }),
	}
}
