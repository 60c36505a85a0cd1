package board

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardrelay",
		Subsystem: "board",
		Name:      "requests_total",
		Help:      "Board API requests by endpoint and status code.",
	}, []string{"endpoint", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cardrelay",
		Subsystem: "board",
		Name:      "request_duration_seconds",
		Help:      "Board API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardrelay",
		Subsystem: "board",
		Name:      "polls_total",
		Help:      "Poll cycles by result.",
	}, []string{"result"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardrelay",
		Subsystem: "board",
		Name:      "events_total",
		Help:      "Board actions seen by the poller, by outcome.",
	}, []string{"outcome"})

	watermarkGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cardrelay",
		Subsystem: "board",
		Name:      "watermark_seconds",
		Help:      "Unix time the poller has processed up to.",
	})
)

func observeRequest(path string, resp *http.Response, err error, took time.Duration) {
	ep := endpointOf(path)
	code := "error"
	if err == nil && resp != nil {
		code = strconv.Itoa(resp.StatusCode)
	}
	requestsTotal.WithLabelValues(ep, code).Inc()
	requestDuration.WithLabelValues(ep).Observe(took.Seconds())
}

// endpointOf drops ids from a REST path: "/boards/X/actions" -> "boards.actions".
func endpointOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := make([]string, 0, 2)
	for i, p := range parts {
		if i%2 == 0 {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}
