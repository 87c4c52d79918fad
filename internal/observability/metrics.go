package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pairsync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "route", "status"},
	)
	httpIntents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairsync",
			Subsystem: "http",
			Name:      "intents_total",
			Help:      "Setup intents received over HTTP by outcome.",
		},
		[]string{"action", "outcome"},
	)
	setupTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairsync",
			Subsystem: "setup",
			Name:      "transitions_total",
			Help:      "Confirmed setup phase transitions.",
		},
		[]string{"step", "from", "to"},
	)
	setupRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairsync",
			Subsystem: "setup",
			Name:      "rejections_total",
			Help:      "Setup intents rejected before or during the write.",
		},
		[]string{"action", "reason"},
	)
	storeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pairsync",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Document store operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"driver", "op", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, httpIntents, setupTransitions, setupRejections, storeDuration)
	})
}

func RecordHTTPRequest(service, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, route, statusLabel).Observe(duration.Seconds())
}

// RecordIntent counts a submit, approve or advance request. outcome is "ok"
// or the rejection code.
func RecordIntent(action, outcome string) {
	RegisterMetrics()
	httpIntents.WithLabelValues(action, outcome).Inc()
}

func RecordTransition(step, from, to string) {
	RegisterMetrics()
	setupTransitions.WithLabelValues(step, from, to).Inc()
}

func RecordRejection(action, reason string) {
	RegisterMetrics()
	setupRejections.WithLabelValues(action, reason).Inc()
}

func RecordStoreOperation(driver, op string, duration time.Duration, success bool) {
	RegisterMetrics()
	result := "ok"
	if !success {
		result = "error"
	}
	storeDuration.WithLabelValues(driver, op, result).Observe(duration.Seconds())
}
