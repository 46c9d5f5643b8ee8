package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

var (
	registerOnce sync.Once

	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "srpc",
			Subsystem: "client",
			Name:      "connect_attempts_total",
			Help:      "SRPC connection attempts by result.",
		},
		[]string{"endpoint", "result"},
	)
	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "srpc",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "SRPC calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "srpc",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "SRPC call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "outcome"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "srpc",
			Subsystem: "client",
			Name:      "frames_total",
			Help:      "SRPC frames by direction.",
		},
		[]string{"direction"},
	)
	openConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "srpc",
			Subsystem: "client",
			Name:      "open_connections",
			Help:      "SRPC connections currently open.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connectAttempts, calls, callDuration, frames, openConnections)
	})
}

func RecordConnect(endpoint, result string) {
	RegisterMetrics()
	connectAttempts.WithLabelValues(endpoint, result).Inc()
	if result == "ok" {
		openConnections.Inc()
	}
}

func RecordDisconnect() {
	RegisterMetrics()
	openConnections.Dec()
}

func RecordCall(method, outcome string, duration time.Duration) {
	RegisterMetrics()
	calls.WithLabelValues(method, outcome).Inc()
	callDuration.WithLabelValues(method, outcome).Observe(duration.Seconds())
}

func RecordFrame(direction string) {
	RegisterMetrics()
	frames.WithLabelValues(direction).Inc()
}
