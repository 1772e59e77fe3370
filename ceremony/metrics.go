package ceremony

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockReleasesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ceremony",
		Subsystem: "locks",
		Name:      "released_total",
		Help:      "Number of released chunk locks by outcome",
	}, []string{"outcome"})

	lockAcquisitionsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ceremony",
		Subsystem: "locks",
		Name:      "acquired_total",
		Help:      "Number of chunk locks handed out",
	})

	locksHeldMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ceremony",
		Subsystem: "locks",
		Name:      "held",
		Help:      "Number of chunk locks currently held",
	})

	contributionsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ceremony",
		Subsystem: "contributions",
		Name:      "total",
		Help:      "Number of verified contributions by status",
	}, []string{"status"})

	verificationLatencyMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ceremony",
		Subsystem: "contributions",
		Name:      "verification_latency_seconds",
		Help:      "Latency of contribution verification",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18),
	})

	currentRoundMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ceremony",
		Subsystem: "rounds",
		Name:      "current",
		Help:      "Index of the active round",
	})

	pendingChunksMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ceremony",
		Subsystem: "rounds",
		Name:      "pending_chunks",
		Help:      "Number of chunks of the active round without an accepted contribution",
	})

	participantsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ceremony",
		Subsystem: "participants",
		Name:      "registered",
		Help:      "Number of registered participants",
	})

	statusMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ceremony",
		Name:      "status",
		Help:      "Current ceremony status (1 for the active status, 0 otherwise)",
	}, []string{"status"})
)

func reportStatus(s Status) {
	for _, v := range []Status{StatusInitializing, StatusActive, StatusPaused, StatusClosed} {
		value := 0.0
		if v == s {
			value = 1
		}
		statusMetric.WithLabelValues(v.String()).Set(value)
	}
}
