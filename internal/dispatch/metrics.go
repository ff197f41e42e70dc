package dispatch

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

var (
	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_invocations_total",
			Help: "Handler invocations by step, trigger kind, and outcome.",
		},
		[]string{"step", "trigger", "outcome"},
	)

	invocationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchyard_invocation_seconds",
			Help:    "Handler invocation duration, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	emitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_emitted_total",
			Help: "Events emitted by handlers, per topic.",
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(invocations)
	prometheus.MustRegister(invocationSeconds)
	prometheus.MustRegister(emitted)
}
