package queue

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSucceeded    = "succeeded"
	outcomeRetried      = "retried"
	outcomeDeadLettered = "dead_lettered"
)

var (
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchyard_queue_depth",
			Help: "Events waiting for delivery, per topic.",
		},
		[]string{"topic"},
	)

	queueProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchyard_queue_processing",
			Help: "Events currently being handled, per topic.",
		},
		[]string{"topic"},
	)

	queuePublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_queue_published_total",
			Help: "Events accepted for delivery, per topic.",
		},
		[]string{"topic"},
	)

	queueDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_queue_deliveries_total",
			Help: "Finished delivery attempts by outcome.",
		},
		[]string{"topic", "outcome"},
	)

	queueDeliverySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchyard_queue_delivery_seconds",
			Help:    "Handler duration of each delivery attempt, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(queueProcessing)
	prometheus.MustRegister(queuePublished)
	prometheus.MustRegister(queueDeliveries)
	prometheus.MustRegister(queueDeliverySeconds)
}
