package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Approximate number of ready tasks per kind.",
	}, []string{"kind"})
	QueueProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_processed_total",
		Help: "Tasks processed, by kind and outcome (ok, retry, dead).",
	}, []string{"kind", "status"})
	QueueDLQSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_dlq_size",
		Help: "Poison tasks parked on the queue-level dead letter list.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(QueueDepth, QueueProcessedTotal, QueueDLQSize)
}
