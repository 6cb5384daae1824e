package queue

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	// QueueDepth tracks ready tasks per kind.
	QueueDepth *prometheus.GaugeVec
	// QueueProcessedTotal counts handler outcomes per kind.
	QueueProcessedTotal *prometheus.CounterVec
	// QueueDLQSize tracks persisted dead letters per kind.
	QueueDLQSize *prometheus.GaugeVec
)

// MustRegisterMetrics creates and registers the queue collectors once per process.
func MustRegisterMetrics(namespace string, reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Approximate number of ready tasks per kind.",
		}, []string{"kind"})
		QueueProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_processed_total",
			Help:      "Tasks processed grouped by outcome.",
		}, []string{"kind", "status"})
		QueueDLQSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_dlq_size",
			Help:      "Number of tasks stored in the dead letter table.",
		}, []string{"kind"})

		for _, c := range []prometheus.Collector{QueueDepth, QueueProcessedTotal, QueueDLQSize} {
			if err := reg.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					panic(err)
				}
			}
		}
	})
}

func queueLabel(kind string) string {
	if kind == "" {
		return "all"
	}
	return kind
}
