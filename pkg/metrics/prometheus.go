package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters registered on the default Prometheus registry. They do not
// depend on telemetry being enabled.
var (
	sourceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readmodel_source_failures_total",
		Help: "Event source run loops that ended without a stop request",
	}, []string{"source"})

	consumerUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "readmodel_consumer_running",
		Help: "1 while the stream consumer is running",
	})
)

// RecordSourceFailure counts a fatal event source termination.
func RecordSourceFailure(source string) {
	sourceFailures.WithLabelValues(source).Inc()
}

// SetConsumerRunning flips the running gauge.
func SetConsumerRunning(running bool) {
	if running {
		consumerUp.Set(1)
		return
	}
	consumerUp.Set(0)
}
