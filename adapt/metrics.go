package adapt

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus instruments of one Context. They live on their
// own registry unless one is passed in.
type Metrics struct {
	Registry      *prometheus.Registry
	Operations    *prometheus.CounterVec
	Passes        *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	Iterations    prometheus.Counter
	MinQuality    prometheus.Gauge
	MaxEdgeLength prometheus.Gauge
	Elements      prometheus.Gauge
}

func NewMetrics(reg *prometheus.Registry) (m *Metrics) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	m = &Metrics{
		Registry: reg,
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goadapt_operations_total",
			Help: "Mesh operations by operator and outcome",
		}, []string{"operator", "outcome"}),
		Passes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goadapt_operator_calls_total",
			Help: "Operator calls by operator",
		}, []string{"operator"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "goadapt_operator_duration_seconds",
			Help:    "Operator wall time",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"operator"}),
		Iterations: f.NewCounter(prometheus.CounterOpts{
			Name: "goadapt_driver_iterations_total",
			Help: "Refine and coarsen iterations run by the driver",
		}),
		MinQuality: f.NewGauge(prometheus.GaugeOpts{
			Name: "goadapt_quality_min",
			Help: "Global minimum element quality after the last driver step",
		}),
		MaxEdgeLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "goadapt_edge_length_max",
			Help: "Global maximum metric edge length after the last driver step",
		}),
		Elements: f.NewGauge(prometheus.GaugeOpts{
			Name: "goadapt_elements",
			Help: "Global element count after the last driver step",
		}),
	}
	return
}

func (m *Metrics) observe(st *Stats, elapsed time.Duration) {
	m.Passes.WithLabelValues(st.Operator).Inc()
	m.Duration.WithLabelValues(st.Operator).Observe(elapsed.Seconds())
	m.Operations.WithLabelValues(st.Operator, "applied").Add(float64(st.Applied))
	for k, n := range st.Rejected {
		if n != 0 {
			m.Operations.WithLabelValues(st.Operator, Kind(k).String()).Add(float64(n))
		}
	}
}
