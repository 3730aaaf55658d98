package executor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the supervisor's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	Inflight            prometheus.Gauge
	Queued              prometheus.Gauge
	AdmissionRejections *prometheus.CounterVec
	OutputTruncated     prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codeengine",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total sandboxed executions by runtime and termination reason.",
		}, []string{"runtime", "reason"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codeengine",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of sandboxed executions.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"runtime"}),

		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codeengine",
			Subsystem: "executor",
			Name:      "inflight",
			Help:      "Workers currently running.",
		}),

		Queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codeengine",
			Subsystem: "executor",
			Name:      "queued",
			Help:      "Requests waiting for a free slot.",
		}),

		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codeengine",
			Subsystem: "executor",
			Name:      "admission_rejections_total",
			Help:      "Requests rejected by admission control.",
		}, []string{"cause"}),

		OutputTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codeengine",
			Subsystem: "executor",
			Name:      "output_truncated_total",
			Help:      "Executions whose stdout or stderr hit the output cap.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ExecutionsTotal,
			m.ExecutionDuration,
			m.Inflight,
			m.Queued,
			m.AdmissionRejections,
			m.OutputTruncated,
		)
	}
	return m
}

func (m *Metrics) observe(res *ExecutionResult) {
	if m == nil || res == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(res.Runtime, string(res.Reason)).Inc()
	m.ExecutionDuration.WithLabelValues(res.Runtime).Observe(float64(res.DurationMs) / 1000)
	if res.Truncated {
		m.OutputTruncated.Inc()
	}
}

func (m *Metrics) rejected(cause string) {
	if m == nil {
		return
	}
	m.AdmissionRejections.WithLabelValues(cause).Inc()
}

func (m *Metrics) inflight(delta float64) {
	if m == nil {
		return
	}
	m.Inflight.Add(delta)
}

func (m *Metrics) queued(delta float64) {
	if m == nil {
		return
	}
	m.Queued.Add(delta)
}
