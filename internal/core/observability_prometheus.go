package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder exports service operation metrics through a
// prometheus registry. Durations land in a histogram labelled by operation,
// outcomes in a counter labelled by operation and status.
type PrometheusMetricsRecorder struct {
	durations *prometheus.HistogramVec
	results   *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder constructs a recorder and registers its
// collectors with the supplied registerer. Pass prometheus.DefaultRegisterer
// for process-global metrics.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	rec := &PrometheusMetricsRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "permitcore",
			Subsystem: "service",
			Name:      "operation_duration_seconds",
			Help:      "Duration of permit service operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "permitcore",
			Subsystem: "service",
			Name:      "operation_results_total",
			Help:      "Permit service operation outcomes by status.",
		}, []string{"operation", "status"}),
	}
	if reg != nil {
		if err := reg.Register(rec.durations); err != nil {
			return nil, err
		}
		if err := reg.Register(rec.results); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, status).Inc()
}

var (
	_ MetricsRecorder = (*ExpvarMetricsRecorder)(nil)
	_ MetricsRecorder = (*PrometheusMetricsRecorder)(nil)
	_ Tracer          = (*JSONTraceTracer)(nil)
)
