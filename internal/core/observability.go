package core

import (
	"context"
	"time"
)

// MetricsRecorder receives one observation per completed service operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations. Implementations decide how
// spans are propagated and exported.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan terminates a single traced operation.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// instrument wraps a service call with tracing and metrics. The returned
// finish func must be called exactly once with the operation outcome.
func (s *Service) instrument(ctx context.Context, operation string) (context.Context, func(error)) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, operation)
	return ctx, func(err error) {
		span.End(err)
		s.metrics.Observe(ctx, operation, err == nil, s.now().Sub(start))
	}
}
