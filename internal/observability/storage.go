package observability

import (
	"context"
	"throttle/internal/models"
	"throttle/internal/storage"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedStore wraps a storage.CounterStore with OpenTelemetry tracing
// and metrics instrumentation.
type InstrumentedStore struct {
	inner      storage.CounterStore
	repository string
	tracer     trace.Tracer
	duration   metric.Float64Histogram
	errors     metric.Int64Counter
}

// NewInstrumentedStore creates a new store wrapper that records trace spans,
// operation latency histograms, and error counters for every store call.
// Counter keys are recorded on spans only; they are unbounded and never
// become metric attributes.
func NewInstrumentedStore(inner storage.CounterStore, repository string) (*InstrumentedStore, error) {
	tracer := otel.Tracer("throttle/storage")
	meter := otel.Meter("throttle/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of counter store operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of counter store operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStore{
		inner:      inner,
		repository: repository,
		tracer:     tracer,
		duration:   duration,
		errors:     errCounter,
	}, nil
}

// Unwrap returns the wrapped store.
func (s *InstrumentedStore) Unwrap() storage.CounterStore {
	return s.inner
}

func (s *InstrumentedStore) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
			attribute.String("storage.repository", s.repository),
		}, attrs...)...),
	)
}

func (s *InstrumentedStore) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("repository", s.repository),
	)

	s.duration.Record(ctx, elapsed, attrs)

	if err != nil {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func (s *InstrumentedStore) Consume(ctx context.Context, policy models.Policy, key string, elapsed *time.Duration) (models.Rate, error) {
	phase := "count"
	if elapsed != nil {
		phase = "usage"
	}
	ctx, span := s.startSpan(ctx, "Consume",
		attribute.String("ratelimit.key", key),
		attribute.String("ratelimit.policy", policy.ID),
		attribute.String("ratelimit.phase", phase),
	)
	start := time.Now()
	rate, err := s.inner.Consume(ctx, policy, key, elapsed)
	if err == nil {
		span.SetAttributes(
			attribute.Int64("ratelimit.remaining", rate.Remaining),
			attribute.Int64("ratelimit.remaining_quota_ms", rate.RemainingQuota.Milliseconds()),
		)
	}
	s.record(ctx, span, "Consume", start, err)
	return rate, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
