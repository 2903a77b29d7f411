package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const instrumentationName = "github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime"

type (
	// ClueLogger logs through goa.design/clue/log. Format and debug settings
	// come from the context (log.Context, log.WithFormat, log.WithDebug).
	ClueLogger struct{}

	// OtelMetrics records metrics with the global OTEL meter provider.
	OtelMetrics struct {
		meter metric.Meter
	}

	// OtelTracer starts spans with the global OTEL tracer provider.
	OtelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewClueLogger returns a Logger backed by clue.
func NewClueLogger() Logger { return ClueLogger{} }

// NewOtelMetrics returns a Metrics recorder using otel.Meter. Configure the
// provider with otel.SetMeterProvider before use.
func NewOtelMetrics() Metrics {
	return &OtelMetrics{meter: otel.Meter(instrumentationName)}
}

// NewOtelTracer returns a Tracer using otel.Tracer.
func NewOtelTracer() Tracer {
	return &OtelTracer{tracer: otel.Tracer(instrumentationName)}
}

// Debug implements Logger.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info implements Logger.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn implements Logger.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error implements Logger.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

// IncCounter implements Metrics.
func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer implements Metrics. Durations are recorded in milliseconds.
func (m *OtelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name, metric.WithUnit("ms"))
	if err != nil {
		return
	}
	histogram.Record(context.Background(), float64(duration.Milliseconds()), metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordGauge implements Metrics.
func (m *OtelMetrics) RecordGauge(name string, value float64, tags ...string) {
	gauge, err := m.meter.Float64Gauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// Start implements Tracer.
func (t *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &otelSpan{span: span}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvToAttrs(attrs)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

func fielders(msg string, keyvals []any) []log.Fielder {
	out := make([]log.Fielder, 0, 1+len(keyvals)/2)
	out = append(out, log.KV{K: "msg", V: msg})
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		if err, isErr := v.(error); isErr {
			v = err.Error()
		}
		out = append(out, log.KV{K: k, V: v})
	}
	return out
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

func kvToAttrs(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, _ := keyvals[i].(string)
		switch v := keyvals[i+1].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		}
	}
	return attrs
}
