package bootstrap

import (
	"context"

	"castellan/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// logExporter writes finished spans to the debug log. It lets operators
// see correlation timings without running a collector.
type logExporter struct {
	sugar *zap.SugaredLogger
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := []interface{}{
			"span", s.Name(),
			"trace_id", s.SpanContext().TraceID().String(),
			"duration", s.EndTime().Sub(s.StartTime()),
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, string(kv.Key), kv.Value.Emit())
		}
		if s.Status().Code == codes.Error {
			e.sugar.Warnw("Span failed", append(fields, "error", s.Status().Description)...)
			continue
		}
		e.sugar.Debugw("Span finished", fields...)
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error { return nil }

// InitTracing builds a tracer provider when tracing is enabled and installs
// it globally. It returns nil when tracing is disabled.
func InitTracing(cfg *config.Config, sugar *zap.SugaredLogger) *sdktrace.TracerProvider {
	if !cfg.Tracing.Enabled {
		return nil
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SampleRatio))),
		sdktrace.WithBatcher(&logExporter{sugar: sugar.Named("trace")}),
	)
	otel.SetTracerProvider(tp)
	sugar.Infow("Tracing enabled", "sample_ratio", cfg.Tracing.SampleRatio)
	return tp
}
