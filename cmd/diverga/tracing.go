package main

import (
	"context"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// newTracerProvider records every span synchronously and writes it to
// logger as one line, so --trace works without a collector.
func newTracerProvider(logger zerolog.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSyncer(spanLogger{logger: logger}),
	)
}

// spanLogger is a span exporter that logs finished spans.
type spanLogger struct {
	logger zerolog.Logger
}

func (e spanLogger) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		ev := e.logger.Log().
			Str("span", s.Name()).
			Str("trace_id", s.SpanContext().TraceID().String()).
			Dur("duration", s.EndTime().Sub(s.StartTime()))
		if s.Parent().IsValid() {
			ev = ev.Str("parent_id", s.Parent().SpanID().String())
		}
		if st := s.Status(); st.Description != "" {
			ev = ev.Str("error", st.Description)
		}
		ev.Msg("span")
	}
	return nil
}

func (spanLogger) Shutdown(context.Context) error { return nil }
