package storetest

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"diverga/pkg/store"
)

// RunTracing checks that a backend opened with tp records one span per
// transaction, named "<name>.update" and "<name>.view", and marks the span
// failed when the callback returns an error.
func RunTracing(t *testing.T, name string, open func(t *testing.T, tp trace.TracerProvider) store.Backend) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	b := open(t, tp)
	ctx := context.Background()

	if err := b.Update(ctx, func(tx store.Tx) error { return tx.PutPriorityContext("traced") }); err != nil {
		t.Fatalf("update: %v", err)
	}
	errBoom := errors.New("boom")
	if err := b.View(ctx, func(store.Tx) error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("view = %v, want %v", err, errBoom)
	}

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	update, view := spans[0], spans[1]
	if update.Name() != name+".update" || update.Status().Code == codes.Error {
		t.Errorf("update span = %q %+v", update.Name(), update.Status())
	}
	if view.Name() != name+".view" || view.Status().Code != codes.Error || view.Status().Description != "boom" {
		t.Errorf("view span = %q %+v", view.Name(), view.Status())
	}
	if len(view.Events()) == 0 || view.Events()[0].Name != "exception" {
		t.Errorf("view span events = %+v, want recorded error", view.Events())
	}
	if update.InstrumentationScope().Name != store.TracerName {
		t.Errorf("scope = %q", update.InstrumentationScope().Name)
	}
	want := attribute.String("diverga.backend", name)
	found := false
	for _, kv := range update.Attributes() {
		if kv == want {
			found = true
		}
	}
	if !found {
		t.Errorf("update attributes = %v, want %v", update.Attributes(), want)
	}
}
