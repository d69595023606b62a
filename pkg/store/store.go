// Package store defines the persistence contract shared by the document and
// relational backends. Services above it speak only to Backend and Tx, so
// either backend can be selected at construction without changing results.
package store

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"diverga/pkg/protocol"
)

// Backend is a persistence root. Update runs fn atomically against the
// store; View runs fn against a consistent read view and rejects writes.
type Backend interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Watcher is implemented by backends that can signal when messaging state
// may have changed. Receivers must still re-read the store; the signal is a
// hint, never a payload.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// Tx is the unit-of-work view handed to Update and View callbacks. Slices
// returned by list methods are copies the caller may modify.
type Tx interface {
	Checkpoints() ([]protocol.Checkpoint, error)
	PutCheckpoint(cp protocol.Checkpoint) error

	// Decisions returns the whole ledger in ascending id order.
	Decisions() ([]protocol.Decision, error)
	InsertDecision(d protocol.Decision) error

	// NextID advances the named counter and returns the new value. Counters
	// never fall below the largest id already stored for the sequence.
	NextID(seq protocol.Sequence) (int, error)

	ProjectState() (map[string]any, error)
	PutProjectState(state map[string]any) error

	PriorityContext() (string, error)
	PutPriorityContext(text string) error

	// Agents returns registered agents sorted by id.
	Agents() ([]protocol.Agent, error)
	Agent(id string) (*protocol.Agent, error)
	PutAgent(a protocol.Agent) error
	DeleteAgent(id string) (bool, error)

	// Messages returns matching messages in ascending id (send) order.
	Messages(q MessageQuery) ([]protocol.Message, error)
	InsertMessage(m protocol.Message) error
	// UpdateMessage overwrites the stored message with the same id and
	// returns protocol.ErrNotFound when there is none.
	UpdateMessage(m protocol.Message) error

	Channels() ([]protocol.Channel, error)
	Channel(name string) (*protocol.Channel, error)
	PutChannel(ch protocol.Channel) error
	AppendChannelPost(p protocol.ChannelPost) error
	// ChannelPosts returns a channel's history oldest first.
	ChannelPosts(channel string) ([]protocol.ChannelPost, error)
}

// TracerName names the instrumentation scope of backend spans.
const TracerName = "diverga/store"

// Tracer returns the backend tracer from tp, or from the global provider
// when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(TracerName)
}

// StartSpan opens a span named "<backend>.<op>" for one backend transaction.
func StartSpan(ctx context.Context, tracer trace.Tracer, backend, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, backend+"."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("diverga.backend", backend),
			attribute.String("diverga.tx", op),
		),
	)
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
