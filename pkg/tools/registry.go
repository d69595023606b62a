// Package tools exposes the checkpoint, memory and messaging services as
// named operations with JSON-schema described arguments, for clients that
// dispatch by tool name.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"diverga/pkg/checkpoint"
	"diverga/pkg/memory"
	"diverga/pkg/messaging"
	"diverga/pkg/protocol"
)

// Tool names.
const (
	CheckPrerequisites = "diverga_check_prerequisites"
	MarkCheckpoint     = "diverga_mark_checkpoint"
	CheckpointStatus   = "diverga_checkpoint_status"
	ProjectStatus      = "diverga_project_status"
	ProjectUpdate      = "diverga_project_update"
	DecisionAdd        = "diverga_decision_add"
	DecisionList       = "diverga_decision_list"
	PriorityRead       = "diverga_priority_read"
	PriorityWrite      = "diverga_priority_write"
	ExportYAML         = "diverga_export_yaml"
	AgentRegister      = "diverga_agent_register"
	AgentList          = "diverga_agent_list"
	MessageSend        = "diverga_message_send"
	MessageMailbox     = "diverga_message_mailbox"
	MessageAcknowledge = "diverga_message_acknowledge"
	MessageBroadcast   = "diverga_message_broadcast"
)

// ErrUnknownTool is returned by Call for names outside the registry.
var ErrUnknownTool = errors.New("Unknown tool") //nolint:revive,staticcheck // surfaced verbatim to tool clients

// TracerName names the instrumentation scope of tool call spans.
const TracerName = "diverga/tools"

type handler func(ctx context.Context, args json.RawMessage) (any, error)

// Registry routes tool calls to the services.
type Registry struct {
	checkpoints *checkpoint.Service
	memory      *memory.Service
	messaging   *messaging.Service
	logger      zerolog.Logger
	tracer      trace.Tracer
	tools       []Tool
	handlers    map[string]handler
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithTracerProvider sets the provider tool call spans are recorded with.
// The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Registry) {
		if tp != nil {
			r.tracer = tp.Tracer(TracerName)
		}
	}
}

// New builds a Registry. All three services are required.
func New(cp *checkpoint.Service, mem *memory.Service, msg *messaging.Service, opts ...Option) (*Registry, error) {
	switch {
	case cp == nil && mem == nil && msg == nil:
		return nil, fmt.Errorf("%w: tools: checkpoint, memory and messaging services are required", protocol.ErrInvalidArgument)
	case cp == nil:
		return nil, fmt.Errorf("%w: tools: checkpoint service is required", protocol.ErrInvalidArgument)
	case mem == nil:
		return nil, fmt.Errorf("%w: tools: memory service is required", protocol.ErrInvalidArgument)
	case msg == nil:
		return nil, fmt.Errorf("%w: tools: messaging service is required", protocol.ErrInvalidArgument)
	}

	r := &Registry{
		checkpoints: cp,
		memory:      mem,
		messaging:   msg,
		logger:      zerolog.Nop(),
		tracer:      otel.Tracer(TracerName),
		tools:       definitions(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.handlers = map[string]handler{
		CheckPrerequisites: r.checkPrerequisites,
		MarkCheckpoint:     r.markCheckpoint,
		CheckpointStatus:   r.checkpointStatus,
		ProjectStatus:      r.projectStatus,
		ProjectUpdate:      r.projectUpdate,
		DecisionAdd:        r.decisionAdd,
		DecisionList:       r.decisionList,
		PriorityRead:       r.priorityRead,
		PriorityWrite:      r.priorityWrite,
		ExportYAML:         r.exportYAML,
		AgentRegister:      r.agentRegister,
		AgentList:          r.agentList,
		MessageSend:        r.messageSend,
		MessageMailbox:     r.messageMailbox,
		MessageAcknowledge: r.messageAcknowledge,
		MessageBroadcast:   r.messageBroadcast,
	}
	return r, nil
}

// Tools lists the tool definitions in a stable order.
func (r *Registry) Tools() []Tool {
	return append([]Tool(nil), r.tools...)
}

// Call runs the named tool with JSON arguments and returns a
// JSON-serializable result.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	ctx, span := r.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("diverga.tool", name)),
	)
	defer span.End()

	res, err := h(ctx, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Debug().Err(err).Str("tool", name).Msg("tool call failed")
		return nil, err
	}
	r.logger.Debug().Str("tool", name).Msg("tool call")
	return res, nil
}

// decode unmarshals args into v. Absent or null arguments decode as {}.
func decode(args json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: invalid arguments: %w", protocol.ErrInvalidArgument, err)
	}
	return nil
}
