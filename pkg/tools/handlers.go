package tools

import (
	"context"
	"encoding/json"

	"diverga/pkg/memory"
	"diverga/pkg/messaging"
	"diverga/pkg/protocol"
)

func (r *Registry) checkPrerequisites(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID string `json:"agent_id"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return r.checkpoints.CheckPrerequisites(ctx, args.AgentID)
}

func (r *Registry) markCheckpoint(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		CheckpointID string `json:"checkpoint_id"`
		Decision     string `json:"decision"`
		Rationale    string `json:"rationale"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return r.checkpoints.MarkCheckpoint(ctx, args.CheckpointID, args.Decision, args.Rationale)
}

func (r *Registry) checkpointStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	return r.checkpoints.Status(ctx)
}

func (r *Registry) projectStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	return r.memory.ReadProjectState(ctx)
}

func (r *Registry) projectUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Updates map[string]any `json:"updates"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return r.memory.UpdateProjectState(ctx, args.Updates)
}

func (r *Registry) decisionAdd(ctx context.Context, raw json.RawMessage) (any, error) {
	var args memory.DecisionInput
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return r.memory.AddDecision(ctx, args)
}

func (r *Registry) decisionList(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Filters memory.DecisionFilter `json:"filters"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return r.memory.ListDecisions(ctx, args.Filters)
}

func (r *Registry) priorityRead(ctx context.Context, _ json.RawMessage) (any, error) {
	text, err := r.memory.ReadPriorityContext(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"context": text}, nil
}

func (r *Registry) priorityWrite(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Context  string `json:"context"`
		MaxChars int    `json:"max_chars"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return r.memory.WritePriorityContext(ctx, args.Context, args.MaxChars)
}

func (r *Registry) exportYAML(ctx context.Context, _ json.RawMessage) (any, error) {
	out, err := r.memory.ExportToYAML(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"yaml": out, "exported": true}, nil
}

func (r *Registry) agentRegister(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID string `json:"agent_id"`
		messaging.AgentInfo
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	info := args.AgentInfo
	lift(&info.Role, info.Metadata, "role")
	lift(&info.Category, info.Metadata, "category")
	lift(&info.Model, info.Metadata, "model")
	lift(&info.Status, info.Metadata, "status")
	return r.messaging.RegisterAgent(ctx, args.AgentID, info)
}

// lift copies metadata[key] into *dst when dst is empty and the value is a
// string, so clients may send descriptive fields either way.
func lift(dst *string, metadata map[string]any, key string) {
	if *dst != "" {
		return
	}
	if s, ok := metadata[key].(string); ok {
		*dst = s
	}
}

func (r *Registry) agentList(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Filters messaging.AgentFilter `json:"filters"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return r.messaging.ListAgents(ctx, args.Filters)
}

func (r *Registry) messageSend(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Content any    `json:"content"`
		messaging.SendOptions
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	id, err := r.messaging.Send(ctx, args.From, args.To, args.Content, args.SendOptions)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sent": true, "message_id": id}, nil
}

func (r *Registry) messageMailbox(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID    string `json:"agent_id"`
		UnreadOnly *bool  `json:"unread_only"`
		messaging.MailboxOptions
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	opts := args.MailboxOptions
	if args.UnreadOnly != nil {
		opts.IncludeRead = !*args.UnreadOnly
	}
	msgs, err := r.messaging.Mailbox(ctx, args.AgentID, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent_id": protocol.NormalizeAgentID(args.AgentID), "messages": msgs, "count": len(msgs)}, nil
}

func (r *Registry) messageAcknowledge(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		MessageID string `json:"message_id"`
		Response  string `json:"response"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	m, err := r.messaging.Acknowledge(ctx, args.MessageID, args.Response)
	if err != nil {
		return nil, err
	}
	return map[string]any{"acknowledged": true, "message": m}, nil
}

func (r *Registry) messageBroadcast(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		From    string `json:"from"`
		Content any    `json:"content"`
		messaging.BroadcastOptions
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	ids, err := r.messaging.Broadcast(ctx, args.From, args.Content, args.BroadcastOptions)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message_ids": ids, "count": len(ids)}, nil
}
