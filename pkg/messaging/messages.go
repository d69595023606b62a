package messaging

import (
	"context"
	"fmt"
	"strings"

	"diverga/pkg/protocol"
	"diverga/pkg/store"
)

// SendOptions are the optional fields of a message.
type SendOptions struct {
	Type     string            `json:"type,omitempty"`
	Priority protocol.Priority `json:"priority,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// draft is a validated message waiting for an id.
type draft struct {
	from      string
	content   any
	opts      SendOptions
	broadcast bool
	channel   string
}

func newDraft(from string, content any, opts SendOptions) (draft, error) {
	from, err := requireAgent("from", from)
	if err != nil {
		return draft{}, err
	}
	content, err = normalizeContent(content)
	if err != nil {
		return draft{}, err
	}
	if opts.Priority == "" {
		opts.Priority = protocol.PriorityNormal
	}
	if !opts.Priority.Valid() {
		return draft{}, fmt.Errorf("%w: unknown priority %q", protocol.ErrInvalidArgument, opts.Priority)
	}
	opts.Metadata, err = store.NormalizeTree(opts.Metadata)
	if err != nil {
		return draft{}, fmt.Errorf("message metadata: %w", err)
	}
	if len(opts.Metadata) == 0 {
		opts.Metadata = nil
	}
	return draft{from: from, content: content, opts: opts}, nil
}

// normalizeContent accepts a non-empty string or any JSON-encodable value
// and returns it in decoded JSON form.
func normalizeContent(content any) (any, error) {
	switch c := content.(type) {
	case nil:
		return nil, fmt.Errorf("%w: content is required", protocol.ErrInvalidArgument)
	case string:
		if strings.TrimSpace(c) == "" {
			return nil, fmt.Errorf("%w: content is required", protocol.ErrInvalidArgument)
		}
		return c, nil
	}
	v, err := store.NormalizeValue(content)
	if err != nil {
		return nil, fmt.Errorf("%w: content is not encodable: %w", protocol.ErrInvalidArgument, err)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: content is required", protocol.ErrInvalidArgument)
	}
	return v, nil
}

// deliver allocates an id and stores one copy of d addressed to to.
func (d draft) deliver(tx store.Tx, to, now string) (protocol.Message, error) {
	n, err := tx.NextID(protocol.SequenceMessage)
	if err != nil {
		return protocol.Message{}, err
	}
	m := protocol.Message{
		MessageID: protocol.SequenceMessage.Format(n),
		From:      d.from,
		To:        to,
		Content:   d.content,
		Type:      d.opts.Type,
		Priority:  d.opts.Priority,
		Metadata:  d.opts.Metadata,
		Timestamp: now,
		Broadcast: d.broadcast,
		Channel:   d.channel,
	}
	if err := tx.InsertMessage(m); err != nil {
		return protocol.Message{}, err
	}
	return m, nil
}

// Send stores a message in to's mailbox and returns its id. Neither party
// has to be registered.
func (s *Service) Send(ctx context.Context, from, to string, content any, opts SendOptions) (string, error) {
	to, err := requireAgent("to", to)
	if err != nil {
		return "", err
	}
	d, err := newDraft(from, content, opts)
	if err != nil {
		return "", err
	}
	var m protocol.Message
	err = s.backend.Update(ctx, func(tx store.Tx) error {
		var err error
		m, err = d.deliver(tx, to, s.now())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	s.logger.Debug().
		Str("message_id", m.MessageID).
		Str("from", m.From).
		Str("to", m.To).
		Str("type", m.Type).
		Msg("message sent")
	return m.MessageID, nil
}

// MailboxOptions control a mailbox read. AutoMark defaults to true.
type MailboxOptions struct {
	IncludeRead bool   `json:"include_read,omitempty"`
	AutoMark    *bool  `json:"auto_mark,omitempty"`
	Type        string `json:"type,omitempty"`
	From        string `json:"from,omitempty"`
	Status      string `json:"status,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

func (o MailboxOptions) autoMark() bool { return o.AutoMark == nil || *o.AutoMark }

// Mailbox returns agent's messages oldest first. By default only unread
// messages are returned and they are marked delivered in the same
// transaction, so concurrent readers never both receive a message. The
// returned copies show the state before marking.
func (s *Service) Mailbox(ctx context.Context, agent string, opts MailboxOptions) ([]protocol.Message, error) {
	agent, err := requireAgent("agent id", agent)
	if err != nil {
		return nil, err
	}
	switch opts.Status {
	case "", protocol.StatusUnread:
	case protocol.StatusRead, protocol.StatusAcknowledged:
		opts.IncludeRead = true
	default:
		return nil, fmt.Errorf("%w: unknown status %q", protocol.ErrInvalidArgument, opts.Status)
	}
	if opts.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", protocol.ErrInvalidArgument)
	}

	q := store.MessageQuery{
		To:          agent,
		Type:        opts.Type,
		From:        protocol.NormalizeAgentID(opts.From),
		Undelivered: !opts.IncludeRead,
	}
	read := func(tx store.Tx) ([]protocol.Message, error) {
		msgs, err := tx.Messages(q)
		if err != nil {
			return nil, err
		}
		out := make([]protocol.Message, 0, len(msgs))
		for _, m := range msgs {
			if opts.Status != "" && m.Status() != opts.Status {
				continue
			}
			out = append(out, m)
			if opts.Limit > 0 && len(out) == opts.Limit {
				break
			}
		}
		return out, nil
	}

	var out []protocol.Message
	if !opts.autoMark() {
		err = s.backend.View(ctx, func(tx store.Tx) error {
			var err error
			out, err = read(tx)
			return err
		})
	} else {
		err = s.backend.Update(ctx, func(tx store.Tx) error {
			var err error
			if out, err = read(tx); err != nil {
				return err
			}
			now := s.now()
			for _, m := range out {
				if m.Delivered {
					continue
				}
				m.Delivered = true
				m.DeliveredAt = now
				if err := tx.UpdateMessage(m); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err != nil {
		return nil, fmt.Errorf("read mailbox %s: %w", agent, err)
	}
	return out, nil
}

// Acknowledge marks a message acknowledged, delivering it too if it was
// still unread. Acknowledging again keeps the first acknowledgement time.
func (s *Service) Acknowledge(ctx context.Context, id, response string) (protocol.Message, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return protocol.Message{}, fmt.Errorf("%w: message id is required", protocol.ErrInvalidArgument)
	}
	var m protocol.Message
	err := s.backend.Update(ctx, func(tx store.Tx) error {
		msgs, err := tx.Messages(store.MessageQuery{ID: id})
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return fmt.Errorf("%w: message %s", protocol.ErrNotFound, id)
		}
		m = msgs[0]
		now := s.now()
		if !m.Delivered {
			m.Delivered = true
			m.DeliveredAt = now
		}
		if !m.Acknowledged {
			m.Acknowledged = true
			m.AcknowledgedAt = now
		}
		if response != "" {
			m.Response = response
		}
		return tx.UpdateMessage(m)
	})
	if err != nil {
		return protocol.Message{}, fmt.Errorf("acknowledge %s: %w", id, err)
	}
	return m, nil
}

// BroadcastOptions control a broadcast. ExcludeSelf defaults to true.
type BroadcastOptions struct {
	ExcludeSelf *bool             `json:"exclude_self,omitempty"`
	Roles       []string          `json:"roles,omitempty"`
	Type        string            `json:"type,omitempty"`
	Priority    protocol.Priority `json:"priority,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

func (o BroadcastOptions) wants(a protocol.Agent) bool {
	if len(o.Roles) == 0 {
		return true
	}
	for _, r := range o.Roles {
		if strings.EqualFold(r, a.Role) || strings.EqualFold(r, a.Category) {
			return true
		}
	}
	return false
}

// Broadcast sends one copy of content to every registered agent selected
// by opts and returns the new message ids.
func (s *Service) Broadcast(ctx context.Context, from string, content any, opts BroadcastOptions) ([]string, error) {
	d, err := newDraft(from, content, SendOptions{Type: opts.Type, Priority: opts.Priority, Metadata: opts.Metadata})
	if err != nil {
		return nil, err
	}
	d.broadcast = true
	excludeSelf := opts.ExcludeSelf == nil || *opts.ExcludeSelf

	ids := []string{}
	err = s.backend.Update(ctx, func(tx store.Tx) error {
		agents, err := tx.Agents()
		if err != nil {
			return err
		}
		now := s.now()
		for _, a := range agents {
			if excludeSelf && a.AgentID == d.from {
				continue
			}
			if !opts.wants(a) {
				continue
			}
			m, err := d.deliver(tx, a.AgentID, now)
			if err != nil {
				return err
			}
			ids = append(ids, m.MessageID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	s.logger.Debug().Str("from", d.from).Int("recipients", len(ids)).Msg("broadcast sent")
	return ids, nil
}

// HistoryFilter narrows History. Since keeps messages at or after the
// given ISO timestamp.
type HistoryFilter struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Type    string `json:"type,omitempty"`
	Channel string `json:"channel,omitempty"`
	Since   string `json:"since,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// History returns stored messages in send order without changing their
// delivery state.
func (s *Service) History(ctx context.Context, f HistoryFilter) ([]protocol.Message, error) {
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", protocol.ErrInvalidArgument)
	}
	q := store.MessageQuery{
		From:    protocol.NormalizeAgentID(f.From),
		To:      protocol.NormalizeAgentID(f.To),
		Type:    f.Type,
		Channel: f.Channel,
		Since:   f.Since,
		Limit:   f.Limit,
	}
	var msgs []protocol.Message
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		msgs, err = tx.Messages(q)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("message history: %w", err)
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	return msgs, nil
}
