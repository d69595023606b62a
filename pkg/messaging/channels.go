package messaging

import (
	"context"
	"fmt"
	"slices"

	"diverga/pkg/protocol"
	"diverga/pkg/store"
)

// normalizeMembers returns the normalized ids sorted and without duplicates.
func normalizeMembers(members []string) []string {
	out := make([]string, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		m = protocol.NormalizeAgentID(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// CreateChannel opens a new channel. Creating a name that already exists
// fails with ErrInvalidArgument.
func (s *Service) CreateChannel(ctx context.Context, name string, members []string) (protocol.Channel, error) {
	name, err := requireName(name)
	if err != nil {
		return protocol.Channel{}, err
	}
	now := s.now()
	ch := protocol.Channel{
		Name:      name,
		Members:   normalizeMembers(members),
		Status:    protocol.ChannelOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.backend.Update(ctx, func(tx store.Tx) error {
		existing, err := tx.Channel(name)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: channel %s already exists", protocol.ErrInvalidArgument, name)
		}
		return tx.PutChannel(ch)
	})
	if err != nil {
		return protocol.Channel{}, fmt.Errorf("create channel: %w", err)
	}
	s.logger.Debug().Str("channel", name).Strs("members", ch.Members).Msg("channel created")
	return ch, nil
}

// modifyChannel loads a channel, applies fn and stores the result.
func (s *Service) modifyChannel(ctx context.Context, name string, fn func(ch *protocol.Channel)) (protocol.Channel, error) {
	name, err := requireName(name)
	if err != nil {
		return protocol.Channel{}, err
	}
	var ch protocol.Channel
	err = s.backend.Update(ctx, func(tx store.Tx) error {
		existing, err := tx.Channel(name)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: channel %s", protocol.ErrNotFound, name)
		}
		ch = *existing
		fn(&ch)
		ch.UpdatedAt = s.now()
		return tx.PutChannel(ch)
	})
	if err != nil {
		return protocol.Channel{}, err
	}
	return ch, nil
}

// AddChannelMember adds agent to a channel. Adding a member twice is a
// no-op.
func (s *Service) AddChannelMember(ctx context.Context, name, agent string) (protocol.Channel, error) {
	agent, err := requireAgent("agent id", agent)
	if err != nil {
		return protocol.Channel{}, err
	}
	ch, err := s.modifyChannel(ctx, name, func(ch *protocol.Channel) {
		if !ch.HasMember(agent) {
			ch.Members = normalizeMembers(append(ch.Members, agent))
		}
	})
	if err != nil {
		return protocol.Channel{}, fmt.Errorf("add channel member: %w", err)
	}
	return ch, nil
}

// RemoveChannelMember removes agent from a channel.
func (s *Service) RemoveChannelMember(ctx context.Context, name, agent string) (protocol.Channel, error) {
	agent, err := requireAgent("agent id", agent)
	if err != nil {
		return protocol.Channel{}, err
	}
	ch, err := s.modifyChannel(ctx, name, func(ch *protocol.Channel) {
		kept := make([]string, 0, len(ch.Members))
		for _, m := range ch.Members {
			if m != agent {
				kept = append(kept, m)
			}
		}
		ch.Members = kept
	})
	if err != nil {
		return protocol.Channel{}, fmt.Errorf("remove channel member: %w", err)
	}
	return ch, nil
}

// CloseChannel stops further sends. History stays readable.
func (s *Service) CloseChannel(ctx context.Context, name string) (protocol.Channel, error) {
	ch, err := s.modifyChannel(ctx, name, func(ch *protocol.Channel) {
		ch.Status = protocol.ChannelClosed
	})
	if err != nil {
		return protocol.Channel{}, fmt.Errorf("close channel: %w", err)
	}
	return ch, nil
}

// GetChannel returns a channel, or nil when it does not exist.
func (s *Service) GetChannel(ctx context.Context, name string) (*protocol.Channel, error) {
	name, err := requireName(name)
	if err != nil {
		return nil, err
	}
	var ch *protocol.Channel
	err = s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		ch, err = tx.Channel(name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", name, err)
	}
	return ch, nil
}

// ListChannels returns every channel sorted by name.
func (s *Service) ListChannels(ctx context.Context) ([]protocol.Channel, error) {
	var chs []protocol.Channel
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		chs, err = tx.Channels()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return chs, nil
}

// SendToChannel delivers content to every current member and records one
// history entry. It returns the mailbox message ids.
func (s *Service) SendToChannel(ctx context.Context, name, from string, content any, opts SendOptions) ([]string, error) {
	name, err := requireName(name)
	if err != nil {
		return nil, err
	}
	d, err := newDraft(from, content, opts)
	if err != nil {
		return nil, err
	}
	d.channel = name

	ids := []string{}
	err = s.backend.Update(ctx, func(tx store.Tx) error {
		ch, err := tx.Channel(name)
		if err != nil {
			return err
		}
		if ch == nil {
			return fmt.Errorf("%w: channel %s", protocol.ErrNotFound, name)
		}
		if ch.Status == protocol.ChannelClosed {
			return fmt.Errorf("%w: channel %s is closed", protocol.ErrInvalidArgument, name)
		}
		now := s.now()
		for _, member := range ch.Members {
			m, err := d.deliver(tx, member, now)
			if err != nil {
				return err
			}
			ids = append(ids, m.MessageID)
		}
		return tx.AppendChannelPost(protocol.ChannelPost{
			Channel:    name,
			From:       d.from,
			Content:    d.content,
			Type:       d.opts.Type,
			Priority:   d.opts.Priority,
			Metadata:   d.opts.Metadata,
			MessageIDs: ids,
			Timestamp:  now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("send to channel: %w", err)
	}
	return ids, nil
}

// ChannelMessages returns a channel's history oldest first, regardless of
// what members have read. An unknown channel has no history.
func (s *Service) ChannelMessages(ctx context.Context, name string) ([]protocol.ChannelPost, error) {
	name, err := requireName(name)
	if err != nil {
		return nil, err
	}
	var posts []protocol.ChannelPost
	err = s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		posts, err = tx.ChannelPosts(name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("channel history %s: %w", name, err)
	}
	if posts == nil {
		posts = []protocol.ChannelPost{}
	}
	return posts, nil
}
