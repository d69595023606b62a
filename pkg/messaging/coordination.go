package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"diverga/pkg/protocol"
	"diverga/pkg/store"
)

// Progress is one progress update.
type Progress struct {
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
	Detail  string  `json:"detail,omitempty"`
}

// ReportProgress sends a progress message from agent to the orchestrator
// and returns its id.
func (s *Service) ReportProgress(ctx context.Context, agent string, p Progress) (string, error) {
	if strings.TrimSpace(p.Stage) == "" {
		return "", fmt.Errorf("%w: stage is required", protocol.ErrInvalidArgument)
	}
	if p.Percent < 0 || p.Percent > 100 {
		return "", fmt.Errorf("%w: percent %v outside 0..100", protocol.ErrInvalidArgument, p.Percent)
	}
	content := map[string]any{"stage": p.Stage, "percent": p.Percent}
	if p.Detail != "" {
		content["detail"] = p.Detail
	}
	return s.Send(ctx, agent, s.orchestrator, content, SendOptions{Type: protocol.MessageTypeProgress})
}

// Progress returns the latest report of every channel member that has
// reported, ordered by agent id.
func (s *Service) Progress(ctx context.Context, channel string) ([]protocol.ProgressReport, error) {
	name, err := requireName(channel)
	if err != nil {
		return nil, err
	}
	reports := []protocol.ProgressReport{}
	err = s.backend.View(ctx, func(tx store.Tx) error {
		ch, err := tx.Channel(name)
		if err != nil {
			return err
		}
		if ch == nil {
			return fmt.Errorf("%w: channel %s", protocol.ErrNotFound, name)
		}
		for _, member := range ch.Members {
			msgs, err := tx.Messages(store.MessageQuery{From: member, Type: protocol.MessageTypeProgress})
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				continue
			}
			reports = append(reports, progressReport(msgs[len(msgs)-1]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("channel progress: %w", err)
	}
	return reports, nil
}

func progressReport(m protocol.Message) protocol.ProgressReport {
	r := protocol.ProgressReport{AgentID: m.From, MessageID: m.MessageID, Timestamp: m.Timestamp}
	content, ok := m.Content.(map[string]any)
	if !ok {
		return r
	}
	r.Stage, _ = content["stage"].(string)
	r.Percent, _ = content["percent"].(float64)
	r.Detail, _ = content["detail"].(string)
	return r
}

// CheckpointRelay is a checkpoint decision delivered to an agent.
type CheckpointRelay struct {
	CheckpointID string `json:"checkpointId"`
	Decision     string `json:"decision"`
	From         string `json:"from"`
	MessageID    string `json:"message_id"`
	Timestamp    string `json:"timestamp"`
}

// RelayCheckpoint sends a high-priority checkpoint message to each target
// and returns the message ids.
func (s *Service) RelayCheckpoint(ctx context.Context, checkpointID, decision, from string, to []string) ([]string, error) {
	checkpointID = strings.TrimSpace(checkpointID)
	if checkpointID == "" {
		return nil, fmt.Errorf("%w: checkpoint_id is required", protocol.ErrInvalidArgument)
	}
	d, err := newDraft(from, map[string]any{"checkpointId": checkpointID, "decision": decision}, SendOptions{
		Type:     protocol.MessageTypeCheckpoint,
		Priority: protocol.PriorityHigh,
	})
	if err != nil {
		return nil, err
	}
	targets := normalizeMembers(to)

	ids := make([]string, 0, len(targets))
	err = s.backend.Update(ctx, func(tx store.Tx) error {
		now := s.now()
		for _, target := range targets {
			m, err := d.deliver(tx, target, now)
			if err != nil {
				return err
			}
			ids = append(ids, m.MessageID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relay checkpoint %s: %w", checkpointID, err)
	}
	s.logger.Info().
		Str("checkpoint_id", checkpointID).
		Strs("to", targets).
		Msg("checkpoint relayed")
	return ids, nil
}

func relayOf(m protocol.Message) (CheckpointRelay, bool) {
	content, ok := m.Content.(map[string]any)
	if !ok {
		return CheckpointRelay{}, false
	}
	id, _ := content["checkpointId"].(string)
	if id == "" {
		id, _ = content["checkpoint_id"].(string)
	}
	decision, _ := content["decision"].(string)
	return CheckpointRelay{
		CheckpointID: id,
		Decision:     decision,
		From:         m.From,
		MessageID:    m.MessageID,
		Timestamp:    m.Timestamp,
	}, id != ""
}

// AwaitCheckpoint waits up to timeout for a checkpoint message about
// checkpointID in agent's mailbox. The matching message is marked
// delivered; nothing else in the mailbox is touched. It returns nil, nil
// when the timeout expires and the context error when ctx is cancelled.
func (s *Service) AwaitCheckpoint(ctx context.Context, agent, checkpointID string, timeout time.Duration) (*CheckpointRelay, error) {
	agent, err := requireAgent("agent id", agent)
	if err != nil {
		return nil, err
	}
	checkpointID = strings.TrimSpace(checkpointID)
	if checkpointID == "" {
		return nil, fmt.Errorf("%w: checkpoint_id is required", protocol.ErrInvalidArgument)
	}
	if timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative", protocol.ErrInvalidArgument)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var changes <-chan struct{}
	if w, ok := s.backend.(store.Watcher); ok {
		if changes, err = w.Watch(waitCtx); err != nil {
			s.logger.Debug().Err(err).Msg("change feed unavailable, polling only")
			changes = nil
		}
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		relay, err := s.claimRelay(ctx, agent, checkpointID)
		if err != nil {
			return nil, err
		}
		if relay != nil {
			return relay, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				s.logger.Debug().Str("agent_id", agent).Str("checkpoint_id", checkpointID).Msg("await checkpoint timed out")
			}
			return nil, nil //nolint:nilnil // timeout is not an error
		case <-ticker.C:
		case _, ok := <-changes:
			if !ok {
				changes = nil
			}
		}
	}
}

// claimRelay looks for the newest undelivered matching checkpoint message
// and marks it delivered. Without one it falls back to the newest delivered
// match. The lookup is read-only so idle polls never write.
func (s *Service) claimRelay(ctx context.Context, agent, checkpointID string) (*CheckpointRelay, error) {
	q := store.MessageQuery{To: agent, Type: protocol.MessageTypeCheckpoint}
	find := func(tx store.Tx) (*protocol.Message, error) {
		msgs, err := tx.Messages(q)
		if err != nil {
			return nil, err
		}
		var seen *protocol.Message
		for i := len(msgs) - 1; i >= 0; i-- {
			r, ok := relayOf(msgs[i])
			if !ok || r.CheckpointID != checkpointID {
				continue
			}
			if !msgs[i].Delivered {
				return &msgs[i], nil
			}
			if seen == nil {
				seen = &msgs[i]
			}
		}
		return seen, nil
	}

	var found *protocol.Message
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		found, err = find(tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("await checkpoint: %w", err)
	}
	if found == nil {
		return nil, nil //nolint:nilnil // not found yet
	}

	if !found.Delivered {
		err = s.backend.Update(ctx, func(tx store.Tx) error {
			msgs, err := tx.Messages(store.MessageQuery{ID: found.MessageID})
			if err != nil || len(msgs) == 0 {
				return err
			}
			m := msgs[0]
			if m.Delivered {
				return nil
			}
			m.Delivered = true
			m.DeliveredAt = s.now()
			return tx.UpdateMessage(m)
		})
		if err != nil {
			return nil, fmt.Errorf("await checkpoint: %w", err)
		}
	}
	relay, _ := relayOf(*found)
	return &relay, nil
}
