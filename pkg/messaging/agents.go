package messaging

import (
	"context"
	"fmt"
	"strings"

	"diverga/pkg/protocol"
	"diverga/pkg/store"
)

// AgentStatusActive is the status given to agents registered without one.
const AgentStatusActive = "active"

// AgentInfo is the descriptive part of a registration.
type AgentInfo struct {
	Role     string         `json:"role,omitempty"`
	Category string         `json:"category,omitempty"`
	Model    string         `json:"model,omitempty"`
	Status   string         `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RegisterAgent creates or replaces an agent's registration. The original
// registration time survives re-registration.
func (s *Service) RegisterAgent(ctx context.Context, id string, info AgentInfo) (protocol.Agent, error) {
	id, err := requireAgent("agent id", id)
	if err != nil {
		return protocol.Agent{}, err
	}
	metadata, err := store.NormalizeTree(info.Metadata)
	if err != nil {
		return protocol.Agent{}, fmt.Errorf("agent metadata: %w", err)
	}
	now := s.now()
	agent := protocol.Agent{
		AgentID:      id,
		Role:         info.Role,
		Category:     info.Category,
		Model:        info.Model,
		Status:       info.Status,
		Metadata:     metadata,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if agent.Status == "" {
		agent.Status = AgentStatusActive
	}
	if len(agent.Metadata) == 0 {
		agent.Metadata = nil
	}

	err = s.backend.Update(ctx, func(tx store.Tx) error {
		existing, err := tx.Agent(id)
		if err != nil {
			return err
		}
		if existing != nil && existing.RegisteredAt != "" {
			agent.RegisteredAt = existing.RegisteredAt
		}
		return tx.PutAgent(agent)
	})
	if err != nil {
		return protocol.Agent{}, fmt.Errorf("register agent %s: %w", id, err)
	}
	s.logger.Debug().Str("agent_id", id).Str("role", agent.Role).Msg("agent registered")
	return agent, nil
}

// GetAgent returns the registration for id, or nil.
func (s *Service) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	id, err := requireAgent("agent id", id)
	if err != nil {
		return nil, err
	}
	var agent *protocol.Agent
	err = s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		agent, err = tx.Agent(id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return agent, nil
}

// UnregisterAgent removes a registration and reports whether one existed.
// The agent's mailbox is left intact.
func (s *Service) UnregisterAgent(ctx context.Context, id string) (bool, error) {
	id, err := requireAgent("agent id", id)
	if err != nil {
		return false, err
	}
	var removed bool
	err = s.backend.Update(ctx, func(tx store.Tx) error {
		var err error
		removed, err = tx.DeleteAgent(id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("unregister agent %s: %w", id, err)
	}
	return removed, nil
}

// AgentFilter narrows ListAgents; fields compare case-insensitively.
type AgentFilter struct {
	Status   string `json:"status,omitempty"`
	Category string `json:"category,omitempty"`
	Model    string `json:"model,omitempty"`
	Role     string `json:"role,omitempty"`
}

func (f AgentFilter) match(a protocol.Agent) bool {
	return matchField(f.Status, a.Status) &&
		matchField(f.Category, a.Category) &&
		matchField(f.Model, a.Model) &&
		matchField(f.Role, a.Role)
}

func matchField(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}

// ListAgents returns registered agents sorted by id.
func (s *Service) ListAgents(ctx context.Context, f AgentFilter) ([]protocol.Agent, error) {
	var agents []protocol.Agent
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		agents, err = tx.Agents()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]protocol.Agent, 0, len(agents))
	for _, a := range agents {
		if f.match(a) {
			out = append(out, a)
		}
	}
	return out, nil
}
