package protocol

import (
	"strings"
	"time"
)

// TimeFormat is ISO-8601 in UTC with millisecond precision. Every timestamp
// the layer writes uses it, so string comparison equals time comparison.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// NormalizeAgentID lowercases and trims an agent id.
func NormalizeAgentID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// CheckpointStatus is the lifecycle state of a checkpoint record.
type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "pending"
	CheckpointCompleted CheckpointStatus = "completed"
)

// Checkpoint is a decision gate. At most one record exists per CheckpointID;
// marking it again replaces the previous record.
type Checkpoint struct {
	CheckpointID string           `json:"checkpoint_id" yaml:"checkpoint_id"`
	Status       CheckpointStatus `json:"status" yaml:"status"`
	Level        Level            `json:"level" yaml:"level"`
	Decision     string           `json:"decision,omitempty" yaml:"decision,omitempty"`
	Rationale    string           `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	CompletedAt  string           `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Decision is one append-only entry of the decision ledger.
type Decision struct {
	DecisionID             string         `json:"decision_id" yaml:"decision_id"`
	CheckpointID           string         `json:"checkpoint_id" yaml:"checkpoint_id"`
	Selected               string         `json:"selected" yaml:"selected"`
	Rationale              string         `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	AlternativesConsidered []string       `json:"alternatives_considered,omitempty" yaml:"alternatives_considered,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Timestamp              string         `json:"timestamp" yaml:"timestamp"`
	Version                int            `json:"version" yaml:"version"`
	Supersedes             string         `json:"supersedes,omitempty" yaml:"supersedes,omitempty"`
}

// Agent is a registry entry. AgentID is always lowercase.
type Agent struct {
	AgentID      string         `json:"agent_id"`
	Role         string         `json:"role,omitempty"`
	Category     string         `json:"category,omitempty"`
	Model        string         `json:"model,omitempty"`
	Status       string         `json:"status,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RegisteredAt string         `json:"registered_at"`
	UpdatedAt    string         `json:"updated_at"`
}

// Priority of a message.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Well-known message types.
const (
	MessageTypeProgress   = "progress"
	MessageTypeCheckpoint = "checkpoint"
)

// Mailbox status values derived from the delivery flags.
const (
	StatusUnread       = "unread"
	StatusRead         = "read"
	StatusAcknowledged = "acknowledged"
)

// Message is owned by its recipient's mailbox once sent.
// Content is either a string or a JSON object (map[string]any).
type Message struct {
	MessageID      string         `json:"message_id"`
	From           string         `json:"from"`
	To             string         `json:"to"`
	Content        any            `json:"content"`
	Type           string         `json:"type,omitempty"`
	Priority       Priority       `json:"priority"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      string         `json:"timestamp"`
	Delivered      bool           `json:"delivered"`
	DeliveredAt    string         `json:"delivered_at,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt string         `json:"acknowledged_at,omitempty"`
	Response       string         `json:"response,omitempty"`
	Broadcast      bool           `json:"broadcast"`
	Channel        string         `json:"channel,omitempty"`
}

// Status returns unread, read or acknowledged.
func (m Message) Status() string {
	switch {
	case m.Acknowledged:
		return StatusAcknowledged
	case m.Delivered:
		return StatusRead
	default:
		return StatusUnread
	}
}

// ChannelStatus is open or closed.
type ChannelStatus string

const (
	ChannelOpen   ChannelStatus = "open"
	ChannelClosed ChannelStatus = "closed"
)

// Channel is a named, mutable group of agents.
type Channel struct {
	Name      string        `json:"name"`
	Members   []string      `json:"members"`
	Status    ChannelStatus `json:"status"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
}

// HasMember reports whether id is in the channel.
func (c Channel) HasMember(id string) bool {
	for _, m := range c.Members {
		if m == id {
			return true
		}
	}
	return false
}

// ChannelPost records one send to a channel. MessageIDs lists the mailbox
// copies fanned out to members at the time of the send.
type ChannelPost struct {
	Channel    string         `json:"channel"`
	From       string         `json:"from"`
	Content    any            `json:"content"`
	Type       string         `json:"type,omitempty"`
	Priority   Priority       `json:"priority"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	MessageIDs []string       `json:"message_ids"`
	Timestamp  string         `json:"timestamp"`
}

// ProgressReport is the latest progress an agent reported.
type ProgressReport struct {
	AgentID   string  `json:"agent_id"`
	Stage     string  `json:"stage"`
	Percent   float64 `json:"percent"`
	Detail    string  `json:"detail,omitempty"`
	MessageID string  `json:"message_id"`
	Timestamp string  `json:"timestamp"`
}
