package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"diverga/pkg/protocol"
	"diverga/pkg/store"
)

const priorityContextKey = "priority_context"

var errReadOnly = errors.New("relational store: write in read-only view")

type tx struct {
	ctx      context.Context //nolint:containedctx // scoped to one Update/View callback
	q        *sql.Tx
	readOnly bool
	now      func() time.Time
	logger   zerolog.Logger
}

var _ store.Tx = (*tx)(nil)

func (t *tx) exec(what, query string, args ...any) (sql.Result, error) {
	if t.readOnly {
		return nil, errReadOnly
	}
	res, err := t.q.ExecContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", protocol.ErrStorage, what, err)
	}
	return res, nil
}

func (t *tx) stamp() string {
	return protocol.FormatTime(t.now())
}

// encodeJSON returns NULL for empty values so absent metadata stays absent.
func encodeJSON(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case map[string]any:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func (t *tx) decodeMap(what string, raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		t.logger.Warn().Err(err).Str("column", what).Msg("malformed JSON column treated as empty")
		return nil
	}
	return out
}

func (t *tx) Checkpoints() ([]protocol.Checkpoint, error) {
	rows, err := t.q.QueryContext(t.ctx, `
		SELECT checkpoint_id, status, level, decision, rationale, completed_at
		FROM checkpoints ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Checkpoint
	for rows.Next() {
		var (
			cp                             protocol.Checkpoint
			decision, rationale, completed sql.NullString
		)
		if err := rows.Scan(&cp.CheckpointID, &cp.Status, &cp.Level, &decision, &rationale, &completed); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Decision = decision.String
		cp.Rationale = rationale.String
		cp.CompletedAt = completed.String
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func (t *tx) PutCheckpoint(cp protocol.Checkpoint) error {
	now := t.stamp()
	_, err := t.exec("upsert checkpoint", `
		INSERT INTO checkpoints (checkpoint_id, status, level, decision, rationale, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(checkpoint_id) DO UPDATE SET
			status = excluded.status,
			level = excluded.level,
			decision = excluded.decision,
			rationale = excluded.rationale,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		cp.CheckpointID, string(cp.Status), string(cp.Level),
		nullable(cp.Decision), nullable(cp.Rationale), nullable(cp.CompletedAt), now, now)
	return err
}

func (t *tx) Decisions() ([]protocol.Decision, error) {
	rows, err := t.q.QueryContext(t.ctx, `
		SELECT decision_id, checkpoint_id, selected, rationale, alternatives, metadata, timestamp, version, supersedes
		FROM decisions ORDER BY seq, decision_id`)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Decision
	for rows.Next() {
		var (
			d                                            protocol.Decision
			rationale, alternatives, metadata, supersede sql.NullString
		)
		if err := rows.Scan(&d.DecisionID, &d.CheckpointID, &d.Selected, &rationale, &alternatives,
			&metadata, &d.Timestamp, &d.Version, &supersede); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Rationale = rationale.String
		d.Supersedes = supersede.String
		d.Metadata = t.decodeMap("decisions.metadata", metadata)
		if alternatives.Valid && alternatives.String != "" {
			if err := json.Unmarshal([]byte(alternatives.String), &d.AlternativesConsidered); err != nil {
				t.logger.Warn().Err(err).Str("decision_id", d.DecisionID).Msg("malformed alternatives treated as empty")
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

func (t *tx) InsertDecision(d protocol.Decision) error {
	var exists int
	err := t.q.QueryRowContext(t.ctx, `SELECT 1 FROM decisions WHERE decision_id = ?`, d.DecisionID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: decision %s already exists", protocol.ErrInvalidArgument, d.DecisionID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check decision %s: %w", d.DecisionID, err)
	}

	alternatives, err := encodeJSON(d.AlternativesConsidered)
	if err != nil {
		return fmt.Errorf("%w: encode alternatives: %w", protocol.ErrInvalidArgument, err)
	}
	metadata, err := encodeJSON(d.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %w", protocol.ErrInvalidArgument, err)
	}
	seq, _ := protocol.SequenceDecision.Parse(d.DecisionID)

	if _, err := t.exec("insert decision", `
		INSERT INTO decisions (decision_id, seq, checkpoint_id, selected, rationale, alternatives, metadata,
			timestamp, version, supersedes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DecisionID, seq, d.CheckpointID, d.Selected, nullable(d.Rationale), alternatives, metadata,
		d.Timestamp, d.Version, nullable(d.Supersedes), t.stamp()); err != nil {
		return err
	}
	return t.raiseSequence(protocol.SequenceDecision, seq)
}

// raiseSequence keeps the counter at or above an id inserted with an
// explicit number (imports, migrations).
func (t *tx) raiseSequence(seq protocol.Sequence, n int) error {
	_, err := t.exec("raise sequence", `
		INSERT INTO sequences (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = MAX(value, excluded.value)`,
		string(seq), n)
	return err
}

func (t *tx) NextID(seq protocol.Sequence) (int, error) {
	if t.readOnly {
		return 0, errReadOnly
	}
	var next int
	err := t.q.QueryRowContext(t.ctx, `
		INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`, string(seq)).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("%w: advance %s sequence: %w", protocol.ErrStorage, seq, err)
	}
	return next, nil
}

func (t *tx) projectRows() (map[string]string, error) {
	rows, err := t.q.QueryContext(t.ctx, `SELECT key, value FROM project_state ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query project state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan project state: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project state: %w", err)
	}
	return out, nil
}

func (t *tx) ProjectState() (map[string]any, error) {
	raw, err := t.projectRows()
	if err != nil {
		return nil, err
	}
	state := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			t.logger.Warn().Err(err).Str("key", k).Msg("malformed project state value skipped")
			continue
		}
		state[k] = val
	}
	return state, nil
}

// PutProjectState rewrites only the top-level keys whose value changed, so
// updated_at tracks real modifications.
func (t *tx) PutProjectState(state map[string]any) error {
	existing, err := t.projectRows()
	if err != nil {
		return err
	}
	now := t.stamp()
	for k, v := range state {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: encode project state %q: %w", protocol.ErrInvalidArgument, k, err)
		}
		if old, ok := existing[k]; ok && old == string(raw) {
			continue
		}
		if _, err := t.exec("upsert project state", `
			INSERT INTO project_state (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, string(raw), now); err != nil {
			return err
		}
	}
	for k := range existing {
		if _, ok := state[k]; ok {
			continue
		}
		if _, err := t.exec("delete project state", `DELETE FROM project_state WHERE key = ?`, k); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) PriorityContext() (string, error) {
	var text string
	err := t.q.QueryRowContext(t.ctx, `SELECT value FROM meta WHERE key = ?`, priorityContextKey).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read priority context: %w", err)
	}
	return text, nil
}

func (t *tx) PutPriorityContext(text string) error {
	_, err := t.exec("write priority context", `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		priorityContextKey, text, t.stamp())
	return err
}

const agentColumns = `agent_id, role, category, model, status, metadata, registered_at, updated_at`

func (t *tx) scanAgent(row interface{ Scan(...any) error }) (protocol.Agent, error) {
	var (
		a                                      protocol.Agent
		role, category, model, status, metaRaw sql.NullString
	)
	if err := row.Scan(&a.AgentID, &role, &category, &model, &status, &metaRaw, &a.RegisteredAt, &a.UpdatedAt); err != nil {
		return protocol.Agent{}, err
	}
	a.Role = role.String
	a.Category = category.String
	a.Model = model.String
	a.Status = status.String
	a.Metadata = t.decodeMap("agents.metadata", metaRaw)
	return a, nil
}

func (t *tx) Agents() ([]protocol.Agent, error) {
	rows, err := t.q.QueryContext(t.ctx, `SELECT `+agentColumns+` FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Agent
	for rows.Next() {
		a, err := t.scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

func (t *tx) Agent(id string) (*protocol.Agent, error) {
	a, err := t.scanAgent(t.q.QueryRowContext(t.ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &a, nil
}

func (t *tx) PutAgent(a protocol.Agent) error {
	metadata, err := encodeJSON(a.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encode agent metadata: %w", protocol.ErrInvalidArgument, err)
	}
	_, err = t.exec("upsert agent", `
		INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			role = excluded.role,
			category = excluded.category,
			model = excluded.model,
			status = excluded.status,
			metadata = excluded.metadata,
			registered_at = excluded.registered_at,
			updated_at = excluded.updated_at`,
		a.AgentID, nullable(a.Role), nullable(a.Category), nullable(a.Model), nullable(a.Status),
		metadata, a.RegisteredAt, a.UpdatedAt)
	return err
}

func (t *tx) DeleteAgent(id string) (bool, error) {
	res, err := t.exec("delete agent", `DELETE FROM agents WHERE agent_id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete agent rows affected: %w", err)
	}
	return n > 0, nil
}

const messageColumns = `message_id, from_agent, to_agent, content, type, priority, metadata, timestamp,
	delivered, delivered_at, acknowledged, acknowledged_at, response, broadcast, channel`

func (t *tx) Messages(q store.MessageQuery) ([]protocol.Message, error) {
	var (
		conditions []string
		args       []any
	)
	if q.ID != "" {
		conditions = append(conditions, "message_id = ?")
		args = append(args, q.ID)
	}
	if q.To != "" {
		conditions = append(conditions, "to_agent = ?")
		args = append(args, q.To)
	}
	if q.From != "" {
		conditions = append(conditions, "from_agent = ?")
		args = append(args, q.From)
	}
	if q.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, q.Type)
	}
	if q.Channel != "" {
		conditions = append(conditions, "channel = ?")
		args = append(args, q.Channel)
	}
	if q.Undelivered {
		conditions = append(conditions, "delivered = 0")
	}
	if q.Since != "" {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.Since)
	}

	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC, message_id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := t.q.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Message
	for rows.Next() {
		var (
			m                                             protocol.Message
			content                                       string
			msgType, metaRaw, deliveredAt, ackAt, resp, c sql.NullString
			priority                                      string
		)
		if err := rows.Scan(&m.MessageID, &m.From, &m.To, &content, &msgType, &priority, &metaRaw,
			&m.Timestamp, &m.Delivered, &deliveredAt, &m.Acknowledged, &ackAt, &resp, &m.Broadcast, &c); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Content = decodeContent(content)
		m.Type = msgType.String
		m.Priority = protocol.Priority(priority)
		m.Metadata = t.decodeMap("messages.metadata", metaRaw)
		m.DeliveredAt = deliveredAt.String
		m.AcknowledgedAt = ackAt.String
		m.Response = resp.String
		m.Channel = c.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// decodeContent reverses the JSON encoding applied on insert. Content that
// is not valid JSON was written by something else and is returned verbatim.
func decodeContent(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func (t *tx) InsertMessage(m protocol.Message) error {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("%w: encode message content: %w", protocol.ErrInvalidArgument, err)
	}
	metadata, err := encodeJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encode message metadata: %w", protocol.ErrInvalidArgument, err)
	}
	seq, _ := protocol.SequenceMessage.Parse(m.MessageID)

	if _, err := t.exec("insert message", `
		INSERT INTO messages (seq, `+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq, m.MessageID, m.From, m.To, string(content), nullable(m.Type), string(m.Priority), metadata,
		m.Timestamp, m.Delivered, nullable(m.DeliveredAt), m.Acknowledged, nullable(m.AcknowledgedAt),
		nullable(m.Response), m.Broadcast, nullable(m.Channel)); err != nil {
		return err
	}
	return t.raiseSequence(protocol.SequenceMessage, seq)
}

// UpdateMessage persists the mutable delivery fields of a message.
func (t *tx) UpdateMessage(m protocol.Message) error {
	res, err := t.exec("update message", `
		UPDATE messages SET delivered = ?, delivered_at = ?, acknowledged = ?, acknowledged_at = ?, response = ?
		WHERE message_id = ?`,
		m.Delivered, nullable(m.DeliveredAt), m.Acknowledged, nullable(m.AcknowledgedAt), nullable(m.Response),
		m.MessageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", m.MessageID, protocol.ErrNotFound)
	}
	return nil
}

func (t *tx) scanChannel(row interface{ Scan(...any) error }) (protocol.Channel, error) {
	var (
		ch      protocol.Channel
		members string
	)
	if err := row.Scan(&ch.Name, &members, &ch.Status, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
		return protocol.Channel{}, err
	}
	if err := json.Unmarshal([]byte(members), &ch.Members); err != nil {
		t.logger.Warn().Err(err).Str("channel", ch.Name).Msg("malformed channel members treated as empty")
		ch.Members = nil
	}
	return ch, nil
}

func (t *tx) Channels() ([]protocol.Channel, error) {
	rows, err := t.q.QueryContext(t.ctx,
		`SELECT name, members, status, created_at, updated_at FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Channel
	for rows.Next() {
		ch, err := t.scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return out, nil
}

func (t *tx) Channel(name string) (*protocol.Channel, error) {
	ch, err := t.scanChannel(t.q.QueryRowContext(t.ctx,
		`SELECT name, members, status, created_at, updated_at FROM channels WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", name, err)
	}
	return &ch, nil
}

func (t *tx) PutChannel(ch protocol.Channel) error {
	members := ch.Members
	if members == nil {
		members = []string{}
	}
	raw, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("%w: encode channel members: %w", protocol.ErrInvalidArgument, err)
	}
	_, err = t.exec("upsert channel", `
		INSERT INTO channels (name, members, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			members = excluded.members,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		ch.Name, string(raw), string(ch.Status), ch.CreatedAt, ch.UpdatedAt)
	return err
}

func (t *tx) AppendChannelPost(p protocol.ChannelPost) error {
	content, err := json.Marshal(p.Content)
	if err != nil {
		return fmt.Errorf("%w: encode channel content: %w", protocol.ErrInvalidArgument, err)
	}
	metadata, err := encodeJSON(p.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encode channel metadata: %w", protocol.ErrInvalidArgument, err)
	}
	ids := p.MessageIDs
	if ids == nil {
		ids = []string{}
	}
	rawIDs, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("%w: encode channel message ids: %w", protocol.ErrInvalidArgument, err)
	}
	_, err = t.exec("append channel post", `
		INSERT INTO channel_posts (channel, from_agent, content, type, priority, metadata, message_ids, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Channel, p.From, string(content), nullable(p.Type), string(p.Priority), metadata, string(rawIDs), p.Timestamp)
	return err
}

func (t *tx) ChannelPosts(channel string) ([]protocol.ChannelPost, error) {
	rows, err := t.q.QueryContext(t.ctx, `
		SELECT channel, from_agent, content, type, priority, metadata, message_ids, timestamp
		FROM channel_posts WHERE channel = ? ORDER BY id`, channel)
	if err != nil {
		return nil, fmt.Errorf("query channel posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.ChannelPost
	for rows.Next() {
		var (
			p                protocol.ChannelPost
			content, ids     string
			msgType, metaRaw sql.NullString
			priority         string
		)
		if err := rows.Scan(&p.Channel, &p.From, &content, &msgType, &priority, &metaRaw, &ids, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("scan channel post: %w", err)
		}
		p.Content = decodeContent(content)
		p.Type = msgType.String
		p.Priority = protocol.Priority(priority)
		p.Metadata = t.decodeMap("channel_posts.metadata", metaRaw)
		if err := json.Unmarshal([]byte(ids), &p.MessageIDs); err != nil {
			t.logger.Warn().Err(err).Str("channel", channel).Msg("malformed channel message ids treated as empty")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel posts: %w", err)
	}
	return out, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
