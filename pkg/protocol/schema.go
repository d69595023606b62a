package protocol

// SchemaVersion is the relational schema version written by SchemaDDL plus
// every entry of Migrations.
const SchemaVersion = 2

// SchemaDDL defines the SQLite schema for the relational backend.
// Tables: schema_version, sequences, checkpoints, decisions, project_state,
// meta, agents, messages, channels, channel_posts.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Applied schema versions, one row per migration step
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

-- Store-wide id counters (decision, message)
CREATE TABLE IF NOT EXISTS sequences (
    name TEXT PRIMARY KEY,
    value INTEGER NOT NULL DEFAULT 0
);

-- Checkpoint ledger: one row per checkpoint id, replaced on re-mark
CREATE TABLE IF NOT EXISTS checkpoints (
    checkpoint_id TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'pending',
    level TEXT NOT NULL DEFAULT 'UNKNOWN',
    decision TEXT,
    rationale TEXT,
    completed_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Append-only decision ledger; amendments insert a new version row
CREATE TABLE IF NOT EXISTS decisions (
    decision_id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    checkpoint_id TEXT NOT NULL,
    selected TEXT NOT NULL,
    rationale TEXT,
    alternatives TEXT,
    metadata TEXT,
    timestamp TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_checkpoint ON decisions(checkpoint_id, version);

-- Project state tree, one row per top-level key (value is JSON)
CREATE TABLE IF NOT EXISTS project_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Small named values (priority context)
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Agent registry
CREATE TABLE IF NOT EXISTS agents (
    agent_id TEXT PRIMARY KEY,
    role TEXT,
    category TEXT,
    model TEXT,
    status TEXT,
    metadata TEXT,
    registered_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Mailbox messages; content is JSON (string or object)
CREATE TABLE IF NOT EXISTS messages (
    message_id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    from_agent TEXT NOT NULL,
    to_agent TEXT NOT NULL,
    content TEXT NOT NULL,
    type TEXT,
    priority TEXT NOT NULL DEFAULT 'normal',
    metadata TEXT,
    timestamp TEXT NOT NULL,
    delivered INTEGER NOT NULL DEFAULT 0,
    delivered_at TEXT,
    acknowledged INTEGER NOT NULL DEFAULT 0,
    acknowledged_at TEXT,
    response TEXT,
    broadcast INTEGER NOT NULL DEFAULT 0,
    channel TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent, delivered, seq);

-- Named channels; members is a JSON array
CREATE TABLE IF NOT EXISTS channels (
    name TEXT PRIMARY KEY,
    members TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'open',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// Migration is one ordered schema step beyond SchemaDDL.
type Migration struct {
	Version int
	SQL     string
}

// MigrateChannelPosts adds the per-send channel history table.
const MigrateChannelPosts = `
CREATE TABLE IF NOT EXISTS channel_posts (
    id INTEGER PRIMARY KEY,
    channel TEXT NOT NULL,
    from_agent TEXT NOT NULL,
    content TEXT NOT NULL,
    type TEXT,
    priority TEXT NOT NULL DEFAULT 'normal',
    metadata TEXT,
    message_ids TEXT NOT NULL,
    timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_channel_posts_channel ON channel_posts(channel, id);
`

// MigrateDecisionSupersedes links an amendment to the decision it replaces.
// ALTER errors when the column exists; callers ignore that error.
const MigrateDecisionSupersedes = `ALTER TABLE decisions ADD COLUMN supersedes TEXT`

// Migrations returns the ordered migration steps. Version 1 is SchemaDDL.
func Migrations() []Migration {
	return []Migration{
		{Version: 2, SQL: MigrateChannelPosts},
		{Version: 2, SQL: MigrateDecisionSupersedes},
	}
}
