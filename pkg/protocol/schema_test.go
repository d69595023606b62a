package protocol_test

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"diverga/pkg/protocol"
)

func TestSchemaExecsCleanly(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("exec schema DDL: %v", err)
	}
	// Running twice must be harmless.
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("re-exec schema DDL: %v", err)
	}
}

func TestSchemaCreatesExpectedTables(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("exec schema DDL: %v", err)
	}
	for _, m := range protocol.Migrations() {
		_, _ = db.Exec(m.SQL)
	}

	expected := []string{
		"schema_version", "sequences", "checkpoints", "decisions", "project_state",
		"meta", "agents", "messages", "channels", "channel_posts",
	}
	for _, table := range expected {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("expected table %q not found: %v", table, err)
		}
	}

	if _, err := db.Exec(`SELECT supersedes FROM decisions`); err != nil {
		t.Errorf("decisions.supersedes missing after migrations: %v", err)
	}
}

func TestMigrationsAreOrdered(t *testing.T) {
	last := 1
	for _, m := range protocol.Migrations() {
		if m.Version < last {
			t.Fatalf("migration version %d follows %d", m.Version, last)
		}
		last = m.Version
	}
	if last != protocol.SchemaVersion {
		t.Errorf("last migration version = %d, want SchemaVersion %d", last, protocol.SchemaVersion)
	}
}
