// Package sqlstore implements the relational backend on SQLite. Every
// Update runs in an immediate transaction, so a write either lands with its
// audit trail or not at all, and concurrent processes queue on the database
// lock (busy timeout) instead of failing.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	_ "modernc.org/sqlite" // SQLite driver

	"diverga/pkg/protocol"
	"diverga/pkg/store"
)

const busyTimeoutMillis = 5000

var _ store.Backend = (*Store)(nil)

// Store is the relational backend.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
	now    func() time.Time
	tracer trace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for migrations and recovered rows.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTracerProvider sets the provider transaction spans are recorded with.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) { s.tracer = store.Tracer(tp) }
}

// Open opens (or creates) the database at path, enforces WAL mode and a busy
// timeout on every pooled connection, and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: database path is required", protocol.ErrInvalidArgument)
	}

	s := &Store{path: path, logger: zerolog.Nop(), now: time.Now, tracer: store.Tracer(nil)}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("backend", "relational").Str("path", path).Logger()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create database directory: %w", protocol.ErrStorage, err)
		}
	}

	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	s.db = db

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// openDB opens a SQLite database and enforces production-safe defaults:
// WAL journal mode, a 5-second busy timeout and immediate transactions.
// Pragmas go in the DSN so every connection of the pool gets them.
func openDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if path != ":memory:" {
		var mode string
		if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("read journal mode of %s: %w", path, err)
		}
		if mode != "wal" {
			_ = db.Close()
			return nil, fmt.Errorf("%w: %s is in %s journal mode, want wal", protocol.ErrStorage, path, mode)
		}
	}

	return db, nil
}

func dsn(path string) string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
	params.Add("_pragma", "foreign_keys(1)")
	if path != ":memory:" {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	params.Set("_txlock", "immediate")
	if path == ":memory:" {
		return "file::memory:?" + params.Encode()
	}
	return "file:" + path + "?" + params.Encode()
}

// migrate applies SchemaDDL and then every migration newer than the recorded
// version. ALTER steps error when already applied; those errors are ignored.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		return fmt.Errorf("%w: apply schema: %w", protocol.ErrStorage, err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	stamp := protocol.FormatTime(s.now())
	if current == 0 {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`, stamp); err != nil {
			return fmt.Errorf("%w: record schema version: %w", protocol.ErrStorage, err)
		}
		current = 1
	}

	applied := current
	for _, m := range protocol.Migrations() {
		if m.Version <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.SQL); err != nil {
			s.logger.Debug().Err(err).Int("version", m.Version).Msg("migration step skipped")
		}
		applied = max(applied, m.Version)
	}
	for v := current + 1; v <= applied; v++ {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`, v, stamp); err != nil {
			return fmt.Errorf("%w: record schema version: %w", protocol.ErrStorage, err)
		}
	}
	if applied != current {
		s.logger.Info().Int("from", current).Int("to", applied).Msg("schema migrated")
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sequences (name, value) VALUES (?, 0), (?, 0)`,
		string(protocol.SequenceDecision), string(protocol.SequenceMessage)); err != nil {
		return fmt.Errorf("%w: seed sequences: %w", protocol.ErrStorage, err)
	}
	return nil
}

// SchemaVersion returns the highest applied schema version, 0 for a database
// that has never been migrated.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for diagnostics and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Update runs fn inside an immediate transaction and commits when fn
// returns nil.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	ctx, span := store.StartSpan(ctx, s.tracer, "sqlstore", "update")
	defer func() { store.EndSpan(span, err) }()
	return s.run(ctx, false, fn)
}

// View runs fn inside a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	ctx, span := store.StartSpan(ctx, s.tracer, "sqlstore", "view")
	defer func() { store.EndSpan(span, err) }()
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", protocol.ErrStorage, err)
	}

	t := &tx{ctx: ctx, q: sqlTx, readOnly: readOnly, now: s.now, logger: s.logger}
	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if readOnly {
		_ = sqlTx.Rollback()
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", protocol.ErrStorage, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
