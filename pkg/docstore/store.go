// Package docstore implements the document backend: the coordination state
// lives in YAML and JSON files under a project directory, so it can be read
// and versioned by humans.
//
// Guarantees are weaker than the relational backend. Writers in one process
// are serialized by a lock shared per root directory, and writers across
// processes by an exclusive lock file. Each file is replaced atomically
// (temp file + rename), but an Update touching several files commits them one
// by one; if a later write fails, earlier files stay written. Concurrent
// writers that bypass the lock (external editors) are last-write-wins.
package docstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"diverga/pkg/protocol"
	"diverga/pkg/store"
)

const (
	dirMode  = 0o755
	fileMode = 0o644

	defaultLockTimeout = 10 * time.Second
	defaultStaleAfter  = 30 * time.Second
	lockRetryInterval  = 10 * time.Millisecond
	lockFileName       = ".lock"
)

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var (
	_ store.Backend = (*Store)(nil)
	_ store.Watcher = (*Store)(nil)
)

// Store is the document backend rooted at a project directory.
type Store struct {
	root        string
	mu          *sync.RWMutex
	id          string
	logger      zerolog.Logger
	lockTimeout time.Duration
	staleAfter  time.Duration
	tracer      trace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for recovered read errors and lock events.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTracerProvider sets the provider transaction spans are recorded with.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) { s.tracer = store.Tracer(tp) }
}

// WithLockTimeout bounds how long Update waits for the cross-process lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithStaleLockAge sets the age after which an abandoned lock file is broken.
func WithStaleLockAge(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// Open prepares the document backend rooted at dir. The system directories
// are created on demand; existing documents are left untouched.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: research directory is required", protocol.ErrInvalidArgument)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve research directory: %w", err)
	}
	abs = filepath.Clean(abs)

	s := &Store{
		root:        abs,
		mu:          lockForPath(abs),
		id:          uuid.NewString(),
		logger:      zerolog.Nop(),
		lockTimeout: defaultLockTimeout,
		staleAfter:  defaultStaleAfter,
		tracer:      store.Tracer(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("backend", "document").Str("store_id", s.id).Logger()

	if err := os.MkdirAll(s.commDir(), dirMode); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", protocol.ErrStorage, s.commDir(), err)
	}
	return s, nil
}

// Root returns the absolute project directory.
func (s *Store) Root() string { return s.root }

// Update runs fn with exclusive access and writes every document fn changed.
// Nothing is written when fn returns an error.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	ctx, span := store.StartSpan(ctx, s.tracer, "docstore", "update")
	defer func() { store.EndSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.acquireFileLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx := newTx(s, false)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// View runs fn against the documents as currently on disk.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	_, span := store.StartSpan(ctx, s.tracer, "docstore", "view")
	defer func() { store.EndSpan(span, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(newTx(s, true))
}

// Close releases nothing; documents are closed after every operation.
func (s *Store) Close() error { return nil }

func (s *Store) researchPath(name string) string {
	return filepath.Join(s.root, protocol.ResearchDir, name)
}

func (s *Store) legacyPath(name string) string {
	return filepath.Join(s.root, protocol.SystemDir, name)
}

func (s *Store) systemPath(name string) string {
	return filepath.Join(s.root, protocol.SystemDir, name)
}

func (s *Store) commDir() string {
	return filepath.Join(s.root, protocol.SystemDir, protocol.CommDir)
}

func (s *Store) commPath(name string) string {
	return filepath.Join(s.commDir(), name)
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}
