package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"diverga/pkg/docstore"
	"diverga/pkg/protocol"
	"diverga/pkg/sqlstore"
	"diverga/pkg/store"
)

// Backends lists an Opener for every backend, keyed by name.
func Backends() map[string]Opener {
	return map[string]Opener{
		"documents":  OpenDocuments,
		"relational": OpenRelational,
	}
}

// OpenDocuments opens a document store rooted at dir.
func OpenDocuments(t *testing.T, dir string) store.Backend {
	t.Helper()
	s, err := docstore.Open(dir)
	if err != nil {
		t.Fatalf("open document store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// OpenRelational opens a relational store in dir's system directory.
func OpenRelational(t *testing.T, dir string) store.Backend {
	t.Helper()
	path := filepath.Join(dir, protocol.SystemDir, protocol.DatabaseFile)
	s, err := sqlstore.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open relational store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ForEachBackend runs fn as a subtest against a fresh store of every kind.
func ForEachBackend(t *testing.T, fn func(t *testing.T, b store.Backend)) {
	t.Helper()
	for _, name := range []string{"documents", "relational"} {
		open := Backends()[name]
		t.Run(name, func(t *testing.T) {
			fn(t, open(t, t.TempDir()))
		})
	}
}

// ForEachBackendPair runs fn with two handles opened on one fresh root for
// every backend kind. The handles behave like two processes sharing state.
func ForEachBackendPair(t *testing.T, fn func(t *testing.T, first, second store.Backend)) {
	t.Helper()
	for _, name := range []string{"documents", "relational"} {
		open := Backends()[name]
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			fn(t, open(t, dir), open(t, dir))
		})
	}
}
