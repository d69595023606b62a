package docstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"diverga/pkg/docstore"
	"diverga/pkg/protocol"
	"diverga/pkg/store"
	"diverga/pkg/store/storetest"
)

func openStore(t *testing.T, dir string) *docstore.Store {
	t.Helper()
	s, err := docstore.Open(dir)
	if err != nil {
		t.Fatalf("open docstore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, dir string) store.Backend {
		return openStore(t, dir)
	})
}

func TestTransactionsAreTraced(t *testing.T) {
	storetest.RunTracing(t, "docstore", func(t *testing.T, tp trace.TracerProvider) store.Backend {
		s, err := docstore.Open(t.TempDir(), docstore.WithTracerProvider(tp))
		if err != nil {
			t.Fatalf("open docstore: %v", err)
		}
		return s
	})
}

func TestOpenRequiresDirectory(t *testing.T) {
	_, err := docstore.Open("")
	if !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestOpenCreatesCommDirectory(t *testing.T) {
	dir := t.TempDir()
	openStore(t, dir)

	info, err := os.Stat(filepath.Join(dir, ".research", "comm"))
	if err != nil || !info.IsDir() {
		t.Fatalf(".research/comm not created: %v", err)
	}
}

func TestWritesDocumentsInResearchDir(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	err := s.Update(context.Background(), func(tx store.Tx) error {
		if err := tx.PutCheckpoint(protocol.Checkpoint{CheckpointID: "CP_A", Status: protocol.CheckpointCompleted}); err != nil {
			return err
		}
		if err := tx.InsertDecision(protocol.Decision{DecisionID: "DEV_001", CheckpointID: "CP_A", Selected: "x", Version: 1}); err != nil {
			return err
		}
		return tx.PutProjectState(map[string]any{"stage": "design"})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	for _, name := range []string{"checkpoints.yaml", "decision-log.yaml", "project-state.yaml"} {
		data, err := os.ReadFile(filepath.Join(dir, "research", name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(data) == 0 {
			t.Errorf("%s is empty", name)
		}
	}

	data, _ := os.ReadFile(filepath.Join(dir, "research", "checkpoints.yaml"))
	if !strings.Contains(string(data), "active:") {
		t.Errorf("checkpoints.yaml should group records under active:\n%s", data)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "research", "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestMalformedDocumentsReadAsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	write := func(rel, content string) {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("research/checkpoints.yaml", "checkpoints: [not: valid: yaml")
	write("research/project-state.yaml", "- just\n- a list\n")
	write(".research/comm/messages.json", "invalid json [")
	write(".research/comm/agents.json", "{")

	err := s.View(context.Background(), func(tx store.Tx) error {
		cps, err := tx.Checkpoints()
		if err != nil || len(cps) != 0 {
			t.Errorf("checkpoints = %v, %v; want empty", cps, err)
		}
		st, err := tx.ProjectState()
		if err != nil || len(st) != 0 {
			t.Errorf("project state = %v, %v; want empty", st, err)
		}
		msgs, err := tx.Messages(store.MessageQuery{To: "a1"})
		if err != nil || len(msgs) != 0 {
			t.Errorf("messages = %v, %v; want empty", msgs, err)
		}
		agents, err := tx.Agents()
		if err != nil || len(agents) != 0 {
			t.Errorf("agents = %v, %v; want empty", agents, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	// Writing over a corrupt document replaces it.
	err = s.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutProjectState(map[string]any{"stage": "recovered"})
	})
	if err != nil {
		t.Fatalf("update after corruption: %v", err)
	}
}

func TestMessagesWithMissingFieldsAreSkipped(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	raw := `{"messages": [
  {"message_id": "msg_001", "from": "a1"},
  {"message_id": "msg_002", "from": "a1", "to": "a2", "content": "ok", "timestamp": "2025-01-10T00:00:00.000Z"}
]}`
	if err := os.WriteFile(filepath.Join(dir, ".research", "comm", "messages.json"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	err := s.View(context.Background(), func(tx store.Tx) error {
		msgs, err := tx.Messages(store.MessageQuery{})
		if err != nil {
			return err
		}
		if len(msgs) != 1 || msgs[0].MessageID != "msg_002" {
			t.Errorf("expected only msg_002, got %+v", msgs)
		}
		if msgs[0].Priority != protocol.PriorityNormal {
			t.Errorf("missing priority should default to normal, got %q", msgs[0].Priority)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestLegacyResearchDirFallback(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	legacy := "decisions:\n  - decision_id: DEV_001\n    checkpoint_id: CP_RESEARCH_DIRECTION\n    selected: meta-analysis\n    timestamp: \"2025-01-10T00:00:00.000Z\"\n"
	if err := os.WriteFile(filepath.Join(dir, ".research", "decision-log.yaml"), []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	err := s.View(context.Background(), func(tx store.Tx) error {
		ds, err := tx.Decisions()
		if err != nil {
			return err
		}
		if len(ds) != 1 || ds[0].DecisionID != "DEV_001" {
			t.Fatalf("legacy decision not read: %+v", ds)
		}
		if ds[0].Version != 1 {
			t.Errorf("missing version should default to 1, got %d", ds[0].Version)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	// New writes land in research/ and take precedence from then on.
	err = s.Update(context.Background(), func(tx store.Tx) error {
		n, err := tx.NextID(protocol.SequenceDecision)
		if err != nil {
			return err
		}
		if n != 2 {
			t.Errorf("NextID after legacy DEV_001 = %d, want 2", n)
		}
		return tx.InsertDecision(protocol.Decision{
			DecisionID: protocol.SequenceDecision.Format(n), CheckpointID: "CP_X", Selected: "y", Version: 1,
		})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "research", "decision-log.yaml")); err != nil {
		t.Fatalf("research/decision-log.yaml not written: %v", err)
	}
}

func TestStaleLockIsBroken(t *testing.T) {
	dir := t.TempDir()
	s, err := docstore.Open(dir, docstore.WithStaleLockAge(50*time.Millisecond), docstore.WithLockTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	lock := filepath.Join(dir, ".research", ".lock")
	if err := os.WriteFile(lock, []byte("someone-else"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(lock, old, old); err != nil {
		t.Fatal(err)
	}

	err = s.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutPriorityContext("after stale lock")
	})
	if err != nil {
		t.Fatalf("update with stale lock: %v", err)
	}
	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Errorf("lock file should be released after update, stat err = %v", err)
	}
}

func TestHeldLockTimesOut(t *testing.T) {
	dir := t.TempDir()
	s, err := docstore.Open(dir, docstore.WithLockTimeout(60*time.Millisecond))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	lock := filepath.Join(dir, ".research", ".lock")
	if err := os.WriteFile(lock, []byte("another-process"), 0o644); err != nil {
		t.Fatal(err)
	}

	err = s.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutPriorityContext("blocked")
	})
	if !errors.Is(err, protocol.ErrStorage) {
		t.Fatalf("expected ErrStorage while lock is held, got %v", err)
	}
}

func TestWatchSignalsMessageWrites(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := s.Watch(ctx)
	if err != nil {
		t.Skipf("watcher unavailable: %v", err)
	}

	err = s.Update(context.Background(), func(tx store.Tx) error {
		return tx.InsertMessage(protocol.Message{
			MessageID: "msg_001", From: "a1", To: "a2", Content: "hi",
			Priority: protocol.PriorityNormal, Timestamp: "2025-01-10T00:00:00.000Z",
		})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change signal after writing messages.json")
	}

	cancel()
	for range changes {
	}
}
