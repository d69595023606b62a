package snapshot_test

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"diverga/pkg/checkpoint"
	"diverga/pkg/memory"
	"diverga/pkg/protocol"
	"diverga/pkg/snapshot"
	"diverga/pkg/store"
	"diverga/pkg/store/storetest"
)

var exportTime = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, b store.Backend) {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }

	cps, err := checkpoint.New(b, checkpoint.DefaultMap(), checkpoint.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	mem, err := memory.New(b, memory.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cps.MarkCheckpoint(ctx, "CP_RESEARCH_DIRECTION", "AI adoption", "gap"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := mem.AddDecision(ctx, memory.DecisionInput{
		CheckpointID: "CP_PARADIGM_SELECTION", Selected: "quantitative",
		Alternatives: []string{"qualitative", "mixed"}, Metadata: map[string]any{"agent": "a5", "confidence": 0.9},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := mem.AmendDecision(ctx, "DEV_002", memory.Amendment{Selected: "mixed"}); err != nil {
		t.Fatalf("amend: %v", err)
	}
	if _, err := mem.UpdateProjectState(ctx, map[string]any{
		"title":    "Nursing AI",
		"research": map[string]any{"question": "RQ1", "sample": 120, "tags": []any{"ai", "nursing"}},
	}); err != nil {
		t.Fatalf("state: %v", err)
	}
}

func TestRoundTripAcrossBackends(t *testing.T) {
	for srcName, openSrc := range storetest.Backends() {
		for dstName, openDst := range storetest.Backends() {
			t.Run(srcName+"_to_"+dstName, func(t *testing.T) {
				ctx := context.Background()
				src := openSrc(t, t.TempDir())
				seed(t, src)

				exported, err := snapshot.Export(ctx, src, exportTime)
				if err != nil {
					t.Fatalf("export: %v", err)
				}
				data, err := snapshot.Marshal(exported)
				if err != nil {
					t.Fatalf("marshal: %v", err)
				}
				parsed, err := snapshot.Unmarshal(data)
				if err != nil {
					t.Fatalf("unmarshal: %v", err)
				}

				dst := openDst(t, t.TempDir())
				res, err := snapshot.Import(ctx, dst, parsed)
				if err != nil {
					t.Fatalf("import: %v", err)
				}
				if res.Checkpoints != 1 || res.Decisions != 3 || !res.PriorityContext {
					t.Errorf("import result = %+v", res)
				}

				again, err := snapshot.Export(ctx, dst, exportTime)
				if err != nil {
					t.Fatalf("re-export: %v", err)
				}
				if !reflect.DeepEqual(exported, again) {
					t.Errorf("round trip differs:\n src %+v\n dst %+v", exported, again)
				}

				// Counters continue after the imported ids.
				mem, _ := memory.New(dst)
				next, err := mem.AddDecision(ctx, memory.DecisionInput{CheckpointID: "CP_X", Selected: "y"})
				if err != nil || next.DecisionID != "DEV_004" {
					t.Errorf("next decision = %+v, %v", next, err)
				}
			})
		}
	}
}

func TestImportIsIdempotent(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		src := storetest.OpenDocuments(t, t.TempDir())
		seed(t, src)
		snap, err := snapshot.Export(ctx, src, exportTime)
		if err != nil {
			t.Fatalf("export: %v", err)
		}

		if _, err := snapshot.Import(ctx, b, snap); err != nil {
			t.Fatalf("first import: %v", err)
		}
		res, err := snapshot.Import(ctx, b, snap)
		if err != nil {
			t.Fatalf("second import: %v", err)
		}
		if res.Decisions != 0 || len(res.SkippedDecisions) != 3 {
			t.Errorf("second import = %+v", res)
		}
		after, _ := snapshot.Export(ctx, b, exportTime)
		if len(after.Decisions) != 3 || len(after.Checkpoints) != 1 {
			t.Errorf("after = %d decisions, %d checkpoints", len(after.Decisions), len(after.Checkpoints))
		}
	})
}

func TestExportEmptyStore(t *testing.T) {
	snap, err := snapshot.Export(context.Background(), storetest.OpenRelational(t, t.TempDir()), exportTime)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if snap.Version != protocol.ExportVersion || snap.ExportedAt != "2025-04-01T12:00:00.000Z" {
		t.Errorf("header = %q %q", snap.Version, snap.ExportedAt)
	}
	if snap.ProjectState == nil || snap.Decisions == nil || snap.Checkpoints == nil {
		t.Errorf("empty sections should be empty, not nil: %+v", snap)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := snapshot.Unmarshal([]byte("version: [unclosed")); err == nil {
		t.Fatal("expected error")
	}
}

func TestExportDocumentsThenMigrate(t *testing.T) {
	ctx := context.Background()
	src := storetest.OpenRelational(t, t.TempDir())
	seed(t, src)

	outDir := filepath.Join(t.TempDir(), "export")
	written, err := snapshot.ExportDocuments(ctx, src, outDir, exportTime)
	if err != nil {
		t.Fatalf("export documents: %v", err)
	}
	if len(written) != 3 {
		t.Fatalf("written = %v", written)
	}
	for _, name := range []string{protocol.CheckpointsFile, protocol.DecisionLogFile, protocol.ProjectStateFile} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("%s missing: %v", name, err)
		}
	}

	dst := storetest.OpenRelational(t, t.TempDir())
	res, err := snapshot.MigrateDocuments(ctx, dst, outDir)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if res.Checkpoints != 1 || res.Decisions != 3 || len(res.Missing) != 0 || len(res.Warnings) != 0 {
		t.Errorf("migrate result = %+v", res)
	}

	res, err = snapshot.MigrateDocuments(ctx, dst, outDir)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if res.Decisions != 0 || len(res.SkippedDecisions) != 3 {
		t.Errorf("second migrate = %+v", res)
	}

	want, _ := snapshot.Export(ctx, src, exportTime)
	got, _ := snapshot.Export(ctx, dst, exportTime)
	if !reflect.DeepEqual(want.Decisions, got.Decisions) || !reflect.DeepEqual(want.ProjectState, got.ProjectState) {
		t.Errorf("migrated content differs")
	}
}

func TestMigrateDocumentsReportsProblems(t *testing.T) {
	dir := t.TempDir()
	research := filepath.Join(dir, protocol.ResearchDir)
	if err := os.MkdirAll(research, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(research, protocol.DecisionLogFile), []byte("decisions: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(research, protocol.ProjectStateFile), []byte("title: Found\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := storetest.OpenDocuments(t, t.TempDir())
	res, err := snapshot.MigrateDocuments(context.Background(), b, dir)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !reflect.DeepEqual(res.Missing, []string{protocol.CheckpointsFile}) {
		t.Errorf("missing = %v", res.Missing)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], protocol.DecisionLogFile) {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if res.ProjectKeys != 1 {
		t.Errorf("project keys = %d", res.ProjectKeys)
	}
}
