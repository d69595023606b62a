// Package snapshot exports the coordination state to the document format and
// ingests it back, independent of which backend is live.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"diverga/pkg/protocol"
	"diverga/pkg/store"
)

// Export reads a complete snapshot in one consistent view.
func Export(ctx context.Context, b store.Backend, now time.Time) (protocol.Snapshot, error) {
	snap := protocol.Snapshot{
		Version:    protocol.ExportVersion,
		ExportedAt: protocol.FormatTime(now),
	}
	err := b.View(ctx, func(tx store.Tx) error {
		var err error
		if snap.ProjectState, err = tx.ProjectState(); err != nil {
			return err
		}
		if snap.Checkpoints, err = tx.Checkpoints(); err != nil {
			return err
		}
		if snap.Decisions, err = tx.Decisions(); err != nil {
			return err
		}
		snap.PriorityContext, err = tx.PriorityContext()
		return err
	})
	if err != nil {
		return protocol.Snapshot{}, fmt.Errorf("export snapshot: %w", err)
	}
	if snap.ProjectState == nil {
		snap.ProjectState = map[string]any{}
	}
	if snap.Checkpoints == nil {
		snap.Checkpoints = []protocol.Checkpoint{}
	}
	if snap.Decisions == nil {
		snap.Decisions = []protocol.Decision{}
	}
	return snap, nil
}

// Marshal renders a snapshot as YAML.
func Marshal(snap protocol.Snapshot) ([]byte, error) {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// Unmarshal parses a YAML snapshot.
func Unmarshal(data []byte) (protocol.Snapshot, error) {
	var snap protocol.Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return protocol.Snapshot{}, fmt.Errorf("%w: parse snapshot: %w", protocol.ErrCorrupt, err)
	}
	if err := normalizeSnapshot(&snap); err != nil {
		return protocol.Snapshot{}, fmt.Errorf("%w: parse snapshot: %w", protocol.ErrCorrupt, err)
	}
	return snap, nil
}

func normalizeSnapshot(snap *protocol.Snapshot) error {
	state, err := store.NormalizeTree(snap.ProjectState)
	if err != nil {
		return fmt.Errorf("project state: %w", err)
	}
	snap.ProjectState = state
	for i := range snap.Decisions {
		meta, err := store.NormalizeTree(snap.Decisions[i].Metadata)
		if err != nil {
			return fmt.Errorf("decision %s: %w", snap.Decisions[i].DecisionID, err)
		}
		snap.Decisions[i].Metadata = meta
	}
	return nil
}

// ImportResult counts what Import changed.
type ImportResult struct {
	Checkpoints      int      `json:"checkpoints"`
	Decisions        int      `json:"decisions"`
	SkippedDecisions []string `json:"skipped_decisions,omitempty"`
	ProjectKeys      int      `json:"project_keys"`
	PriorityContext  bool     `json:"priority_context"`
}

// Import writes a snapshot into b in one Update. Checkpoints are upserted,
// decisions keep their ids and are skipped when the id already exists, and
// the project state is deep-merged. Importing the same snapshot twice
// changes nothing the second time.
func Import(ctx context.Context, b store.Backend, snap protocol.Snapshot) (ImportResult, error) {
	var res ImportResult
	err := b.Update(ctx, func(tx store.Tx) error {
		for _, cp := range snap.Checkpoints {
			if cp.CheckpointID == "" {
				continue
			}
			if cp.Level == "" {
				cp.Level = protocol.CheckpointLevel(cp.CheckpointID)
			}
			if cp.Status == "" {
				cp.Status = protocol.CheckpointCompleted
			}
			if err := tx.PutCheckpoint(cp); err != nil {
				return err
			}
			res.Checkpoints++
		}

		existing, err := tx.Decisions()
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(existing))
		for _, d := range existing {
			seen[d.DecisionID] = true
		}
		for _, d := range snap.Decisions {
			if d.DecisionID == "" {
				continue
			}
			if seen[d.DecisionID] {
				res.SkippedDecisions = append(res.SkippedDecisions, d.DecisionID)
				continue
			}
			if d.Version == 0 {
				d.Version = 1
			}
			if err := tx.InsertDecision(d); err != nil {
				return err
			}
			seen[d.DecisionID] = true
			res.Decisions++
		}

		if len(snap.ProjectState) > 0 {
			state, err := tx.ProjectState()
			if err != nil {
				return err
			}
			if err := tx.PutProjectState(store.DeepMerge(state, snap.ProjectState)); err != nil {
				return err
			}
			res.ProjectKeys = len(snap.ProjectState)
		}

		if snap.PriorityContext != "" {
			if err := tx.PutPriorityContext(snap.PriorityContext); err != nil {
				return err
			}
			res.PriorityContext = true
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("import snapshot: %w", err)
	}
	return res, nil
}

// ExportDocuments writes checkpoints.yaml, decision-log.yaml and
// project-state.yaml into dir in the document backend's layout.
func ExportDocuments(ctx context.Context, b store.Backend, dir string, now time.Time) ([]string, error) {
	snap, err := Export(ctx, b, now)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", protocol.ErrStorage, dir, err)
	}

	cps := protocol.CheckpointsDoc{Checkpoints: map[string][]protocol.Checkpoint{protocol.ActiveList: snap.Checkpoints}}
	docs := []struct {
		name string
		v    any
	}{
		{protocol.CheckpointsFile, cps},
		{protocol.DecisionLogFile, protocol.DecisionLogDoc{Decisions: snap.Decisions}},
		{protocol.ProjectStateFile, snap.ProjectState},
	}

	written := make([]string, 0, len(docs))
	for _, doc := range docs {
		data, err := yaml.Marshal(doc.v)
		if err != nil {
			return written, fmt.Errorf("marshal %s: %w", doc.name, err)
		}
		path := filepath.Join(dir, doc.name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return written, fmt.Errorf("%w: write %s: %w", protocol.ErrStorage, path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// MigrateResult reports a MigrateDocuments run.
type MigrateResult struct {
	ImportResult
	Missing  []string `json:"missing,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// MigrateDocuments ingests the research documents found in dir (or in its
// research/ or .research/ subdirectory) into b. Missing documents are
// reported, malformed ones produce warnings, and neither fails the run.
func MigrateDocuments(ctx context.Context, b store.Backend, dir string) (MigrateResult, error) {
	var (
		res  MigrateResult
		snap protocol.Snapshot
	)

	var cps protocol.CheckpointsDoc
	if ok := readDocument(dir, protocol.CheckpointsFile, &cps, &res); ok {
		snap.Checkpoints = cps.All()
	}
	var log protocol.DecisionLogDoc
	if ok := readDocument(dir, protocol.DecisionLogFile, &log, &res); ok {
		snap.Decisions = log.Decisions
	}
	var state map[string]any
	if ok := readDocument(dir, protocol.ProjectStateFile, &state, &res); ok {
		snap.ProjectState = state
	}
	if err := normalizeSnapshot(&snap); err != nil {
		return res, fmt.Errorf("%w: migrate documents: %w", protocol.ErrCorrupt, err)
	}

	imported, err := Import(ctx, b, snap)
	if err != nil {
		return res, err
	}
	res.ImportResult = imported
	return res, nil
}

func readDocument(dir, name string, v any, res *MigrateResult) bool {
	for _, candidate := range []string{
		filepath.Join(dir, name),
		filepath.Join(dir, protocol.ResearchDir, name),
		filepath.Join(dir, protocol.SystemDir, name),
	} {
		data, err := os.ReadFile(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", candidate, err))
			return false
		}
		if err := yaml.Unmarshal(data, v); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", candidate, err))
			return false
		}
		return true
	}
	res.Missing = append(res.Missing, name)
	return false
}
