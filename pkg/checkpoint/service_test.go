package checkpoint_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"diverga/pkg/checkpoint"
	"diverga/pkg/memory"
	"diverga/pkg/protocol"
	"diverga/pkg/store"
	"diverga/pkg/store/storetest"
)

func clockAt(ts string) func() time.Time {
	t, err := time.Parse(protocol.TimeFormat, ts)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t }
}

func scenarioMap() checkpoint.DepMap {
	return checkpoint.DepMap{
		"a1": {EntryPoint: true, OwnCheckpoints: []string{"CP_A"}},
		"b1": {OwnCheckpoints: []string{"CP_B"}},
		"c5": {Prerequisites: []string{"CP_A", "CP_B"}, OwnCheckpoints: []string{"CP_C"}},
	}
}

func newService(t *testing.T, b store.Backend, deps checkpoint.DepMap, opts ...checkpoint.Option) *checkpoint.Service {
	t.Helper()
	svc, err := checkpoint.New(b, deps, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewValidation(t *testing.T) {
	b := storetest.OpenDocuments(t, t.TempDir())
	if _, err := checkpoint.New(nil, scenarioMap()); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Errorf("nil backend: %v", err)
	}
	if _, err := checkpoint.New(b, nil); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Errorf("nil map: %v", err)
	}
}

func TestPrerequisiteScenario(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b, scenarioMap())
		ctx := context.Background()

		res, err := svc.CheckPrerequisites(ctx, "c5")
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if res.Approved || !reflect.DeepEqual(res.Missing, []string{"CP_A", "CP_B"}) {
			t.Fatalf("initial = %+v", res)
		}
		if !reflect.DeepEqual(res.OwnCheckpoints, []string{"CP_C"}) {
			t.Errorf("own = %v", res.OwnCheckpoints)
		}

		if _, err := svc.MarkCheckpoint(ctx, "CP_A", "yes", ""); err != nil {
			t.Fatalf("mark A: %v", err)
		}
		res, _ = svc.CheckPrerequisites(ctx, "c5")
		if res.Approved || !reflect.DeepEqual(res.Missing, []string{"CP_B"}) {
			t.Fatalf("after A = %+v", res)
		}

		if _, err := svc.MarkCheckpoint(ctx, "CP_B", "yes", ""); err != nil {
			t.Fatalf("mark B: %v", err)
		}
		res, _ = svc.CheckPrerequisites(ctx, "c5")
		if !res.Approved || len(res.Missing) != 0 || res.Message != "All prerequisites met" {
			t.Fatalf("after B = %+v", res)
		}
	})
}

func TestCheckPrerequisitesAgentResolution(t *testing.T) {
	svc := newService(t, storetest.OpenDocuments(t, t.TempDir()), scenarioMap())
	ctx := context.Background()

	tests := []struct {
		name     string
		agent    string
		key      string
		approved bool
		message  string
	}{
		{"suffixed id", "C5-meta-analysis", "c5", false, "blocked: missing"},
		{"padded upper case", "  C5 ", "c5", false, "blocked"},
		{"entry point", "a1", "a1", true, "entry point"},
		{"no prerequisites", "b1-searcher", "b1", true, "no prerequisites"},
		{"unknown agent", "z9", "z9", true, "approved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.CheckPrerequisites(ctx, tt.agent)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if res.Agent != tt.key || res.Approved != tt.approved {
				t.Errorf("got agent %q approved %v", res.Agent, res.Approved)
			}
			if !strings.Contains(res.Message, tt.message) {
				t.Errorf("message %q does not contain %q", res.Message, tt.message)
			}
		})
	}

	if _, err := svc.CheckPrerequisites(ctx, " "); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Errorf("blank agent: %v", err)
	}
}

func TestUnknownAgentsAlwaysApproved(t *testing.T) {
	svc := newService(t, storetest.OpenRelational(t, t.TempDir()), checkpoint.DefaultMap())
	for _, id := range []string{"x1", "orchestrator", "zz-top", "q"} {
		res, err := svc.CheckPrerequisites(context.Background(), id)
		if err != nil || !res.Approved {
			t.Errorf("%s: %+v, %v", id, res, err)
		}
	}
}

func TestDecisionLedgerSatisfiesPrerequisites(t *testing.T) {
	b := storetest.OpenDocuments(t, t.TempDir())
	svc := newService(t, b, scenarioMap())
	mem, err := memory.New(b)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	ctx := context.Background()

	for _, cp := range []string{"CP_A", "CP_B"} {
		if _, err := mem.AddDecision(ctx, memory.DecisionInput{CheckpointID: cp, Selected: "x"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	res, _ := svc.CheckPrerequisites(ctx, "c5")
	if !res.Approved {
		t.Fatalf("decisions alone should satisfy prerequisites: %+v", res)
	}
}

func TestMarkCheckpointTwiceKeepsOneRecord(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b, checkpoint.DefaultMap())
		ctx := context.Background()

		first, err := svc.MarkCheckpoint(ctx, "CP_PARADIGM_SELECTION", "qualitative", "first take")
		if err != nil {
			t.Fatalf("mark: %v", err)
		}
		second, err := svc.MarkCheckpoint(ctx, "CP_PARADIGM_SELECTION", "mixed", "second take")
		if err != nil {
			t.Fatalf("mark: %v", err)
		}
		if !second.Recorded || first.DecisionID != "DEV_001" || second.DecisionID != "DEV_002" {
			t.Fatalf("results = %+v, %+v", first, second)
		}

		cps, err := svc.ListCheckpoints(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(cps) != 1 {
			t.Fatalf("records = %d, want 1", len(cps))
		}
		cp := cps[0]
		if cp.Decision != "mixed" || cp.Rationale != "second take" || cp.Level != protocol.LevelRequired {
			t.Errorf("record = %+v", cp)
		}

		var priority string
		_ = b.View(ctx, func(tx store.Tx) error {
			priority, _ = tx.PriorityContext()
			return nil
		})
		if !strings.Contains(priority, "CP_PARADIGM_SELECTION") || !strings.Contains(priority, "mixed") {
			t.Errorf("priority context = %q", priority)
		}
	})
}

func TestConcurrentMarksFromTwoHandles(t *testing.T) {
	storetest.ForEachBackendPair(t, func(t *testing.T, first, second store.Backend) {
		services := []*checkpoint.Service{
			newService(t, first, checkpoint.DefaultMap()),
			newService(t, second, checkpoint.DefaultMap()),
		}
		ctx := context.Background()

		const n = 10
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			results []checkpoint.MarkResult
			errs    []error
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := services[i%2].MarkCheckpoint(ctx, fmt.Sprintf("CP_PARALLEL_%02d", i), fmt.Sprintf("choice %d", i), "")
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				results = append(results, res)
			}(i)
		}
		wg.Wait()
		if len(errs) != 0 {
			t.Fatalf("mark errors: %v", errs)
		}

		got := make([]string, 0, n)
		for _, r := range results {
			got = append(got, r.DecisionID)
		}
		sort.Strings(got)
		for i, id := range got {
			if want := protocol.SequenceDecision.Format(i + 1); id != want {
				t.Fatalf("decision ids = %v, want DEV_001..DEV_%03d", got, n)
			}
		}

		mem, err := memory.New(first)
		if err != nil {
			t.Fatalf("memory: %v", err)
		}
		ledger, err := mem.ListDecisions(ctx, memory.DecisionFilter{})
		if err != nil || len(ledger) != n {
			t.Fatalf("ledger = %d entries, %v", len(ledger), err)
		}
		cps, err := services[1].ListCheckpoints(ctx)
		if err != nil || len(cps) != n {
			t.Fatalf("checkpoint records = %d, %v", len(cps), err)
		}
		records := map[string]protocol.Checkpoint{}
		for _, cp := range cps {
			records[cp.CheckpointID] = cp
		}
		for _, d := range ledger {
			cp, ok := records[d.CheckpointID]
			if !ok || cp.Decision != d.Selected {
				t.Errorf("decision %s (%s=%q) has record %+v", d.DecisionID, d.CheckpointID, d.Selected, cp)
			}
		}
	})
}

func TestMarkCheckpointValidation(t *testing.T) {
	svc := newService(t, storetest.OpenDocuments(t, t.TempDir()), scenarioMap())
	ctx := context.Background()
	if _, err := svc.MarkCheckpoint(ctx, "", "x", ""); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Errorf("empty id: %v", err)
	}
	if _, err := svc.MarkCheckpoint(ctx, "CP_A", " ", ""); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Errorf("empty decision: %v", err)
	}
}

func TestStatus(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b, scenarioMap())
		ctx := context.Background()

		err := b.Update(ctx, func(tx store.Tx) error {
			return tx.PutCheckpoint(protocol.Checkpoint{CheckpointID: "CP_B", Status: protocol.CheckpointPending})
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		if _, err := svc.MarkCheckpoint(ctx, "CP_A", "ok", ""); err != nil {
			t.Fatalf("mark: %v", err)
		}

		rep, err := svc.Status(ctx)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		want := checkpoint.StatusReport{
			Passed:         []string{"CP_A"},
			Pending:        []string{"CP_B"},
			Blocked:        []checkpoint.Blocked{{Agent: "c5", Missing: []string{"CP_B"}}},
			TotalDecisions: 1,
		}
		if !reflect.DeepEqual(rep, want) {
			t.Fatalf("status = %+v\nwant %+v", rep, want)
		}
	})
}

func TestCrossBackendParity(t *testing.T) {
	type result struct {
		status    checkpoint.StatusReport
		state     map[string]any
		decisions []protocol.Decision
	}
	run := func(t *testing.T, b store.Backend) result {
		t.Helper()
		clock := clockAt("2025-03-01T10:00:00.000Z")
		cps := newService(t, b, checkpoint.DefaultMap(), checkpoint.WithClock(clock))
		mem, err := memory.New(b, memory.WithClock(clock))
		if err != nil {
			t.Fatalf("memory: %v", err)
		}
		ctx := context.Background()

		steps := []func() error{
			func() error { _, err := cps.MarkCheckpoint(ctx, "CP_RESEARCH_DIRECTION", "AI in nursing", "gap"); return err },
			func() error {
				_, err := mem.UpdateProjectState(ctx, map[string]any{"research": map[string]any{"q": "RQ1", "n": 3}})
				return err
			},
			func() error {
				_, err := mem.AddDecision(ctx, memory.DecisionInput{
					CheckpointID: "CP_PARADIGM_SELECTION", Selected: "quantitative",
					Alternatives: []string{"qualitative"}, Metadata: map[string]any{"agent": "a5", "score": 0.8},
				})
				return err
			},
			func() error {
				_, err := mem.UpdateProjectState(ctx, map[string]any{"research": map[string]any{"paradigm": "quant"}, "list": []any{1, "two"}})
				return err
			},
			func() error { _, err := cps.MarkCheckpoint(ctx, "CP_RESEARCH_DIRECTION", "AI in ICU nursing", ""); return err },
			func() error { _, err := mem.AmendDecision(ctx, "DEV_002", memory.Amendment{Selected: "mixed"}); return err },
		}
		for i, step := range steps {
			if err := step(); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}

		var r result
		if r.status, err = cps.Status(ctx); err != nil {
			t.Fatalf("status: %v", err)
		}
		if r.state, err = mem.ReadProjectState(ctx); err != nil {
			t.Fatalf("state: %v", err)
		}
		if r.decisions, err = mem.ListDecisions(ctx, memory.DecisionFilter{}); err != nil {
			t.Fatalf("decisions: %v", err)
		}
		return r
	}

	docs := run(t, storetest.OpenDocuments(t, t.TempDir()))
	rel := run(t, storetest.OpenRelational(t, t.TempDir()))

	if !reflect.DeepEqual(docs.status, rel.status) {
		t.Errorf("status differs:\n docs %+v\n rel  %+v", docs.status, rel.status)
	}
	if !reflect.DeepEqual(docs.state, rel.state) {
		t.Errorf("project state differs:\n docs %#v\n rel  %#v", docs.state, rel.state)
	}
	if !reflect.DeepEqual(docs.decisions, rel.decisions) {
		t.Errorf("decisions differ:\n docs %+v\n rel  %+v", docs.decisions, rel.decisions)
	}
	if len(docs.decisions) != 4 || docs.decisions[3].Version != 2 {
		t.Errorf("unexpected ledger: %+v", docs.decisions)
	}
}

func TestListCheckpointsNewestFirst(t *testing.T) {
	b := storetest.OpenRelational(t, t.TempDir())
	ctx := context.Background()
	for _, step := range []struct{ id, ts string }{
		{"CP_RESEARCH_DIRECTION", "2025-01-01T00:00:00.000Z"},
		{"CP_PARADIGM_SELECTION", "2025-01-03T00:00:00.000Z"},
		{"CP_VS_ARBITRARY", "2025-01-02T00:00:00.000Z"},
	} {
		svc := newService(t, b, scenarioMap(), checkpoint.WithClock(clockAt(step.ts)))
		if _, err := svc.MarkCheckpoint(ctx, step.id, "x", ""); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	svc := newService(t, b, scenarioMap())

	cps, err := svc.ListCheckpoints(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, cp := range cps {
		ids = append(ids, cp.CheckpointID)
	}
	want := []string{"CP_PARADIGM_SELECTION", "CP_VS_ARBITRARY", "CP_RESEARCH_DIRECTION"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("order = %v, want %v", ids, want)
	}

	required, err := svc.ByLevel(ctx, "required")
	if err != nil {
		t.Fatalf("by level: %v", err)
	}
	if len(required) != 3 {
		t.Errorf("required = %d, want 3 (CP_VS_ prefix counts)", len(required))
	}
	if _, err := svc.ByLevel(ctx, "critical"); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Errorf("bad level: %v", err)
	}

	cp, err := svc.Checkpoint(ctx, "CP_VS_ARBITRARY")
	if err != nil || cp == nil || cp.CompletedAt != "2025-01-02T00:00:00.000Z" {
		t.Errorf("checkpoint = %+v, %v", cp, err)
	}
	if cp, _ := svc.Checkpoint(ctx, "CP_NONE"); cp != nil {
		t.Errorf("absent checkpoint = %+v", cp)
	}

	ok, err := svc.IsApproved(ctx, "CP_PARADIGM_SELECTION")
	if err != nil || !ok {
		t.Errorf("approved = %v, %v", ok, err)
	}
	if ok, _ := svc.IsApproved(ctx, "CP_SCOPE_DEFINITION"); ok {
		t.Error("unmarked checkpoint reported approved")
	}
}

func TestLevelAndStage(t *testing.T) {
	tests := []struct {
		id    string
		level protocol.Level
		stage string
	}{
		{"CP_RESEARCH_DIRECTION", protocol.LevelRequired, "foundation"},
		{"CP_VARIABLE_DEFINITION", protocol.LevelRecommended, "theory"},
		{"CP_PEER_REVIEW", protocol.LevelOptional, "validation"},
		{"CP_VS_SOMETHING", protocol.LevelRequired, ""},
		{"CP_MADE_UP", protocol.LevelUnknown, ""},
	}
	for _, tt := range tests {
		if got := checkpoint.Level(tt.id); got != tt.level {
			t.Errorf("Level(%s) = %s, want %s", tt.id, got, tt.level)
		}
		if got := checkpoint.Stage(tt.id); got != tt.stage {
			t.Errorf("Stage(%s) = %q, want %q", tt.id, got, tt.stage)
		}
	}
}
