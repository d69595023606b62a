// Package checkpoint gates agents on human-approved decision checkpoints.
// An agent may proceed once every prerequisite checkpoint in the dependency
// map has passed, either as a completed checkpoint record or as a decision
// in the ledger.
package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"diverga/pkg/memory"
	"diverga/pkg/protocol"
	"diverga/pkg/store"
)

// Service implements the checkpoint operations.
type Service struct {
	backend  store.Backend
	deps     DepMap
	logger   zerolog.Logger
	nowFunc  func() time.Time
	maxChars int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFunc = now }
}

// WithPriorityLimit caps the priority context written by MarkCheckpoint.
func WithPriorityLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxChars = n
		}
	}
}

// New returns a Service. Both the backend and the dependency map are
// required.
func New(b store.Backend, deps DepMap, opts ...Option) (*Service, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: checkpoint: nil backend", protocol.ErrInvalidArgument)
	}
	if deps == nil {
		return nil, fmt.Errorf("%w: checkpoint: nil dependency map", protocol.ErrInvalidArgument)
	}
	s := &Service{
		backend:  b,
		deps:     deps,
		logger:   zerolog.Nop(),
		nowFunc:  time.Now,
		maxChars: protocol.DefaultPriorityMaxChars,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Deps returns the dependency map in use.
func (s *Service) Deps() DepMap { return s.deps }

// PrereqResult is the outcome of CheckPrerequisites.
type PrereqResult struct {
	Approved       bool     `json:"approved"`
	Agent          string   `json:"agent"`
	Missing        []string `json:"missing"`
	OwnCheckpoints []string `json:"own_checkpoints"`
	Message        string   `json:"message"`
}

// passedState is the set of checkpoints that count as passed.
type passedState struct {
	passed    map[string]bool
	pending   []string
	decisions int
}

func readPassed(tx store.Tx) (passedState, error) {
	st := passedState{passed: make(map[string]bool)}
	cps, err := tx.Checkpoints()
	if err != nil {
		return st, err
	}
	decisions, err := tx.Decisions()
	if err != nil {
		return st, err
	}
	for _, cp := range cps {
		if cp.Status == protocol.CheckpointCompleted {
			st.passed[cp.CheckpointID] = true
		}
	}
	for _, d := range decisions {
		st.passed[d.CheckpointID] = true
	}
	for _, cp := range cps {
		if cp.Status != protocol.CheckpointCompleted && !st.passed[cp.CheckpointID] {
			st.pending = append(st.pending, cp.CheckpointID)
		}
	}
	st.decisions = len(decisions)
	return st, nil
}

// passedSnapshot reads the passed set. A store that cannot be read counts
// as nothing passed, which only blocks agents that have prerequisites.
func (s *Service) passedSnapshot(ctx context.Context) passedState {
	var st passedState
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		st, err = readPassed(tx)
		return err
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("checkpoint state unreadable, treating as empty")
		return passedState{passed: map[string]bool{}}
	}
	return st
}

// CheckPrerequisites reports whether agentID may proceed. Agents missing
// from the dependency map are always approved.
func (s *Service) CheckPrerequisites(ctx context.Context, agentID string) (PrereqResult, error) {
	if strings.TrimSpace(agentID) == "" {
		return PrereqResult{}, fmt.Errorf("%w: agent id is required", protocol.ErrInvalidArgument)
	}
	return s.evaluate(agentID, s.passedSnapshot(ctx).passed), nil
}

func (s *Service) evaluate(agentID string, passed map[string]bool) PrereqResult {
	key, known := s.deps.Resolve(agentID)
	res := PrereqResult{
		Approved:       true,
		Agent:          key,
		Missing:        []string{},
		OwnCheckpoints: []string{},
	}
	if !known {
		res.Message = fmt.Sprintf("%s has no registered dependencies; approved", key)
		return res
	}

	deps := s.deps[key]
	res.OwnCheckpoints = append(res.OwnCheckpoints, deps.OwnCheckpoints...)
	switch {
	case deps.EntryPoint:
		res.Message = fmt.Sprintf("%s is an entry point; no prerequisites", key)
		return res
	case len(deps.Prerequisites) == 0:
		res.Message = fmt.Sprintf("%s has no prerequisites", key)
		return res
	}

	for _, cp := range deps.Prerequisites {
		if !passed[cp] {
			res.Missing = append(res.Missing, cp)
		}
	}
	if len(res.Missing) > 0 {
		res.Approved = false
		res.Message = fmt.Sprintf("%s blocked: missing %s", key, strings.Join(res.Missing, ", "))
		return res
	}
	res.Message = "All prerequisites met"
	return res
}

// MarkResult is returned by MarkCheckpoint.
type MarkResult struct {
	Recorded     bool   `json:"recorded"`
	CheckpointID string `json:"checkpoint_id"`
	DecisionID   string `json:"decision_id"`
}

// MarkCheckpoint completes a checkpoint. The record upsert, the decision
// append and the priority-context refresh commit together or not at all.
func (s *Service) MarkCheckpoint(ctx context.Context, checkpointID, decision, rationale string) (MarkResult, error) {
	checkpointID = strings.TrimSpace(checkpointID)
	if checkpointID == "" {
		return MarkResult{}, fmt.Errorf("%w: checkpoint_id is required", protocol.ErrInvalidArgument)
	}
	if strings.TrimSpace(decision) == "" {
		return MarkResult{}, fmt.Errorf("%w: decision is required", protocol.ErrInvalidArgument)
	}

	now := protocol.FormatTime(s.nowFunc())
	var d protocol.Decision
	err := s.backend.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutCheckpoint(protocol.Checkpoint{
			CheckpointID: checkpointID,
			Status:       protocol.CheckpointCompleted,
			Level:        protocol.CheckpointLevel(checkpointID),
			Decision:     decision,
			Rationale:    rationale,
			CompletedAt:  now,
		}); err != nil {
			return err
		}
		var err error
		d, err = memory.AppendDecision(tx, memory.DecisionInput{
			CheckpointID: checkpointID,
			Selected:     decision,
			Rationale:    rationale,
		}, now)
		if err != nil {
			return err
		}
		_, err = memory.WritePriority(tx, markSummary(d), s.maxChars)
		return err
	})
	if err != nil {
		return MarkResult{}, fmt.Errorf("mark checkpoint %s: %w", checkpointID, err)
	}

	s.logger.Info().
		Str("checkpoint_id", checkpointID).
		Str("decision_id", d.DecisionID).
		Str("level", string(protocol.CheckpointLevel(checkpointID))).
		Msg("checkpoint marked")
	return MarkResult{Recorded: true, CheckpointID: checkpointID, DecisionID: d.DecisionID}, nil
}

func markSummary(d protocol.Decision) string {
	s := fmt.Sprintf("Checkpoint %s completed (%s): %s", d.CheckpointID, d.DecisionID, d.Selected)
	if d.Rationale != "" {
		s += " | " + d.Rationale
	}
	return s
}

// Blocked is an agent with unmet prerequisites.
type Blocked struct {
	Agent   string   `json:"agent"`
	Missing []string `json:"missing"`
}

// StatusReport aggregates checkpoint progress across all agents.
type StatusReport struct {
	Passed         []string  `json:"passed"`
	Pending        []string  `json:"pending"`
	Blocked        []Blocked `json:"blocked"`
	TotalDecisions int       `json:"total_decisions"`
}

// Status reports passed and pending checkpoints and every blocked agent.
func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	var st passedState
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		st, err = readPassed(tx)
		return err
	})
	if err != nil {
		return StatusReport{}, fmt.Errorf("checkpoint status: %w", err)
	}

	rep := StatusReport{
		Passed:         make([]string, 0, len(st.passed)),
		Pending:        append([]string{}, st.pending...),
		Blocked:        []Blocked{},
		TotalDecisions: st.decisions,
	}
	for id := range st.passed {
		rep.Passed = append(rep.Passed, id)
	}
	sort.Strings(rep.Passed)
	sort.Strings(rep.Pending)

	for _, agent := range s.deps.Agents() {
		if res := s.evaluate(agent, st.passed); !res.Approved {
			rep.Blocked = append(rep.Blocked, Blocked{Agent: agent, Missing: res.Missing})
		}
	}
	return rep, nil
}

func (s *Service) checkpoints(ctx context.Context) ([]protocol.Checkpoint, error) {
	var cps []protocol.Checkpoint
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		cps, err = tx.Checkpoints()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return cps, nil
}

// Checkpoint returns the record for id, or nil when none exists.
func (s *Service) Checkpoint(ctx context.Context, id string) (*protocol.Checkpoint, error) {
	cps, err := s.checkpoints(ctx)
	if err != nil {
		return nil, err
	}
	for i := range cps {
		if cps[i].CheckpointID == id {
			return &cps[i], nil
		}
	}
	return nil, nil //nolint:nilnil // absent is not an error
}

// ListCheckpoints returns every record, most recently completed first.
func (s *Service) ListCheckpoints(ctx context.Context) ([]protocol.Checkpoint, error) {
	cps, err := s.checkpoints(ctx)
	if err != nil {
		return nil, err
	}
	// reverse first so that equal timestamps keep newest-written first
	for i, j := 0, len(cps)-1; i < j; i, j = i+1, j-1 {
		cps[i], cps[j] = cps[j], cps[i]
	}
	sort.SliceStable(cps, func(i, j int) bool {
		return cps[i].CompletedAt > cps[j].CompletedAt
	})
	return cps, nil
}

// IsApproved reports whether a checkpoint has passed.
func (s *Service) IsApproved(ctx context.Context, id string) (bool, error) {
	var approved bool
	err := s.backend.View(ctx, func(tx store.Tx) error {
		st, err := readPassed(tx)
		approved = st.passed[id]
		return err
	})
	if err != nil {
		return false, fmt.Errorf("checkpoint approval: %w", err)
	}
	return approved, nil
}

// ByLevel returns the records whose level matches, case-insensitively.
func (s *Service) ByLevel(ctx context.Context, level string) ([]protocol.Checkpoint, error) {
	lvl, ok := protocol.ParseLevel(level)
	if !ok {
		return nil, fmt.Errorf("%w: unknown level %q", protocol.ErrInvalidArgument, level)
	}
	cps, err := s.checkpoints(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Checkpoint, 0, len(cps))
	for _, cp := range cps {
		l := cp.Level
		if l == "" {
			l = protocol.CheckpointLevel(cp.CheckpointID)
		}
		if l == lvl {
			out = append(out, cp)
		}
	}
	return out, nil
}

// Level resolves a checkpoint's level without touching the store.
func Level(checkpointID string) protocol.Level {
	return protocol.CheckpointLevel(checkpointID)
}

// Stage returns the workflow stage a checkpoint belongs to, or "".
func Stage(checkpointID string) string {
	return protocol.StageOf(checkpointID)
}
