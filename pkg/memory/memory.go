// Package memory keeps the project's research memory: the free-form project
// state tree, the append-only decision ledger, and the bounded priority
// context that summarizes the latest decision for the next session.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"diverga/pkg/protocol"
	"diverga/pkg/snapshot"
	"diverga/pkg/store"
)

// StageKey is the project-state key holding the current research stage.
const StageKey = "stage"

// Service implements the memory operations over any store.Backend.
type Service struct {
	backend  store.Backend
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

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFunc = now }
}

// WithPriorityLimit sets the default priority-context cap in characters.
func WithPriorityLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxChars = n
		}
	}
}

// New returns a Service backed by b.
func New(b store.Backend, opts ...Option) (*Service, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: memory: nil backend", protocol.ErrInvalidArgument)
	}
	s := &Service{
		backend:  b,
		logger:   zerolog.Nop(),
		nowFunc:  time.Now,
		maxChars: protocol.DefaultPriorityMaxChars,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Backend returns the store the service writes to.
func (s *Service) Backend() store.Backend { return s.backend }

func (s *Service) now() string { return protocol.FormatTime(s.nowFunc()) }

// ReadProjectState returns the whole state tree. A store without state
// yields an empty map.
func (s *Service) ReadProjectState(ctx context.Context) (map[string]any, error) {
	var state map[string]any
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		state, err = tx.ProjectState()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read project state: %w", err)
	}
	if state == nil {
		state = map[string]any{}
	}
	return state, nil
}

// UpdateResult is returned by UpdateProjectState.
type UpdateResult struct {
	Updated bool           `json:"updated"`
	State   map[string]any `json:"state"`
}

// UpdateProjectState deep-merges updates into the state tree and returns
// the merged result. Maps merge key by key; any other value, lists
// included, replaces what was there.
func (s *Service) UpdateProjectState(ctx context.Context, updates map[string]any) (UpdateResult, error) {
	normalized, err := store.NormalizeTree(updates)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("update project state: %w", err)
	}
	var merged map[string]any
	err = s.backend.Update(ctx, func(tx store.Tx) error {
		state, err := tx.ProjectState()
		if err != nil {
			return err
		}
		merged = store.DeepMerge(state, normalized)
		if len(updates) == 0 {
			return nil
		}
		return tx.PutProjectState(merged)
	})
	if err != nil {
		return UpdateResult{}, fmt.Errorf("update project state: %w", err)
	}
	if merged == nil {
		merged = map[string]any{}
	}
	s.logger.Debug().Int("keys", len(updates)).Msg("project state updated")
	return UpdateResult{Updated: true, State: merged}, nil
}

// SetStage records the current research stage in the project state.
func (s *Service) SetStage(ctx context.Context, stage string) error {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return fmt.Errorf("%w: stage is required", protocol.ErrInvalidArgument)
	}
	_, err := s.UpdateProjectState(ctx, map[string]any{StageKey: stage})
	return err
}

// GetStage returns the recorded stage, or "" when none is set.
func (s *Service) GetStage(ctx context.Context) (string, error) {
	state, err := s.ReadProjectState(ctx)
	if err != nil {
		return "", err
	}
	stage, _ := state[StageKey].(string)
	return stage, nil
}

// DecisionInput describes a new ledger entry.
type DecisionInput struct {
	CheckpointID string         `json:"checkpoint_id"`
	Selected     string         `json:"selected"`
	Rationale    string         `json:"rationale,omitempty"`
	Alternatives []string       `json:"alternatives,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// DecisionResult is returned by AddDecision.
type DecisionResult struct {
	Recorded   bool   `json:"recorded"`
	DecisionID string `json:"decision_id"`
}

// AddDecision appends a decision to the ledger and refreshes the priority
// context with its summary.
func (s *Service) AddDecision(ctx context.Context, in DecisionInput) (DecisionResult, error) {
	if err := validateDecision(in); err != nil {
		return DecisionResult{}, err
	}
	var d protocol.Decision
	err := s.backend.Update(ctx, func(tx store.Tx) error {
		var err error
		d, err = AppendDecision(tx, in, s.now())
		if err != nil {
			return err
		}
		_, err = WritePriority(tx, DecisionSummary(d), s.maxChars)
		return err
	})
	if err != nil {
		return DecisionResult{}, fmt.Errorf("add decision: %w", err)
	}
	s.logger.Info().
		Str("decision_id", d.DecisionID).
		Str("checkpoint_id", d.CheckpointID).
		Int("version", d.Version).
		Msg("decision recorded")
	return DecisionResult{Recorded: true, DecisionID: d.DecisionID}, nil
}

func validateDecision(in DecisionInput) error {
	if strings.TrimSpace(in.CheckpointID) == "" {
		return fmt.Errorf("%w: checkpoint_id is required", protocol.ErrInvalidArgument)
	}
	if strings.TrimSpace(in.Selected) == "" {
		return fmt.Errorf("%w: selected is required", protocol.ErrInvalidArgument)
	}
	return nil
}

// AppendDecision allocates the next decision id and inserts the entry inside
// an open transaction. Entries for a checkpoint that already has decisions
// become the next version and supersede the latest one.
func AppendDecision(tx store.Tx, in DecisionInput, timestamp string) (protocol.Decision, error) {
	if err := validateDecision(in); err != nil {
		return protocol.Decision{}, err
	}
	existing, err := tx.Decisions()
	if err != nil {
		return protocol.Decision{}, err
	}
	latest := latestFor(existing, in.CheckpointID)
	metadata, err := store.NormalizeTree(in.Metadata)
	if err != nil {
		return protocol.Decision{}, fmt.Errorf("decision metadata: %w", err)
	}

	n, err := tx.NextID(protocol.SequenceDecision)
	if err != nil {
		return protocol.Decision{}, err
	}
	d := protocol.Decision{
		DecisionID:             protocol.SequenceDecision.Format(n),
		CheckpointID:           in.CheckpointID,
		Selected:               in.Selected,
		Rationale:              in.Rationale,
		AlternativesConsidered: append([]string(nil), in.Alternatives...),
		Metadata:               metadata,
		Timestamp:              timestamp,
		Version:                1,
	}
	if len(d.Metadata) == 0 {
		d.Metadata = nil
	}
	if latest != nil {
		d.Version = latest.Version + 1
		d.Supersedes = latest.DecisionID
	}
	if err := tx.InsertDecision(d); err != nil {
		return protocol.Decision{}, err
	}
	return d, nil
}

func latestFor(decisions []protocol.Decision, checkpointID string) *protocol.Decision {
	var latest *protocol.Decision
	for i := range decisions {
		d := &decisions[i]
		if d.CheckpointID != checkpointID {
			continue
		}
		if latest == nil || d.Version > latest.Version {
			latest = d
		}
	}
	return latest
}

// DecisionSummary is the priority-context line for a decision.
func DecisionSummary(d protocol.Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", d.DecisionID, d.CheckpointID, d.Selected)
	if d.Version > 1 {
		fmt.Fprintf(&b, " (v%d, supersedes %s)", d.Version, d.Supersedes)
	}
	if d.Rationale != "" {
		b.WriteString(" | ")
		b.WriteString(d.Rationale)
	}
	return b.String()
}

// DecisionFilter narrows ListDecisions. After is inclusive, Before is
// exclusive; both compare against the ISO timestamp as strings, so a bare
// date such as "2025-01-09" works.
type DecisionFilter struct {
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Agent        string `json:"agent,omitempty"`
	After        string `json:"after,omitempty"`
	Before       string `json:"before,omitempty"`
}

func (f DecisionFilter) match(d protocol.Decision) bool {
	switch {
	case f.CheckpointID != "" && d.CheckpointID != f.CheckpointID:
		return false
	case f.After != "" && d.Timestamp < f.After:
		return false
	case f.Before != "" && d.Timestamp >= f.Before:
		return false
	}
	if f.Agent != "" {
		agent, _ := d.Metadata["agent"].(string)
		if protocol.NormalizeAgentID(agent) != protocol.NormalizeAgentID(f.Agent) {
			return false
		}
	}
	return true
}

// ListDecisions returns matching decisions in ascending id order.
func (s *Service) ListDecisions(ctx context.Context, f DecisionFilter) ([]protocol.Decision, error) {
	all, err := s.decisions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Decision, 0, len(all))
	for _, d := range all {
		if f.match(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Service) decisions(ctx context.Context) ([]protocol.Decision, error) {
	var all []protocol.Decision
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		all, err = tx.Decisions()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return all, nil
}

// GetDecision returns one decision by id.
func (s *Service) GetDecision(ctx context.Context, id string) (*protocol.Decision, error) {
	all, err := s.decisions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].DecisionID == id {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("%w: decision %s", protocol.ErrNotFound, id)
}

// DecisionHistory returns every version recorded for a checkpoint, oldest
// version first.
func (s *Service) DecisionHistory(ctx context.Context, checkpointID string) ([]protocol.Decision, error) {
	list, err := s.ListDecisions(ctx, DecisionFilter{CheckpointID: checkpointID})
	if err != nil {
		return nil, err
	}
	// ids grow with versions, so ledger order is already version order
	return list, nil
}

// CurrentDecision returns the highest version for a checkpoint, or nil.
func (s *Service) CurrentDecision(ctx context.Context, checkpointID string) (*protocol.Decision, error) {
	all, err := s.decisions(ctx)
	if err != nil {
		return nil, err
	}
	latest := latestFor(all, checkpointID)
	if latest == nil {
		return nil, nil //nolint:nilnil // absent is not an error
	}
	d := *latest
	return &d, nil
}

// Amendment replaces the selection of an existing decision.
type Amendment struct {
	Selected  string         `json:"selected"`
	Rationale string         `json:"rationale,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AmendDecision appends a new version of decision id. Only the latest
// version of a checkpoint may be amended. A matching checkpoint record is
// updated to carry the new selection.
func (s *Service) AmendDecision(ctx context.Context, id string, a Amendment) (protocol.Decision, error) {
	if strings.TrimSpace(a.Selected) == "" {
		return protocol.Decision{}, fmt.Errorf("%w: selected is required", protocol.ErrInvalidArgument)
	}
	var amended protocol.Decision
	err := s.backend.Update(ctx, func(tx store.Tx) error {
		all, err := tx.Decisions()
		if err != nil {
			return err
		}
		var prior *protocol.Decision
		for i := range all {
			if all[i].DecisionID == id {
				prior = &all[i]
				break
			}
		}
		if prior == nil {
			return fmt.Errorf("%w: decision %s", protocol.ErrNotFound, id)
		}
		if latest := latestFor(all, prior.CheckpointID); latest.DecisionID != prior.DecisionID {
			return fmt.Errorf("%w: decision %s is superseded by %s", protocol.ErrInvalidArgument, id, latest.DecisionID)
		}

		rationale := a.Rationale
		if rationale == "" {
			rationale = prior.Rationale
		}
		metadata := prior.Metadata
		if a.Metadata != nil {
			metadata = store.DeepMerge(prior.Metadata, a.Metadata)
		}
		amended, err = AppendDecision(tx, DecisionInput{
			CheckpointID: prior.CheckpointID,
			Selected:     a.Selected,
			Rationale:    rationale,
			Alternatives: prior.AlternativesConsidered,
			Metadata:     metadata,
		}, s.now())
		if err != nil {
			return err
		}

		cps, err := tx.Checkpoints()
		if err != nil {
			return err
		}
		for _, cp := range cps {
			if cp.CheckpointID != prior.CheckpointID {
				continue
			}
			cp.Decision = amended.Selected
			cp.Rationale = amended.Rationale
			if err := tx.PutCheckpoint(cp); err != nil {
				return err
			}
		}
		_, err = WritePriority(tx, DecisionSummary(amended), s.maxChars)
		return err
	})
	if err != nil {
		return protocol.Decision{}, fmt.Errorf("amend decision: %w", err)
	}
	s.logger.Info().
		Str("decision_id", amended.DecisionID).
		Str("supersedes", amended.Supersedes).
		Msg("decision amended")
	return amended, nil
}

// ReadPriorityContext returns the priority buffer, "" when unset.
func (s *Service) ReadPriorityContext(ctx context.Context) (string, error) {
	var text string
	err := s.backend.View(ctx, func(tx store.Tx) error {
		var err error
		text, err = tx.PriorityContext()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("read priority context: %w", err)
	}
	return text, nil
}

// WriteResult is returned by WritePriorityContext.
type WriteResult struct {
	Written bool `json:"written"`
	Length  int  `json:"length"`
}

// WritePriorityContext overwrites the buffer with text truncated to
// maxChars characters. A maxChars of zero uses the service default.
func (s *Service) WritePriorityContext(ctx context.Context, text string, maxChars int) (WriteResult, error) {
	if maxChars < 0 {
		return WriteResult{}, fmt.Errorf("%w: max_chars must not be negative", protocol.ErrInvalidArgument)
	}
	if maxChars == 0 {
		maxChars = s.maxChars
	}
	var n int
	err := s.backend.Update(ctx, func(tx store.Tx) error {
		var err error
		n, err = WritePriority(tx, text, maxChars)
		return err
	})
	if err != nil {
		return WriteResult{}, fmt.Errorf("write priority context: %w", err)
	}
	return WriteResult{Written: true, Length: n}, nil
}

// WritePriority truncates text to maxChars characters and stores it inside
// an open transaction. It returns the stored length in characters.
func WritePriority(tx store.Tx, text string, maxChars int) (int, error) {
	text = Truncate(text, maxChars)
	if err := tx.PutPriorityContext(text); err != nil {
		return 0, err
	}
	return len([]rune(text)), nil
}

// Truncate cuts s to at most n characters. n <= 0 leaves s unchanged.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ExportToYAML renders the current snapshot as a YAML document.
func (s *Service) ExportToYAML(ctx context.Context) (string, error) {
	snap, err := snapshot.Export(ctx, s.backend, s.nowFunc())
	if err != nil {
		return "", err
	}
	data, err := snapshot.Marshal(snap)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
