package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"diverga/pkg/protocol"
	"diverga/pkg/store"
)

var errReadOnly = errors.New("document store: write in read-only view")

type sequencesDoc struct {
	Sequences map[string]int `yaml:"sequences"`
}

type agentsDoc struct {
	Agents map[string]protocol.Agent `json:"agents"`
}

type messagesDoc struct {
	Messages []protocol.Message `json:"messages"`
}

type channelsDoc struct {
	Channels map[string]protocol.Channel `json:"channels"`
	Posts    []protocol.ChannelPost      `json:"posts,omitempty"`
}

// tx loads each document at most once and remembers which ones changed.
type tx struct {
	s        *Store
	readOnly bool

	checkpoints *protocol.CheckpointsDoc
	decisions   *protocol.DecisionLogDoc
	state       map[string]any
	priority    *string
	sequences   *sequencesDoc
	agents      *agentsDoc
	messages    *messagesDoc
	channels    *channelsDoc

	stateLoaded bool
	dirty       map[string]bool
}

var _ store.Tx = (*tx)(nil)

func newTx(s *Store, readOnly bool) *tx {
	return &tx{s: s, readOnly: readOnly, dirty: make(map[string]bool)}
}

func (t *tx) markDirty(doc string) error {
	if t.readOnly {
		return errReadOnly
	}
	t.dirty[doc] = true
	return nil
}

func (t *tx) loadCheckpoints() *protocol.CheckpointsDoc {
	if t.checkpoints == nil {
		doc := &protocol.CheckpointsDoc{}
		t.s.readResearchDoc(protocol.CheckpointsFile, doc)
		t.checkpoints = doc
	}
	return t.checkpoints
}

func (t *tx) Checkpoints() ([]protocol.Checkpoint, error) {
	return t.loadCheckpoints().All(), nil
}

func (t *tx) PutCheckpoint(cp protocol.Checkpoint) error {
	if err := t.markDirty(protocol.CheckpointsFile); err != nil {
		return err
	}
	t.loadCheckpoints().Put(cp)
	return nil
}

func (t *tx) loadDecisions() *protocol.DecisionLogDoc {
	if t.decisions == nil {
		doc := &protocol.DecisionLogDoc{}
		t.s.readResearchDoc(protocol.DecisionLogFile, doc)
		kept := doc.Decisions[:0]
		for _, d := range doc.Decisions {
			if d.DecisionID == "" {
				continue
			}
			if d.Version == 0 {
				d.Version = 1
			}
			if meta, err := store.NormalizeTree(d.Metadata); err == nil {
				d.Metadata = meta
			}
			kept = append(kept, d)
		}
		doc.Decisions = kept
		t.decisions = doc
	}
	return t.decisions
}

func (t *tx) Decisions() ([]protocol.Decision, error) {
	out := append([]protocol.Decision(nil), t.loadDecisions().Decisions...)
	sort.SliceStable(out, func(i, j int) bool {
		return protocol.SequenceDecision.CompareIDs(out[i].DecisionID, out[j].DecisionID) < 0
	})
	return out, nil
}

func (t *tx) InsertDecision(d protocol.Decision) error {
	if err := t.markDirty(protocol.DecisionLogFile); err != nil {
		return err
	}
	doc := t.loadDecisions()
	for _, existing := range doc.Decisions {
		if existing.DecisionID == d.DecisionID {
			return fmt.Errorf("%w: decision %s already exists", protocol.ErrInvalidArgument, d.DecisionID)
		}
	}
	meta, err := store.NormalizeTree(d.Metadata)
	if err != nil {
		return err
	}
	d.Metadata = meta
	doc.Decisions = append(doc.Decisions, d)
	return nil
}

func (t *tx) loadSequences() *sequencesDoc {
	if t.sequences == nil {
		doc := &sequencesDoc{}
		t.s.readDoc(t.s.systemPath(protocol.SequencesFile), doc, yaml.Unmarshal)
		if doc.Sequences == nil {
			doc.Sequences = make(map[string]int)
		}
		t.sequences = doc
	}
	return t.sequences
}

// NextID takes the larger of the stored counter and the highest id already
// in the ledger, so hand-written or imported entries are never reissued.
func (t *tx) NextID(seq protocol.Sequence) (int, error) {
	if err := t.markDirty(protocol.SequencesFile); err != nil {
		return 0, err
	}
	doc := t.loadSequences()
	current := doc.Sequences[string(seq)]

	var ids []string
	switch seq {
	case protocol.SequenceDecision:
		for _, d := range t.loadDecisions().Decisions {
			ids = append(ids, d.DecisionID)
		}
	case protocol.SequenceMessage:
		for _, m := range t.loadMessages().Messages {
			ids = append(ids, m.MessageID)
		}
	}
	for _, id := range ids {
		if n, ok := seq.Parse(id); ok && n > current {
			current = n
		}
	}

	next := current + 1
	doc.Sequences[string(seq)] = next
	return next, nil
}

func (t *tx) ProjectState() (map[string]any, error) {
	if !t.stateLoaded {
		var raw map[string]any
		t.s.readResearchDoc(protocol.ProjectStateFile, &raw)
		t.state = raw
		if normalized, err := store.NormalizeTree(raw); err == nil {
			t.state = normalized
		}
		if t.state == nil {
			t.state = map[string]any{}
		}
		t.stateLoaded = true
	}
	return store.DeepMerge(t.state, nil), nil
}

func (t *tx) PutProjectState(state map[string]any) error {
	if err := t.markDirty(protocol.ProjectStateFile); err != nil {
		return err
	}
	normalized, err := store.NormalizeTree(state)
	if err != nil {
		return err
	}
	t.state = normalized
	if t.state == nil {
		t.state = map[string]any{}
	}
	t.stateLoaded = true
	return nil
}

func (t *tx) PriorityContext() (string, error) {
	if t.priority == nil {
		text := ""
		data, err := os.ReadFile(t.s.systemPath(protocol.PriorityContextFile))
		if err == nil {
			text = string(data)
		}
		t.priority = &text
	}
	return *t.priority, nil
}

func (t *tx) PutPriorityContext(text string) error {
	if err := t.markDirty(protocol.PriorityContextFile); err != nil {
		return err
	}
	t.priority = &text
	return nil
}

func (t *tx) loadAgents() *agentsDoc {
	if t.agents == nil {
		doc := &agentsDoc{}
		t.s.readDoc(t.s.commPath(protocol.AgentsFile), doc, json.Unmarshal)
		if doc.Agents == nil {
			doc.Agents = make(map[string]protocol.Agent)
		}
		t.agents = doc
	}
	return t.agents
}

func (t *tx) Agents() ([]protocol.Agent, error) {
	doc := t.loadAgents()
	out := make([]protocol.Agent, 0, len(doc.Agents))
	for id, a := range doc.Agents {
		if a.AgentID == "" {
			a.AgentID = id
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (t *tx) Agent(id string) (*protocol.Agent, error) {
	a, ok := t.loadAgents().Agents[id]
	if !ok {
		return nil, nil
	}
	if a.AgentID == "" {
		a.AgentID = id
	}
	return &a, nil
}

func (t *tx) PutAgent(a protocol.Agent) error {
	if err := t.markDirty(protocol.AgentsFile); err != nil {
		return err
	}
	meta, err := store.NormalizeTree(a.Metadata)
	if err != nil {
		return err
	}
	a.Metadata = meta
	t.loadAgents().Agents[a.AgentID] = a
	return nil
}

func (t *tx) DeleteAgent(id string) (bool, error) {
	doc := t.loadAgents()
	if _, ok := doc.Agents[id]; !ok {
		return false, nil
	}
	if err := t.markDirty(protocol.AgentsFile); err != nil {
		return false, err
	}
	delete(doc.Agents, id)
	return true, nil
}

// loadMessages drops entries without an id or recipient; they cannot be
// addressed and would otherwise poison every mailbox read.
func (t *tx) loadMessages() *messagesDoc {
	if t.messages == nil {
		doc := &messagesDoc{}
		t.s.readDoc(t.s.commPath(protocol.MessagesFile), doc, json.Unmarshal)
		kept := doc.Messages[:0]
		for _, m := range doc.Messages {
			if m.MessageID == "" || m.To == "" {
				continue
			}
			if m.Priority == "" {
				m.Priority = protocol.PriorityNormal
			}
			kept = append(kept, m)
		}
		doc.Messages = kept
		sort.SliceStable(doc.Messages, func(i, j int) bool {
			return protocol.SequenceMessage.CompareIDs(doc.Messages[i].MessageID, doc.Messages[j].MessageID) < 0
		})
		t.messages = doc
	}
	return t.messages
}

func (t *tx) Messages(q store.MessageQuery) ([]protocol.Message, error) {
	return q.Filter(t.loadMessages().Messages), nil
}

func (t *tx) InsertMessage(m protocol.Message) error {
	if err := t.markDirty(protocol.MessagesFile); err != nil {
		return err
	}
	doc := t.loadMessages()
	for _, existing := range doc.Messages {
		if existing.MessageID == m.MessageID {
			return fmt.Errorf("%w: message %s already exists", protocol.ErrInvalidArgument, m.MessageID)
		}
	}
	doc.Messages = append(doc.Messages, m)
	return nil
}

func (t *tx) UpdateMessage(m protocol.Message) error {
	doc := t.loadMessages()
	for i := range doc.Messages {
		if doc.Messages[i].MessageID != m.MessageID {
			continue
		}
		if err := t.markDirty(protocol.MessagesFile); err != nil {
			return err
		}
		doc.Messages[i] = m
		return nil
	}
	return fmt.Errorf("message %s: %w", m.MessageID, protocol.ErrNotFound)
}

func (t *tx) loadChannels() *channelsDoc {
	if t.channels == nil {
		doc := &channelsDoc{}
		t.s.readDoc(t.s.commPath(protocol.ChannelsFile), doc, json.Unmarshal)
		if doc.Channels == nil {
			doc.Channels = make(map[string]protocol.Channel)
		}
		t.channels = doc
	}
	return t.channels
}

func (t *tx) Channels() ([]protocol.Channel, error) {
	doc := t.loadChannels()
	out := make([]protocol.Channel, 0, len(doc.Channels))
	for _, ch := range doc.Channels {
		ch.Members = append([]string(nil), ch.Members...)
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *tx) Channel(name string) (*protocol.Channel, error) {
	ch, ok := t.loadChannels().Channels[name]
	if !ok {
		return nil, nil
	}
	ch.Members = append([]string(nil), ch.Members...)
	return &ch, nil
}

func (t *tx) PutChannel(ch protocol.Channel) error {
	if err := t.markDirty(protocol.ChannelsFile); err != nil {
		return err
	}
	ch.Members = append([]string(nil), ch.Members...)
	t.loadChannels().Channels[ch.Name] = ch
	return nil
}

func (t *tx) AppendChannelPost(p protocol.ChannelPost) error {
	if err := t.markDirty(protocol.ChannelsFile); err != nil {
		return err
	}
	doc := t.loadChannels()
	doc.Posts = append(doc.Posts, p)
	return nil
}

func (t *tx) ChannelPosts(channel string) ([]protocol.ChannelPost, error) {
	var out []protocol.ChannelPost
	for _, p := range t.loadChannels().Posts {
		if p.Channel == channel {
			out = append(out, p)
		}
	}
	return out, nil
}

// commit writes changed documents. Ledger documents go first so a partial
// failure never leaves a counter or summary pointing at a missing entry.
func (t *tx) commit() error {
	type pending struct {
		name    string
		path    string
		payload func() ([]byte, error)
	}
	order := []pending{
		{protocol.DecisionLogFile, t.s.researchPath(protocol.DecisionLogFile), func() ([]byte, error) { return marshalYAML(t.decisions) }},
		{protocol.CheckpointsFile, t.s.researchPath(protocol.CheckpointsFile), func() ([]byte, error) { return marshalYAML(t.checkpoints) }},
		{protocol.ProjectStateFile, t.s.researchPath(protocol.ProjectStateFile), func() ([]byte, error) { return marshalYAML(t.state) }},
		{protocol.MessagesFile, t.s.commPath(protocol.MessagesFile), func() ([]byte, error) { return marshalJSON(t.messages) }},
		{protocol.AgentsFile, t.s.commPath(protocol.AgentsFile), func() ([]byte, error) { return marshalJSON(t.agents) }},
		{protocol.ChannelsFile, t.s.commPath(protocol.ChannelsFile), func() ([]byte, error) { return marshalJSON(t.channels) }},
		{protocol.SequencesFile, t.s.systemPath(protocol.SequencesFile), func() ([]byte, error) { return marshalYAML(t.sequences) }},
		{protocol.PriorityContextFile, t.s.systemPath(protocol.PriorityContextFile), func() ([]byte, error) { return []byte(*t.priority), nil }},
	}

	var written []string
	for _, p := range order {
		if !t.dirty[p.name] {
			continue
		}
		data, err := p.payload()
		if err != nil {
			return fmt.Errorf("%w: encode %s: %w", protocol.ErrStorage, p.name, err)
		}
		if err := writeFileAtomic(p.path, data); err != nil {
			if len(written) > 0 {
				t.s.logger.Error().Err(err).
					Str("failed", p.name).
					Str("written", strings.Join(written, ",")).
					Msg("document commit partially applied")
			}
			return fmt.Errorf("%w: %w", protocol.ErrStorage, err)
		}
		written = append(written, p.name)
	}
	return nil
}
