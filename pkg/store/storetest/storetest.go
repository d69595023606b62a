// Package storetest is a conformance suite every store.Backend must pass.
// Running the same sequences against both backends is what keeps their
// observable behavior identical.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diverga/pkg/protocol"
	"diverga/pkg/store"
)

// Opener opens a backend rooted in dir. Calling it twice with the same dir
// must reopen the same persisted state.
type Opener func(t *testing.T, dir string) store.Backend

// Run executes the suite.
func Run(t *testing.T, open Opener) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, open Opener)
	}{
		{"CheckpointUpsertKeepsOneRecord", testCheckpointUpsert},
		{"DecisionSequenceIsGapless", testDecisionSequence},
		{"ConcurrentAppendsAcrossHandles", testConcurrentAppends},
		{"SequenceSkipsExplicitIDs", testSequenceFloor},
		{"SequencesAreIndependent", testIndependentSequences},
		{"ProjectStateRoundTrip", testProjectState},
		{"PriorityContext", testPriorityContext},
		{"Agents", testAgents},
		{"MessageQueries", testMessageQueries},
		{"UpdateUnknownMessage", testUpdateUnknownMessage},
		{"ChannelsAndPosts", testChannels},
		{"FailedUpdateWritesNothing", testRollback},
		{"ViewRejectsWrites", testViewReadOnly},
		{"StatePersistsAcrossReopen", testReopen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open)
		})
	}
}

func update(t *testing.T, b store.Backend, fn func(tx store.Tx) error) {
	t.Helper()
	require.NoError(t, b.Update(context.Background(), fn))
}

func view(t *testing.T, b store.Backend, fn func(tx store.Tx) error) {
	t.Helper()
	require.NoError(t, b.View(context.Background(), fn))
}

func testCheckpointUpsert(t *testing.T, open Opener) {
	b := open(t, t.TempDir())

	update(t, b, func(tx store.Tx) error {
		if err := tx.PutCheckpoint(protocol.Checkpoint{
			CheckpointID: "CP_A", Status: protocol.CheckpointPending, Level: protocol.LevelRequired,
		}); err != nil {
			return err
		}
		return tx.PutCheckpoint(protocol.Checkpoint{
			CheckpointID: "CP_B", Status: protocol.CheckpointCompleted, Level: protocol.LevelUnknown,
		})
	})
	update(t, b, func(tx store.Tx) error {
		return tx.PutCheckpoint(protocol.Checkpoint{
			CheckpointID: "CP_A", Status: protocol.CheckpointCompleted, Level: protocol.LevelRequired,
			Decision: "second", Rationale: "why", CompletedAt: "2025-01-10T00:00:00.000Z",
		})
	})

	view(t, b, func(tx store.Tx) error {
		cps, err := tx.Checkpoints()
		require.NoError(t, err)
		require.Len(t, cps, 2)
		assert.Equal(t, "CP_A", cps[0].CheckpointID)
		assert.Equal(t, protocol.CheckpointCompleted, cps[0].Status)
		assert.Equal(t, "second", cps[0].Decision)
		assert.Equal(t, "why", cps[0].Rationale)
		assert.Equal(t, "CP_B", cps[1].CheckpointID)
		return nil
	})
}

func appendDecision(tx store.Tx, checkpointID, selected string) (protocol.Decision, error) {
	n, err := tx.NextID(protocol.SequenceDecision)
	if err != nil {
		return protocol.Decision{}, err
	}
	d := protocol.Decision{
		DecisionID:   protocol.SequenceDecision.Format(n),
		CheckpointID: checkpointID,
		Selected:     selected,
		Timestamp:    "2025-01-10T00:00:00.000Z",
		Version:      1,
	}
	return d, tx.InsertDecision(d)
}

func testDecisionSequence(t *testing.T, open Opener) {
	b := open(t, t.TempDir())

	var ids []string
	for i := 0; i < 12; i++ {
		update(t, b, func(tx store.Tx) error {
			d, err := appendDecision(tx, "CP_X", "opt")
			ids = append(ids, d.DecisionID)
			return err
		})
	}
	assert.Equal(t, "DEV_001", ids[0])
	assert.Equal(t, "DEV_012", ids[11])

	view(t, b, func(tx store.Tx) error {
		ds, err := tx.Decisions()
		require.NoError(t, err)
		require.Len(t, ds, 12)
		for i, d := range ds {
			assert.Equal(t, protocol.SequenceDecision.Format(i+1), d.DecisionID)
		}
		return nil
	})
}

func testConcurrentAppends(t *testing.T, open Opener) {
	dir := t.TempDir()
	handles := []store.Backend{open(t, dir), open(t, dir)}

	const perHandle = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, b := range handles {
		for i := 0; i < perHandle; i++ {
			wg.Add(1)
			go func(b store.Backend) {
				defer wg.Done()
				err := b.Update(context.Background(), func(tx store.Tx) error {
					_, err := appendDecision(tx, "CP_X", "opt")
					return err
				})
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}(b)
		}
	}
	wg.Wait()
	require.Empty(t, errs)

	for _, b := range handles {
		view(t, b, func(tx store.Tx) error {
			ds, err := tx.Decisions()
			require.NoError(t, err)
			require.Len(t, ds, 2*perHandle)
			for i, d := range ds {
				assert.Equal(t, protocol.SequenceDecision.Format(i+1), d.DecisionID)
			}
			return nil
		})
	}
}

func testSequenceFloor(t *testing.T, open Opener) {
	b := open(t, t.TempDir())

	update(t, b, func(tx store.Tx) error {
		return tx.InsertDecision(protocol.Decision{
			DecisionID: "DEV_005", CheckpointID: "CP_X", Selected: "imported",
			Timestamp: "2025-01-01T00:00:00.000Z", Version: 1,
		})
	})
	update(t, b, func(tx store.Tx) error {
		d, err := appendDecision(tx, "CP_X", "next")
		assert.Equal(t, "DEV_006", d.DecisionID)
		return err
	})

	err := b.Update(context.Background(), func(tx store.Tx) error {
		return tx.InsertDecision(protocol.Decision{
			DecisionID: "DEV_005", CheckpointID: "CP_Y", Selected: "dup",
			Timestamp: "2025-01-01T00:00:00.000Z", Version: 1,
		})
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrInvalidArgument))
}

func testIndependentSequences(t *testing.T, open Opener) {
	b := open(t, t.TempDir())

	update(t, b, func(tx store.Tx) error {
		d, err := tx.NextID(protocol.SequenceDecision)
		require.NoError(t, err)
		m1, err := tx.NextID(protocol.SequenceMessage)
		require.NoError(t, err)
		m2, err := tx.NextID(protocol.SequenceMessage)
		require.NoError(t, err)
		assert.Equal(t, 1, d)
		assert.Equal(t, 1, m1)
		assert.Equal(t, 2, m2)
		return nil
	})
}

func testProjectState(t *testing.T, open Opener) {
	b := open(t, t.TempDir())

	view(t, b, func(tx store.Tx) error {
		st, err := tx.ProjectState()
		require.NoError(t, err)
		assert.Empty(t, st)
		return nil
	})

	update(t, b, func(tx store.Tx) error {
		return tx.PutProjectState(map[string]any{
			"stage":  "screening",
			"counts": map[string]any{"papers": 12, "kept": 3},
			"tags":   []any{"a", "b"},
		})
	})

	view(t, b, func(tx store.Tx) error {
		st, err := tx.ProjectState()
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"stage":  "screening",
			"counts": map[string]any{"papers": float64(12), "kept": float64(3)},
			"tags":   []any{"a", "b"},
		}, st)
		return nil
	})

	update(t, b, func(tx store.Tx) error {
		return tx.PutProjectState(map[string]any{"stage": "analysis"})
	})
	view(t, b, func(tx store.Tx) error {
		st, err := tx.ProjectState()
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"stage": "analysis"}, st)
		return nil
	})
}

func testPriorityContext(t *testing.T, open Opener) {
	b := open(t, t.TempDir())

	view(t, b, func(tx store.Tx) error {
		text, err := tx.PriorityContext()
		require.NoError(t, err)
		assert.Empty(t, text)
		return nil
	})
	update(t, b, func(tx store.Tx) error { return tx.PutPriorityContext("first") })
	update(t, b, func(tx store.Tx) error { return tx.PutPriorityContext("한국어 second") })
	view(t, b, func(tx store.Tx) error {
		text, err := tx.PriorityContext()
		require.NoError(t, err)
		assert.Equal(t, "한국어 second", text)
		return nil
	})
}

func testAgents(t *testing.T, open Opener) {
	b := open(t, t.TempDir())

	update(t, b, func(tx store.Tx) error {
		for _, id := range []string{"i2-screen", "a1", "i1-ss"} {
			if err := tx.PutAgent(protocol.Agent{
				AgentID: id, Role: "fetcher", Metadata: map[string]any{"capabilities": []any{"x"}},
				RegisteredAt: "2025-01-10T00:00:00.000Z", UpdatedAt: "2025-01-10T00:00:00.000Z",
			}); err != nil {
				return err
			}
		}
		return nil
	})

	view(t, b, func(tx store.Tx) error {
		agents, err := tx.Agents()
		require.NoError(t, err)
		require.Len(t, agents, 3)
		assert.Equal(t, "a1", agents[0].AgentID)
		assert.Equal(t, "i1-ss", agents[1].AgentID)
		assert.Equal(t, "i2-screen", agents[2].AgentID)
		assert.Equal(t, []any{"x"}, agents[0].Metadata["capabilities"])

		missing, err := tx.Agent("nobody")
		require.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})

	update(t, b, func(tx store.Tx) error {
		removed, err := tx.DeleteAgent("a1")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = tx.DeleteAgent("a1")
		require.NoError(t, err)
		assert.False(t, removed)
		return nil
	})
}

func insertMessage(tx store.Tx, from, to, typ, ts string, content any) (protocol.Message, error) {
	n, err := tx.NextID(protocol.SequenceMessage)
	if err != nil {
		return protocol.Message{}, err
	}
	m := protocol.Message{
		MessageID: protocol.SequenceMessage.Format(n),
		From:      from,
		To:        to,
		Content:   content,
		Type:      typ,
		Priority:  protocol.PriorityNormal,
		Timestamp: ts,
	}
	return m, tx.InsertMessage(m)
}

func testMessageQueries(t *testing.T, open Opener) {
	b := open(t, t.TempDir())

	update(t, b, func(tx store.Tx) error {
		rows := []struct{ from, to, typ, ts string }{
			{"a1", "a2", "", "2025-01-10T00:00:00.001Z"},
			{"c5", "a2", "data", "2025-01-10T00:00:00.002Z"},
			{"a1", "c5", "", "2025-01-10T00:00:00.003Z"},
			{"a1", "a2", "data", "2025-01-10T00:00:00.004Z"},
		}
		for _, r := range rows {
			if _, err := insertMessage(tx, r.from, r.to, r.typ, r.ts, map[string]any{"n": r.ts}); err != nil {
				return err
			}
		}
		return nil
	})

	update(t, b, func(tx store.Tx) error {
		msgs, err := tx.Messages(store.MessageQuery{ID: "msg_001"})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		msgs[0].Delivered = true
		msgs[0].DeliveredAt = "2025-01-10T00:00:01.000Z"
		return tx.UpdateMessage(msgs[0])
	})

	view(t, b, func(tx store.Tx) error {
		all, err := tx.Messages(store.MessageQuery{To: "a2"})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"msg_001", "msg_002", "msg_004"}, ids(all))
		assert.Equal(t, map[string]any{"n": "2025-01-10T00:00:00.001Z"}, all[0].Content)
		assert.True(t, all[0].Delivered)

		unread, err := tx.Messages(store.MessageQuery{To: "a2", Undelivered: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"msg_002", "msg_004"}, ids(unread))

		fromA1, err := tx.Messages(store.MessageQuery{To: "a2", From: "a1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"msg_001", "msg_004"}, ids(fromA1))

		data, err := tx.Messages(store.MessageQuery{Type: "data", Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"msg_002"}, ids(data))

		since, err := tx.Messages(store.MessageQuery{Since: "2025-01-10T00:00:00.003Z"})
		require.NoError(t, err)
		assert.Equal(t, []string{"msg_003", "msg_004"}, ids(since))

		none, err := tx.Messages(store.MessageQuery{To: "ghost"})
		require.NoError(t, err)
		assert.Empty(t, none)
		return nil
	})
}

func ids(msgs []protocol.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.MessageID)
	}
	return out
}

func testUpdateUnknownMessage(t *testing.T, open Opener) {
	b := open(t, t.TempDir())

	err := b.Update(context.Background(), func(tx store.Tx) error {
		return tx.UpdateMessage(protocol.Message{MessageID: "msg_999", Delivered: true})
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNotFound))
}

func testChannels(t *testing.T, open Opener) {
	b := open(t, t.TempDir())

	update(t, b, func(tx store.Tx) error {
		if err := tx.PutChannel(protocol.Channel{
			Name: "pipeline", Members: []string{"i1-oa", "i1-ss"}, Status: protocol.ChannelOpen,
			CreatedAt: "2025-01-10T00:00:00.000Z", UpdatedAt: "2025-01-10T00:00:00.000Z",
		}); err != nil {
			return err
		}
		for _, text := range []string{"Msg 1", "Msg 2"} {
			if err := tx.AppendChannelPost(protocol.ChannelPost{
				Channel: "pipeline", From: "i0", Content: text, Priority: protocol.PriorityNormal,
				MessageIDs: []string{"msg_001"}, Timestamp: "2025-01-10T00:00:00.000Z",
			}); err != nil {
				return err
			}
		}
		return tx.AppendChannelPost(protocol.ChannelPost{
			Channel: "other", From: "i0", Content: "elsewhere", Priority: protocol.PriorityNormal,
			Timestamp: "2025-01-10T00:00:00.000Z",
		})
	})

	view(t, b, func(tx store.Tx) error {
		ch, err := tx.Channel("pipeline")
		require.NoError(t, err)
		require.NotNil(t, ch)
		assert.Equal(t, []string{"i1-oa", "i1-ss"}, ch.Members)
		assert.Equal(t, protocol.ChannelOpen, ch.Status)

		missing, err := tx.Channel("nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		posts, err := tx.ChannelPosts("pipeline")
		require.NoError(t, err)
		require.Len(t, posts, 2)
		assert.Equal(t, "Msg 1", posts[0].Content)
		assert.Equal(t, "Msg 2", posts[1].Content)
		assert.Equal(t, []string{"msg_001"}, posts[0].MessageIDs)

		all, err := tx.Channels()
		require.NoError(t, err)
		assert.Len(t, all, 1)
		return nil
	})
}

func testRollback(t *testing.T, open Opener) {
	b := open(t, t.TempDir())
	boom := errors.New("boom")

	err := b.Update(context.Background(), func(tx store.Tx) error {
		if _, err := appendDecision(tx, "CP_A", "x"); err != nil {
			return err
		}
		if err := tx.PutPriorityContext("should not persist"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	view(t, b, func(tx store.Tx) error {
		ds, err := tx.Decisions()
		require.NoError(t, err)
		assert.Empty(t, ds)
		text, err := tx.PriorityContext()
		require.NoError(t, err)
		assert.Empty(t, text)
		return nil
	})

	update(t, b, func(tx store.Tx) error {
		d, err := appendDecision(tx, "CP_A", "y")
		assert.Equal(t, "DEV_001", d.DecisionID)
		return err
	})
}

func testViewReadOnly(t *testing.T, open Opener) {
	b := open(t, t.TempDir())

	err := b.View(context.Background(), func(tx store.Tx) error {
		return tx.PutPriorityContext("nope")
	})
	require.Error(t, err)

	err = b.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.NextID(protocol.SequenceDecision)
		return err
	})
	require.Error(t, err)
}

func testReopen(t *testing.T, open Opener) {
	dir := t.TempDir()
	b := open(t, dir)

	update(t, b, func(tx store.Tx) error {
		if _, err := appendDecision(tx, "CP_A", "x"); err != nil {
			return err
		}
		if _, err := insertMessage(tx, "a1", "a2", "", "2025-01-10T00:00:00.000Z", "hello"); err != nil {
			return err
		}
		return tx.PutProjectState(map[string]any{"stage": "design"})
	})
	require.NoError(t, b.Close())

	again := open(t, dir)
	update(t, again, func(tx store.Tx) error {
		d, err := appendDecision(tx, "CP_B", "y")
		assert.Equal(t, "DEV_002", d.DecisionID)
		if err != nil {
			return err
		}
		msgs, err := tx.Messages(store.MessageQuery{To: "a2"})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "hello", msgs[0].Content)

		st, err := tx.ProjectState()
		require.NoError(t, err)
		assert.Equal(t, "design", st["stage"])
		return nil
	})
}
