package messaging_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"diverga/pkg/messaging"
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

func TestChannelLifecycle(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b)
		ctx := context.Background()

		ch, err := svc.CreateChannel(ctx, "pipeline", []string{"I1-SS", "i1-oa", "i1-ss"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if !reflect.DeepEqual(ch.Members, []string{"i1-oa", "i1-ss"}) || ch.Status != protocol.ChannelOpen {
			t.Fatalf("channel = %+v", ch)
		}
		if _, err := svc.CreateChannel(ctx, "pipeline", nil); !errors.Is(err, protocol.ErrInvalidArgument) {
			t.Errorf("duplicate create: %v", err)
		}

		if _, err := svc.AddChannelMember(ctx, "pipeline", "i1-arxiv"); err != nil {
			t.Fatalf("add: %v", err)
		}
		if _, err := svc.RemoveChannelMember(ctx, "pipeline", "i1-ss"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		got, err := svc.GetChannel(ctx, "pipeline")
		if err != nil || got == nil || !reflect.DeepEqual(got.Members, []string{"i1-arxiv", "i1-oa"}) {
			t.Fatalf("get = %+v, %v", got, err)
		}

		sent, err := svc.SendToChannel(ctx, "pipeline", "i0-orchestrator", "start fetching", messaging.SendOptions{Type: "task"})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if len(sent) != 2 {
			t.Fatalf("sent = %v", sent)
		}
		oa, _ := svc.Mailbox(ctx, "i1-oa", messaging.MailboxOptions{})
		if len(oa) != 1 || oa[0].Channel != "pipeline" || oa[0].Content != "start fetching" {
			t.Fatalf("member mailbox = %+v", oa)
		}

		if _, err := svc.CloseChannel(ctx, "pipeline"); err != nil {
			t.Fatalf("close: %v", err)
		}
		if _, err := svc.SendToChannel(ctx, "pipeline", "i0", "late", messaging.SendOptions{}); !errors.Is(err, protocol.ErrInvalidArgument) {
			t.Errorf("send to closed channel: %v", err)
		}
		history, err := svc.ChannelMessages(ctx, "pipeline")
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 1 || !reflect.DeepEqual(history[0].MessageIDs, sent) || history[0].From != "i0-orchestrator" {
			t.Fatalf("history = %+v", history)
		}

		if _, err := svc.SendToChannel(ctx, "missing", "i0", "x", messaging.SendOptions{}); !errors.Is(err, protocol.ErrNotFound) {
			t.Errorf("unknown channel: %v", err)
		}
		if _, err := svc.AddChannelMember(ctx, "missing", "x"); !errors.Is(err, protocol.ErrNotFound) {
			t.Errorf("add to unknown channel: %v", err)
		}
		if none, err := svc.GetChannel(ctx, "missing"); err != nil || none != nil {
			t.Errorf("get unknown = %+v, %v", none, err)
		}
		if empty, err := svc.ChannelMessages(ctx, "missing"); err != nil || len(empty) != 0 {
			t.Errorf("unknown history = %v, %v", empty, err)
		}

		list, err := svc.ListChannels(ctx)
		if err != nil || len(list) != 1 || list[0].Status != protocol.ChannelClosed {
			t.Errorf("list = %+v, %v", list, err)
		}
	})
}

func TestProgress(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b)
		ctx := context.Background()

		id, err := svc.ReportProgress(ctx, "i1-ss", messaging.Progress{Stage: "fetching", Percent: 45, Detail: "Retrieved 450/1000 papers"})
		if err != nil {
			t.Fatalf("report: %v", err)
		}
		inbox, err := svc.Mailbox(ctx, protocol.DefaultOrchestrator, messaging.MailboxOptions{Type: protocol.MessageTypeProgress})
		if err != nil || len(inbox) != 1 || inbox[0].MessageID != id {
			t.Fatalf("orchestrator mailbox = %+v, %v", inbox, err)
		}
		content, _ := inbox[0].Content.(map[string]any)
		if content["percent"] != float64(45) || content["detail"] != "Retrieved 450/1000 papers" {
			t.Errorf("content = %#v", inbox[0].Content)
		}

		if _, err := svc.CreateChannel(ctx, "fetchers", []string{"i1-ss", "i1-oa", "i1-arxiv"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := svc.ReportProgress(ctx, "i1-ss", messaging.Progress{Stage: "fetching", Percent: 60}); err != nil {
			t.Fatalf("report: %v", err)
		}
		if _, err := svc.ReportProgress(ctx, "i1-oa", messaging.Progress{Stage: "fetching", Percent: 40}); err != nil {
			t.Fatalf("report: %v", err)
		}

		reports, err := svc.Progress(ctx, "fetchers")
		if err != nil {
			t.Fatalf("progress: %v", err)
		}
		if len(reports) != 2 {
			t.Fatalf("reports = %+v", reports)
		}
		if reports[0].AgentID != "i1-oa" || reports[0].Percent != 40 || reports[1].AgentID != "i1-ss" || reports[1].Percent != 60 {
			t.Errorf("reports = %+v", reports)
		}

		if _, err := svc.ReportProgress(ctx, "x", messaging.Progress{Stage: "s", Percent: 101}); !errors.Is(err, protocol.ErrInvalidArgument) {
			t.Errorf("percent out of range: %v", err)
		}
		if _, err := svc.Progress(ctx, "nope"); !errors.Is(err, protocol.ErrNotFound) {
			t.Errorf("unknown channel: %v", err)
		}
	})
}

func TestProgressUsesConfiguredOrchestrator(t *testing.T) {
	svc := newService(t, storetest.OpenDocuments(t, t.TempDir()), messaging.WithOrchestrator("Monitor"))
	ctx := context.Background()

	if _, err := svc.ReportProgress(ctx, "a1", messaging.Progress{Stage: "s", Percent: 1}); err != nil {
		t.Fatalf("report: %v", err)
	}
	got, _ := svc.Mailbox(ctx, "monitor", messaging.MailboxOptions{})
	if len(got) != 1 {
		t.Fatalf("monitor mailbox = %+v", got)
	}
}

func TestRelayCheckpoint(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b)
		ctx := context.Background()

		sent, err := svc.RelayCheckpoint(ctx, "SCH_DATABASE_SELECTION", "approved", "i0-orchestrator", []string{"i1-ss", "I1-OA"})
		if err != nil {
			t.Fatalf("relay: %v", err)
		}
		if len(sent) != 2 {
			t.Fatalf("sent = %v", sent)
		}
		got, _ := svc.Mailbox(ctx, "i1-ss", messaging.MailboxOptions{Type: protocol.MessageTypeCheckpoint})
		if len(got) != 1 || got[0].Priority != protocol.PriorityHigh {
			t.Fatalf("mailbox = %+v", got)
		}
		content, _ := got[0].Content.(map[string]any)
		if content["checkpointId"] != "SCH_DATABASE_SELECTION" || content["decision"] != "approved" {
			t.Errorf("content = %#v", got[0].Content)
		}

		if _, err := svc.RelayCheckpoint(ctx, "", "x", "i0", []string{"a"}); !errors.Is(err, protocol.ErrInvalidArgument) {
			t.Errorf("empty checkpoint: %v", err)
		}
	})
}

func TestAwaitCheckpointResolves(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b, messaging.WithPollInterval(10*time.Millisecond))
		ctx := context.Background()

		if _, err := svc.Send(ctx, "i0", "i1-ss", "unrelated", messaging.SendOptions{}); err != nil {
			t.Fatalf("send: %v", err)
		}

		go func() {
			time.Sleep(100 * time.Millisecond)
			_, _ = svc.RelayCheckpoint(context.Background(), "SCH_RAG_READINESS", "approved", "i0-orchestrator", []string{"i1-ss"})
		}()

		start := time.Now()
		relay, err := svc.AwaitCheckpoint(ctx, "i1-ss", "SCH_RAG_READINESS", 5*time.Second)
		if err != nil {
			t.Fatalf("await: %v", err)
		}
		if relay == nil || relay.CheckpointID != "SCH_RAG_READINESS" || relay.Decision != "approved" || relay.From != "i0-orchestrator" {
			t.Fatalf("relay = %+v", relay)
		}
		if elapsed := time.Since(start); elapsed > 3*time.Second {
			t.Errorf("await took %v", elapsed)
		}

		// Only the matched message was consumed.
		rest, _ := svc.Mailbox(ctx, "i1-ss", messaging.MailboxOptions{AutoMark: boolPtr(false)})
		if len(rest) != 1 || rest[0].Content != "unrelated" {
			t.Errorf("unread after await = %+v", rest)
		}
	})
}

func TestAwaitCheckpointPrefersNewestRelay(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b, messaging.WithPollInterval(10*time.Millisecond))
		ctx := context.Background()

		if _, err := svc.RelayCheckpoint(ctx, "CP_X", "rejected", "i0", []string{"i1-ss"}); err != nil {
			t.Fatalf("relay: %v", err)
		}
		first, err := svc.AwaitCheckpoint(ctx, "i1-ss", "CP_X", time.Second)
		if err != nil || first == nil || first.Decision != "rejected" {
			t.Fatalf("first await = %+v, %v", first, err)
		}

		if _, err := svc.RelayCheckpoint(ctx, "CP_X", "approved", "i0", []string{"i1-ss"}); err != nil {
			t.Fatalf("relay: %v", err)
		}
		second, err := svc.AwaitCheckpoint(ctx, "i1-ss", "CP_X", time.Second)
		if err != nil || second == nil {
			t.Fatalf("second await = %+v, %v", second, err)
		}
		if second.Decision != "approved" || second.MessageID == first.MessageID {
			t.Errorf("second await = %+v, first = %+v", second, first)
		}
		unread, _ := svc.Mailbox(ctx, "i1-ss", messaging.MailboxOptions{AutoMark: boolPtr(false)})
		if len(unread) != 0 {
			t.Errorf("unread after second await = %+v", unread)
		}
	})
}

func TestAwaitCheckpointMatchesForeignPayloads(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b, messaging.WithPollInterval(10*time.Millisecond))
		ctx := context.Background()

		for id, content := range map[string]map[string]any{
			"CP_Z":      {"checkpointId": "CP_Z", "decision": "ok"},
			"CP_LEGACY": {"checkpoint_id": "CP_LEGACY", "decision": "ok"},
		} {
			if _, err := svc.Send(ctx, "i0", "i1-ss", content, messaging.SendOptions{Type: protocol.MessageTypeCheckpoint}); err != nil {
				t.Fatalf("send: %v", err)
			}
			relay, err := svc.AwaitCheckpoint(ctx, "i1-ss", id, 200*time.Millisecond)
			if err != nil || relay == nil || relay.CheckpointID != id || relay.Decision != "ok" {
				t.Errorf("await %s = %+v, %v", id, relay, err)
			}
		}
	})
}

func TestAwaitCheckpointTimesOut(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b)
		ctx := context.Background()

		if _, err := svc.RelayCheckpoint(ctx, "OTHER", "approved", "i0", []string{"i1-ss"}); err != nil {
			t.Fatalf("relay: %v", err)
		}

		relay, err := svc.AwaitCheckpoint(ctx, "i1-ss", "NON_EXISTENT_CHECKPOINT", 100*time.Millisecond)
		if err != nil || relay != nil {
			t.Fatalf("await = %+v, %v", relay, err)
		}
		unread, _ := svc.Mailbox(ctx, "i1-ss", messaging.MailboxOptions{AutoMark: boolPtr(false)})
		if len(unread) != 1 {
			t.Errorf("waiting marked unrelated messages: %d unread", len(unread))
		}
	})
}

func TestAwaitCheckpointCancelled(t *testing.T) {
	svc := newService(t, storetest.OpenDocuments(t, t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	relay, err := svc.AwaitCheckpoint(ctx, "a", "CP_X", 10*time.Second)
	if !errors.Is(err, context.Canceled) || relay != nil {
		t.Fatalf("await = %+v, %v", relay, err)
	}
}
