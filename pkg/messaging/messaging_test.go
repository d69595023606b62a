package messaging_test

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"

	"diverga/pkg/messaging"
	"diverga/pkg/protocol"
	"diverga/pkg/store"
	"diverga/pkg/store/storetest"
)

func newService(t *testing.T, b store.Backend, opts ...messaging.Option) *messaging.Service {
	t.Helper()
	svc, err := messaging.New(b, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func boolPtr(b bool) *bool { return &b }

func ids(msgs []protocol.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.MessageID
	}
	return out
}

func TestNewRejectsNilBackend(t *testing.T) {
	if _, err := messaging.New(nil); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b)
		ctx := context.Background()

		first, err := svc.RegisterAgent(ctx, "I1-SS", messaging.AgentInfo{Role: "fetcher", Model: "haiku"})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if first.AgentID != "i1-ss" || first.Status != messaging.AgentStatusActive {
			t.Fatalf("agent = %+v", first)
		}
		if _, err := svc.RegisterAgent(ctx, "i2-screen", messaging.AgentInfo{Role: "screener", Category: "I"}); err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, err := svc.RegisterAgent(ctx, "i9-bad", messaging.AgentInfo{Metadata: map[string]any{"load": math.NaN()}}); !errors.Is(err, protocol.ErrInvalidArgument) {
			t.Errorf("unencodable metadata: %v", err)
		}
		updated, err := svc.RegisterAgent(ctx, "i1-ss", messaging.AgentInfo{Role: "fetcher", Model: "sonnet"})
		if err != nil {
			t.Fatalf("re-register: %v", err)
		}
		if updated.RegisteredAt != first.RegisteredAt {
			t.Errorf("registered_at changed: %s -> %s", first.RegisteredAt, updated.RegisteredAt)
		}

		got, err := svc.GetAgent(ctx, "I1-ss")
		if err != nil || got == nil || got.Model != "sonnet" {
			t.Fatalf("get = %+v, %v", got, err)
		}
		if none, err := svc.GetAgent(ctx, "nobody"); err != nil || none != nil {
			t.Fatalf("get unknown = %+v, %v", none, err)
		}

		all, err := svc.ListAgents(ctx, messaging.AgentFilter{})
		if err != nil || len(all) != 2 || all[0].AgentID != "i1-ss" {
			t.Fatalf("list = %+v, %v", all, err)
		}
		fetchers, _ := svc.ListAgents(ctx, messaging.AgentFilter{Role: "FETCHER"})
		if len(fetchers) != 1 {
			t.Errorf("role filter = %d", len(fetchers))
		}

		removed, err := svc.UnregisterAgent(ctx, "i1-ss")
		if err != nil || !removed {
			t.Fatalf("unregister = %v, %v", removed, err)
		}
		if removed, _ := svc.UnregisterAgent(ctx, "i1-ss"); removed {
			t.Error("second unregister reported removal")
		}

		if _, err := svc.RegisterAgent(ctx, "  ", messaging.AgentInfo{}); !errors.Is(err, protocol.ErrInvalidArgument) {
			t.Errorf("empty id: %v", err)
		}
	})
}

func TestSendValidation(t *testing.T) {
	svc := newService(t, storetest.OpenDocuments(t, t.TempDir()))
	ctx := context.Background()

	tests := []struct {
		name    string
		from    string
		to      string
		content any
		opts    messaging.SendOptions
	}{
		{"empty content", "a", "b", "", messaging.SendOptions{}},
		{"blank content", "a", "b", "  ", messaging.SendOptions{}},
		{"nil content", "a", "b", nil, messaging.SendOptions{}},
		{"missing sender", "", "b", "hi", messaging.SendOptions{}},
		{"missing recipient", "a", "", "hi", messaging.SendOptions{}},
		{"bad priority", "a", "b", "hi", messaging.SendOptions{Priority: "critical"}},
		{"unencodable content", "a", "b", map[string]any{"ch": make(chan int)}, messaging.SendOptions{}},
		{"unencodable metadata", "a", "b", "hi", messaging.SendOptions{Metadata: map[string]any{"score": math.Inf(-1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Send(ctx, tt.from, tt.to, tt.content, tt.opts); !errors.Is(err, protocol.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestMailboxRoundTrip(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b)
		ctx := context.Background()

		var sent []string
		for _, content := range []any{"one", map[string]any{"n": 2}, "three"} {
			id, err := svc.Send(ctx, "system", "I1-SS", content, messaging.SendOptions{})
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			sent = append(sent, id)
		}
		if !reflect.DeepEqual(sent, []string{"msg_001", "msg_002", "msg_003"}) {
			t.Fatalf("ids = %v", sent)
		}

		got, err := svc.Mailbox(ctx, "i1-ss", messaging.MailboxOptions{})
		if err != nil {
			t.Fatalf("mailbox: %v", err)
		}
		if !reflect.DeepEqual(ids(got), sent) {
			t.Fatalf("mailbox ids = %v", ids(got))
		}
		for _, m := range got {
			if m.Delivered || m.Priority != protocol.PriorityNormal || m.To != "i1-ss" {
				t.Errorf("returned copy = %+v", m)
			}
		}
		if content, ok := got[1].Content.(map[string]any); !ok || content["n"] != float64(2) {
			t.Errorf("object content = %#v", got[1].Content)
		}

		again, err := svc.Mailbox(ctx, "i1-ss", messaging.MailboxOptions{})
		if err != nil || len(again) != 0 {
			t.Fatalf("second read = %v, %v", ids(again), err)
		}

		all, err := svc.Mailbox(ctx, "i1-ss", messaging.MailboxOptions{IncludeRead: true, AutoMark: boolPtr(false)})
		if err != nil || len(all) != 3 {
			t.Fatalf("include read = %v, %v", ids(all), err)
		}
		for _, m := range all {
			if !m.Delivered || m.DeliveredAt == "" {
				t.Errorf("message %s not marked delivered", m.MessageID)
			}
		}

		empty, err := svc.Mailbox(ctx, "nobody", messaging.MailboxOptions{})
		if err != nil || len(empty) != 0 {
			t.Fatalf("unknown agent mailbox = %v, %v", empty, err)
		}
	})
}

func TestMailboxPeekDoesNotMark(t *testing.T) {
	svc := newService(t, storetest.OpenRelational(t, t.TempDir()))
	ctx := context.Background()

	if _, err := svc.Send(ctx, "a", "b", "hello", messaging.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	peek, err := svc.Mailbox(ctx, "b", messaging.MailboxOptions{AutoMark: boolPtr(false)})
	if err != nil || len(peek) != 1 {
		t.Fatalf("peek = %v, %v", peek, err)
	}
	read, err := svc.Mailbox(ctx, "b", messaging.MailboxOptions{})
	if err != nil || len(read) != 1 {
		t.Fatalf("read after peek = %v, %v", read, err)
	}
}

func TestMailboxFilters(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b)
		ctx := context.Background()

		send := func(from, typ string, prio protocol.Priority) string {
			t.Helper()
			id, err := svc.Send(ctx, from, "inbox", "x", messaging.SendOptions{Type: typ, Priority: prio})
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			return id
		}
		m1 := send("a", "task", protocol.PriorityHigh)
		m2 := send("b", "note", "")
		m3 := send("a", "task", protocol.PriorityUrgent)
		m4 := send("b", "task", protocol.PriorityLow)

		if _, err := svc.Acknowledge(ctx, m2, "seen"); err != nil {
			t.Fatalf("ack: %v", err)
		}

		noMark := boolPtr(false)
		tests := []struct {
			name string
			opts messaging.MailboxOptions
			want []string
		}{
			{"by type", messaging.MailboxOptions{Type: "task", AutoMark: noMark}, []string{m1, m3, m4}},
			{"by sender", messaging.MailboxOptions{From: "A", AutoMark: noMark}, []string{m1, m3}},
			{"acknowledged", messaging.MailboxOptions{Status: protocol.StatusAcknowledged, AutoMark: noMark}, []string{m2}},
			{"unread", messaging.MailboxOptions{Status: protocol.StatusUnread, AutoMark: noMark}, []string{m1, m3, m4}},
			{"limit", messaging.MailboxOptions{Limit: 2, AutoMark: noMark}, []string{m1, m3}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := svc.Mailbox(ctx, "inbox", tt.opts)
				if err != nil {
					t.Fatalf("mailbox: %v", err)
				}
				if !reflect.DeepEqual(ids(got), tt.want) {
					t.Errorf("ids = %v, want %v", ids(got), tt.want)
				}
			})
		}

		if _, err := svc.Mailbox(ctx, "inbox", messaging.MailboxOptions{Status: "archived"}); !errors.Is(err, protocol.ErrInvalidArgument) {
			t.Errorf("bad status: %v", err)
		}

		// Reading only tasks leaves the note state alone and marks just the tasks.
		if _, err := svc.Mailbox(ctx, "inbox", messaging.MailboxOptions{Type: "task", From: "b"}); err != nil {
			t.Fatalf("mailbox: %v", err)
		}
		rest, _ := svc.Mailbox(ctx, "inbox", messaging.MailboxOptions{AutoMark: noMark})
		if !reflect.DeepEqual(ids(rest), []string{m1, m3}) {
			t.Errorf("remaining unread = %v", ids(rest))
		}
	})
}

func TestConcurrentMailboxReadsDeliverOnce(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b)
		ctx := context.Background()

		const n = 10
		for i := 0; i < n; i++ {
			if _, err := svc.Send(ctx, "a", "worker", "job", messaging.SendOptions{}); err != nil {
				t.Fatalf("send: %v", err)
			}
		}

		var (
			mu    sync.Mutex
			wg    sync.WaitGroup
			seen  = make(map[string]int)
			errCh = make(chan error, 4)
		)
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := svc.Mailbox(ctx, "worker", messaging.MailboxOptions{})
				if err != nil {
					errCh <- err
					return
				}
				mu.Lock()
				for _, m := range got {
					seen[m.MessageID]++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			t.Fatalf("mailbox: %v", err)
		}
		if len(seen) != n {
			t.Fatalf("delivered %d distinct messages, want %d", len(seen), n)
		}
		for id, count := range seen {
			if count != 1 {
				t.Errorf("%s delivered %d times", id, count)
			}
		}
	})
}

func TestAcknowledge(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b)
		ctx := context.Background()

		id, err := svc.Send(ctx, "a", "b", "please confirm", messaging.SendOptions{})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		m, err := svc.Acknowledge(ctx, id, "confirmed")
		if err != nil {
			t.Fatalf("ack: %v", err)
		}
		if !m.Acknowledged || m.AcknowledgedAt == "" || m.Response != "confirmed" || m.Status() != protocol.StatusAcknowledged {
			t.Fatalf("acked = %+v", m)
		}
		again, err := svc.Acknowledge(ctx, id, "")
		if err != nil || again.AcknowledgedAt != m.AcknowledgedAt || again.Response != "confirmed" {
			t.Fatalf("re-ack = %+v, %v", again, err)
		}

		if unread, _ := svc.Mailbox(ctx, "b", messaging.MailboxOptions{}); len(unread) != 0 {
			t.Errorf("acknowledged message still unread: %v", ids(unread))
		}

		if _, err := svc.Acknowledge(ctx, "msg_999", ""); !errors.Is(err, protocol.ErrNotFound) {
			t.Errorf("unknown id: %v", err)
		}
		if _, err := svc.Acknowledge(ctx, "", ""); !errors.Is(err, protocol.ErrInvalidArgument) {
			t.Errorf("empty id: %v", err)
		}
	})
}

func TestBroadcast(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		svc := newService(t, b)
		ctx := context.Background()

		none, err := svc.Broadcast(ctx, "i0-orchestrator", "anyone?", messaging.BroadcastOptions{})
		if err != nil || len(none) != 0 {
			t.Fatalf("empty registry = %v, %v", none, err)
		}

		agents := map[string]string{
			"i0-orchestrator": "orchestrator",
			"i1-ss":           "fetcher",
			"i1-oa":           "fetcher",
			"i1-arxiv":        "fetcher",
			"i2-screen":       "screener",
		}
		for id, role := range agents {
			if _, err := svc.RegisterAgent(ctx, id, messaging.AgentInfo{Role: role}); err != nil {
				t.Fatalf("register: %v", err)
			}
		}

		sent, err := svc.Broadcast(ctx, "I0-Orchestrator", "status?", messaging.BroadcastOptions{Type: "ping"})
		if err != nil {
			t.Fatalf("broadcast: %v", err)
		}
		if len(sent) != len(agents)-1 {
			t.Fatalf("recipients = %d, want %d", len(sent), len(agents)-1)
		}
		history, err := svc.History(ctx, messaging.HistoryFilter{Type: "ping"})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		for _, m := range history {
			if !m.Broadcast || m.To == "i0-orchestrator" {
				t.Errorf("broadcast copy = %+v", m)
			}
		}

		withSelf, _ := svc.Broadcast(ctx, "i0-orchestrator", "all", messaging.BroadcastOptions{ExcludeSelf: boolPtr(false)})
		if len(withSelf) != len(agents) {
			t.Errorf("with self = %d", len(withSelf))
		}

		fetchers, _ := svc.Broadcast(ctx, "i0-orchestrator", "Fetchers only", messaging.BroadcastOptions{Roles: []string{"fetcher"}})
		if len(fetchers) != 3 {
			t.Errorf("role broadcast = %d, want 3", len(fetchers))
		}
		screener, _ := svc.Mailbox(ctx, "i2-screen", messaging.MailboxOptions{})
		for _, m := range screener {
			if m.Content == "Fetchers only" {
				t.Error("screener received fetcher broadcast")
			}
		}
	})
}

func TestHistory(t *testing.T) {
	storetest.ForEachBackend(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()
		for _, ts := range []string{"2025-01-01T00:00:00.000Z", "2025-01-02T00:00:00.000Z", "2025-01-03T00:00:00.000Z"} {
			svc := newService(t, b, messaging.WithClock(clockAt(ts)))
			if _, err := svc.Send(ctx, "i0", "i1", "at "+ts, messaging.SendOptions{}); err != nil {
				t.Fatalf("send: %v", err)
			}
		}
		svc := newService(t, b)

		got, err := svc.History(ctx, messaging.HistoryFilter{From: "i0", Since: "2025-01-02", Limit: 10})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if !reflect.DeepEqual(ids(got), []string{"msg_002", "msg_003"}) {
			t.Errorf("ids = %v", ids(got))
		}
		limited, _ := svc.History(ctx, messaging.HistoryFilter{To: "I1", Limit: 1})
		if !reflect.DeepEqual(ids(limited), []string{"msg_001"}) {
			t.Errorf("limited = %v", ids(limited))
		}

		unread, _ := svc.Mailbox(ctx, "i1", messaging.MailboxOptions{AutoMark: boolPtr(false)})
		if len(unread) != 3 {
			t.Errorf("history changed delivery state: %d unread", len(unread))
		}
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	for name, open := range storetest.Backends() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			first := newService(t, open(t, dir))
			if _, err := first.Send(ctx, "system", "i1-ss", "Persistent message", messaging.SendOptions{}); err != nil {
				t.Fatalf("send: %v", err)
			}

			second := newService(t, open(t, dir))
			got, err := second.Mailbox(ctx, "i1-ss", messaging.MailboxOptions{})
			if err != nil || len(got) != 1 || got[0].Content != "Persistent message" {
				t.Fatalf("mailbox after reopen = %+v, %v", got, err)
			}
		})
	}
}
