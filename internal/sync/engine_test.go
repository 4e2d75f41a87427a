package sync

import (
	"context"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/matheus3301/linkchat/internal/bus"
	"github.com/matheus3301/linkchat/internal/chaterr"
	"github.com/matheus3301/linkchat/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type staticContacts map[string]store.Contact

func (s staticContacts) ContactByLinkKey(_ context.Context, linkKey string) (store.Contact, bool) {
	c, ok := s[linkKey]
	return c, ok
}

func TestEngineMergeIncomingPersists(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	got, err := e.MergeIncoming(ctx, "K1", []store.Message{msg("m1", 1000, "hi")}, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessage != "hi" || got.LastTimestamp != 1000 || got.UnreadCount != 1 {
		t.Errorf("returned %+v", got)
	}
	if got.Contact.DisplayName != DefaultContactName || got.Contact.ID != "peer" || got.Contact.LinkKey != "K1" {
		t.Errorf("placeholder contact = %+v", got.Contact)
	}

	stored, err := db.GetConversation(ctx, "K1")
	if err != nil || stored == nil {
		t.Fatalf("stored = %v, %v", stored, err)
	}
	if len(stored.Messages) != 1 || stored.UnreadCount != 1 {
		t.Errorf("stored %+v", stored)
	}
}

func TestEngineUsesContactBook(t *testing.T) {
	e := NewEngine(testDB(t), bus.New(), nil)
	ana := store.Contact{ID: "AAAAAA", DisplayName: "Ana", LocalKey: "AAAAAA", LinkKey: "K1"}
	e.UseContacts(staticContacts{"K1": ana})

	got, err := e.MergeIncoming(context.Background(), "K1", []store.Message{msg("m1", 1, "x")}, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Contact != ana {
		t.Errorf("contact = %+v, want %+v", got.Contact, ana)
	}
}

// TestEngineUnreadAccounting merges k distinct new messages into an
// inactive conversation, then resets.
func TestEngineUnreadAccounting(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	batch := []store.Message{msg("a", 1, "1"), msg("b", 2, "2"), msg("c", 3, "3")}
	got, err := e.MergeIncoming(ctx, "K", batch, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadCount != 3 {
		t.Fatalf("UnreadCount = %d, want 3", got.UnreadCount)
	}

	if err := e.ResetUnread(ctx, "K"); err != nil {
		t.Fatal(err)
	}
	stored, _ := db.GetConversation(ctx, "K")
	if stored.UnreadCount != 0 {
		t.Errorf("UnreadCount after reset = %d, want 0", stored.UnreadCount)
	}
	if len(stored.Messages) != 3 {
		t.Errorf("reset changed messages: %d", len(stored.Messages))
	}
}

func TestEngineActiveViewClearsUnread(t *testing.T) {
	e := NewEngine(testDB(t), bus.New(), nil)
	ctx := context.Background()

	_, _ = e.MergeIncoming(ctx, "K", []store.Message{msg("a", 1, "1")}, false)
	got, err := e.MergeIncoming(ctx, "K", []store.Message{msg("b", 2, "2")}, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0 while viewed", got.UnreadCount)
	}
}

// TestEngineReceiveThenHistory: a realtime message followed by a history
// response carrying the same message must not double count.
func TestEngineReceiveThenHistory(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	m1 := store.Message{ID: "m1", Body: "hi", SenderID: "A", CreatedAt: 1000}
	if _, err := e.MergeIncoming(ctx, "K1", []store.Message{m1}, false); err != nil {
		t.Fatal(err)
	}
	got, err := e.MergeIncoming(ctx, "K1", []store.Message{m1}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 1 || got.LastMessage != "hi" || got.UnreadCount != 1 {
		t.Fatalf("after history: %+v", got)
	}

	if err := e.ResetUnread(ctx, "K1"); err != nil {
		t.Fatal(err)
	}
	stored, _ := db.GetConversation(ctx, "K1")
	if stored.UnreadCount != 0 || len(stored.Messages) != 1 {
		t.Errorf("after open: %+v", stored)
	}
}

func TestEngineEmptyMergeOnMissingRecordWritesNothing(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	got, err := e.MergeIncoming(ctx, "K", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got.Messages) != 0 {
		t.Errorf("got %+v, want default shape", got)
	}
	if n, _ := db.CountConversations(ctx); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestEngineEmptyMergeRecomputesDrift(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	drifted := &store.Conversation{
		Contact:       store.Contact{DisplayName: "A", LinkKey: "K"},
		Messages:      []store.Message{msg("a", 5, "real")},
		LastMessage:   "stale",
		LastTimestamp: 1,
	}
	if err := db.PutConversation(ctx, drifted); err != nil {
		t.Fatal(err)
	}
	if _, err := e.MergeIncoming(ctx, "K", nil, false); err != nil {
		t.Fatal(err)
	}
	stored, _ := db.GetConversation(ctx, "K")
	if stored.LastMessage != "real" || stored.LastTimestamp != 5 {
		t.Errorf("stored last = %q@%d, want real@5", stored.LastMessage, stored.LastTimestamp)
	}
}

func TestEngineDeleteMessages(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	_, _ = e.MergeIncoming(ctx, "K", []store.Message{msg("a", 1, "one"), msg("b", 2, "two")}, false)

	got, err := e.DeleteMessages(ctx, "K", []string{"b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 1 || got.LastMessage != "one" || got.LastTimestamp != 1 {
		t.Errorf("after delete: %+v", got)
	}

	got, err = e.DeleteMessages(ctx, "K", []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 0 || got.LastMessage != "" || got.LastTimestamp != 0 {
		t.Errorf("after deleting all: %+v", got)
	}
	if c, _ := db.GetConversation(ctx, "K"); c != nil {
		t.Errorf("empty conversation still stored: %+v", c)
	}
}

func TestEngineAppendOutgoing(t *testing.T) {
	e := NewEngine(testDB(t), bus.New(), nil)
	ctx := context.Background()

	_, _ = e.MergeIncoming(ctx, "K", []store.Message{msg("in", 1, "hola")}, false)
	got, err := e.AppendOutgoing(ctx, "K", store.Message{ID: "out", Body: "qué tal", SenderID: "me", RecipientID: "peer", CreatedAt: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadCount != 0 || got.LastMessage != "qué tal" || len(got.Messages) != 2 {
		t.Errorf("after append: %+v", got)
	}

	if _, err := e.AppendOutgoing(ctx, "K", store.Message{Body: "no id"}); !chaterr.IsKind(err, chaterr.Validation) {
		t.Errorf("append without id err = %v, want Validation", err)
	}
}

func TestEngineRejectsEmptyLinkKey(t *testing.T) {
	e := NewEngine(testDB(t), bus.New(), nil)
	_, err := e.MergeIncoming(context.Background(), "", []store.Message{msg("a", 1, "")}, false)
	if !chaterr.IsKind(err, chaterr.Validation) {
		t.Errorf("err = %v, want Validation", err)
	}
}

// TestEngineCorruptRecordStartsEmpty: a malformed stored record is
// discarded and replaced rather than blocking the merge.
func TestEngineCorruptRecordStartsEmpty(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	if _, err := db.Exec(`INSERT INTO conversations (storage_key, link_key, payload) VALUES ('chat_K', 'K', 'garbage')`); err != nil {
		t.Fatal(err)
	}
	got, err := e.MergeIncoming(ctx, "K", []store.Message{msg("a", 1, "fresh")}, false)
	if err != nil {
		t.Fatalf("MergeIncoming() error = %v", err)
	}
	if len(got.Messages) != 1 || got.UnreadCount != 1 {
		t.Errorf("got %+v", got)
	}
	if stored, err := db.GetConversation(ctx, "K"); err != nil || stored == nil {
		t.Errorf("record not replaced: %v, %v", stored, err)
	}
}

func TestEngineEnsure(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()
	c := store.Contact{ID: "X", DisplayName: "Xavi", LocalKey: "X", LinkKey: "K"}

	got, err := e.Ensure(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if got.Contact != c || len(got.Messages) != 0 || got.UnreadCount != 0 {
		t.Errorf("Ensure() = %+v", got)
	}

	_, _ = e.MergeIncoming(ctx, "K", []store.Message{msg("a", 1, "x")}, false)
	got, _ = e.Ensure(ctx, c)
	if len(got.Messages) != 1 {
		t.Errorf("Ensure() on existing record dropped messages: %+v", got)
	}
}

func TestEngineDiscardIfAbandoned(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	_ = db.PutConversation(ctx, store.NewConversation(store.Contact{DisplayName: "Empty", LinkKey: "E"}))
	_, _ = e.MergeIncoming(ctx, "L", []store.Message{msg("a", 1, "x")}, false)

	if ok, err := e.DiscardIfAbandoned(ctx, "E"); err != nil || !ok {
		t.Errorf("DiscardIfAbandoned(E) = %v, %v, want true", ok, err)
	}
	if ok, err := e.DiscardIfAbandoned(ctx, "L"); err != nil || ok {
		t.Errorf("DiscardIfAbandoned(L) = %v, %v, want false", ok, err)
	}
}

func TestEnginePublishesUpdates(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()
	e := NewEngine(testDB(t), b, nil)
	ctx := context.Background()

	_, _ = e.MergeIncoming(ctx, "K", []store.Message{msg("a", 1, "x")}, false)
	select {
	case evt := <-ch:
		u, ok := evt.Payload.(Update)
		if evt.Kind != bus.ConversationUpdated || !ok {
			t.Fatalf("event = %+v", evt)
		}
		if u.LinkKey != "K" || u.Admitted != 1 || len(u.Conversation.Messages) != 1 {
			t.Errorf("update = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for conversation.updated")
	}

	if err := e.DeleteConversation(ctx, "K"); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		if evt.Kind != bus.ConversationDeleted || evt.Payload != "K" {
			t.Errorf("event = %+v, want conversation.deleted K", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for conversation.deleted")
	}
}

// TestEngineConcurrentMergesSameKey runs many merges against one link key
// in parallel; every message must survive.
func TestEngineConcurrentMergesSameKey(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	const n = 20
	var wg stdsync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := msg(string(rune('a'+i)), int64(i), "x")
			if _, err := e.MergeIncoming(ctx, "K", []store.Message{m}, false); err != nil {
				t.Errorf("merge %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	stored, _ := db.GetConversation(ctx, "K")
	if len(stored.Messages) != n || stored.UnreadCount != n {
		t.Errorf("stored %d messages, unread %d, want %d", len(stored.Messages), stored.UnreadCount, n)
	}
}

func TestConversationHydration(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	if c, err := e.Conversation(ctx, "missing"); c != nil || err != nil {
		t.Errorf("Conversation(missing) = %v, %v", c, err)
	}
	_, _ = db.Exec(`INSERT INTO conversations (storage_key, link_key, payload) VALUES ('chat_BAD', 'BAD', '[')`)
	if c, err := e.Conversation(ctx, "BAD"); c != nil || err != nil {
		t.Errorf("Conversation(corrupt) = %v, %v, want nil, nil", c, err)
	}
}

func TestViews(t *testing.T) {
	v := NewViews()
	v.Focus("B")
	v.Focus("A")
	if !v.IsActive("A") || v.IsActive("C") {
		t.Error("IsActive mismatch after focus")
	}
	if got := v.Active(); len(got) != 2 || got[0] != "A" {
		t.Errorf("Active() = %v", got)
	}
	v.Blur("A")
	if v.IsActive("A") {
		t.Error("A still active after blur")
	}

	var nilViews *Views
	nilViews.Focus("A")
	nilViews.Blur("A")
	if nilViews.IsActive("A") {
		t.Error("nil Views reports active")
	}
	if got := nilViews.Active(); len(got) != 0 {
		t.Errorf("nil Views Active() = %v", got)
	}
}
