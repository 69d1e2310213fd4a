package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/model"
)

func testDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func msg(id, from, to string, ts int64) *model.Message {
	return &model.Message{
		ID:          id,
		SenderID:    from,
		RecipientID: to,
		Body:        "body " + id,
		CreatedAt:   time.UnixMilli(ts),
	}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	first, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !first.Changed || first.From != 0 || first.Version != 1 || first.Source != migrationSource {
		t.Errorf("first Migrate() = %+v", first)
	}

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 || result.From != 1 {
		t.Errorf("second Migrate() = %+v, want from 1 to 1", result)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); !errors.Is(err, ErrDirtySchema) {
		t.Errorf("Migrate() on dirty schema = %v, want ErrDirtySchema", err)
	}
}

func TestPutAndGet(t *testing.T) {
	db := testDB(t)

	m := msg("m1", "alice", "bob", 1000)
	if err := db.Put(m); err != nil {
		t.Fatal(err)
	}

	got, err := db.Get("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.ConversationID != model.ConversationID("alice", "bob") {
		t.Errorf("conversation id not derived: %q", got.ConversationID)
	}
	if got.Type != model.TypeText || got.CreatedAt.UnixMilli() != 1000 {
		t.Errorf("unexpected message %+v", got)
	}

	if _, err := db.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestPutIdempotentKeepsStatus(t *testing.T) {
	db := testDB(t)

	m := msg("m1", "alice", "bob", 1000)
	if err := db.Put(m); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateStatus("m1", model.StatusSending); err != nil {
		t.Fatal(err)
	}

	again := msg("m1", "alice", "bob", 1000)
	again.Status = model.StatusPending
	again.Body = "edited"
	if err := db.Put(again); err != nil {
		t.Fatal(err)
	}

	got, _ := db.Get("m1")
	if got.Status != model.StatusSending {
		t.Errorf("status = %q, Put must not rewind status", got.Status)
	}
	if got.Body != "edited" {
		t.Errorf("body = %q, want edited", got.Body)
	}

	var count int
	_ = db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestUpdateStatusForwardOnly(t *testing.T) {
	db := testDB(t)
	_ = db.Put(msg("m1", "alice", "bob", 1000))

	for _, s := range []model.Status{model.StatusSending, model.StatusSent, model.StatusDelivered, model.StatusRead} {
		if err := db.UpdateStatus("m1", s); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", s, err)
		}
	}

	err := db.UpdateStatus("m1", model.StatusDelivered)
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("read -> delivered: got %v, want ErrInvalidTransition", err)
	}
	got, _ := db.Get("m1")
	if got.Status != model.StatusRead {
		t.Errorf("status = %q, want read", got.Status)
	}

	// Same status and unknown ids are no-ops.
	if err := db.UpdateStatus("m1", model.StatusRead); err != nil {
		t.Errorf("same status: %v", err)
	}
	if err := db.UpdateStatus("missing", model.StatusSent); err != nil {
		t.Errorf("missing id: %v", err)
	}
}

func TestGetByConversationPaging(t *testing.T) {
	db := testDB(t)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		_ = db.Put(msg(id, "alice", "bob", int64(1000+i)))
	}
	_ = db.Put(msg("other", "alice", "carol", 999))

	conv := model.ConversationID("alice", "bob")
	page, err := db.GetByConversation(conv, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "d" || page[1].ID != "e" {
		t.Fatalf("latest page = %v", ids(page))
	}

	page, _ = db.GetByConversation(conv, 2, 2)
	if len(page) != 2 || page[0].ID != "b" || page[1].ID != "c" {
		t.Fatalf("second page = %v", ids(page))
	}

	all, _ := db.GetByConversation(conv, 100, 0)
	if len(all) != 5 {
		t.Errorf("got %d messages, want 5", len(all))
	}
}

func TestQueueMetaLifecycle(t *testing.T) {
	db := testDB(t)
	_ = db.Put(msg("m1", "alice", "bob", 1000))
	_ = db.Put(msg("m2", "alice", "bob", 2000))
	_ = db.Put(msg("m3", "alice", "bob", 3000))
	_ = db.UpdateStatus("m3", model.StatusSending)
	_ = db.UpdateStatus("m3", model.StatusSent)

	enq := time.UnixMilli(5000)
	if err := db.SaveQueueMeta("m1", model.QueueMeta{RetryCount: 2, EnqueuedAt: enq, LastError: "boom", ErrorClass: model.ErrorNetwork}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.GetPendingForQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %v, want m1 and m2", ids(pending))
	}
	var m1 model.Message
	for _, m := range pending {
		if m.ID == "m1" {
			m1 = m
		}
	}
	if m1.Queue == nil || m1.Queue.RetryCount != 2 || m1.Queue.ErrorClass != model.ErrorNetwork || !m1.Queue.EnqueuedAt.Equal(enq) {
		t.Fatalf("queue meta = %+v", m1.Queue)
	}

	if err := db.ClearQueueMeta("m1"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.Get("m1")
	if got.Queue != nil {
		t.Errorf("queue meta not cleared: %+v", got.Queue)
	}

	if err := db.SaveQueueMeta("missing", model.QueueMeta{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveQueueMeta(missing) = %v, want ErrNotFound", err)
	}
}

func TestMarkFailedAndResetForRetry(t *testing.T) {
	db := testDB(t)
	_ = db.Put(msg("m1", "alice", "bob", 1000))
	_ = db.UpdateStatus("m1", model.StatusSending)

	if err := db.MarkFailed("m1", model.QueueMeta{RetryCount: 5, LastError: "timeout", ErrorClass: model.ErrorTimeout}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.Get("m1")
	if got.Status != model.StatusFailed || got.Queue.RetryCount != 5 {
		t.Fatalf("after MarkFailed: %+v %+v", got, got.Queue)
	}
	failed, _ := db.GetFailed(10)
	if len(failed) != 1 {
		t.Errorf("GetFailed = %v", ids(failed))
	}

	if err := db.ResetForRetry("m1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.Get("m1")
	if got.Status != model.StatusPending || got.Queue.RetryCount != 0 {
		t.Fatalf("after ResetForRetry: %+v %+v", got, got.Queue)
	}

	_ = db.Put(msg("m2", "alice", "bob", 2000))
	if err := db.ResetForRetry("m2"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("ResetForRetry(pending) = %v, want ErrInvalidTransition", err)
	}
}

func TestResetForRetryOnlyOnce(t *testing.T) {
	db := testDB(t)
	_ = db.Put(msg("m1", "alice", "bob", 1000))
	_ = db.UpdateStatus("m1", model.StatusSending)
	if err := db.MarkFailed("m1", model.QueueMeta{RetryCount: 5, LastError: "timeout"}); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- db.ResetForRetry("m1")
		}()
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrInvalidTransition):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != workers-1 {
		t.Errorf("ok=%d rejected=%d, want 1 and %d", ok, rejected, workers-1)
	}
	got, _ := db.Get("m1")
	if got.Status != model.StatusPending || got.Queue == nil || got.Queue.LastError != "" {
		t.Errorf("after reset: %+v %+v", got, got.Queue)
	}

	if err := db.ResetForRetry("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResetForRetry(missing) = %v, want ErrNotFound", err)
	}
}

func TestGetByRecipientAndStatus(t *testing.T) {
	db := testDB(t)
	for _, m := range []*model.Message{msg("m1", "alice", "bob", 1), msg("m2", "alice", "bob", 2), msg("m3", "alice", "carol", 3)} {
		_ = db.Put(m)
		_ = db.UpdateStatus(m.ID, model.StatusSending)
		_ = db.UpdateStatus(m.ID, model.StatusSent)
	}
	_ = db.UpdateStatus("m2", model.StatusDelivered)

	got, err := db.GetByRecipientAndStatus("bob", model.StatusSent)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("got %v, want [m1]", ids(got))
	}
}

func TestDeleteConversation(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe(bus.KindConversationDeleted, 1)
	defer unsub()
	db := testDB(t, WithNotifier(b))

	_ = db.Put(msg("m1", "alice", "bob", 1))
	_ = db.Put(msg("m2", "bob", "alice", 2))
	_ = db.Put(msg("m3", "alice", "carol", 3))

	n, err := db.DeleteConversation(model.ConversationID("alice", "bob"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	if _, err := db.Get("m3"); err != nil {
		t.Errorf("unrelated message removed: %v", err)
	}
	select {
	case evt := <-events:
		if evt.Payload.(string) != model.ConversationID("alice", "bob") {
			t.Errorf("payload = %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no conversation_deleted event")
	}
}

func TestChangeNotifications(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe(bus.KindMessageChanged, 10)
	defer unsub()
	db := testDB(t, WithNotifier(b))

	_ = db.Put(msg("m1", "alice", "bob", 1))
	_ = db.UpdateStatus("m1", model.StatusSending)
	_ = db.UpdateStatus("m1", model.StatusPending)

	want := []struct {
		kind ChangeKind
		prev model.Status
		cur  model.Status
	}{
		{ChangePut, "", model.StatusPending},
		{ChangeStatus, model.StatusPending, model.StatusSending},
		{ChangeStatus, model.StatusSending, model.StatusPending},
	}
	for i, w := range want {
		select {
		case evt := <-events:
			c := evt.Payload.(Change)
			if c.Kind != w.kind || c.Previous != w.prev || c.Message.Status != w.cur {
				t.Errorf("change %d = %s %s->%s, want %s %s->%s", i, c.Kind, c.Previous, c.Message.Status, w.kind, w.prev, w.cur)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing change %d", i)
		}
	}
}

func TestListConversations(t *testing.T) {
	db := testDB(t)
	_ = db.Put(msg("m1", "alice", "bob", 1))
	_ = db.Put(msg("m2", "bob", "alice", 5))
	_ = db.Put(msg("m3", "carol", "alice", 3))
	for _, id := range []string{"m2", "m3"} {
		_ = db.UpdateStatus(id, model.StatusSending)
		_ = db.UpdateStatus(id, model.StatusSent)
	}
	_ = db.UpdateStatus("m3", model.StatusRead)

	convs, err := db.ListConversations("alice", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].Peer != "bob" || convs[0].LastMessage.ID != "m2" || convs[0].Unread != 1 || convs[0].Total != 2 {
		t.Errorf("first = %+v", convs[0])
	}
	if convs[1].Peer != "carol" || convs[1].Unread != 0 {
		t.Errorf("second = %+v", convs[1])
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	m := msg("m1", "alice", "bob", 1)
	m.Body = "Lunch at 100% noon?"
	_ = db.Put(m)
	_ = db.Put(msg("m2", "alice", "carol", 2))

	results, err := db.SearchMessages("lunch", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ID != "m1" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Snippet != "<<Lunch>> at 100% noon?" {
		t.Errorf("snippet = %q", results[0].Snippet)
	}

	// LIKE wildcards in the query match literally.
	results, _ = db.SearchMessages("0%", "", 10)
	if len(results) != 1 {
		t.Errorf("literal %% search returned %d results", len(results))
	}
	results, _ = db.SearchMessages("lunch", model.ConversationID("alice", "carol"), 10)
	if len(results) != 0 {
		t.Errorf("conversation filter ignored: %+v", results)
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestUnread(t *testing.T) {
	db := testDB(t)
	for _, m := range []*model.Message{msg("m1", "alice", "bob", 1), msg("m2", "alice", "bob", 2), msg("m3", "bob", "alice", 3)} {
		_ = db.Put(m)
		_ = db.UpdateStatus(m.ID, model.StatusSending)
		_ = db.UpdateStatus(m.ID, model.StatusSent)
	}
	_ = db.UpdateStatus("m2", model.StatusRead)

	got, err := db.Unread(model.ConversationID("alice", "bob"), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("Unread = %v, want [m1]", ids(got))
	}
}
