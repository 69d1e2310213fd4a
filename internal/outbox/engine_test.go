package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/protocol"
	"github.com/matheus3301/courier/internal/store"
	"github.com/matheus3301/courier/internal/transport"
	"go.uber.org/zap"
)

// mockSender records calls and answers with a configurable function.
type mockSender struct {
	mu       sync.Mutex
	calls    []string
	inFlight int
	peak     int
	delay    time.Duration
	reply    func(call int, id string) error
}

func (m *mockSender) Send(ctx context.Context, p protocol.Payload, _ time.Duration) (*protocol.Ack, error) {
	id := p.(*protocol.MessagePayload).Message.ID
	m.mu.Lock()
	m.calls = append(m.calls, id)
	call := len(m.calls)
	m.inFlight++
	m.peak = max(m.peak, m.inFlight)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.reply != nil {
		if err := m.reply(call, id); err != nil {
			return nil, err
		}
	}
	return &protocol.Ack{OK: true}, nil
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func fastConfig() Config {
	return Config{
		Concurrency: 3,
		MaxRetries:  5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Jitter:      0.3,
		SendTimeout: time.Second,
	}
}

func newEngine(t *testing.T, db *store.DB, sender Sender, b *bus.Bus) *Engine {
	t.Helper()
	e := NewEngine(fastConfig(), db, sender, b, zap.NewNop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)
	return e
}

func outgoing(id string) model.Message {
	return model.Message{ID: id, SenderID: "alice", RecipientID: "bob", Body: "hello " + id}
}

func waitStatus(t *testing.T, db *store.DB, id string, want model.Status) *model.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m, err := db.Get(id); err == nil && m.Status == want {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	m, _ := db.Get(id)
	t.Fatalf("message %s status = %v, want %s", id, m, want)
	return nil
}

func TestEnqueueSendsAndMarksSent(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{}
	e := newEngine(t, db, mock, bus.New())

	ok, err := e.Enqueue(outgoing("m1"))
	if err != nil || !ok {
		t.Fatalf("Enqueue = %v, %v", ok, err)
	}

	m := waitStatus(t, db, "m1", model.StatusSent)
	if m.Queue != nil {
		t.Errorf("queue meta should be cleared after send: %+v", m.Queue)
	}
	if m.CorrelationID == "" {
		t.Error("correlation id not assigned")
	}
	if m.ConversationID != model.ConversationID("alice", "bob") {
		t.Errorf("conversation id = %q", m.ConversationID)
	}
	if s := e.Stats(); s.Size != 0 || s.Active != 0 {
		t.Errorf("stats = %+v, want empty", s)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{}
	e := NewEngine(fastConfig(), db, mock, nil, zap.NewNop())
	e.Pause()
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	first, _ := e.Enqueue(outgoing("m1"))
	second, err := e.Enqueue(outgoing("m1"))
	if !first || second || err != nil {
		t.Fatalf("Enqueue twice = %v, %v, %v", first, second, err)
	}
	if s := e.Stats(); s.Size != 1 || !s.Paused {
		t.Errorf("stats = %+v", s)
	}

	e.Resume()
	waitStatus(t, db, "m1", model.StatusSent)
	if n := mock.callCount(); n != 1 {
		t.Errorf("send calls = %d, want 1", n)
	}

	// Enqueueing an already accepted message does nothing.
	again, err := e.Enqueue(outgoing("m1"))
	if again || err != nil {
		t.Errorf("Enqueue after sent = %v, %v", again, err)
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	e := NewEngine(fastConfig(), testDB(t), &mockSender{}, nil, zap.NewNop())
	m := outgoing("m1")
	m.Body = ""
	if _, err := e.Enqueue(m); !errors.Is(err, model.ErrInvalidMessage) {
		t.Fatalf("err = %v, want ErrInvalidMessage", err)
	}
	if e.Stats().Size != 0 {
		t.Error("invalid message must not be queued")
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{delay: 30 * time.Millisecond}
	e := newEngine(t, db, mock, nil)
	for i := range 10 {
		if _, err := e.Enqueue(outgoing(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := range 10 {
		waitStatus(t, db, fmt.Sprintf("m%d", i), model.StatusSent)
	}

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if mock.peak > 3 {
		t.Errorf("peak in-flight = %d, want <= 3", mock.peak)
	}
	if mock.peak < 2 {
		t.Errorf("peak in-flight = %d, sends are not running concurrently", mock.peak)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{reply: func(call int, _ string) error {
		if call <= 2 {
			return transport.ErrDisconnected
		}
		return nil
	}}
	e := newEngine(t, db, mock, nil)

	_, _ = e.Enqueue(outgoing("m1"))
	waitStatus(t, db, "m1", model.StatusSent)
	if n := mock.callCount(); n != 3 {
		t.Errorf("send calls = %d, want 3", n)
	}
	if s := e.Stats(); s.Errors != 0 {
		t.Errorf("errors = %d, want 0", s.Errors)
	}
}

func TestExhaustedRetriesMarkFailed(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{reply: func(int, string) error { return transport.ErrAckTimeout }}
	e := newEngine(t, db, mock, nil)

	_, _ = e.Enqueue(outgoing("m1"))
	m := waitStatus(t, db, "m1", model.StatusFailed)

	if n := mock.callCount(); n != fastConfig().MaxRetries {
		t.Errorf("send calls = %d, want %d", n, fastConfig().MaxRetries)
	}
	if m.Queue == nil || m.Queue.ErrorClass != model.ErrorTimeout || m.Queue.RetryCount != fastConfig().MaxRetries {
		t.Errorf("queue meta = %+v", m.Queue)
	}
	deadline := time.Now().Add(time.Second)
	for e.Stats().Errors != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s := e.Stats(); s.Errors != 1 || s.Size != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestValidationFailureIsTerminal(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{reply: func(int, string) error {
		return &transport.RemoteError{Code: protocol.CodeValidation, Message: "bad"}
	}}
	newEngine(t, db, mock, nil).Enqueue(outgoing("m1"))

	m := waitStatus(t, db, "m1", model.StatusFailed)
	if mock.callCount() != 1 {
		t.Errorf("send calls = %d, validation errors must not be retried", mock.callCount())
	}
	if m.Queue.ErrorClass != model.ErrorValidation {
		t.Errorf("class = %q", m.Queue.ErrorClass)
	}
}

func TestDuplicateCountsAsSent(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{reply: func(int, string) error {
		return &transport.RemoteError{Code: protocol.CodeDuplicate, Message: "seen"}
	}}
	newEngine(t, db, mock, nil).Enqueue(outgoing("m1"))

	waitStatus(t, db, "m1", model.StatusSent)
	if mock.callCount() != 1 {
		t.Errorf("send calls = %d, want 1", mock.callCount())
	}
}

func TestPauseHoldsQueueUntilResume(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{}
	e := newEngine(t, db, mock, nil)
	e.Pause()

	_, _ = e.Enqueue(outgoing("m1"))
	_, _ = e.Enqueue(outgoing("m2"))
	time.Sleep(50 * time.Millisecond)
	if mock.callCount() != 0 {
		t.Fatalf("sent %d messages while paused", mock.callCount())
	}
	if s := e.Stats(); s.Size != 2 || !s.Paused {
		t.Fatalf("stats = %+v", s)
	}

	e.Resume()
	waitStatus(t, db, "m1", model.StatusSent)
	waitStatus(t, db, "m2", model.StatusSent)
}

func TestDisconnectDuringSendDoesNotConsumeRetry(t *testing.T) {
	db := testDB(t)
	var e *Engine
	mock := &mockSender{reply: func(call int, _ string) error {
		if call == 1 {
			e.Pause()
			return transport.ErrDisconnected
		}
		return nil
	}}
	e = newEngine(t, db, mock, nil)

	_, _ = e.Enqueue(outgoing("m1"))
	deadline := time.Now().Add(time.Second)
	for mock.callCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m := waitStatus(t, db, "m1", model.StatusPending)
	if m.Queue == nil || m.Queue.RetryCount != 0 {
		t.Fatalf("queue meta = %+v, interrupted attempt must not count", m.Queue)
	}

	e.Resume()
	waitStatus(t, db, "m1", model.StatusSent)
}

func TestStartReloadsUnfinishedMessages(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"m1", "m2"} {
		m := outgoing(id)
		if err := db.Put(&m); err != nil {
			t.Fatal(err)
		}
	}
	// m2 was mid-send when the process died.
	_ = db.UpdateStatus("m2", model.StatusSending)
	_ = db.SaveQueueMeta("m2", model.QueueMeta{RetryCount: 1})

	mock := &mockSender{}
	newEngine(t, db, mock, nil)

	waitStatus(t, db, "m1", model.StatusSent)
	waitStatus(t, db, "m2", model.StatusSent)
	if mock.callCount() != 2 {
		t.Errorf("send calls = %d, want 2", mock.callCount())
	}
}

func TestStopLeavesMessagesPending(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{delay: time.Second}
	e := NewEngine(fastConfig(), db, mock, nil, zap.NewNop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, _ = e.Enqueue(outgoing("m1"))
	waitStatus(t, db, "m1", model.StatusSending)

	e.Stop()
	m, _ := db.Get("m1")
	if m.Status != model.StatusPending {
		t.Fatalf("status after Stop = %s, want pending", m.Status)
	}
	pending, _ := db.GetPendingForQueue()
	if len(pending) != 1 {
		t.Errorf("pending after Stop = %d, want 1", len(pending))
	}
}

func TestManualRetry(t *testing.T) {
	db := testDB(t)
	fail := true
	var mu sync.Mutex
	mock := &mockSender{reply: func(int, string) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return &transport.RemoteError{Code: protocol.CodeInternal, Message: "down"}
		}
		return nil
	}}
	e := newEngine(t, db, mock, nil)

	_, _ = e.Enqueue(outgoing("m1"))
	waitStatus(t, db, "m1", model.StatusFailed)
	deadline := time.Now().Add(time.Second)
	for e.Stats().Errors != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	if err := e.Retry("m1"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if s := e.Stats(); s.Errors != 0 {
		t.Errorf("errors after Retry = %d, want 0", s.Errors)
	}
	waitStatus(t, db, "m1", model.StatusSent)

	if err := e.Retry("m1"); !errors.Is(err, ErrNotFailed) {
		t.Errorf("Retry(sent) = %v, want ErrNotFailed", err)
	}
}

func TestStatusEventsFollowLifecycle(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindQueueStatus, 16)
	defer unsub()
	e := newEngine(t, db, &mockSender{}, b)

	_, _ = e.Enqueue(outgoing("m1"))

	want := []model.Status{model.StatusPending, model.StatusSending, model.StatusSent}
	for i, w := range want {
		select {
		case evt := <-ch:
			got := evt.Payload.(StatusEvent)
			if got.ID != "m1" || got.Status != w {
				t.Fatalf("event %d = %+v, want %s", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing event %d (%s)", i, w)
		}
	}
}

func TestAcknowledgedElsewhereSkipsSend(t *testing.T) {
	db := testDB(t)
	m := outgoing("m1")
	_ = db.Put(&m)
	_ = db.UpdateStatus("m1", model.StatusSending)
	_ = db.UpdateStatus("m1", model.StatusSent)
	_ = db.UpdateStatus("m1", model.StatusDelivered)

	mock := &mockSender{}
	e := NewEngine(fastConfig(), db, mock, nil, zap.NewNop())
	e.mu.Lock()
	e.entries["m1"] = &entry{msg: m}
	e.ready = append(e.ready, "m1")
	e.mu.Unlock()
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	deadline := time.Now().Add(time.Second)
	for e.Stats().Size != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mock.callCount() != 0 {
		t.Errorf("delivered message was sent again")
	}
	got, _ := db.Get("m1")
	if got.Status != model.StatusDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
}
