package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/backplane"
	"github.com/matheus3301/courier/internal/cache"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/protocol"
	"github.com/matheus3301/courier/internal/repository"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	svc   *Service
	repo  repository.Repository
	cache *cache.Memory
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	c := cache.NewMemory(cache.DefaultOptions())
	d := Deps{
		Repo:     repository.NewMemory(),
		Cache:    c,
		Presence: c,
		Logger:   zap.NewNop(),
		Options:  DefaultOptions(),
	}
	for _, m := range mutate {
		m(&d)
	}
	return &fixture{svc: NewService(d), repo: d.Repo, cache: c}
}

func (f *fixture) connect(t *testing.T, user, device string) *Conn {
	t.Helper()
	c := NewConn(nil, user, device, DefaultConnConfig(), zap.NewNop())
	f.svc.Connect(context.Background(), c)
	return c
}

func (f *fixture) send(t *testing.T, from, to, id, correlation string) *model.Message {
	t.Helper()
	m, err := f.svc.Send(context.Background(), from, outgoing(from, to, id, correlation))
	require.NoError(t, err)
	return m
}

func outgoing(from, to, id, correlation string) model.Message {
	return model.Message{
		ID:            id,
		SenderID:      from,
		RecipientID:   to,
		Body:          "hello " + to,
		CorrelationID: correlation,
		CreatedAt:     time.Now().UTC(),
	}
}

// drain returns every frame queued on c.
func drain(t *testing.T, c *Conn) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case raw := <-c.send:
			var env protocol.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func eventNames(envs []protocol.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Event)
	}
	return out
}

func payloadOf[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func find(envs []protocol.Envelope, event string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, e := range envs {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func TestSendPersistsAndFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice", "")
	bob := f.connect(t, "bob", "")

	m := f.send(t, "alice", "bob", "m1", "c1")
	assert.Equal(t, model.StatusSent, m.Status)
	assert.Equal(t, model.ConversationID("alice", "bob"), m.ConversationID)

	stored, err := f.repo.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, stored.Status)

	conv, err := f.repo.GetConversation(ctx, m.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "m1", conv.LastMessage.ID)
	assert.Equal(t, 1, conv.UnreadCounts["bob"])

	got := drain(t, bob)
	assert.Equal(t, []string{protocol.EventMessageCreated, protocol.EventConversationUpdated}, eventNames(got))
	created := payloadOf[protocol.MessagePayload](t, got[0])
	assert.Equal(t, "m1", created.Message.ID)
	updated := payloadOf[model.Conversation](t, got[1])
	assert.Equal(t, 1, updated.UnreadCounts["bob"])

	// The sender's other devices see their own message too.
	assert.Len(t, find(drain(t, alice), protocol.EventMessageCreated), 1)

	recent, err := f.cache.RecentMessages(ctx, m.ConversationID, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestSendDuplicateCorrelationIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := f.connect(t, "bob", "")

	f.send(t, "alice", "bob", "m1", "x1")
	_, err := f.svc.Send(ctx, "alice", outgoing("alice", "bob", "m2", "x1"))
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, protocol.CodeDuplicate, ackCode(err))

	_, err = f.repo.GetMessage(ctx, "m2")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Len(t, find(drain(t, bob), protocol.EventMessageCreated), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.Duplicates))
}

func TestSendWithUnbackedMarkerIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := f.connect(t, "bob", "")

	// A first attempt marked the correlation id but never stored the message.
	dup, err := f.cache.CheckAndMark(ctx, "c1")
	require.NoError(t, err)
	require.False(t, dup)

	_, err = f.svc.Send(ctx, "alice", outgoing("alice", "bob", "m1", "c1"))
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, protocol.CodeUnavailable, ackCode(err))
	assert.Zero(t, testutil.ToFloat64(f.svc.metrics.Duplicates))
	assert.Empty(t, find(drain(t, bob), protocol.EventMessageCreated))

	m := f.send(t, "alice", "bob", "m1", "c1")
	assert.Equal(t, model.StatusSent, m.Status)
	assert.Len(t, find(drain(t, bob), protocol.EventMessageCreated), 1)

	_, err = f.svc.Send(ctx, "alice", outgoing("alice", "bob", "m1", "c1"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSendRejectsForeignSender(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Send(context.Background(), "mallory", outgoing("alice", "bob", "m1", ""))
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	f := newFixture(t)
	m := outgoing("alice", "bob", "m1", "")
	m.Body = "   "
	_, err := f.svc.Send(context.Background(), "alice", m)
	assert.ErrorIs(t, err, model.ErrInvalidMessage)
	assert.Equal(t, protocol.CodeValidation, ackCode(err))
}

// flakyRepo fails the first n SaveMessage calls.
type flakyRepo struct {
	repository.Repository
	failures atomic.Int32
}

func (r *flakyRepo) SaveMessage(ctx context.Context, m *model.Message) (bool, error) {
	if r.failures.Add(-1) >= 0 {
		return false, errors.New("primary stepped down")
	}
	return r.Repository.SaveMessage(ctx, m)
}

func TestPersistenceFailureIsNotAcknowledged(t *testing.T) {
	repo := &flakyRepo{Repository: repository.NewMemory()}
	repo.failures.Store(1)
	f := newFixture(t, func(d *Deps) { d.Repo = repo })
	bob := f.connect(t, "bob", "")

	_, err := f.svc.Send(context.Background(), "alice", outgoing("alice", "bob", "m1", "c1"))
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, drain(t, bob), "nothing is fanned out before persistence")

	// The marker was released, so the client's retry goes through.
	m := f.send(t, "alice", "bob", "m1", "c1")
	assert.Equal(t, "m1", m.ID)
	assert.Len(t, find(drain(t, bob), protocol.EventMessageCreated), 1)
}

func TestResendRedeliversStoredMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := f.connect(t, "bob", "")
	f.send(t, "alice", "bob", "m1", "c1")
	drain(t, bob)

	again, err := f.svc.Send(ctx, "alice", outgoing("alice", "bob", "m1", "resend:1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, again.Status)

	got := drain(t, bob)
	assert.Equal(t, []string{protocol.EventMessageCreated}, eventNames(got))
	conv, err := f.repo.GetConversation(ctx, again.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCounts["bob"], "a redelivery is not a new message")

	_, err = f.svc.Send(ctx, "mallory", outgoing("mallory", "bob", "m1", "resend:2"))
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDeliveryReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice", "")
	m := f.send(t, "alice", "bob", "m1", "c1")
	drain(t, alice)

	receipt := protocol.StatusUpdate{ID: "m1", ConversationID: m.ConversationID, Status: model.StatusDelivered}
	_, err := f.svc.UpdateStatus(ctx, "alice", receipt)
	assert.ErrorIs(t, err, ErrForbidden, "only the recipient acknowledges")

	updated, err := f.svc.UpdateStatus(ctx, "bob", receipt)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, updated.Status)

	got := find(drain(t, alice), protocol.EventMessageStatusUpdated)
	require.Len(t, got, 1)
	su := payloadOf[protocol.StatusUpdate](t, got[0])
	assert.Equal(t, model.StatusDelivered, su.Status)
	assert.Equal(t, "bob", su.UpdatedBy)

	conv, err := f.repo.GetConversation(ctx, m.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, conv.LastMessage.Status)
}

func TestStaleReceiptIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice", "")
	m := f.send(t, "alice", "bob", "m1", "")

	_, err := f.svc.UpdateStatus(ctx, "bob", protocol.StatusUpdate{ID: "m1", ConversationID: m.ConversationID, Status: model.StatusRead})
	require.NoError(t, err)
	drain(t, alice)

	cur, err := f.svc.UpdateStatus(ctx, "bob", protocol.StatusUpdate{ID: "m1", ConversationID: m.ConversationID, Status: model.StatusDelivered})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, cur.Status, "status never moves backwards")
	assert.Empty(t, drain(t, alice))

	_, err = f.svc.UpdateStatus(ctx, "bob", protocol.StatusUpdate{ID: "m1", ConversationID: m.ConversationID, Status: model.StatusSent})
	assert.ErrorIs(t, err, protocol.ErrValidation)
	_, err = f.svc.UpdateStatus(ctx, "bob", protocol.StatusUpdate{ID: "nope", ConversationID: m.ConversationID, Status: model.StatusRead})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMarkReadUpdatesEveryMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice", "")
	bob := f.connect(t, "bob", "")
	m := f.send(t, "alice", "bob", "m1", "")
	f.send(t, "alice", "bob", "m2", "")
	f.send(t, "bob", "alice", "m3", "")
	drain(t, alice)
	drain(t, bob)

	out, err := f.svc.MarkRead(ctx, "bob", m.ConversationID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, out.UpdatedMessages)
	assert.Equal(t, "bob", out.ReaderID)

	for _, id := range []string{"m1", "m2"} {
		stored, err := f.repo.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRead, stored.Status)
	}
	own, err := f.repo.GetMessage(ctx, "m3")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, own.Status, "the reader's own messages are untouched")

	conv, err := f.repo.GetConversation(ctx, m.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCounts["bob"])
	n, err := f.cache.GetUnread(ctx, m.ConversationID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, c := range []*Conn{alice, bob} {
		got := drain(t, c)
		assert.Len(t, find(got, protocol.EventMessageStatusUpdated), 2)
		require.Len(t, find(got, protocol.EventMarkedAsRead), 1)
		updated := find(got, protocol.EventConversationUpdated)
		require.Len(t, updated, 1)
		assert.Equal(t, 0, payloadOf[model.Conversation](t, updated[0]).UnreadCounts["bob"])
	}

	_, err = f.svc.MarkRead(ctx, "carol", m.ConversationID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestJoinRequiresParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, "alice", "bob", "m1", "")
	alice := f.connect(t, "alice", "")
	carol := f.connect(t, "carol", "")

	_, err := f.svc.Join(ctx, carol, m.ConversationID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Join(ctx, alice, model.ConversationID("alice", "dave"))
	assert.ErrorIs(t, err, repository.ErrNotFound)

	n, err := f.svc.Join(ctx, alice, m.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	delivered := f.svc.Hub().Deliver([]string{ConversationRoom(m.ConversationID)}, []byte(`{}`))
	assert.Equal(t, 1, delivered)
}

func TestPresenceOnConnectAndDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, "alice", "bob", "m1", "")
	alice := f.connect(t, "alice", "")

	bob := f.connect(t, "bob", "")
	online := find(drain(t, alice), protocol.EventUserOnline)
	require.Len(t, online, 1)
	assert.Equal(t, "bob", payloadOf[model.Presence](t, online[0]).UserID)

	p, err := f.svc.GetStatus(ctx, nil, "bob")
	require.NoError(t, err)
	assert.True(t, p.Online)

	// A second device does not announce again; only the last one going away does.
	second := f.connect(t, "bob", "tablet")
	assert.Empty(t, find(drain(t, alice), protocol.EventUserOnline))
	f.svc.Disconnect(ctx, bob)
	assert.Empty(t, find(drain(t, alice), protocol.EventUserOffline))

	f.svc.Disconnect(ctx, second)
	offline := find(drain(t, alice), protocol.EventUserOffline)
	require.Len(t, offline, 1)
	pres := payloadOf[model.Presence](t, offline[0])
	assert.False(t, pres.Online)
	require.NotNil(t, pres.LastSeen)

	p, err = f.svc.GetStatus(ctx, nil, "bob")
	require.NoError(t, err)
	assert.False(t, p.Online)
	assert.NotNil(t, p.LastSeen)
}

func TestGetStatusSubscribesToChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice", "")
	carol := f.connect(t, "carol", "")

	p, err := f.svc.GetStatus(ctx, carol, "alice")
	require.NoError(t, err)
	assert.True(t, p.Online)

	f.svc.Disconnect(ctx, alice)
	got := find(drain(t, carol), protocol.EventUserOffline)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", payloadOf[model.Presence](t, got[0]).UserID)
}

func TestConnectReplaysUndeliveredMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, "alice", "bob", "m1", "")
	f.send(t, "alice", "bob", "m2", "")
	_, err := f.svc.UpdateStatus(ctx, "bob", protocol.StatusUpdate{ID: "m2", ConversationID: m.ConversationID, Status: model.StatusDelivered})
	require.NoError(t, err)

	bob := f.connect(t, "bob", "")
	got := find(drain(t, bob), protocol.EventMessageCreated)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", payloadOf[protocol.MessagePayload](t, got[0]).Message.ID)
}

func TestSingleDeviceEvictsOlderDevices(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Options.SingleDevice = true })
	phone := f.connect(t, "alice", "phone")
	again := f.connect(t, "alice", "phone")
	assert.Empty(t, drain(t, phone), "same device is not evicted")

	laptop := f.connect(t, "alice", "laptop")
	for _, c := range []*Conn{phone, again} {
		got := drain(t, c)
		require.Len(t, got, 1)
		assert.Equal(t, protocol.EventForcedLogout, got[0].Event)
		assert.Equal(t, "new_device", payloadOf[protocol.ForcedLogout](t, got[0]).Reason)
		select {
		case <-c.Closing():
		default:
			t.Fatal("evicted connection was not closed")
		}
	}
	select {
	case <-laptop.Closing():
		t.Fatal("new device must stay connected")
	default:
	}
}

func TestDeleteConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice", "")
	m := f.send(t, "alice", "bob", "m1", "")
	drain(t, alice)

	_, err := f.svc.DeleteConversation(ctx, "carol", m.ConversationID)
	assert.ErrorIs(t, err, ErrForbidden)

	n, err := f.svc.DeleteConversation(ctx, "bob", m.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got := find(drain(t, alice), protocol.EventConversationDeleted)
	require.Len(t, got, 1)
	del := payloadOf[protocol.ConversationDeleted](t, got[0])
	assert.Equal(t, "bob", del.DeletedBy)
	assert.ElementsMatch(t, []string{"alice", "bob"}, del.Participants)

	_, err = f.repo.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = f.svc.Messages(ctx, "alice", m.ConversationID, 10, time.Time{})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMessagesAndConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	for i, id := range []string{"m1", "m2", "m3"} {
		m := outgoing("alice", "bob", id, "")
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_, err := f.svc.Send(ctx, "alice", m)
		require.NoError(t, err)
	}
	conv := model.ConversationID("alice", "bob")

	// Served from the recent window.
	msgs, err := f.svc.Messages(ctx, "bob", conv, 2, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"m2", "m3"}, []string{msgs[0].ID, msgs[1].ID})

	// Paging past the window reads storage.
	msgs, err = f.svc.Messages(ctx, "bob", conv, 10, base.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, []string{msgs[0].ID, msgs[1].ID})

	_, err = f.svc.Messages(ctx, "carol", conv, 10, time.Time{})
	assert.ErrorIs(t, err, ErrForbidden)

	convs, err := f.svc.Conversations(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "m3", convs[0].LastMessage.ID)
	cached, err := f.cache.ConversationList(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	// Any mutation invalidates the cached list.
	_, err = f.svc.MarkRead(ctx, "bob", conv)
	require.NoError(t, err)
	_, err = f.cache.ConversationList(ctx, "bob")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestHandleAnswersRefs(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice", "")
	ctx := context.Background()

	raw, err := protocol.Encode("r1", protocol.NewSend(outgoing("alice", "bob", "m1", "c1")))
	require.NoError(t, err)
	f.svc.Handle(ctx, alice, raw)
	acks := find(drain(t, alice), protocol.EventAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "r1", acks[0].Ref)
	assert.True(t, payloadOf[protocol.Ack](t, acks[0]).OK)

	f.svc.Handle(ctx, alice, raw)
	acks = find(drain(t, alice), protocol.EventAck)
	require.Len(t, acks, 1)
	ack := payloadOf[protocol.Ack](t, acks[0])
	require.NotNil(t, ack.Error)
	assert.Equal(t, protocol.CodeDuplicate, ack.Error.Code)

	cases := map[string]string{
		"malformed":     `{"event":"conversation:join","ref":"r2","data":{"conversationId":""}}`,
		"server only":   `{"event":"message:created","ref":"r3","data":{"message":{"id":"x","senderId":"a","recipientId":"b","body":"b"}}}`,
		"unknown event": `{"event":"message:explode","ref":"r4","data":{}}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			f.svc.Handle(ctx, alice, []byte(frame))
			got := drain(t, alice)
			require.Len(t, got, 1)
			ack := payloadOf[protocol.Ack](t, got[0])
			require.NotNil(t, ack.Error)
			assert.Equal(t, protocol.CodeValidation, ack.Error.Code)
		})
	}

	f.svc.Handle(ctx, alice, []byte(`garbage`))
	assert.Empty(t, drain(t, alice), "frames without a ref get no answer")
}

func TestHandleGetStatusReturnsPresence(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice", "")
	f.connect(t, "bob", "")

	raw, err := protocol.Encode("r1", &protocol.GetStatus{UserID: "bob"})
	require.NoError(t, err)
	f.svc.Handle(context.Background(), alice, raw)

	got := drain(t, alice)
	require.Len(t, got, 1)
	ack := payloadOf[protocol.Ack](t, got[0])
	require.True(t, ack.OK)
	var p model.Presence
	require.NoError(t, json.Unmarshal(ack.Result, &p))
	assert.Equal(t, "bob", p.UserID)
	assert.True(t, p.Online)
}

func TestHandleRateLimits(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConnConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	c := NewConn(nil, "alice", "", cfg, zap.NewNop())
	f.svc.Connect(context.Background(), c)

	raw, err := protocol.Encode("r1", &protocol.GetStatus{UserID: "bob"})
	require.NoError(t, err)
	f.svc.Handle(context.Background(), c, raw)
	f.svc.Handle(context.Background(), c, raw)

	got := drain(t, c)
	require.Len(t, got, 2)
	assert.True(t, payloadOf[protocol.Ack](t, got[0]).OK)
	limited := payloadOf[protocol.Ack](t, got[1])
	require.NotNil(t, limited.Error)
	assert.Equal(t, protocol.CodeRateLimited, limited.Error.Code)
}

func TestHandleFrameFromOtherInstance(t *testing.T) {
	f := newFixture(t)
	bob := f.connect(t, "bob", "phone")

	f.svc.HandleFrame(backplane.Frame{Origin: "other", Kind: backplane.KindFanout, Rooms: []string{UserRoom("bob")}, Data: []byte(`{"event":"user:online","data":{"waId":"x"}}`)})
	got := drain(t, bob)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.EventUserOnline, got[0].Event)

	f.svc.HandleFrame(backplane.Frame{Origin: "other", Kind: backplane.KindEvict, User: "bob", Device: "laptop"})
	got = drain(t, bob)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.EventForcedLogout, got[0].Event)
}

// recordingBackplane keeps every published frame.
type recordingBackplane struct {
	backplane.Local
	frames []backplane.Frame
}

func (b *recordingBackplane) Publish(_ context.Context, f backplane.Frame) error {
	b.frames = append(b.frames, f)
	return nil
}

func TestFanoutReachesOtherInstances(t *testing.T) {
	bp := &recordingBackplane{}
	f := newFixture(t, func(d *Deps) { d.Backplane = bp })
	f.send(t, "alice", "bob", "m1", "")

	require.NotEmpty(t, bp.frames)
	first := bp.frames[0]
	assert.Equal(t, backplane.KindFanout, first.Kind)
	conv := model.ConversationID("alice", "bob")
	assert.ElementsMatch(t, []string{ConversationRoom(conv), UserRoom("alice"), UserRoom("bob")}, first.Rooms)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(first.Data, &env))
	assert.Equal(t, protocol.EventMessageCreated, env.Event)
}

func TestHeartbeatSweepsExpiredCacheEntries(t *testing.T) {
	opts := cache.DefaultOptions()
	opts.IdempotencyTTL = time.Millisecond
	mem := cache.NewMemory(opts)
	f := newFixture(t, func(d *Deps) { d.Cache, d.Presence = mem, mem })
	ctx := context.Background()

	for i := range 100 {
		_, err := mem.CheckAndMark(ctx, fmt.Sprintf("corr-%d", i))
		require.NoError(t, err)
	}
	require.Equal(t, 100, mem.Len())
	time.Sleep(5 * time.Millisecond)

	f.svc.heartbeat(ctx)
	assert.Zero(t, mem.Len())
}
