package relay

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestConn(user, device string) *Conn {
	return NewConn(nil, user, device, DefaultConnConfig(), zap.NewNop())
}

func TestHubFirstAndLastConnection(t *testing.T) {
	h := NewHub()
	a1, a2 := newTestConn("alice", "phone"), newTestConn("alice", "laptop")

	assert.True(t, h.Add(a1))
	assert.False(t, h.Add(a2))
	assert.Equal(t, 2, h.Len())
	assert.ElementsMatch(t, []string{"alice"}, h.Users())

	assert.False(t, h.Remove(a1))
	assert.False(t, h.Remove(a1), "removing twice is a no-op")
	assert.True(t, h.Online("alice"))
	assert.True(t, h.Remove(a2))
	assert.False(t, h.Online("alice"))
	assert.Zero(t, h.Len())
}

func TestHubDeliverDedupesAcrossRooms(t *testing.T) {
	h := NewHub()
	alice, bob, carol := newTestConn("alice", ""), newTestConn("bob", ""), newTestConn("carol", "")
	for _, c := range []*Conn{alice, bob, carol} {
		h.Add(c)
	}
	assert.Equal(t, 2, h.Join(alice, ConversationRoom("c1")))
	h.Join(bob, ConversationRoom("c1"))

	n := h.Deliver([]string{ConversationRoom("c1"), UserRoom("alice"), UserRoom("bob")}, []byte("x"))
	assert.Equal(t, 2, n)
	assert.Len(t, alice.send, 1, "a connection in several target rooms gets one copy")
	assert.Len(t, bob.send, 1)
	assert.Empty(t, carol.send)
}

func TestHubRemoveLeavesRooms(t *testing.T) {
	h := NewHub()
	alice := newTestConn("alice", "")
	h.Add(alice)
	h.Join(alice, ConversationRoom("c1"))
	h.Remove(alice)

	assert.Zero(t, h.Deliver([]string{ConversationRoom("c1"), UserRoom("alice")}, []byte("x")))
	assert.Zero(t, h.Join(alice, ConversationRoom("c2")), "unregistered connections cannot join")
}

func TestSlowConnectionIsClosed(t *testing.T) {
	cfg := DefaultConnConfig()
	cfg.SendBuffer = 1
	c := NewConn(nil, "alice", "", cfg, zap.NewNop())

	assert.True(t, c.Enqueue([]byte("1")))
	assert.False(t, c.Enqueue([]byte("2")))
	select {
	case <-c.Closing():
	default:
		t.Fatal("connection with a full buffer must close")
	}
	assert.False(t, c.Enqueue([]byte("3")))
}

// fakeSocket is an in-memory websocket. The test plays the client.
type fakeSocket struct {
	inbound chan []byte
	written chan []byte
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	controls []int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case b := <-s.inbound:
		return websocket.TextMessage, b, nil
	case <-s.done:
		return 0, nil, io.EOF
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	case s.written <- data:
		return nil
	}
}

func (s *fakeSocket) WriteControl(mt int, _ []byte, _ time.Time) error {
	s.mu.Lock()
	s.controls = append(s.controls, mt)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) SetReadDeadline(time.Time) error { return nil }

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) SetReadLimit(int64) {}

func (s *fakeSocket) SetPongHandler(func(appData string) error) {}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func TestWritePumpFlushesBeforeClosing(t *testing.T) {
	sock := newFakeSocket()
	c := NewConn(sock, "alice", "", DefaultConnConfig(), zap.NewNop())
	stopped := make(chan struct{})
	go func() {
		c.writePump()
		close(stopped)
	}()

	require.True(t, c.Enqueue([]byte("goodbye")))
	c.Close()

	select {
	case got := <-sock.written:
		assert.Equal(t, "goodbye", string(got))
	case <-time.After(time.Second):
		t.Fatal("queued frame was not written")
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("write pump did not stop")
	}
	select {
	case <-sock.done:
	default:
		t.Fatal("socket not closed")
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	assert.Contains(t, sock.controls, websocket.CloseMessage)
}

func TestReadPumpDeliversFramesUntilClosed(t *testing.T) {
	sock := newFakeSocket()
	c := NewConn(sock, "alice", "", DefaultConnConfig(), zap.NewNop())
	got := make(chan string, 4)
	done := make(chan struct{})
	go func() {
		c.readPump(func(b []byte) { got <- string(b) })
		close(done)
	}()

	sock.inbound <- []byte("one")
	sock.inbound <- []byte("two")
	assert.Equal(t, "one", <-got)
	assert.Equal(t, "two", <-got)

	_ = sock.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read pump did not stop")
	}
}

func TestServeReturnsAfterWritePumpStops(t *testing.T) {
	f := newFixture(t)
	sock := newFakeSocket()
	c := NewConn(sock, "alice", "", DefaultConnConfig(), zap.NewNop())
	served := make(chan struct{})
	go func() {
		f.svc.Serve(context.Background(), c)
		close(served)
	}()

	// The client goes away; the read pump fails first.
	_ = sock.Close()
	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Serve returned while the write pump still owned the socket")
	}
	assert.False(t, f.svc.Hub().Online("alice"))
}
