package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/config"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/protocol"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// relayConn plays a relay that accepts every request.
type relayConn struct {
	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

func newRelayConn() *relayConn {
	return &relayConn{inbound: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *relayConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.inbound:
		return b, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *relayConn) WriteMessage(data []byte, _ time.Time) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Ref == "" {
		return nil
	}
	raw, err := protocol.Encode(env.Ref, &protocol.Ack{OK: true})
	if err != nil {
		return err
	}
	select {
	case c.inbound <- raw:
		return nil
	case <-c.done:
		return io.ErrClosedPipe
	}
}

func (c *relayConn) Ping(time.Time) error { return nil }

func (c *relayConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type relayDialer struct{ online bool }

func (d relayDialer) Dial(context.Context, string, http.Header) (transport.Conn, error) {
	if !d.online {
		return nil, errors.New("network unreachable")
	}
	return newRelayConn(), nil
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).SignedString([]byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func tempDir(t *testing.T) string {
	t.Helper()
	// Short path: unix socket paths are limited to ~104 bytes.
	dir, err := os.MkdirTemp("/tmp", "courier-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func startDaemon(t *testing.T, online bool) (*api.Client, Params) {
	t.Helper()
	cfg := config.Default()
	cfg.Relay.Token = token(t, "alice")
	cfg.Transport.ReconnectAttempts = 1
	cfg.Transport.ReconnectDelay = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Transport.RedialInterval = config.Duration{Duration: time.Hour}

	p := Params{Profile: "test", Dir: tempDir(t), Config: cfg, Dialer: relayDialer{online: online}}
	app := fxtest.New(t, Module(p), fx.NopLogger)
	app.RequireStart()
	t.Cleanup(app.RequireStop)

	client, err := api.Dial(filepath.Join(p.Dir, "daemon.sock"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemonQueuesWhileOffline(t *testing.T) {
	client, _ := startDaemon(t, false)
	ctx := context.Background()

	waitFor(t, "disconnected", func() bool {
		st, err := client.SessionStatus(ctx)
		return err == nil && st.State == status.Disconnected
	})

	resp, err := client.SendText(ctx, &api.SendTextRequest{To: "bob", Body: "hi"})
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if !resp.Accepted {
		t.Error("expected message to be accepted")
	}
	if resp.Message.Status != model.StatusPending {
		t.Errorf("status = %s, want pending", resp.Message.Status)
	}
	if resp.Message.SenderID != "alice" {
		t.Errorf("sender = %q, want alice", resp.Message.SenderID)
	}

	stats, err := client.QueueStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !stats.Paused || stats.Size != 1 {
		t.Errorf("stats = %+v, want paused with one message", stats.Stats)
	}
	if stats.Counts[model.StatusPending] != 1 {
		t.Errorf("pending count = %d, want 1", stats.Counts[model.StatusPending])
	}

	list, err := client.ListMessages(ctx, &api.ListMessagesRequest{Peer: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Messages) != 1 || list.Messages[0].Body != "hi" {
		t.Errorf("messages = %+v", list.Messages)
	}
	if list.ConversationID != model.ConversationID("alice", "bob") {
		t.Errorf("conversation = %q", list.ConversationID)
	}
}

func TestDaemonSendsWhenOnline(t *testing.T) {
	client, _ := startDaemon(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	waitFor(t, "connected", func() bool {
		st, err := client.SessionStatus(ctx)
		return err == nil && st.State == status.Connected
	})

	stream, err := client.Watch(ctx, bus.KindQueueStatus)
	if err != nil {
		t.Fatal(err)
	}
	// Watch registers its subscription asynchronously.
	time.Sleep(50 * time.Millisecond)

	resp, err := client.SendText(ctx, &api.SendTextRequest{ID: "m-1", To: "bob", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "sent", func() bool {
		list, err := client.ListMessages(ctx, &api.ListMessagesRequest{ConversationID: resp.Message.ConversationID})
		return err == nil && len(list.Messages) == 1 && list.Messages[0].Status == model.StatusSent
	})

	seen := map[model.Status]bool{}
	for !seen[model.StatusSent] {
		evt, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv() error = %v (seen %v)", err, seen)
		}
		var se struct {
			ID     string       `json:"id"`
			Status model.Status `json:"status"`
		}
		if err := json.Unmarshal(evt.Payload, &se); err != nil {
			t.Fatal(err)
		}
		if se.ID == "m-1" {
			seen[se.Status] = true
		}
	}
	if !seen[model.StatusSending] {
		t.Errorf("expected a sending event before sent, saw %v", seen)
	}
}

func TestDaemonErrorsMapToCodes(t *testing.T) {
	client, _ := startDaemon(t, false)
	ctx := context.Background()

	err := client.Retry(ctx, "missing")
	if grpcstatus.Code(err) != codes.NotFound {
		t.Errorf("Retry(missing) code = %v, want NotFound", grpcstatus.Code(err))
	}

	_, err = client.SendText(ctx, &api.SendTextRequest{To: "", Body: "x"})
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("SendText(no recipient) code = %v, want InvalidArgument", grpcstatus.Code(err))
	}

	_, err = client.ListMessages(ctx, &api.ListMessagesRequest{})
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("ListMessages() code = %v, want InvalidArgument", grpcstatus.Code(err))
	}
}

func TestSecondDaemonCannotTakeProfile(t *testing.T) {
	_, p := startDaemon(t, false)

	app := fx.New(Module(p), fx.NopLogger)
	if app.Err() == nil {
		t.Fatal("second daemon on the same profile should fail to start")
	}
}
