package outbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/protocol"
	"github.com/matheus3301/courier/internal/transport"
)

func TestBackoffStaysWithinBounds(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 0.3)
	for k := range 10 {
		lo, hi := b.Bounds(k)
		for range 200 {
			d := b.Delay(k)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %s outside [%s, %s]", k, d, lo, hi)
			}
			if d > 30*time.Second {
				t.Fatalf("Delay(%d) = %s exceeds max", k, d)
			}
		}
	}
}

func TestBackoffBoundsMatchFormula(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 0.3)
	tests := []struct {
		k      int
		lo, hi time.Duration
	}{
		{0, 700 * time.Millisecond, 1300 * time.Millisecond},
		{2, 2800 * time.Millisecond, 5200 * time.Millisecond},
		{4, 11200 * time.Millisecond, 20800 * time.Millisecond},
		{5, 22400 * time.Millisecond, 30 * time.Second},
		{60, 30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		lo, hi := b.Bounds(tt.k)
		if lo != tt.lo || hi != tt.hi {
			t.Errorf("Bounds(%d) = [%s, %s], want [%s, %s]", tt.k, lo, hi, tt.lo, tt.hi)
		}
	}
}

func TestBackoffJitterExtremes(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 0.3)
	b.rand = func() float64 { return 0 }
	if d := b.Delay(1); d != 1400*time.Millisecond {
		t.Errorf("low jitter Delay(1) = %s", d)
	}
	b.rand = func() float64 { return 0.999999 }
	if d := b.Delay(5); d != 30*time.Second {
		t.Errorf("high jitter Delay(5) = %s, want clamp to max", d)
	}
}

func TestBackoffLowerBoundUsesUncappedDelay(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 0.3)
	b.rand = func() float64 { return 0 }
	if d := b.Delay(5); d < 22400*time.Millisecond {
		t.Errorf("Delay(5) = %s, want at least 22.4s", d)
	}
	for k := 6; k < 80; k++ {
		if d := b.Delay(k); d != 30*time.Second {
			t.Errorf("Delay(%d) = %s, want max once the floor passes it", k, d)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want model.ErrorClass
	}{
		{nil, ""},
		{transport.ErrDisconnected, model.ErrorNetwork},
		{fmt.Errorf("wrapped: %w", transport.ErrDisconnected), model.ErrorNetwork},
		{transport.ErrAckTimeout, model.ErrorTimeout},
		{context.DeadlineExceeded, model.ErrorTimeout},
		{timeoutErr{}, model.ErrorTimeout},
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, model.ErrorNetwork},
		{&transport.RemoteError{Code: protocol.CodeDuplicate}, model.ErrorDuplicate},
		{&transport.RemoteError{Code: protocol.CodeValidation}, model.ErrorValidation},
		{&transport.RemoteError{Code: protocol.CodeForbidden}, model.ErrorValidation},
		{&transport.RemoteError{Code: protocol.CodeUnavailable}, model.ErrorServer},
		{&transport.RemoteError{Code: protocol.CodeRateLimited}, model.ErrorServer},
		{model.ErrInvalidMessage, model.ErrorValidation},
		{errors.New("mystery"), model.ErrorUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
