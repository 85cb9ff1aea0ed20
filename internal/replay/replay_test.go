package replay

import (
	"testing"
	"time"

	"github.com/haiprotocol/haip-gateway/internal/protocolerr"
	"github.com/haiprotocol/haip-gateway/internal/wire"
)

func envAt(seq uint64) *wire.Envelope {
	return &wire.Envelope{ID: "e", Session: "s", Seq: wire.FormatCounter(seq)}
}

func TestNextOutboundMonotonic(t *testing.T) {
	l := New(100, time.Hour)
	for i := uint64(1); i <= 5; i++ {
		if got := l.NextOutbound(envAt(i)); got != i {
			t.Fatalf("expected seq %d, got %d", i, got)
		}
	}
}

func TestReplayLosslessWithinWindow(t *testing.T) {
	l := New(100, time.Hour)
	for i := uint64(1); i <= 10; i++ {
		l.NextOutbound(envAt(i))
	}
	out, perr := l.Replay(7, 10)
	if perr != nil {
		t.Fatalf("unexpected error: %v", perr)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 envelopes, got %d", len(out))
	}
	for i, e := range out {
		want := wire.FormatCounter(uint64(7 + i))
		if e.Seq != want {
			t.Fatalf("position %d: expected seq %s, got %s", i, want, e.Seq)
		}
	}
}

func TestReplayTooOldAfterEviction(t *testing.T) {
	l := New(5, time.Hour)
	for i := uint64(1); i <= 10; i++ {
		l.NextOutbound(envAt(i))
	}
	// window size 5 means only seqs 6..10 remain
	_, perr := l.Replay(1, 0)
	if perr == nil || perr.Code != protocolerr.ReplayTooOld {
		t.Fatalf("expected REPLAY_TOO_OLD, got %v", perr)
	}
}

func TestObserveInboundSequenceViolation(t *testing.T) {
	l := New(10, time.Hour)
	if perr := l.ObserveInbound(1); perr != nil {
		t.Fatalf("unexpected error on first inbound: %v", perr)
	}
	if perr := l.ObserveInbound(3); perr == nil || perr.Code != protocolerr.SeqViolation {
		t.Fatalf("expected SEQ_VIOLATION, got %v", perr)
	}
}

func TestObserveInboundAllowsGapAfterReplayRequest(t *testing.T) {
	l := New(10, time.Hour)
	l.ObserveInbound(1)
	l.NoteReplayRequested()
	if perr := l.ObserveInbound(5); perr != nil {
		t.Fatalf("expected gap to be tolerated post-replay-request, got %v", perr)
	}
}

func TestWindowEvictsByAge(t *testing.T) {
	l := New(1000, time.Millisecond)
	l.NextOutbound(envAt(1))
	time.Sleep(5 * time.Millisecond)
	l.NextOutbound(envAt(2))
	min, max, ok := l.WindowBounds()
	if !ok || min != 2 || max != 2 {
		t.Fatalf("expected window to contain only seq 2, got min=%d max=%d ok=%v", min, max, ok)
	}
}
