// Package replay implements the outbound sequence counter, inbound gap
// detection, and bounded replay window described in spec section 4.2.
package replay

import (
	"sync"
	"time"

	"github.com/haiprotocol/haip-gateway/internal/protocolerr"
	"github.com/haiprotocol/haip-gateway/internal/wire"
)

type entry struct {
	seq uint64
	env *wire.Envelope
	at  time.Time
}

// Log owns one session's outbound sequence counter, the peer's observed
// inbound sequence, and a bounded window of recently-sent envelopes
// available for REPLAY_REQUEST. Every method takes mu, so the session's
// inbound, heartbeat and tool-handler goroutines may all call it.
type Log struct {
	mu sync.Mutex

	maxCount int
	maxAge   time.Duration

	nextOut    uint64 // next sequence to assign on send
	lastIn     uint64 // highest inbound sequence observed
	sawFirstIn bool
	awaitGap   bool // set after a REPLAY_REQUEST, cleared on next contiguous inbound

	window []entry // ordered oldest-first
}

// New creates a replay log bounded by maxCount entries and maxAge.
func New(maxCount int, maxAge time.Duration) *Log {
	return &Log{maxCount: maxCount, maxAge: maxAge, nextOut: 1}
}

// NextOutbound assigns and returns the next strictly monotonic outbound
// sequence, recording env in the replay window before the caller
// transmits it, per spec section 4.2 ("each outbound envelope is copied
// into the replay window prior to transmission").
func (l *Log) NextOutbound(env *wire.Envelope) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.nextOut
	l.nextOut++

	l.window = append(l.window, entry{seq: seq, env: env, at: time.Now()})
	l.evictLocked()
	return seq
}

func (l *Log) evictLocked() {
	cutoff := time.Now().Add(-l.maxAge)
	start := 0
	for start < len(l.window) && l.window[start].at.Before(cutoff) {
		start++
	}
	if start > 0 {
		l.window = l.window[start:]
	}
	if excess := len(l.window) - l.maxCount; excess > 0 {
		l.window = l.window[excess:]
	}
}

// ObserveInbound validates the inbound sequence against the last one
// seen. A non-contiguous sequence is a SEQ_VIOLATION unless a replay
// request has just been serviced for the gap (spec section 4.2).
func (l *Log) ObserveInbound(seq uint64) *protocolerr.Error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.sawFirstIn {
		l.sawFirstIn = true
		l.lastIn = seq
		return nil
	}

	if seq == l.lastIn+1 {
		l.lastIn = seq
		l.awaitGap = false
		return nil
	}

	if l.awaitGap {
		// Peer is catching up post-replay; accept the jump and resync.
		l.lastIn = seq
		l.awaitGap = false
		return nil
	}

	return protocolerr.New(protocolerr.SeqViolation, "expected seq %d, got %d", l.lastIn+1, seq)
}

// NoteReplayRequested marks that the next inbound sequence may legally
// skip ahead, since the peer is about to receive a replay and resume
// from beyond it.
func (l *Log) NoteReplayRequested() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.awaitGap = true
}

// Replay returns the window slice with sequences in [from, to] in
// original order. If to is zero, it means "through the newest entry".
// Requests below the window floor fail with REPLAY_TOO_OLD.
func (l *Log) Replay(from, to uint64) ([]*wire.Envelope, *protocolerr.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.window) == 0 {
		return nil, protocolerr.New(protocolerr.ReplayTooOld, "replay window is empty")
	}
	floor := l.window[0].seq
	if from < floor {
		return nil, protocolerr.New(protocolerr.ReplayTooOld, "requested seq %d below window floor %d", from, floor)
	}

	var out []*wire.Envelope
	for _, e := range l.window {
		if e.seq < from {
			continue
		}
		if to != 0 && e.seq > to {
			break
		}
		out = append(out, e.env)
	}
	return out, nil
}

// WindowBounds returns the current [min, max] sequence held in the
// window, and whether the window is non-empty.
func (l *Log) WindowBounds() (min, max uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.window) == 0 {
		return 0, 0, false
	}
	return l.window[0].seq, l.window[len(l.window)-1].seq, true
}

// LastInbound returns the highest inbound sequence observed so far.
func (l *Log) LastInbound() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIn
}
