package tools

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/haiprotocol/haip-gateway/internal/wire"
)

func TestLongTaskProgressEnvelopesHaveUniqueUUIDIDs(t *testing.T) {
	lt := NewLongTask(2*time.Millisecond, 5)
	d := newTestDispatcher(lt)

	seen := make(map[string]bool)
	var mu sync.Mutex
	done := make(chan struct{})
	send := func(e *wire.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		if !wire.ValidUUID(e.ID) {
			t.Errorf("envelope id %q is not a canonical UUID", e.ID)
		}
		if seen[e.ID] {
			t.Errorf("duplicate envelope id %q", e.ID)
		}
		seen[e.ID] = true
		if e.Type == wire.EventMessageEnd {
			close(done)
		}
	}

	env := &wire.Envelope{ID: "m1", Session: "s1", Type: wire.EventMessageStart, Payload: map[string]any{}}
	if err := d.Dispatch(context.Background(), "longtask", "s1", "t1", send, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for longtask completion")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 6 {
		t.Fatalf("expected at least 6 distinct envelope ids (5 progress + 1 done), got %d", len(seen))
	}
}

func newTestDispatcher(handlers ...Handler) *Dispatcher {
	reg := NewRegistry()
	for _, h := range handlers {
		reg.Register(h)
	}
	return NewDispatcher(reg, log.New(io.Discard, "", 0))
}

func TestEchoRoundTrip(t *testing.T) {
	d := newTestDispatcher(NewEcho())
	var got *wire.Envelope
	done := make(chan struct{})
	send := func(e *wire.Envelope) {
		got = e
		close(done)
	}
	env := &wire.Envelope{ID: "m1", Session: "s1", Type: wire.EventMessageStart, Payload: map[string]any{"text": "hi"}}
	if err := d.Dispatch(context.Background(), "echo", "s1", "t1", send, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for echo")
	}
	if got.Channel != wire.ChannelAgent || got.Payload["text"] != "hi" {
		t.Fatalf("unexpected echo envelope: %+v", got)
	}
	if *got.Transaction != "t1" {
		t.Fatalf("expected transaction t1, got %v", got.Transaction)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newTestDispatcher()
	err := d.Dispatch(context.Background(), "nope", "s1", "t1", func(*wire.Envelope) {}, &wire.Envelope{})
	if err != ErrUnknownTool {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestLongTaskCancellation(t *testing.T) {
	lt := NewLongTask(10*time.Millisecond, 100)
	d := newTestDispatcher(lt)

	terminal := make(chan *wire.Envelope, 1)
	send := func(e *wire.Envelope) {
		if e.Type == wire.EventRunError {
			terminal <- e
		}
	}
	env := &wire.Envelope{ID: "m1", Session: "s1", Type: wire.EventMessageStart, Payload: map[string]any{}}
	if err := d.Dispatch(context.Background(), "longtask", "s1", "t1", send, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	d.Cancel("longtask", "s1", "t1")

	select {
	case e := <-terminal:
		if e.Payload["code"] != "CANCELLED" {
			t.Fatalf("expected CANCELLED payload, got %+v", e.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation to be observed")
	}
}
