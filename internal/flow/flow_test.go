package flow

import (
	"testing"

	"github.com/haiprotocol/haip-gateway/internal/protocolerr"
	"github.com/haiprotocol/haip-gateway/internal/wire"
)

func testLimits() Limits {
	return Limits{
		MinCredits: 1, MaxCredits: 1000, CreditThreshold: 2,
		BackPressureThreshold: 1, InitialCreditMessages: 2, InitialCreditBytes: 1024,
	}
}

func TestChargeInboundExhaustsAndViolates(t *testing.T) {
	c := New(testLimits())
	if perr := c.ChargeInbound(wire.ChannelUser, 10); perr != nil {
		t.Fatalf("unexpected error on first charge: %v", perr)
	}
	if perr := c.ChargeInbound(wire.ChannelUser, 10); perr != nil {
		t.Fatalf("unexpected error on second charge: %v", perr)
	}
	// third message: initial credit was 2, now exhausted -> violation
	if perr := c.ChargeInbound(wire.ChannelUser, 10); perr == nil || perr.Code != protocolerr.FlowControlViolation {
		t.Fatalf("expected FLOW_CONTROL_VIOLATION, got %v", perr)
	}
}

func envelopeWithID(id string) *wire.Envelope {
	return &wire.Envelope{ID: id, Session: "s1", Seq: "1", Ts: "1", Channel: wire.ChannelUser, Type: wire.EventPing, Payload: map[string]any{}}
}

func TestOutboundQueuesWhenExhausted(t *testing.T) {
	c := New(testLimits())
	if queued := c.TrySendOutbound(wire.ChannelUser, 10, envelopeWithID("a")); queued {
		t.Fatal("expected first send not to queue")
	}
	if queued := c.TrySendOutbound(wire.ChannelUser, 10, envelopeWithID("b")); queued {
		t.Fatal("expected second send not to queue")
	}
	if queued := c.TrySendOutbound(wire.ChannelUser, 10, envelopeWithID("c")); !queued {
		t.Fatal("expected third send to queue once credit is exhausted")
	}
}

func TestApplyGrantDrainsQueueInOrder(t *testing.T) {
	c := New(testLimits())
	c.TrySendOutbound(wire.ChannelUser, 10, envelopeWithID("a"))
	c.TrySendOutbound(wire.ChannelUser, 10, envelopeWithID("b"))
	c.TrySendOutbound(wire.ChannelUser, 10, envelopeWithID("c")) // queued

	drained := c.ApplyGrant(wire.ChannelUser, 5, 500)
	if len(drained) != 1 || drained[0].ID != "c" {
		t.Fatalf("expected [c] drained, got %v", drained)
	}
}

func TestApplyGrantPreservesBinaryFrame(t *testing.T) {
	c := New(testLimits())
	binLen := uint64(3)
	mime := "audio/pcm"
	env := &wire.Envelope{
		ID: "bin1", Session: "s1", Seq: "1", Ts: "1", Channel: wire.ChannelUser,
		Type: wire.EventAudioChunk, Payload: map[string]any{}, BinLen: &binLen, BinMime: &mime,
		Binary: []byte("abc"),
	}
	c.TrySendOutbound(wire.ChannelUser, 10, envelopeWithID("a"))
	c.TrySendOutbound(wire.ChannelUser, 10, envelopeWithID("b"))
	c.TrySendOutbound(wire.ChannelUser, uint64(len("abc"))+50, env) // queued

	drained := c.ApplyGrant(wire.ChannelUser, 5, 500)
	if len(drained) != 1 || string(drained[0].Binary) != "abc" {
		t.Fatalf("expected queued envelope to retain its binary frame, got %+v", drained)
	}
}

func TestNeedsGrantBelowThreshold(t *testing.T) {
	c := New(testLimits())
	c.ChargeInbound(wire.ChannelUser, 10)
	_, _, need := c.NeedsGrant(wire.ChannelUser)
	if !need {
		t.Fatal("expected NeedsGrant to fire after dropping below threshold")
	}
}
