// Package flow implements the credit-based flow controller described in
// spec section 4.3: per-channel message/byte credit ledgers, threshold
// grants, adaptive RTT-scaled grant sizing, and pause/resume.
package flow

import (
	"sync"
	"time"

	"github.com/haiprotocol/haip-gateway/internal/protocolerr"
	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// Limits configures one channel's flow control, mirroring the
// flowControl.* config knobs in spec section 6.
type Limits struct {
	MinCredits             uint64
	MaxCredits             uint64
	CreditThreshold        uint64
	BackPressureThreshold  uint64
	AdaptiveAdjustment     bool
	InitialCreditMessages  uint64
	InitialCreditBytes     uint64
}

type ledger struct {
	messageCredit uint64
	byteCredit    uint64
	paused        bool
	queue         []*wire.Envelope // envelopes queued while paused, binary frame included
}

// Controller owns the flow-control ledgers for every channel of one
// session, in both directions: inbound ledgers gate what the peer may
// send us, outbound ledgers gate what we may send the peer.
type Controller struct {
	mu       sync.Mutex
	limits   Limits
	inbound  map[wire.Channel]*ledger
	outbound map[wire.Channel]*ledger
	rtt      time.Duration
}

func New(limits Limits) *Controller {
	c := &Controller{
		limits:   limits,
		inbound:  map[wire.Channel]*ledger{},
		outbound: map[wire.Channel]*ledger{},
	}
	for _, ch := range []wire.Channel{wire.ChannelUser, wire.ChannelAgent, wire.ChannelSystem} {
		c.inbound[ch] = &ledger{messageCredit: limits.InitialCreditMessages, byteCredit: limits.InitialCreditBytes}
		c.outbound[ch] = &ledger{messageCredit: limits.InitialCreditMessages, byteCredit: limits.InitialCreditBytes}
	}
	return c
}

// ChargeInbound consumes one message-credit and size byte-credits from
// the inbound ledger for ch, enforcing the peer's send budget. Spec
// section 4.3: "a peer that sends while the channel is paused commits
// FLOW_CONTROL_VIOLATION".
func (c *Controller) ChargeInbound(ch wire.Channel, size uint64) *protocolerr.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.inbound[ch]
	if l.paused || l.messageCredit == 0 || l.byteCredit < size {
		return protocolerr.New(protocolerr.FlowControlViolation, "channel %s has no remaining credit", ch)
	}
	l.messageCredit--
	l.byteCredit -= size
	if l.messageCredit == 0 || l.byteCredit < c.limits.BackPressureThreshold {
		l.paused = true
	}
	return nil
}

// GrantInbound applies a FLOW_UPDATE-equivalent credit top-up to the
// inbound ledger (the peer has been told to send more). Used when the
// core offers the peer additional budget.
func (c *Controller) GrantInbound(ch wire.Channel, messages, bytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.inbound[ch]
	l.messageCredit = clamp(l.messageCredit+messages, c.limits.MaxCredits)
	l.byteCredit = clamp(l.byteCredit+bytes, c.limits.MaxCredits)
	if l.messageCredit > 0 && l.byteCredit > c.limits.BackPressureThreshold {
		l.paused = false
	}
}

// NeedsGrant reports whether ch's inbound ledger has fallen below the
// configured threshold and should trigger an outbound FLOW_UPDATE.
func (c *Controller) NeedsGrant(ch wire.Channel) (messages, bytes uint64, need bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.inbound[ch]
	if l.messageCredit >= c.limits.CreditThreshold && l.byteCredit >= c.limits.CreditThreshold {
		return 0, 0, false
	}
	grant := c.grantSizeLocked()
	return grant, grant * 1024, true
}

func (c *Controller) grantSizeLocked() uint64 {
	base := c.limits.InitialCreditMessages
	if !c.limits.AdaptiveAdjustment || c.rtt <= 0 {
		return clampGrant(base, c.limits.MinCredits, c.limits.MaxCredits)
	}
	// Adaptive mode: scale the grant with observed RTT so slower peers
	// get bigger grants (fewer round trips to refill).
	factor := float64(c.rtt) / float64(200*time.Millisecond)
	if factor < 0.25 {
		factor = 0.25
	}
	if factor > 4 {
		factor = 4
	}
	scaled := uint64(float64(base) * factor)
	return clampGrant(scaled, c.limits.MinCredits, c.limits.MaxCredits)
}

// ObserveRTT records a measured round trip (e.g. from a PING/PONG
// nonce) used to scale adaptive credit grants.
func (c *Controller) ObserveRTT(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtt = d
}

// TrySendOutbound attempts to charge the outbound ledger for ch. If
// credit is insufficient, env is queued (binary frame included) and the
// call reports queued=true; the caller must not transmit in that case.
// size is the envelope's total wire cost (encoded JSON plus any binary
// frame), computed by the caller since only it knows the encoding.
func (c *Controller) TrySendOutbound(ch wire.Channel, size uint64, env *wire.Envelope) (queued bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.outbound[ch]
	if l.paused || l.messageCredit == 0 || l.byteCredit < size {
		l.paused = true
		l.queue = append(l.queue, env)
		return true
	}
	l.messageCredit--
	l.byteCredit -= size
	return false
}

// ApplyGrant processes a FLOW_UPDATE received from the peer, crediting
// our outbound ledger, and returns any envelopes that can now drain
// from the queue in original order, binary frames intact.
func (c *Controller) ApplyGrant(ch wire.Channel, messages, bytes uint64) []*wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.outbound[ch]
	l.messageCredit += messages
	l.byteCredit += bytes
	l.paused = false

	var drained []*wire.Envelope
	remaining := l.queue[:0]
	for _, env := range l.queue {
		size := uint64(envelopeWireSize(env))
		if l.messageCredit == 0 || l.byteCredit < size {
			remaining = append(remaining, env)
			l.paused = true
			continue
		}
		l.messageCredit--
		l.byteCredit -= size
		drained = append(drained, env)
	}
	l.queue = remaining
	return drained
}

// envelopeWireSize recomputes an already-queued envelope's charged size
// for re-evaluation against newly-granted credit.
func envelopeWireSize(env *wire.Envelope) uint64 {
	raw, err := wire.Encode(env)
	size := uint64(0)
	if err == nil {
		size = uint64(len(raw))
	}
	if env.HasBinary() {
		size += *env.BinLen
	}
	return size
}

// OutboundPaused reports whether ch is currently back-pressured
// outbound.
func (c *Controller) OutboundPaused(ch wire.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbound[ch].paused
}

func clamp(v, max uint64) uint64 {
	if v > max {
		return max
	}
	return v
}

func clampGrant(v, min, max uint64) uint64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
