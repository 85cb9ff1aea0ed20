// Package sseconn implements the server-push stream transport adapter
// (spec section 4.7): a long-lived GET response carries outbound
// envelopes as server-sent events; inbound envelopes arrive over
// separate POSTs on a side channel, and a second POST carries the
// base64-encoded binary frame associated with the most recently posted
// envelope.
//
// Grounded on the Accept-header negotiation and per-session transport
// map shape of the streamable-HTTP MCP transport, simplified from its
// multi-logical-stream bookkeeping to HAIP's single long-lived GET per
// session.
package sseconn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/haiprotocol/haip-gateway/internal/protocolerr"
	"github.com/haiprotocol/haip-gateway/internal/transport"
	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// FrameTypeHeader names a side-channel POST header for telling an
// envelope POST from a binary POST. Nothing in this package reads it:
// HandleEnvelopePost and HandleBinaryPost do not inspect request
// headers, and the server tells the two apart by path
// (/haip/sse/envelope and /haip/sse/binary).
const FrameTypeHeader = "X-HAIP-Frame-Type"

const (
	FrameEnvelope = "envelope"
	FrameBinary   = "binary"
)

// keepAliveInterval governs how often a server-sent comment is written
// on an otherwise idle event stream to hold intermediaries open.
const keepAliveInterval = 20 * time.Second

// Conn adapts the GET event-stream plus side-channel POSTs to
// transport.Conn. One Conn is created per session and handed both to
// the session (as a transport.Conn) and to the HTTP handlers serving
// the GET and POST legs.
type Conn struct {
	remoteAddr string

	incoming    chan *wire.Envelope
	incomingErr chan *protocolerr.Error
	outgoing    chan *wire.Envelope

	closeOnce sync.Once
	closed    chan struct{}

	pendingMu sync.Mutex
	pending   *wire.Envelope // most recently posted envelope awaiting its binary frame
}

func New(remoteAddr string) *Conn {
	return &Conn{
		remoteAddr:  remoteAddr,
		incoming:    make(chan *wire.Envelope, 64),
		incomingErr: make(chan *protocolerr.Error, 8),
		outgoing:    make(chan *wire.Envelope, 64),
		closed:      make(chan struct{}),
	}
}

func (c *Conn) Recv(ctx context.Context) (*wire.Envelope, error) {
	select {
	case env, ok := <-c.incoming:
		if !ok {
			return nil, transport.ErrClosed
		}
		return env, nil
	case perr := <-c.incomingErr:
		return nil, perr
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Send(ctx context.Context, env *wire.Envelope) error {
	select {
	case c.outgoing <- env:
		return nil
	case <-c.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close(reason string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// ServeEventStream blocks on the long-lived GET request, writing each
// outbound envelope as an SSE "message" event and a periodic comment
// line to keep intermediaries from timing out the connection. It
// returns once the request context is cancelled or the session closes.
func (c *Conn) ServeEventStream(w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sseconn: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.outgoing:
			if err := writeEvent(w, env); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case <-c.closed:
			return nil
		case <-r.Context().Done():
			return r.Context().Err()
		}
	}
}

// writeEvent renders env as a single SSE "message" event, inlining any
// binary payload as base64 under payload["data"] since the event
// stream itself is a text-only carrier.
func writeEvent(w http.ResponseWriter, env *wire.Envelope) error {
	out := env
	if env.HasBinary() {
		clone := *env
		payload := make(map[string]any, len(env.Payload)+1)
		for k, v := range env.Payload {
			payload[k] = v
		}
		payload["data"] = base64.StdEncoding.EncodeToString(env.Binary)
		clone.Payload = payload
		out = &clone
	}

	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: message\nid: %s\ndata: %s\n\n", env.ID, data); err != nil {
		return err
	}
	return nil
}

// HandleEnvelopePost processes a side-channel POST carrying a protocol
// envelope in its body. If the envelope declares a paired binary frame,
// it is held pending rather than delivered until the matching
// HandleBinaryPost arrives, preserving the strict pairing guarantee
// spec section 4.7 requires across all three transports.
func (c *Conn) HandleEnvelopePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	env, perr := wire.Decode(body)
	if perr != nil {
		c.deliverErr(r.Context(), perr)
		http.Error(w, perr.Error(), http.StatusBadRequest)
		return
	}
	if env == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if env.HasBinary() {
		c.pendingMu.Lock()
		c.pending = env
		c.pendingMu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := c.deliver(r.Context(), env); err != nil {
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleBinaryPost processes the side-channel POST whose body is the
// base64-encoded binary frame for the most recently posted envelope.
func (c *Conn) HandleBinaryPost(w http.ResponseWriter, r *http.Request) {
	c.pendingMu.Lock()
	env := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	if env == nil {
		http.Error(w, "no envelope awaiting a binary frame", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	bin, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		perr := protocolerr.New(protocolerr.ProtocolViolation, "malformed base64 binary frame: %v", err)
		c.deliverErr(r.Context(), perr)
		http.Error(w, perr.Error(), http.StatusBadRequest)
		return
	}
	env.Binary = bin

	if err := c.deliver(r.Context(), env); err != nil {
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (c *Conn) deliver(ctx context.Context, env *wire.Envelope) error {
	select {
	case c.incoming <- env:
		return nil
	case <-c.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverErr hands a decode failure to Recv so the session's inbound
// task can send an ERROR envelope over the still-open event stream
// (spec section 4.1), rather than leaving it visible only as the HTTP
// status of this side-channel POST. Best-effort: if the session has
// already closed or the request is cancelled, the POST's own HTTP
// error response is all the peer gets.
func (c *Conn) deliverErr(ctx context.Context, perr *protocolerr.Error) {
	select {
	case c.incomingErr <- perr:
	case <-c.closed:
	case <-ctx.Done():
	}
}

var _ transport.Conn = (*Conn)(nil)
