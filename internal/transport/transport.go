// Package transport defines the uniform duplex interface the session
// state machine drives regardless of which of the three wire transports
// (websocket, SSE, chunked stream) carried the connection, per spec
// section 4.7.
package transport

import (
	"context"
	"errors"

	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// ErrClosed is returned by Recv/Send once the connection has been
// closed, either by the peer or by a prior Close call.
var ErrClosed = errors.New("transport: connection closed")

// Conn is the uniform interface C6 (internal/session) drives. All three
// adapters guarantee in-order delivery in both directions (spec §4.7).
type Conn interface {
	// Recv blocks for the next envelope, filling in its paired binary
	// frame (if any) before returning. Returns ErrClosed once the peer
	// disconnects or Close is called.
	Recv(ctx context.Context) (*wire.Envelope, error)

	// Send transmits env, followed by its binary payload if HasBinary.
	Send(ctx context.Context, env *wire.Envelope) error

	// Close tears down the connection, best-effort informing the peer
	// of reason.
	Close(reason string) error

	// RemoteAddr identifies the peer for logging/diagnostics.
	RemoteAddr() string
}
