// Package streamconn implements the chunked streaming transport adapter
// (spec section 4.7): a single POST whose body is a newline-delimited
// stream of envelope JSON objects, answered by a symmetric
// newline-delimited outbound stream on the response. Binary payloads
// are base64-encoded inline as the envelope's payload "data" field in
// both directions, since NDJSON has no side channel for raw bytes.
package streamconn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/haiprotocol/haip-gateway/internal/protocolerr"
	"github.com/haiprotocol/haip-gateway/internal/transport"
	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// Conn adapts one chunked HTTP request/response pair to transport.Conn.
type Conn struct {
	remoteAddr string

	w       http.ResponseWriter
	flusher http.Flusher
	writeMu sync.Mutex

	incoming  chan *wire.Envelope
	readDone  chan struct{}
	closeOnce sync.Once
	closed    chan struct{}

	// readErr is set once, by readLoop, before it closes readDone; Recv
	// only reads it after observing readDone closed, so the channel
	// close/receive pair establishes the happens-before relationship.
	readErr *protocolerr.Error
}

// New begins serving a chunked stream session: it writes response
// headers immediately (so the client sees an open connection) and
// starts a goroutine scanning the request body for NDJSON lines.
func New(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streamconn: response writer does not support flushing")
	}

	c := &Conn{
		remoteAddr: r.RemoteAddr,
		w:          w,
		flusher:    flusher,
		incoming:   make(chan *wire.Envelope, 64),
		readDone:   make(chan struct{}),
		closed:     make(chan struct{}),
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	go c.readLoop(r)
	return c, nil
}

func (c *Conn) readLoop(r *http.Request) {
	defer close(c.readDone)

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		env, perr := wire.Decode(line)
		if perr != nil {
			c.readErr = perr
			return
		}
		if env == nil {
			continue
		}

		if env.HasBinary() {
			if dataStr, ok := env.Payload["data"].(string); ok {
				if bin, err := base64.StdEncoding.DecodeString(dataStr); err == nil {
					env.Binary = bin
				}
				delete(env.Payload, "data")
			}
		}

		select {
		case c.incoming <- env:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) Recv(ctx context.Context) (*wire.Envelope, error) {
	select {
	case env := <-c.incoming:
		return env, nil
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.readDone:
		// The request body is exhausted; drain anything already
		// buffered before reporting the decode error (if any) or closed.
		select {
		case env := <-c.incoming:
			return env, nil
		default:
		}
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, transport.ErrClosed
	}
}

func (c *Conn) Send(ctx context.Context, env *wire.Envelope) error {
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

	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(raw); err != nil {
		return err
	}
	if _, err := c.w.Write([]byte("\n")); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *Conn) Close(reason string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) RemoteAddr() string { return c.remoteAddr }

var _ transport.Conn = (*Conn)(nil)
