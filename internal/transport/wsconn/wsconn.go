// Package wsconn implements the bidirectional socket transport adapter
// (spec section 4.7): one gorilla/websocket connection per session,
// text frames carrying the JSON envelope with a strictly-paired binary
// frame immediately following when bin_len/bin_mime are set.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haiprotocol/haip-gateway/internal/config"
	"github.com/haiprotocol/haip-gateway/internal/transport"
	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// NewUpgrader builds a gorilla upgrader from the server config,
// generalized from the teacher's package-level var upgrader (which
// hard-coded buffer sizes). Like that upgrader it accepts every origin;
// cfg.WebSocket.CheckOrigin is not consulted.
func NewUpgrader(cfg *config.Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:    cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:   cfg.WebSocket.WriteBufferSize,
		EnableCompression: cfg.WebSocket.EnableCompression,
		HandshakeTimeout:  time.Duration(cfg.WebSocket.HandshakeTimeout) * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Conn adapts a *websocket.Conn to transport.Conn. Recv is only ever
// called by a session's inbound task and Send only by its outbound
// pump, matching gorilla's one-reader/one-writer requirement; writeMu
// additionally serializes Send against Close, since shutdown may race
// the outbound pump during session teardown.
type Conn struct {
	ws         *websocket.Conn
	remoteAddr string
	writeWait  time.Duration
	pongWait   time.Duration

	writeMu sync.Mutex
}

// New wraps an already-upgraded websocket connection, installing the
// read deadline/pong handler pair the teacher's handleConnection sets
// up before entering its read loop.
func New(ws *websocket.Conn, cfg *config.Config) *Conn {
	c := &Conn{
		ws:         ws,
		remoteAddr: ws.RemoteAddr().String(),
		writeWait:  time.Duration(cfg.Server.WriteTimeout) * time.Second,
		pongWait:   time.Duration(cfg.Server.ReadTimeout) * time.Second,
	}
	ws.SetReadLimit(cfg.Server.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(c.pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})
	return c
}

// Upgrade performs the HTTP -> websocket upgrade and returns a ready
// Conn, mirroring the teacher's ServeWS.
func Upgrade(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, cfg *config.Config) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, cfg), nil
}

func (c *Conn) Recv(ctx context.Context) (*wire.Envelope, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, transport.ErrClosed
		}
		if mt != websocket.TextMessage {
			continue
		}

		env, perr := wire.Decode(data)
		if perr != nil {
			return nil, perr
		}
		if env == nil {
			// Forward-compatible, non-critical unknown type: silently
			// ignored per spec section 4.1; keep reading.
			continue
		}

		if env.HasBinary() {
			bmt, bin, err := c.ws.ReadMessage()
			if err != nil {
				return nil, transport.ErrClosed
			}
			if bmt != websocket.BinaryMessage {
				return nil, fmt.Errorf("wsconn: expected binary frame pairing envelope %s, got frame type %d", env.ID, bmt)
			}
			env.Binary = bin
		}
		return env, nil
	}
}

func (c *Conn) Send(ctx context.Context, env *wire.Envelope) error {
	raw, err := wire.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	if env.HasBinary() {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, env.Binary); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) Close(reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *Conn) RemoteAddr() string { return c.remoteAddr }

var _ transport.Conn = (*Conn)(nil)
