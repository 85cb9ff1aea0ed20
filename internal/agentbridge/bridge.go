// Package agentbridge dispatches tool calls to out-of-process agents
// over NATS, generalized from the teacher's market-data NATS client
// (pkg/nats/client.go) from a broadcast subscriber into a request/reply
// and streaming-progress bridge keyed by transaction id.
package agentbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/haiprotocol/haip-gateway/internal/metrics"
	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// Config mirrors the teacher's NATS connection tuning knobs verbatim.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
	CallTimeout     time.Duration
}

// Client is a NATS-backed bridge to remote tool implementations. One
// Client is shared process-wide (like the teacher's pkg/nats.Client);
// individual in-flight calls are tracked by transaction id so that
// concurrent tool calls for the same tool name don't cross streams.
type Client struct {
	conn    *nats.Conn
	metrics metrics.Recorder
	logger  *log.Logger

	subsMutex sync.RWMutex
	subs      map[string]*nats.Subscription

	waitersMu sync.Mutex
	waiters   map[string]chan *wire.Envelope // keyed by transaction id
	progress  map[string]func(*wire.Envelope) // keyed by transaction id

	callTimeout time.Duration
}

func NewClient(cfg Config, rec metrics.Recorder, logger *log.Logger) (*Client, error) {
	c := &Client{
		metrics:     rec,
		logger:      logger,
		subs:        make(map[string]*nats.Subscription),
		waiters:     make(map[string]chan *wire.Envelope),
		progress:    make(map[string]func(*wire.Envelope)),
		callTimeout: cfg.CallTimeout,
	}
	if c.callTimeout == 0 {
		c.callTimeout = 30 * time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(c.connectHandler),
		nats.DisconnectErrHandler(c.disconnectHandler),
		nats.ReconnectHandler(c.reconnectHandler),
		nats.ErrorHandler(c.errorHandler),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("agentbridge: connect: %w", err)
	}
	c.conn = conn
	c.metrics.SetAgentBridgeConnected(true)
	return c, nil
}

func (c *Client) connectHandler(conn *nats.Conn) {
	c.logger.Printf("agentbridge: connected to %s", conn.ConnectedUrl())
	c.metrics.SetAgentBridgeConnected(true)
}

func (c *Client) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		c.logger.Printf("agentbridge: disconnected with error: %v", err)
		c.metrics.RecordProtocolError("agentbridge_disconnect")
	} else {
		c.logger.Printf("agentbridge: disconnected")
	}
	c.metrics.SetAgentBridgeConnected(false)
}

func (c *Client) reconnectHandler(conn *nats.Conn) {
	c.logger.Printf("agentbridge: reconnected to %s", conn.ConnectedUrl())
	c.metrics.SetAgentBridgeConnected(true)
	c.metrics.IncrementAgentBridgeReconnects()
}

func (c *Client) errorHandler(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Printf("agentbridge: error: %v", err)
	c.metrics.RecordProtocolError("agentbridge_error")
}

// Subjects builds the haip.tool.<name>.{call,result,progress,cancel}
// subject names remote agents subscribe/publish on.
type Subjects struct{}

func (Subjects) Call(tool string) string     { return fmt.Sprintf("haip.tool.%s.call", tool) }
func (Subjects) Result(tool string) string   { return fmt.Sprintf("haip.tool.%s.result", tool) }
func (Subjects) Progress(tool string) string { return fmt.Sprintf("haip.tool.%s.progress", tool) }
func (Subjects) Cancel(tool string) string   { return fmt.Sprintf("haip.tool.%s.cancel", tool) }

var SubjectBuilder = Subjects{}

// ensureResultSubscription lazily subscribes to a tool's result and
// progress subjects, fanning incoming envelopes out to the waiter or
// progress callback registered for their transaction id.
func (c *Client) ensureResultSubscription(tool string) error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	resultSubj := SubjectBuilder.Result(tool)
	if _, ok := c.subs[resultSubj]; !ok {
		sub, err := c.conn.Subscribe(resultSubj, func(msg *nats.Msg) {
			c.routeResult(msg.Data)
		})
		if err != nil {
			return fmt.Errorf("agentbridge: subscribe %s: %w", resultSubj, err)
		}
		c.subs[resultSubj] = sub
	}

	progressSubj := SubjectBuilder.Progress(tool)
	if _, ok := c.subs[progressSubj]; !ok {
		sub, err := c.conn.Subscribe(progressSubj, func(msg *nats.Msg) {
			c.routeProgress(msg.Data)
		})
		if err != nil {
			return fmt.Errorf("agentbridge: subscribe %s: %w", progressSubj, err)
		}
		c.subs[progressSubj] = sub
	}
	return nil
}

func (c *Client) routeResult(data []byte) {
	env, err := wire.Decode(data)
	if err != nil || env == nil {
		c.logger.Printf("agentbridge: dropping malformed result: %v", err)
		return
	}
	c.metrics.IncrementAgentBridgeMessages()
	if env.Transaction == nil {
		return
	}
	c.waitersMu.Lock()
	ch, ok := c.waiters[*env.Transaction]
	c.waitersMu.Unlock()
	if ok {
		select {
		case ch <- env:
		default:
		}
	}
}

func (c *Client) routeProgress(data []byte) {
	env, err := wire.Decode(data)
	if err != nil || env == nil {
		return
	}
	c.metrics.IncrementAgentBridgeMessages()
	if env.Transaction == nil {
		return
	}
	c.waitersMu.Lock()
	cb, ok := c.progress[*env.Transaction]
	c.waitersMu.Unlock()
	if ok {
		cb(env)
	}
}

// Call publishes a tool-call envelope and blocks until a terminal result
// envelope for the same transaction arrives, ctx is cancelled, or the
// call timeout elapses. onProgress is invoked for every progress
// envelope observed in the meantime.
func (c *Client) Call(ctx context.Context, tool string, call *wire.Envelope, onProgress func(*wire.Envelope)) (*wire.Envelope, error) {
	if call.Transaction == nil {
		return nil, fmt.Errorf("agentbridge: call envelope missing transaction id")
	}
	txnID := *call.Transaction

	if err := c.ensureResultSubscription(tool); err != nil {
		return nil, err
	}

	waiter := make(chan *wire.Envelope, 1)
	c.waitersMu.Lock()
	c.waiters[txnID] = waiter
	if onProgress != nil {
		c.progress[txnID] = onProgress
	}
	c.waitersMu.Unlock()
	defer func() {
		c.waitersMu.Lock()
		delete(c.waiters, txnID)
		delete(c.progress, txnID)
		c.waitersMu.Unlock()
	}()

	data, err := wire.Encode(call)
	if err != nil {
		return nil, fmt.Errorf("agentbridge: encode call: %w", err)
	}

	start := time.Now()
	if err := c.conn.Publish(SubjectBuilder.Call(tool), data); err != nil {
		c.metrics.RecordProtocolError("agentbridge_publish")
		return nil, fmt.Errorf("agentbridge: publish call: %w", err)
	}

	timeout := time.NewTimer(c.callTimeout)
	defer timeout.Stop()

	select {
	case env := <-waiter:
		c.metrics.RecordAgentBridgeLatency(time.Since(start))
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return nil, fmt.Errorf("agentbridge: timed out waiting for result on tool %q transaction %q", tool, txnID)
	}
}

// CancelCall publishes a cancellation notice for an in-flight call.
func (c *Client) CancelCall(tool, transactionID string) error {
	payload, _ := json.Marshal(map[string]string{"transaction": transactionID})
	return c.conn.Publish(SubjectBuilder.Cancel(tool), payload)
}

func (c *Client) IsConnected() bool { return c.conn != nil && c.conn.IsConnected() }

func (c *Client) Status() nats.Status {
	if c.conn == nil {
		return nats.DISCONNECTED
	}
	return c.conn.Status()
}

// WaitForConnection blocks until the bridge connects or ctx is done.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.IsConnected() {
				return nil
			}
		}
	}
}

func (c *Client) Close() error {
	c.subsMutex.Lock()
	for subject, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Printf("agentbridge: error unsubscribing from %s: %v", subject, err)
		}
	}
	c.subsMutex.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.metrics.SetAgentBridgeConnected(false)
	}
	return nil
}
