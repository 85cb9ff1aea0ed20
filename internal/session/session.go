// Package session implements the per-connection protocol state machine
// (spec section 4.6): handshake negotiation, sequencing, flow control,
// transaction/run routing, heartbeats, and orderly shutdown. It is the
// one place that ties C1-C5 together behind a transport.Conn.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haiprotocol/haip-gateway/internal/auth"
	"github.com/haiprotocol/haip-gateway/internal/config"
	"github.com/haiprotocol/haip-gateway/internal/flow"
	"github.com/haiprotocol/haip-gateway/internal/metrics"
	"github.com/haiprotocol/haip-gateway/internal/protocolerr"
	"github.com/haiprotocol/haip-gateway/internal/registry"
	"github.com/haiprotocol/haip-gateway/internal/replay"
	"github.com/haiprotocol/haip-gateway/internal/tools"
	"github.com/haiprotocol/haip-gateway/internal/transport"
	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// State is one of the five session states in spec section 4.6.
type State int32

const (
	StateInit State = iota
	StateAwaitHAI
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAwaitHAI:
		return "AWAIT_HAI"
	case StateReady:
		return "READY"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// protocolMajor is the only major version this server speaks.
const protocolMajor = 1

// Session owns one connected client end to end: handshake, sequencing,
// flow control, transaction/run routing and heartbeats. The replay log,
// flow controller and registry are mutex-protected on their own, so
// concurrent callers (the inbound task, the heartbeat task, and tool
// handler goroutines invoking SendFunc) may all call into a Session
// safely; only the outbound pump goroutine ever calls Send on the
// underlying transport.Conn, whose send path is not safe for
// concurrent use (spec section 5's "transport's send path" suspension
// point).
type Session struct {
	ID        string
	Principal *auth.Principal

	conn    transport.Conn
	cfg     *config.Config
	logger  *log.Logger
	metrics metrics.Recorder

	dispatcher *tools.Dispatcher
	registry   *registry.Registry
	replayLog  *replay.Log

	flowMu sync.RWMutex
	flowCtl *flow.Controller

	state atomic.Int32

	outbound chan *wire.Envelope

	hbMu           sync.Mutex
	pendingNonce   string
	pingSentAt     time.Time
	misses         int

	lastActivity atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a session in the INIT state; call Run to drive it.
func New(id string, principal *auth.Principal, conn transport.Conn, cfg *config.Config, dispatcher *tools.Dispatcher, rec metrics.Recorder, logger *log.Logger) *Session {
	s := &Session{
		ID:         id,
		Principal:  principal,
		conn:       conn,
		cfg:        cfg,
		logger:     logger,
		metrics:    rec,
		dispatcher: dispatcher,
		registry: registry.New(
			cfg.MaxConcurrentRuns,
			cfg.ReplayWindowSize,
			time.Duration(cfg.ReplayWindowTimeMs)*time.Millisecond,
		),
		replayLog: replay.New(cfg.ReplayWindowSize, time.Duration(cfg.ReplayWindowTimeMs)*time.Millisecond),
		outbound:  make(chan *wire.Envelope, 256),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateInit))
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// Done is closed once Run has returned and all of the session's tasks
// have stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the session's three tasks (spec section 5: one inbound
// task, one outbound pump task, one heartbeat task) until the
// connection closes or ctx is cancelled. It blocks until shutdown is
// complete.
func (s *Session) Run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.setState(StateAwaitHAI)
	start := time.Now()
	s.metrics.IncrementSessions()
	defer func() {
		s.metrics.DecrementSessions()
		s.metrics.RecordSessionDuration(time.Since(start))
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.outboundPump(ctx) }()
	go func() { defer wg.Done(); s.heartbeatLoop(ctx) }()

	s.inboundLoop(ctx)

	cancel()
	wg.Wait()
	close(s.done)
}

func (s *Session) inboundLoop(ctx context.Context) {
	for {
		if s.State() == StateClosed {
			return
		}
		env, err := s.conn.Recv(ctx)
		if err != nil {
			var perr *protocolerr.Error
			if errors.As(err, &perr) {
				s.handleDecodeError(perr)
				return
			}
			s.handleDisconnect(err)
			return
		}
		s.touch()

		switch s.State() {
		case StateAwaitHAI:
			if !s.handleHandshake(env) {
				return
			}
		case StateReady:
			s.handleReady(ctx, env)
			if s.State() == StateClosing {
				s.shutdown("protocol error")
				return
			}
		default:
			return
		}
	}
}

func (s *Session) handleDisconnect(_ error) {
	s.registry.ErrorAllActiveRuns("transport disconnect")
	s.setState(StateClosed)
}

// handleDecodeError responds to a malformed envelope or a critical
// unsupported event type surfaced by the transport layer (spec section
// 4.1: "Envelope malformed -> ERROR envelope if session still open;
// otherwise drop and close"; section 7's UNSUPPORTED_TYPE row). Unlike
// handleDisconnect, the transport is still up, so the peer gets a
// protocol-level ERROR envelope before the session closes.
func (s *Session) handleDecodeError(perr *protocolerr.Error) {
	s.metrics.RecordProtocolError(string(perr.Code))
	if s.State() != StateClosed {
		s.sendProtocolError(wire.ChannelSystem, perr)
	}
	s.registry.ErrorAllActiveRuns("protocol error: " + perr.Error())
	s.setState(StateClosing)
	s.shutdown(perr.Error())
}

// handleHandshake processes the single AWAIT_HAI -> READY|CLOSING
// transition (spec section 4.6). Returns false if the session should
// stop reading further envelopes.
func (s *Session) handleHandshake(env *wire.Envelope) bool {
	if seq, err := wire.ParseCounter(env.Seq); err == nil {
		s.replayLog.ObserveInbound(seq)
	}

	if env.Type != wire.EventHAI {
		s.sendError(wire.ChannelSystem, protocolerr.ProtocolViolation, "expected HAI as first envelope")
		s.setState(StateClosing)
		s.shutdown("protocol violation")
		return false
	}

	acceptMajor, _ := env.Payload["accept_major"].([]interface{})
	common := false
	for _, v := range acceptMajor {
		if n, ok := v.(float64); ok && int(n) == protocolMajor {
			common = true
			break
		}
	}
	if !common {
		s.sendError(wire.ChannelSystem, protocolerr.VersionIncompatible, "no common protocol major version")
		s.setState(StateClosing)
		s.shutdown("version incompatible")
		return false
	}

	reqMessages, reqBytes := s.cfg.FlowControl.InitialCreditMessages, s.cfg.FlowControl.InitialCreditBytes
	if caps, ok := env.Payload["capabilities"].(map[string]any); ok {
		if fc, ok := caps["flow_control"].(map[string]any); ok {
			if v, ok := fc["initial_credit_messages"].(float64); ok {
				reqMessages = clampU64(uint64(v), s.cfg.FlowControl.MinCredits, s.cfg.FlowControl.MaxCredits)
			}
			if v, ok := fc["initial_credit_bytes"].(float64); ok {
				reqBytes = clampU64(uint64(v), s.cfg.FlowControl.MinCredits, s.cfg.FlowControl.MaxCredits)
			}
		}
	}

	limits := flow.Limits{
		MinCredits:            s.cfg.FlowControl.MinCredits,
		MaxCredits:             s.cfg.FlowControl.MaxCredits,
		CreditThreshold:        s.cfg.FlowControl.CreditThreshold,
		BackPressureThreshold:  s.cfg.FlowControl.BackPressureThreshold,
		AdaptiveAdjustment:     s.cfg.FlowControl.AdaptiveAdjustment,
		InitialCreditMessages:  reqMessages,
		InitialCreditBytes:     reqBytes,
	}
	s.flowMu.Lock()
	s.flowCtl = flow.New(limits)
	s.flowMu.Unlock()

	s.setState(StateReady)

	reply := &wire.Envelope{
		ID:      uuid.NewString(),
		Channel: wire.ChannelSystem,
		Type:    wire.EventHAI,
		Payload: map[string]any{
			"haip_version":  "1.1.2",
			"accept_major":  s.cfg.Handshake.AcceptMajor,
			"accept_events": s.cfg.Handshake.AcceptEvents,
			"capabilities": map[string]any{
				"flow_control": map[string]any{
					"initial_credit_messages": reqMessages,
					"initial_credit_bytes":    reqBytes,
				},
			},
		},
		RelatedID: &env.ID,
	}
	s.sendEnvelope(reply)
	return true
}

func clampU64(v, min, max uint64) uint64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// handleReady processes one inbound envelope while in READY (spec
// section 4.6's "READY, inbound envelope -> READY" row).
func (s *Session) handleReady(ctx context.Context, env *wire.Envelope) {
	if !s.Principal.Allowed(env.Type, env.Channel) {
		s.sendError(env.Channel, protocolerr.ProtocolViolation, fmt.Sprintf("principal not permitted to send %s on %s", env.Type, env.Channel))
		s.setState(StateClosing)
		return
	}

	seq, err := wire.ParseCounter(env.Seq)
	if err != nil {
		s.sendError(env.Channel, protocolerr.ProtocolViolation, "malformed seq")
		s.setState(StateClosing)
		return
	}
	if perr := s.replayLog.ObserveInbound(seq); perr != nil {
		s.metrics.RecordProtocolError(string(perr.Code))
		s.sendProtocolError(env.Channel, perr)
		s.setState(StateClosing)
		return
	}

	raw, encErr := wire.Encode(env)
	size := uint64(0)
	if encErr == nil {
		size = uint64(len(raw))
	}
	if env.HasBinary() {
		size += *env.BinLen
	}

	s.flowMu.RLock()
	fc := s.flowCtl
	s.flowMu.RUnlock()
	if perr := fc.ChargeInbound(env.Channel, size); perr != nil {
		s.metrics.IncrementFlowControlViolations()
		s.sendProtocolError(env.Channel, perr)
		s.setState(StateClosing)
		return
	}
	s.maybeGrant(env.Channel)

	s.metrics.IncrementEnvelopesReceived(string(env.Channel), string(env.Type))

	switch env.Type {
	case wire.EventPing:
		s.sendEnvelope(&wire.Envelope{ID: uuid.NewString(), Channel: env.Channel, Type: wire.EventPong, Payload: env.Payload, RelatedID: &env.ID})
	case wire.EventPong:
		s.observePong(env)
	case wire.EventFlowUpdate:
		s.handleFlowUpdate(env)
	case wire.EventReplayRequest:
		s.handleReplayRequest(env)
	case wire.EventTransactionStart:
		s.handleTransactionStart(env)
	case wire.EventTransactionEnd:
		s.handleTransactionEnd(env)
	case wire.EventMessageStart, wire.EventMessagePart, wire.EventMessageEnd, wire.EventAudioChunk:
		s.handleToolEnvelope(ctx, env)
	case wire.EventRunCancel:
		s.handleRunCancel(env)
	case wire.EventToolList:
		s.handleToolList(env)
	case wire.EventToolSchema:
		s.handleToolSchema(env)
	case wire.EventInfo, wire.EventError:
		// Informational/peer-reported; nothing further to do.
	default:
		s.logger.Printf("session %s: unhandled core event type %s", s.ID, env.Type)
	}
}

func (s *Session) maybeGrant(ch wire.Channel) {
	s.flowMu.RLock()
	fc := s.flowCtl
	s.flowMu.RUnlock()
	messages, bytes, need := fc.NeedsGrant(ch)
	if !need {
		return
	}
	fc.GrantInbound(ch, messages, bytes)
	s.sendEnvelope(&wire.Envelope{
		ID:      uuid.NewString(),
		Channel: ch,
		Type:    wire.EventFlowUpdate,
		Payload: map[string]any{
			"channel":         ch,
			"credit_messages": messages,
			"credit_bytes":    bytes,
		},
	})
}

func (s *Session) observePong(env *wire.Envelope) {
	nonce, _ := env.Payload["nonce"].(string)
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if nonce == "" || nonce != s.pendingNonce {
		return
	}
	rtt := time.Since(s.pingSentAt)
	s.pendingNonce = ""
	s.misses = 0
	s.flowMu.RLock()
	fc := s.flowCtl
	s.flowMu.RUnlock()
	fc.ObserveRTT(rtt)
}

func (s *Session) handleFlowUpdate(env *wire.Envelope) {
	chStr, _ := env.Payload["channel"].(string)
	ch := wire.Channel(chStr)
	messages := payloadUint(env.Payload, "credit_messages")
	bytes := payloadUint(env.Payload, "credit_bytes")

	s.flowMu.RLock()
	fc := s.flowCtl
	s.flowMu.RUnlock()
	drained := fc.ApplyGrant(ch, messages, bytes)
	for _, drainedEnv := range drained {
		s.transmit(drainedEnv)
	}
}

func payloadUint(payload map[string]any, key string) uint64 {
	v, ok := payload[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return uint64(n)
	case int:
		return uint64(n)
	default:
		return 0
	}
}

func (s *Session) handleReplayRequest(env *wire.Envelope) {
	fromStr, _ := env.Payload["from_seq"].(string)
	toStr, _ := env.Payload["to_seq"].(string)
	from, ferr := wire.ParseCounter(fromStr)
	if ferr != nil {
		s.sendError(env.Channel, protocolerr.ProtocolViolation, "malformed from_seq")
		return
	}
	var to uint64
	if toStr != "" {
		to, _ = wire.ParseCounter(toStr)
	}

	envs, rerr := s.replayLog.Replay(from, to)
	if rerr != nil {
		s.metrics.IncrementReplayMisses()
		s.sendProtocolError(env.Channel, rerr)
		return
	}
	for _, e := range envs {
		s.transmit(e)
	}
}

func (s *Session) handleTransactionStart(env *wire.Envelope) {
	toolName, _ := env.Payload["tool"].(string)
	params, _ := env.Payload["params"].(map[string]any)

	if _, ok := s.dispatcher.Registry().Lookup(toolName); !ok {
		s.sendError(env.Channel, protocolerr.ProtocolViolation, fmt.Sprintf("unknown tool %q", toolName))
		return
	}

	txnID := uuid.NewString()
	s.registry.OpenTransaction(txnID, toolName, params)

	s.sendEnvelope(&wire.Envelope{
		ID:          uuid.NewString(),
		Transaction: &txnID,
		Channel:     env.Channel,
		Type:        wire.EventTransactionStart,
		Payload:     map[string]any{"tool": toolName, "status": "started"},
		RelatedID:   &env.ID,
	})
}

func (s *Session) handleTransactionEnd(env *wire.Envelope) {
	if env.Transaction == nil {
		s.sendError(env.Channel, protocolerr.ProtocolViolation, "TRANSACTION_END without transaction id")
		return
	}
	txnID := *env.Transaction
	s.registry.CloseTransaction(txnID)

	grace := time.Duration(s.cfg.ReplayWindowTimeMs) * time.Millisecond
	time.AfterFunc(grace, func() { s.registry.EvictTransaction(txnID) })

	s.sendEnvelope(&wire.Envelope{
		ID:          uuid.NewString(),
		Transaction: &txnID,
		Channel:     env.Channel,
		Type:        wire.EventTransactionEnd,
		Payload:     map[string]any{"status": "closed"},
		RelatedID:   &env.ID,
	})
}

func (s *Session) handleToolEnvelope(ctx context.Context, env *wire.Envelope) {
	if env.Transaction == nil {
		s.sendError(env.Channel, protocolerr.ProtocolViolation, "message requires an open transaction")
		return
	}
	txn, ok := s.registry.Transaction(*env.Transaction)
	if !ok {
		s.sendError(env.Channel, protocolerr.ProtocolViolation, "unknown transaction")
		return
	}

	if env.RunID != nil {
		if _, ok := s.registry.Run(*env.RunID); !ok {
			threadID := ""
			if env.ThreadID != nil {
				threadID = *env.ThreadID
			}
			if _, perr := s.registry.OpenRun(*env.RunID, threadID); perr != nil {
				s.sendProtocolError(env.Channel, perr)
				return
			}
		}
	}

	if err := s.dispatcher.Dispatch(ctx, txn.ToolName, s.ID, txn.ID, s.sendEnvelope, env); err != nil {
		s.sendError(env.Channel, protocolerr.ProtocolViolation, err.Error())
	}
}

func (s *Session) handleRunCancel(env *wire.Envelope) {
	runID, _ := env.Payload["run_id"].(string)
	if runID == "" && env.RunID != nil {
		runID = *env.RunID
	}
	if runID == "" {
		return
	}
	s.registry.CancelRun(runID)

	txnID, _ := env.Payload["transaction"].(string)
	if txnID == "" && env.Transaction != nil {
		txnID = *env.Transaction
	}
	if txnID != "" {
		if txn, ok := s.registry.Transaction(txnID); ok {
			s.dispatcher.Cancel(txn.ToolName, s.ID, txnID)
		}
	}
}

func (s *Session) handleToolList(env *wire.Envelope) {
	s.sendEnvelope(&wire.Envelope{
		ID:        uuid.NewString(),
		Channel:   env.Channel,
		Type:      wire.EventToolList,
		Payload:   map[string]any{"tools": s.dispatcher.Registry().List()},
		RelatedID: &env.ID,
	})
}

func (s *Session) handleToolSchema(env *wire.Envelope) {
	name, _ := env.Payload["tool"].(string)
	h, ok := s.dispatcher.Registry().Lookup(name)
	if !ok {
		s.sendError(env.Channel, protocolerr.ProtocolViolation, fmt.Sprintf("unknown tool %q", name))
		return
	}
	s.sendEnvelope(&wire.Envelope{
		ID:        uuid.NewString(),
		Channel:   env.Channel,
		Type:      wire.EventToolSchema,
		Payload:   map[string]any{"schema": h.Schema()},
		RelatedID: &env.ID,
	})
}

// sendEnvelope assigns the next outbound sequence, timestamp and ack,
// records the envelope in the replay window, and either transmits it
// immediately or leaves it queued in the flow controller, per spec
// sections 4.2/4.3. It is the SendFunc handed to the tool dispatcher
// and is safe to call from any goroutine.
func (s *Session) sendEnvelope(env *wire.Envelope) {
	env.Session = s.ID
	seq := s.replayLog.NextOutbound(env)
	env.Seq = wire.FormatCounter(seq)
	env.Ts = wire.FormatCounter(uint64(time.Now().UnixMilli()))
	if last := s.replayLog.LastInbound(); last > 0 {
		ack := wire.FormatCounter(last)
		env.Ack = &ack
	}

	raw, err := wire.Encode(env)
	if err != nil {
		s.logger.Printf("session %s: failed to encode outbound envelope: %v", s.ID, err)
		return
	}
	size := uint64(len(raw))
	if env.HasBinary() {
		size += *env.BinLen
	}

	s.flowMu.RLock()
	fc := s.flowCtl
	s.flowMu.RUnlock()
	if fc == nil {
		// Handshake reply path: no controller negotiated yet.
		s.transmit(env)
		return
	}
	if queued := fc.TrySendOutbound(env.Channel, size, env); queued {
		return
	}
	s.transmit(env)
}

// transmit hands env to the outbound pump goroutine over the outbound
// channel; outboundPump (and drainBestEffort on shutdown) are the only
// callers of conn.Send.
func (s *Session) transmit(env *wire.Envelope) {
	select {
	case s.outbound <- env:
	case <-s.done:
	}
}

func (s *Session) outboundPump(ctx context.Context) {
	for {
		select {
		case env := <-s.outbound:
			if err := s.conn.Send(ctx, env); err != nil {
				s.logger.Printf("session %s: send failed: %v", s.ID, err)
				continue
			}
			s.metrics.IncrementEnvelopesSent(string(env.Channel), string(env.Type))
		case <-ctx.Done():
			s.drainBestEffort()
			return
		}
	}
}

func (s *Session) drainBestEffort() {
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case env := <-s.outbound:
			s.conn.Send(context.Background(), env)
		case <-deadline:
			return
		default:
			return
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Heartbeat.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateReady {
				continue
			}
			if s.checkMissedPing() {
				s.sendError(wire.ChannelSystem, protocolerr.ProtocolViolation, "heartbeat timeout")
				s.setState(StateClosing)
				s.shutdown("heartbeat timeout")
				return
			}
			s.sendPing()
		}
	}
}

// checkMissedPing reports whether the session has now exceeded its
// configured miss budget (spec section 4.6: "K consecutive misses
// terminate the session").
func (s *Session) checkMissedPing() bool {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.pendingNonce == "" {
		return false
	}
	timeout := time.Duration(s.cfg.Heartbeat.TimeoutMs) * time.Millisecond
	if time.Since(s.pingSentAt) < timeout {
		return false
	}
	s.misses++
	maxMisses := s.cfg.Heartbeat.MaxMisses
	if maxMisses <= 0 {
		maxMisses = 3
	}
	return s.misses >= maxMisses
}

func (s *Session) sendPing() {
	nonce := uuid.NewString()
	s.hbMu.Lock()
	s.pendingNonce = nonce
	s.pingSentAt = time.Now()
	s.hbMu.Unlock()
	s.sendEnvelope(&wire.Envelope{ID: uuid.NewString(), Channel: wire.ChannelSystem, Type: wire.EventPing, Payload: map[string]any{"nonce": nonce}})
}

func (s *Session) sendError(channel wire.Channel, code protocolerr.Code, message string) {
	s.sendEnvelope(&wire.Envelope{
		ID:      uuid.NewString(),
		Channel: channel,
		Type:    wire.EventError,
		Payload: map[string]any{"code": string(code), "message": message},
	})
}

func (s *Session) sendProtocolError(channel wire.Channel, perr *protocolerr.Error) {
	s.sendError(channel, perr.Code, perr.Message)
}

// shutdown idempotently tears down the transport connection. It does
// not stop the session's tasks directly; Run's deferred cancel does
// that once inboundLoop returns.
func (s *Session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.registry.ErrorAllActiveRuns(reason)
		s.conn.Close(reason)
		s.setState(StateClosed)
	})
}
