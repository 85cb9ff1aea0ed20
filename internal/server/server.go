// Package server is the connection supervisor (spec section 4.7/7): it
// accepts the three transport endpoints, authenticates the principal
// behind each, wraps the resulting transport.Conn in a session.Session,
// and exposes the operational surface (health, stats, Prometheus,
// session admin). Generalized from the teacher's single hub-broadcast
// server to one that fans out to per-transport adapters and a
// per-session state machine instead of a shared hub.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haiprotocol/haip-gateway/internal/agentbridge"
	"github.com/haiprotocol/haip-gateway/internal/auth"
	"github.com/haiprotocol/haip-gateway/internal/config"
	"github.com/haiprotocol/haip-gateway/internal/metrics"
	"github.com/haiprotocol/haip-gateway/internal/session"
	"github.com/haiprotocol/haip-gateway/internal/tools"
	"github.com/haiprotocol/haip-gateway/internal/transport/sseconn"
	"github.com/haiprotocol/haip-gateway/internal/transport/streamconn"
	"github.com/haiprotocol/haip-gateway/internal/transport/wsconn"
	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// Server owns the HTTP listener, the per-transport accept handlers, and
// the registry of live sessions used for admin enumeration and
// coordinated shutdown.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	upgrader   websocket.Upgrader

	jwtManager *auth.JWTManager
	dispatcher *tools.Dispatcher
	bridge     *agentbridge.Client
	metrics    *metrics.Enhanced
	logger     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session.Session

	sseMu    sync.Mutex
	sseConns map[string]*sseconn.Conn
}

// New builds a Server. dispatcher must already have every tool handler
// registered (including any agentbridge.RemoteHandler instances); bridge
// may be nil if the deployment has no remote tool backends. rec is
// shared with bridge (if non-nil) so bridge connectivity and protocol
// counters land on the same Prometheus registry.
func New(cfg *config.Config, dispatcher *tools.Dispatcher, bridge *agentbridge.Client, rec *metrics.Enhanced, logger *log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:        cfg,
		upgrader:   wsconn.NewUpgrader(cfg),
		jwtManager: auth.NewJWTManager(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenExpiration)*time.Second),
		dispatcher: dispatcher,
		bridge:     bridge,
		metrics:    rec,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session.Session),
	}
	s.setupHTTPServer()
	return s
}

func (s *Server) setupHTTPServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/haip/websocket", s.handleWebSocket)
	mux.HandleFunc("/haip/sse", s.handleSSEStream)
	mux.HandleFunc("/haip/sse/envelope", s.handleSSEEnvelope)
	mux.HandleFunc("/haip/sse/binary", s.handleSSEBinary)
	mux.HandleFunc("/haip/stream", s.handleChunkedStream)

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/admin/sessions", s.handleAdminSessions)
	mux.HandleFunc("/auth/token", s.handleGenerateToken)

	if s.cfg.Metrics.EnablePrometheus {
		mux.Handle(s.cfg.Metrics.MetricsPath, promhttp.Handler())
	}

	var handler http.Handler = mux
	if s.cfg.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
	}
}

// authenticate resolves the Principal behind r, either by verifying a
// JWT (query parameter or Authorization header) or, when the deployment
// runs with auth disabled, by granting an unrestricted Principal — the
// teacher's own default config ships with requireAuth: false for local
// development.
func (s *Server) authenticate(r *http.Request) (*auth.Principal, error) {
	if !s.cfg.Auth.RequireAuth {
		return auth.AllPermissive("anonymous", s.cfg.FlowControl.InitialCreditMessages, s.cfg.FlowControl.InitialCreditBytes), nil
	}
	return s.jwtManager.Authenticate(r)
}

func (s *Server) registerSession(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

func (s *Server) unregisterSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// runSession registers sess, blocks on its lifetime (spec section 5's
// inbound/outbound/heartbeat tasks all run under sess.Run), and
// unregisters it on return. The websocket and stream handlers call this
// directly once they have a ready transport.Conn, so their goroutine is
// the session's supervising goroutine for the duration of the
// connection; handleSSEStream runs it in a goroutine of its own and
// blocks on ServeEventStream instead.
func (s *Server) runSession(sess *session.Session) {
	s.registerSession(sess)
	defer s.unregisterSession(sess.ID)

	s.logger.Printf("session %s started (principal=%s)", sess.ID, sess.Principal.ID)
	sess.Run(s.ctx)
	s.logger.Printf("session %s closed", sess.ID)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		s.logger.Printf("websocket auth failed: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.atCapacity() {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := wsconn.Upgrade(w, r, s.upgrader, s.cfg)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	sess := session.New(uuid.NewString(), principal, conn, s.cfg, s.dispatcher, s.metrics, s.logger)
	s.runSession(sess)
}

// handleSSEStream serves the long-lived GET leg of the server-push
// transport. It blocks for the life of the session, matching
// handleWebSocket's shape even though the read and write legs are
// physically separate HTTP requests here.
func (s *Server) handleSSEStream(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.atCapacity() {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn := sseconn.New(r.RemoteAddr)
	sess := session.New(uuid.NewString(), principal, conn, s.cfg, s.dispatcher, s.metrics, s.logger)

	s.registerSSESession(sess.ID, conn)
	defer s.unregisterSSESession(sess.ID)

	go s.runSession(sess)

	if err := conn.ServeEventStream(w, r); err != nil {
		s.logger.Printf("sse stream %s ended: %v", sess.ID, err)
	}
	conn.Close("sse stream closed")
}

// registerSSESession maps a session ID to its sseconn.Conn so the
// side-channel POST handlers below can find the Conn that
// handleSSEStream created, since the GET and POST legs arrive as
// independent HTTP requests.
func (s *Server) registerSSESession(id string, conn *sseconn.Conn) {
	s.sseMu.Lock()
	if s.sseConns == nil {
		s.sseConns = make(map[string]*sseconn.Conn)
	}
	s.sseConns[id] = conn
	s.sseMu.Unlock()
}

func (s *Server) unregisterSSESession(id string) {
	s.sseMu.Lock()
	delete(s.sseConns, id)
	s.sseMu.Unlock()
}

func (s *Server) lookupSSESession(id string) (*sseconn.Conn, bool) {
	s.sseMu.Lock()
	defer s.sseMu.Unlock()
	conn, ok := s.sseConns[id]
	return conn, ok
}

func (s *Server) handleSSEEnvelope(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	conn, ok := s.lookupSSESession(id)
	if !ok {
		http.Error(w, "unknown sse session", http.StatusNotFound)
		return
	}
	conn.HandleEnvelopePost(w, r)
}

func (s *Server) handleSSEBinary(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	conn, ok := s.lookupSSESession(id)
	if !ok {
		http.Error(w, "unknown sse session", http.StatusNotFound)
		return
	}
	conn.HandleBinaryPost(w, r)
}

func (s *Server) handleChunkedStream(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.atCapacity() {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := streamconn.New(w, r)
	if err != nil {
		s.logger.Printf("chunked stream setup failed: %v", err)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess := session.New(uuid.NewString(), principal, conn, s.cfg, s.dispatcher, s.metrics, s.logger)
	s.runSession(sess)
}

func (s *Server) atCapacity() bool {
	if s.cfg.Server.MaxConnections <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions) >= s.cfg.Server.MaxConnections
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"services": map[string]interface{}{
			"sessions": map[string]interface{}{
				"active": s.metrics.GetActiveSessions(),
			},
			"agentbridge": map[string]interface{}{
				"connected": s.bridge != nil && s.bridge.IsConnected(),
			},
		},
		"system": map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"detail":     s.metrics.SystemInfo(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot := s.metrics.Snapshot()
	if s.bridge != nil {
		type statsWithBridge struct {
			metrics.Snapshot
			AgentBridgeConnected bool `json:"agentbridge_connected"`
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statsWithBridge{Snapshot: snapshot, AgentBridgeConnected: s.bridge.IsConnected()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := make([]map[string]interface{}, 0, len(s.sessions))
	for id, sess := range s.sessions {
		ids = append(ids, map[string]interface{}{
			"id":        id,
			"principal": sess.Principal.ID,
			"state":     sess.State().String(),
		})
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"sessions": ids})
}

// handleGenerateToken is a development convenience mirroring the
// teacher's /auth/token endpoint: it issues an unrestricted token so a
// client can exercise the protocol without standing up a separate
// identity provider.
func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	principal := auth.AllPermissive("dev", s.cfg.FlowControl.InitialCreditMessages, s.cfg.FlowControl.InitialCreditBytes)
	permissions := make(map[wire.EventType][]wire.Channel, len(principal.Permissions))
	for eventType, channels := range principal.Permissions {
		list := make([]wire.Channel, 0, len(channels))
		for ch := range channels {
			list = append(list, ch)
		}
		permissions[eventType] = list
	}

	token, err := s.jwtManager.Generate("dev", permissions, principal.CreditMessages, principal.CreditBytes)
	if err != nil {
		s.logger.Printf("token generation failed: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start brings the HTTP listener up and blocks until a shutdown signal
// arrives, mirroring the teacher's Start/waitForShutdown split.
func (s *Server) Start() error {
	s.logger.Printf("starting haip-gateway")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("HTTP server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("HTTP server error: %v", err)
		}
	}()

	s.waitForShutdown()
	return nil
}

func (s *Server) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	s.logger.Printf("received signal %v, initiating graceful shutdown", sig)
	s.Shutdown()
}

// Shutdown drains the HTTP listener, tells every live session to close,
// and waits up to 30s for the session goroutines to unwind, mirroring
// the teacher's cancel-then-bounded-wait Shutdown but iterating a
// session registry instead of calling one hub.Shutdown.
func (s *Server) Shutdown() {
	s.logger.Printf("shutting down server")

	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Printf("HTTP server shutdown error: %v", err)
	}

	s.mu.Lock()
	doneChans := make([]<-chan struct{}, 0, len(s.sessions))
	for _, sess := range s.sessions {
		doneChans = append(doneChans, sess.Done())
	}
	s.mu.Unlock()

	if s.bridge != nil {
		if err := s.bridge.Close(); err != nil {
			s.logger.Printf("agent bridge close error: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		for _, d := range doneChans {
			<-d
		}
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Printf("server shutdown complete")
	case <-ctx.Done():
		s.logger.Printf("server shutdown timeout")
	}
}

