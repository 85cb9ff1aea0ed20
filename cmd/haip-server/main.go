// Command haip-server runs the HAIP reference gateway: it loads
// configuration, wires the tool dispatcher and optional agent bridge,
// and starts the HTTP supervisor until a shutdown signal arrives.
// Renamed from the teacher's odin-ws-server binary.
package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/haiprotocol/haip-gateway/internal/agentbridge"
	"github.com/haiprotocol/haip-gateway/internal/config"
	"github.com/haiprotocol/haip-gateway/internal/metrics"
	"github.com/haiprotocol/haip-gateway/internal/server"
	"github.com/haiprotocol/haip-gateway/internal/tools"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := log.New(os.Stdout, "[HAIP] ", log.LstdFlags|log.Lshortfile)
	rec := metrics.NewEnhanced()

	toolRegistry := tools.NewRegistry()
	toolRegistry.Register(tools.NewEcho())
	toolRegistry.Register(tools.NewLongTask(time.Second, 5))

	bridge := connectAgentBridge(cfg, rec, logger)
	registerRemoteTools(toolRegistry, bridge, cfg, logger)

	dispatcher := tools.NewDispatcher(toolRegistry, logger)
	srv := server.New(cfg, dispatcher, bridge, rec, logger)

	if err := srv.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// connectAgentBridge dials the configured NATS endpoint for the remote
// tool-execution path. A backend-agent fleet is an optional deployment
// dependency, not a requirement for the gateway to serve the protocol
// itself, so a connection failure is logged and the server starts
// without a bridge rather than refusing to start.
func connectAgentBridge(cfg *config.Config, rec *metrics.Enhanced, logger *log.Logger) *agentbridge.Client {
	bridgeCfg := agentbridge.Config{
		URL:             cfg.NATS.URL,
		MaxReconnects:   cfg.NATS.MaxReconnects,
		ReconnectWait:   time.Duration(cfg.NATS.ReconnectWait) * time.Millisecond,
		ReconnectJitter: time.Duration(cfg.NATS.ReconnectJitter) * time.Millisecond,
		MaxPingsOut:     cfg.NATS.MaxPingsOut,
		PingInterval:    time.Duration(cfg.NATS.PingInterval) * time.Millisecond,
		CallTimeout:     time.Duration(cfg.NATS.CallTimeoutMs) * time.Millisecond,
	}

	client, err := agentbridge.NewClient(bridgeCfg, rec, logger)
	if err != nil {
		logger.Printf("agent bridge unavailable, continuing without remote tool handlers: %v", err)
		return nil
	}
	return client
}

// registerRemoteTools binds each name in cfg.NATS.RemoteTools to an
// agentbridge.RemoteHandler, so TRANSACTION_START for that tool routes
// over NATS to an out-of-process agent instead of failing with
// "unknown tool". A nil bridge (agent fleet unreachable at startup)
// leaves those names unregistered; TRANSACTION_START then fails fast
// with PROTOCOL_VIOLATION rather than hanging on a dead bridge.
func registerRemoteTools(registry *tools.Registry, bridge *agentbridge.Client, cfg *config.Config, logger *log.Logger) {
	if bridge == nil {
		for _, name := range cfg.NATS.RemoteTools {
			logger.Printf("remote tool %q not registered: agent bridge unavailable", name)
		}
		return
	}
	for _, name := range cfg.NATS.RemoteTools {
		schema := tools.Schema{
			Name:        name,
			Description: "Remote tool dispatched over the agent bridge to an out-of-process agent.",
			InputSchema: map[string]any{"type": "object"},
		}
		registry.Register(agentbridge.NewRemoteHandler(bridge, schema))
		logger.Printf("registered remote tool %q over agent bridge", name)
	}
}
