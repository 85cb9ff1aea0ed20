// Package config loads the gateway's JSON configuration, generalized
// from the teacher's internal/types.Config into the protocol's own
// knobs (handshake, heartbeat, flow control, replay window, run limit)
// alongside the same server/websocket/auth/metrics/NATS sections.
package config

import (
	"encoding/json"
	"os"
)

const defaultConfig = `{
  "server": {
    "host": "0.0.0.0",
    "port": 8080,
    "readTimeout": 10,
    "writeTimeout": 10,
    "maxMessageSize": 1048576,
    "maxConnections": 10000
  },
  "websocket": {
    "checkOrigin": true,
    "enableCompression": true,
    "readBufferSize": 4096,
    "writeBufferSize": 4096,
    "handshakeTimeout": 10
  },
  "handshake": {
    "acceptMajor": [1],
    "acceptEvents": ["HAI","PING","PONG","ERROR","FLOW_UPDATE","TRANSACTION_START","TRANSACTION_END","REPLAY_REQUEST","MESSAGE_START","MESSAGE_PART","MESSAGE_END","AUDIO_CHUNK","INFO","TOOL_LIST","TOOL_SCHEMA"]
  },
  "heartbeat": {
    "intervalMs": 15000,
    "timeoutMs": 5000,
    "maxMisses": 3
  },
  "flowControl": {
    "minCredits": 1,
    "maxCredits": 256,
    "creditThreshold": 4,
    "backPressureThreshold": 4096,
    "adaptiveAdjustment": true,
    "initialCreditMessages": 8,
    "initialCreditBytes": 65536
  },
  "maxConcurrentRuns": 4,
  "replayWindowSize": 256,
  "replayWindowTimeMs": 300000,
  "nats": {
    "url": "nats://localhost:4222",
    "maxReconnects": 10,
    "reconnectWait": 1000,
    "reconnectJitter": 200,
    "maxPingsOut": 3,
    "pingInterval": 10000,
    "callTimeoutMs": 30000,
    "remoteTools": ["remote-research"]
  },
  "auth": {
    "jwtSecret": "your-super-secret-jwt-key-change-in-production",
    "tokenExpiration": 3600,
    "requireAuth": true
  },
  "metrics": {
    "enablePrometheus": true,
    "metricsPath": "/metrics",
    "updateInterval": 1
  },
  "enableCORS": true,
  "enableLogging": true
}`

type Config struct {
	Server struct {
		Host           string `json:"host"`
		Port           int    `json:"port"`
		ReadTimeout    int    `json:"readTimeout"`
		WriteTimeout   int    `json:"writeTimeout"`
		MaxMessageSize int64  `json:"maxMessageSize"`
		MaxConnections int    `json:"maxConnections"`
	} `json:"server"`

	WebSocket struct {
		CheckOrigin       bool `json:"checkOrigin"`
		EnableCompression bool `json:"enableCompression"`
		ReadBufferSize    int  `json:"readBufferSize"`
		WriteBufferSize   int  `json:"writeBufferSize"`
		HandshakeTimeout  int  `json:"handshakeTimeout"`
	} `json:"websocket"`

	Handshake struct {
		AcceptMajor  []int    `json:"acceptMajor"`
		AcceptEvents []string `json:"acceptEvents"`
	} `json:"handshake"`

	Heartbeat struct {
		IntervalMs int `json:"intervalMs"`
		TimeoutMs  int `json:"timeoutMs"`
		MaxMisses  int `json:"maxMisses"`
	} `json:"heartbeat"`

	FlowControl struct {
		MinCredits            uint64 `json:"minCredits"`
		MaxCredits            uint64 `json:"maxCredits"`
		CreditThreshold       uint64 `json:"creditThreshold"`
		BackPressureThreshold uint64 `json:"backPressureThreshold"`
		AdaptiveAdjustment    bool   `json:"adaptiveAdjustment"`
		InitialCreditMessages uint64 `json:"initialCreditMessages"`
		InitialCreditBytes    uint64 `json:"initialCreditBytes"`
	} `json:"flowControl"`

	MaxConcurrentRuns  int   `json:"maxConcurrentRuns"`
	ReplayWindowSize   int   `json:"replayWindowSize"`
	ReplayWindowTimeMs int64 `json:"replayWindowTimeMs"`

	NATS struct {
		URL             string   `json:"url"`
		MaxReconnects   int      `json:"maxReconnects"`
		ReconnectWait   int      `json:"reconnectWait"`
		ReconnectJitter int      `json:"reconnectJitter"`
		MaxPingsOut     int      `json:"maxPingsOut"`
		PingInterval    int      `json:"pingInterval"`
		CallTimeoutMs   int      `json:"callTimeoutMs"`
		// RemoteTools names the tools the dispatcher should bind to
		// agentbridge.RemoteHandler instances rather than in-process
		// handlers, routed over NATS to an out-of-process agent fleet.
		RemoteTools []string `json:"remoteTools"`
	} `json:"nats"`

	Auth struct {
		JWTSecret       string `json:"jwtSecret"`
		TokenExpiration int    `json:"tokenExpiration"`
		RequireAuth     bool   `json:"requireAuth"`
	} `json:"auth"`

	Metrics struct {
		EnablePrometheus bool   `json:"enablePrometheus"`
		MetricsPath      string `json:"metricsPath"`
		UpdateInterval   int    `json:"updateInterval"`
	} `json:"metrics"`

	EnableCORS    bool `json:"enableCORS"`
	EnableLogging bool `json:"enableLogging"`
}

// Load reads configuration from configPath, or the embedded default if
// configPath is empty, applying $VAR expansion and then environment
// overrides, matching cmd/main.go's loadConfig/applyEnvOverrides shape.
func Load(configPath string) (*Config, error) {
	var data []byte
	var err error

	if configPath != "" {
		data, err = os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		data = []byte(defaultConfig)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.NATS.URL = natsURL
	}
	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		cfg.Auth.JWTSecret = jwtSecret
	}
	if requireAuth := os.Getenv("REQUIRE_AUTH"); requireAuth == "true" {
		cfg.Auth.RequireAuth = true
	} else if requireAuth == "false" {
		cfg.Auth.RequireAuth = false
	}
	if enablePrometheus := os.Getenv("ENABLE_PROMETHEUS"); enablePrometheus == "false" {
		cfg.Metrics.EnablePrometheus = false
	} else if enablePrometheus == "true" {
		cfg.Metrics.EnablePrometheus = true
	}
}
