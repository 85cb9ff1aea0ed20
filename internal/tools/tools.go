// Package tools implements the process-wide tool registry and the
// tool-call dispatch lifecycle described in spec section 4.5.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// Schema describes one tool to peers via TOOL_LIST/TOOL_SCHEMA.
type Schema struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// SendFunc lets a handler emit outbound envelopes without holding a
// back-pointer to the session (spec section 9, "cyclic references" —
// handlers receive (sessionID, transactionID, sendFn), never the
// session itself).
type SendFunc func(env *wire.Envelope)

// Handler is the contract a registered tool implements. HandleMessage
// is invoked for MESSAGE_START/MESSAGE_PART/MESSAGE_END envelopes on an
// open transaction bound to the tool; HandleAudioChunk for AUDIO_CHUNK
// envelopes on the same transaction (spec section 4.5).
type Handler interface {
	Schema() Schema
	HandleMessage(ctx context.Context, sessionID, transactionID string, send SendFunc, env *wire.Envelope) error
	HandleAudioChunk(ctx context.Context, sessionID, transactionID string, send SendFunc, env *wire.Envelope) error
	// Cancel is invoked when the owning run or transaction is cancelled
	// (spec section 5); implementations must stop in-flight work and
	// return promptly.
	Cancel(sessionID, transactionID string)
}

// Registry is the process-wide tool name -> handler map. It is written
// only at startup (or via an explicit Register call) and read-only on
// the hot path thereafter, per spec section 5.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Schema().Name] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// List returns the schemas of every registered tool, for TOOL_LIST.
func (r *Registry) List() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Schema())
	}
	return out
}

// ErrUnknownTool is returned by Dispatcher.Dispatch when toolName has
// no registered handler.
var ErrUnknownTool = fmt.Errorf("unknown tool")
