package tools

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// Dispatcher routes incoming tool-call events to registered handlers
// and confines handler failures to the owning transaction (spec
// section 4.5 and the error-handling table in section 7: "tool handler
// failure -> terminal event on the tool call; session remains open").
type Dispatcher struct {
	registry *Registry
	logger   *log.Logger
}

func NewDispatcher(registry *Registry, logger *log.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, logger: logger}
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch looks up the handler bound to toolName and runs it on its
// own goroutine (spec section 5: "tool handlers may run on their own
// tasks; their outbound emissions are funnelled through the session's
// outbound queue, which serialises them"). A handler panic or error is
// confined to the owning transaction and reported as a terminal event;
// it never reaches the session's inbound task.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName, sessionID, transactionID string, send SendFunc, env *wire.Envelope) error {
	h, ok := d.registry.Lookup(toolName)
	if !ok {
		return ErrUnknownTool
	}

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Printf("tool %q panicked handling %s on txn %s: %v", toolName, env.Type, transactionID, rec)
				send(errorEnvelope(sessionID, transactionID, env, "tool handler panicked"))
			}
		}()

		var err error
		switch env.Type {
		case wire.EventAudioChunk:
			err = h.HandleAudioChunk(ctx, sessionID, transactionID, send, env)
		default:
			err = h.HandleMessage(ctx, sessionID, transactionID, send, env)
		}
		if err != nil {
			send(errorEnvelope(sessionID, transactionID, env, err.Error()))
		}
	}()
	return nil
}

// Cancel notifies the handler bound to toolName that its transaction
// has been cancelled, if the handler is still registered.
func (d *Dispatcher) Cancel(toolName, sessionID, transactionID string) {
	if h, ok := d.registry.Lookup(toolName); ok {
		h.Cancel(sessionID, transactionID)
	}
}

func errorEnvelope(sessionID, transactionID string, cause *wire.Envelope, message string) *wire.Envelope {
	return &wire.Envelope{
		ID:          uuid.NewString(),
		Session:     sessionID,
		Transaction: &transactionID,
		Channel:     wire.ChannelAgent,
		Type:        wire.EventError,
		Payload: map[string]any{
			"code":    "TOOL_ERROR",
			"message": message,
		},
		RelatedID: &cause.ID,
	}
}
