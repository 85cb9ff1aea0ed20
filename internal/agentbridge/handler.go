package agentbridge

import (
	"context"
	"fmt"

	"github.com/haiprotocol/haip-gateway/internal/tools"
	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// RemoteHandler adapts a named remote tool, reached over the bridge, to
// the tools.Handler interface so it can be registered in the same
// dispatcher registry as in-process handlers like Echo and LongTask.
type RemoteHandler struct {
	client *Client
	schema tools.Schema
}

func NewRemoteHandler(client *Client, schema tools.Schema) *RemoteHandler {
	return &RemoteHandler{client: client, schema: schema}
}

func (h *RemoteHandler) Schema() tools.Schema { return h.schema }

func (h *RemoteHandler) HandleMessage(ctx context.Context, sessionID, transactionID string, send tools.SendFunc, env *wire.Envelope) error {
	return h.dispatch(ctx, sessionID, transactionID, send, env)
}

func (h *RemoteHandler) HandleAudioChunk(ctx context.Context, sessionID, transactionID string, send tools.SendFunc, env *wire.Envelope) error {
	return h.dispatch(ctx, sessionID, transactionID, send, env)
}

func (h *RemoteHandler) dispatch(ctx context.Context, sessionID, transactionID string, send tools.SendFunc, env *wire.Envelope) error {
	call := &wire.Envelope{
		ID:          env.ID,
		Session:     sessionID,
		Transaction: &transactionID,
		Channel:     wire.ChannelAgent,
		Type:        env.Type,
		Payload:     env.Payload,
		BinLen:      env.BinLen,
		BinMime:     env.BinMime,
		Binary:      env.Binary,
	}

	onProgress := func(progressEnv *wire.Envelope) {
		progressEnv.Session = sessionID
		progressEnv.Transaction = &transactionID
		send(progressEnv)
	}

	result, err := h.client.Call(ctx, h.schema.Name, call, onProgress)
	if err != nil {
		return fmt.Errorf("remote tool %q: %w", h.schema.Name, err)
	}
	result.Session = sessionID
	result.Transaction = &transactionID
	send(result)
	return nil
}

// Cancel best-effort notifies the remote agent that the caller gave up
// on the transaction; the bridge does not wait for acknowledgement.
func (h *RemoteHandler) Cancel(_ string, transactionID string) {
	_ = h.client.CancelCall(h.schema.Name, transactionID)
}

var _ tools.Handler = (*RemoteHandler)(nil)
