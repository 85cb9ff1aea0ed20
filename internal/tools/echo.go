package tools

import (
	"context"

	"github.com/google/uuid"

	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// Echo is the reference tool used by the happy-path tool-transaction
// scenario in spec section 8(e): it mirrors a MESSAGE_START's text back
// on the AGENT channel, carrying the same transaction id.
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

func (Echo) Schema() Schema {
	return Schema{
		Name:        "echo",
		Description: "Echoes the text of any message sent to it back on the AGENT channel.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
	}
}

func (Echo) HandleMessage(_ context.Context, sessionID, transactionID string, send SendFunc, env *wire.Envelope) error {
	text, _ := env.Payload["text"].(string)
	send(&wire.Envelope{
		ID:          uuid.NewString(),
		Session:     sessionID,
		Transaction: &transactionID,
		Channel:     wire.ChannelAgent,
		Type:        wire.EventMessageStart,
		Payload:     map[string]any{"text": text},
		RelatedID:   &env.ID,
	})
	return nil
}

func (Echo) HandleAudioChunk(_ context.Context, sessionID, transactionID string, send SendFunc, env *wire.Envelope) error {
	send(&wire.Envelope{
		ID:          uuid.NewString(),
		Session:     sessionID,
		Transaction: &transactionID,
		Channel:     wire.ChannelAgent,
		Type:        wire.EventAudioChunk,
		Payload:     map[string]any{},
		BinLen:      env.BinLen,
		BinMime:     env.BinMime,
		Binary:      env.Binary,
		RelatedID:   &env.ID,
	})
	return nil
}

func (Echo) Cancel(string, string) {}
