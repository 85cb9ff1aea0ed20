package tools

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// LongTask is a reference tool exercising cooperative cancellation
// (spec section 8, scenario f): it reports progress at an interval
// until it either completes or observes a Cancel call, at which point
// it emits a terminal event within a bounded grace period.
type LongTask struct {
	mu      sync.Mutex
	cancels map[string]chan struct{}
	step    time.Duration
	steps   int
}

func NewLongTask(step time.Duration, steps int) *LongTask {
	return &LongTask{cancels: map[string]chan struct{}{}, step: step, steps: steps}
}

func (LongTask) Schema() Schema {
	return Schema{
		Name:        "longtask",
		Description: "Runs a multi-step task that reports progress and can be cancelled.",
		InputSchema: map[string]any{"type": "object"},
	}
}

func (t *LongTask) HandleMessage(ctx context.Context, sessionID, transactionID string, send SendFunc, env *wire.Envelope) error {
	cancel := make(chan struct{})
	t.mu.Lock()
	t.cancels[transactionID] = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.cancels, transactionID)
		t.mu.Unlock()
	}()

	for i := 1; i <= t.steps; i++ {
		select {
		case <-cancel:
			send(&wire.Envelope{
				ID: uuid.NewString(), Session: sessionID,
				Transaction: &transactionID, Channel: wire.ChannelAgent, Type: wire.EventRunError,
				Payload: map[string]any{"code": "CANCELLED", "message": "run cancelled by peer"},
			})
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.step):
			send(&wire.Envelope{
				ID: uuid.NewString(), Session: sessionID,
				Transaction: &transactionID, Channel: wire.ChannelAgent, Type: wire.EventToolCallProgress,
				Payload: map[string]any{"progress": (i * 100) / t.steps},
			})
		}
	}

	send(&wire.Envelope{
		ID: uuid.NewString(), Session: sessionID,
		Transaction: &transactionID, Channel: wire.ChannelAgent, Type: wire.EventMessageEnd,
		Payload: map[string]any{"result": "complete"},
	})
	return nil
}

func (t *LongTask) HandleAudioChunk(ctx context.Context, sessionID, transactionID string, send SendFunc, env *wire.Envelope) error {
	return nil
}

// Cancel signals the running HandleMessage goroutine for transactionID,
// if any. Idempotent: a second call on an already-cancelled or
// already-finished transaction is a no-op.
func (t *LongTask) Cancel(_ string, transactionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.cancels[transactionID]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}
