package agentbridge

import (
	"testing"
	"time"

	"github.com/haiprotocol/haip-gateway/internal/wire"
)

// noopRecorder is a zero-value metrics.Recorder stand-in so these tests
// can exercise Client's routing logic without pulling in Prometheus
// registration.
type noopRecorder struct{}

func (noopRecorder) IncrementSessions()                                  {}
func (noopRecorder) DecrementSessions()                                  {}
func (noopRecorder) RecordSessionDuration(time.Duration)                 {}
func (noopRecorder) GetActiveSessions() int64                            { return 0 }
func (noopRecorder) IncrementEnvelopesReceived(string, string)           {}
func (noopRecorder) IncrementEnvelopesSent(string, string)                {}
func (noopRecorder) RecordEnvelopeSize(int)                              {}
func (noopRecorder) IncrementDuplicateEnvelopes()                        {}
func (noopRecorder) RecordEnvelopeLatency(time.Duration)                 {}
func (noopRecorder) RecordAgentBridgeLatency(time.Duration)              {}
func (noopRecorder) RecordProtocolError(string)                         {}
func (noopRecorder) IncrementFlowControlViolations()                    {}
func (noopRecorder) IncrementReplayMisses()                             {}
func (noopRecorder) SetActiveRuns(int)                                  {}
func (noopRecorder) GetActiveRuns() int64                               { return 0 }
func (noopRecorder) SetAgentBridgeConnected(bool)                       {}
func (noopRecorder) IncrementAgentBridgeReconnects()                    {}
func (noopRecorder) IncrementAgentBridgeMessages()                      {}
func (noopRecorder) GetUptime() time.Duration                           { return 0 }

func TestSubjectNames(t *testing.T) {
	cases := map[string]string{
		SubjectBuilder.Call("echo"):     "haip.tool.echo.call",
		SubjectBuilder.Result("echo"):   "haip.tool.echo.result",
		SubjectBuilder.Progress("echo"): "haip.tool.echo.progress",
		SubjectBuilder.Cancel("echo"):   "haip.tool.echo.cancel",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestRouteResultDeliversToWaiter(t *testing.T) {
	c := &Client{
		waiters:  make(map[string]chan *wire.Envelope),
		progress: make(map[string]func(*wire.Envelope)),
		metrics:  noopRecorder{},
	}
	txn := "t1"
	waiter := make(chan *wire.Envelope, 1)
	c.waiters[txn] = waiter

	env := &wire.Envelope{
		ID: "m1", Session: "s1", Transaction: &txn, Seq: "1",
		Channel: wire.ChannelAgent, Type: wire.EventMessageEnd,
		Payload: map[string]any{}, Ts: "1",
	}
	data, err := wire.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.routeResult(data)

	select {
	case got := <-waiter:
		if got.ID != "m1" {
			t.Fatalf("unexpected envelope: %+v", got)
		}
	default:
		t.Fatal("expected envelope to be routed to waiter")
	}
}

func TestRouteProgressInvokesCallback(t *testing.T) {
	c := &Client{
		waiters:  make(map[string]chan *wire.Envelope),
		progress: make(map[string]func(*wire.Envelope)),
		metrics:  noopRecorder{},
	}
	txn := "t1"
	var got *wire.Envelope
	c.progress[txn] = func(e *wire.Envelope) { got = e }

	env := &wire.Envelope{
		ID: "m1", Session: "s1", Transaction: &txn, Seq: "1",
		Channel: wire.ChannelAgent, Type: wire.EventToolCallProgress,
		Payload: map[string]any{"progress": float64(50)}, Ts: "1",
	}
	data, err := wire.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.routeProgress(data)

	if got == nil || got.ID != "m1" {
		t.Fatalf("expected progress callback to be invoked, got %+v", got)
	}
}
