// Package wire defines the envelope — the single unit of exchange on
// the protocol wire — and the closed sets of channels and event types
// it may carry, per spec sections 3 and 6.
package wire

// Channel is one of the three logical sub-streams within a session.
type Channel string

const (
	ChannelUser   Channel = "USER"
	ChannelAgent  Channel = "AGENT"
	ChannelSystem Channel = "SYSTEM"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelUser, ChannelAgent, ChannelSystem:
		return true
	default:
		return false
	}
}

// EventType identifies the kind of event an envelope carries.
type EventType string

// Core event types: the closed set the dispatch logic in C4-C6 actually
// understands and acts on (spec section 6).
const (
	EventHAI              EventType = "HAI"
	EventPing             EventType = "PING"
	EventPong             EventType = "PONG"
	EventError            EventType = "ERROR"
	EventFlowUpdate       EventType = "FLOW_UPDATE"
	EventTransactionStart EventType = "TRANSACTION_START"
	EventTransactionEnd   EventType = "TRANSACTION_END"
	EventReplayRequest    EventType = "REPLAY_REQUEST"
	EventMessageStart     EventType = "MESSAGE_START"
	EventMessagePart      EventType = "MESSAGE_PART"
	EventMessageEnd       EventType = "MESSAGE_END"
	EventAudioChunk       EventType = "AUDIO_CHUNK"
	EventInfo             EventType = "INFO"
	EventToolList         EventType = "TOOL_LIST"
	EventToolSchema       EventType = "TOOL_SCHEMA"
)

// Reserved event types: published in the wider schema for forward
// compatibility (spec section 9, "ambiguities observed in source").
// RunCancel is the one reserved type wired to concrete behavior
// (scenario f); the others round-trip through the codec under the
// crit rule without dispatcher-side effects.
const (
	EventRunStart          EventType = "RUN_START"
	EventRunCancel         EventType = "RUN_CANCEL"
	EventRunError          EventType = "RUN_ERROR"
	EventToolCallProgress  EventType = "TOOL_CALL_PROGRESS"
	EventPauseChannel      EventType = "PAUSE_CHANNEL"
	EventResumeChannel     EventType = "RESUME_CHANNEL"
)

var coreTypes = map[EventType]bool{
	EventHAI: true, EventPing: true, EventPong: true, EventError: true,
	EventFlowUpdate: true, EventTransactionStart: true, EventTransactionEnd: true,
	EventReplayRequest: true, EventMessageStart: true, EventMessagePart: true,
	EventMessageEnd: true, EventAudioChunk: true, EventInfo: true,
	EventToolList: true, EventToolSchema: true,
}

var reservedTypes = map[EventType]bool{
	EventRunStart: true, EventRunCancel: true, EventRunError: true,
	EventToolCallProgress: true, EventPauseChannel: true, EventResumeChannel: true,
}

// IsCore reports whether t is in the core-accepted event set.
func IsCore(t EventType) bool { return coreTypes[t] }

// IsKnown reports whether t is in either the core or the reserved
// (forward-compatibility) set.
func IsKnown(t EventType) bool { return coreTypes[t] || reservedTypes[t] }

// Envelope is the unit of exchange on the wire (spec section 3 and 6).
//
// Seq, Ack, and Ts are carried on the wire as decimal strings (up to 20
// digits) to survive peers without native 64-bit integers; Go code
// converts them to and from uint64 with ParseCounter and FormatCounter.
type Envelope struct {
	ID            string         `json:"id"`
	Session       string         `json:"session"`
	Transaction   *string        `json:"transaction"`
	Seq           string         `json:"seq"`
	Ack           *string        `json:"ack,omitempty"`
	Ts            string         `json:"ts"`
	Channel       Channel        `json:"channel"`
	Type          EventType      `json:"type"`
	Payload       map[string]any `json:"payload"`
	ProtocolMajor *int           `json:"pv,omitempty"`
	Critical      *bool          `json:"crit,omitempty"`
	BinLen        *uint64        `json:"bin_len,omitempty"`
	BinMime       *string        `json:"bin_mime,omitempty"`
	RunID         *string        `json:"run_id,omitempty"`
	ThreadID      *string        `json:"thread_id,omitempty"`
	RelatedID     *string        `json:"related_id,omitempty"`

	// Binary is the binary frame paired with this envelope by the
	// transport adapter (spec section 4.1/4.7); not part of the JSON
	// wire shape, populated out of band once BinLen/BinMime declare one.
	Binary []byte `json:"-"`
}

// Crit reports the envelope's criticality flag, defaulting to false.
func (e *Envelope) Crit() bool {
	return e.Critical != nil && *e.Critical
}

// HasBinary reports whether this envelope declares a paired binary frame.
func (e *Envelope) HasBinary() bool {
	return e.BinLen != nil && e.BinMime != nil
}

// WithTransaction returns a shallow copy of e with Transaction set.
func (e Envelope) WithTransaction(id string) *Envelope {
	e.Transaction = &id
	return &e
}
