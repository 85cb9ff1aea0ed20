package wire

import (
	"encoding/json"
	"regexp"

	"github.com/haiprotocol/haip-gateway/internal/protocolerr"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidUUID reports whether s is a canonical 8-4-4-4-12 hex UUID.
func ValidUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

// rawEnvelope mirrors Envelope's JSON shape but keeps Seq/Ack/Ts as raw
// strings so Decode can apply the decimal-string
// validation rules before committing to an Envelope.
type rawEnvelope struct {
	ID            *string         `json:"id"`
	Session       *string         `json:"session"`
	Transaction   *string         `json:"transaction"`
	Seq           *string         `json:"seq"`
	Ack           *string         `json:"ack"`
	Ts            *string         `json:"ts"`
	Channel       *Channel        `json:"channel"`
	Type          *EventType      `json:"type"`
	Payload       map[string]any  `json:"payload"`
	ProtocolMajor *int            `json:"pv"`
	Critical      *bool           `json:"crit"`
	BinLen        *uint64         `json:"bin_len"`
	BinMime       *string         `json:"bin_mime"`
	RunID         *string         `json:"run_id"`
	ThreadID      *string         `json:"thread_id"`
	RelatedID     *string         `json:"related_id"`
}

// Decode parses and validates a raw envelope per the rejection taxonomy
// in spec section 4.1:
//   - malformed JSON                       -> PROTOCOL_VIOLATION
//   - missing required field                -> PROTOCOL_VIOLATION
//   - unknown event type, crit=true         -> UNSUPPORTED_TYPE
//   - unknown event type, crit=false/absent -> nil, nil (silently ignored)
func Decode(raw []byte) (*Envelope, *protocolerr.Error) {
	var re rawEnvelope
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, protocolerr.New(protocolerr.ProtocolViolation, "malformed JSON: %v", err)
	}

	if re.ID == nil || *re.ID == "" {
		return nil, protocolerr.New(protocolerr.ProtocolViolation, "missing id")
	}
	if re.Session == nil || *re.Session == "" {
		return nil, protocolerr.New(protocolerr.ProtocolViolation, "missing session")
	}
	if re.Seq == nil {
		return nil, protocolerr.New(protocolerr.ProtocolViolation, "missing seq")
	}
	if re.Ts == nil {
		return nil, protocolerr.New(protocolerr.ProtocolViolation, "missing ts")
	}
	if re.Channel == nil || !re.Channel.Valid() {
		return nil, protocolerr.New(protocolerr.ProtocolViolation, "missing or invalid channel")
	}
	if re.Type == nil || *re.Type == "" {
		return nil, protocolerr.New(protocolerr.ProtocolViolation, "missing type")
	}
	if re.Payload == nil {
		re.Payload = map[string]any{}
	}

	if _, err := ParseCounter(*re.Seq); err != nil {
		return nil, protocolerr.New(protocolerr.ProtocolViolation, "invalid seq: %v", err)
	}
	if re.Ack != nil {
		if _, err := ParseCounter(*re.Ack); err != nil {
			return nil, protocolerr.New(protocolerr.ProtocolViolation, "invalid ack: %v", err)
		}
	}
	if _, err := ParseCounter(*re.Ts); err != nil {
		return nil, protocolerr.New(protocolerr.ProtocolViolation, "invalid ts: %v", err)
	}

	if (re.BinLen == nil) != (re.BinMime == nil) {
		return nil, protocolerr.New(protocolerr.ProtocolViolation, "bin_len and bin_mime must both be present or both absent")
	}

	if !IsKnown(*re.Type) {
		if re.Critical != nil && *re.Critical {
			return nil, protocolerr.New(protocolerr.UnsupportedType, "unknown event type %q", *re.Type)
		}
		// Forward-compat: unknown, non-critical types are silently ignored.
		return nil, nil
	}

	env := &Envelope{
		ID:            *re.ID,
		Session:       *re.Session,
		Transaction:   re.Transaction,
		Seq:           *re.Seq,
		Ack:           re.Ack,
		Ts:            *re.Ts,
		Channel:       *re.Channel,
		Type:          *re.Type,
		Payload:       re.Payload,
		ProtocolMajor: re.ProtocolMajor,
		Critical:      re.Critical,
		BinLen:        re.BinLen,
		BinMime:       re.BinMime,
		RunID:         re.RunID,
		ThreadID:      re.ThreadID,
		RelatedID:     re.RelatedID,
	}
	return env, nil
}

// Encode renders an Envelope back to wire JSON.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}
