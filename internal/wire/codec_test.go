package wire

import (
	"testing"

	"github.com/haiprotocol/haip-gateway/internal/protocolerr"
)

func TestDecodeHappyPath(t *testing.T) {
	raw := []byte(`{"id":"aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee","session":"s1","transaction":null,"seq":"1","ts":"1700000000000","channel":"SYSTEM","type":"HAI","payload":{"haip_version":"1.1.2"}}`)
	env, perr := Decode(raw)
	if perr != nil {
		t.Fatalf("unexpected error: %v", perr)
	}
	if env.Type != EventHAI || env.Channel != ChannelSystem {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Transaction != nil {
		t.Fatalf("expected nil transaction, got %v", *env.Transaction)
	}
}

func TestDecodeMissingField(t *testing.T) {
	raw := []byte(`{"session":"s1","seq":"1","ts":"1","channel":"USER","type":"PING","payload":{}}`)
	_, perr := Decode(raw)
	if perr == nil || perr.Code != protocolerr.ProtocolViolation {
		t.Fatalf("expected PROTOCOL_VIOLATION, got %v", perr)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, perr := Decode([]byte(`{not json`))
	if perr == nil || perr.Code != protocolerr.ProtocolViolation {
		t.Fatalf("expected PROTOCOL_VIOLATION, got %v", perr)
	}
}

func TestDecodeUnsupportedTypeCritical(t *testing.T) {
	raw := []byte(`{"id":"x","session":"s1","seq":"1","ts":"1","channel":"USER","type":"FROBNICATE","crit":true,"payload":{}}`)
	_, perr := Decode(raw)
	if perr == nil || perr.Code != protocolerr.UnsupportedType {
		t.Fatalf("expected UNSUPPORTED_TYPE, got %v", perr)
	}
}

func TestDecodeUnknownNonCriticalIgnored(t *testing.T) {
	raw := []byte(`{"id":"x","session":"s1","seq":"1","ts":"1","channel":"USER","type":"FROBNICATE","payload":{}}`)
	env, perr := Decode(raw)
	if perr != nil {
		t.Fatalf("unexpected error: %v", perr)
	}
	if env != nil {
		t.Fatalf("expected nil envelope for silently-ignored type, got %+v", env)
	}
}

func TestDecodeReservedTypeRoundTrips(t *testing.T) {
	raw := []byte(`{"id":"x","session":"s1","seq":"1","ts":"1","channel":"USER","type":"RUN_CANCEL","payload":{}}`)
	env, perr := Decode(raw)
	if perr != nil {
		t.Fatalf("unexpected error: %v", perr)
	}
	if env == nil || env.Type != EventRunCancel {
		t.Fatalf("expected RUN_CANCEL to decode, got %+v", env)
	}
}

func TestRoundTrip(t *testing.T) {
	ack := "4"
	env := &Envelope{
		ID: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", Session: "s1", Seq: "5", Ack: &ack,
		Ts: "1700000000000", Channel: ChannelUser, Type: EventMessageStart,
		Payload: map[string]any{"text": "hi"},
	}
	raw, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, perr := Decode(raw)
	if perr != nil {
		t.Fatalf("decode: %v", perr)
	}
	if decoded.ID != env.ID || decoded.Seq != env.Seq || *decoded.Ack != *env.Ack {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, env)
	}
}

func TestBinPairingRequiresBoth(t *testing.T) {
	raw := []byte(`{"id":"x","session":"s1","seq":"1","ts":"1","channel":"AGENT","type":"AUDIO_CHUNK","bin_len":10,"payload":{}}`)
	_, perr := Decode(raw)
	if perr == nil || perr.Code != protocolerr.ProtocolViolation {
		t.Fatalf("expected PROTOCOL_VIOLATION for half-declared binary frame, got %v", perr)
	}
}

func TestParseCounterRejectsLeadingZero(t *testing.T) {
	if _, err := ParseCounter("007"); err == nil {
		t.Fatal("expected error for leading zero")
	}
}

func TestParseCounterRejectsTooLong(t *testing.T) {
	if _, err := ParseCounter("123456789012345678901"); err == nil {
		t.Fatal("expected error for 21-digit counter")
	}
}

func TestFormatCounter(t *testing.T) {
	if got := FormatCounter(0); got != "0" {
		t.Fatalf("FormatCounter(0) = %q", got)
	}
	if got := FormatCounter(42); got != "42" {
		t.Fatalf("FormatCounter(42) = %q", got)
	}
}
