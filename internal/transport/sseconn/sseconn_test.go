package sseconn

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haiprotocol/haip-gateway/internal/protocolerr"
	"github.com/haiprotocol/haip-gateway/internal/wire"
)

func TestHandleEnvelopePostDeliversNonBinaryImmediately(t *testing.T) {
	c := New("198.51.100.1:1234")

	body := `{"id":"a","session":"s1","seq":"1","ts":"1","channel":"USER","type":"PING","payload":{}}`
	req := httptest.NewRequest("POST", "/haip/sse/envelope", strings.NewReader(body))
	rec := httptest.NewRecorder()

	c.HandleEnvelopePost(rec, req)
	if rec.Code != 202 {
		t.Fatalf("expected 202 Accepted, got %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := c.Recv(ctx)
	if err != nil || env.ID != "a" {
		t.Fatalf("expected envelope a delivered, got %+v err=%v", env, err)
	}
}

func TestHandleEnvelopePostHoldsBinaryUntilPaired(t *testing.T) {
	c := New("198.51.100.1:1234")

	body := `{"id":"a","session":"s1","seq":"1","ts":"1","channel":"USER","type":"AUDIO_CHUNK","bin_len":5,"bin_mime":"audio/pcm","payload":{}}`
	req := httptest.NewRequest("POST", "/haip/sse/envelope", strings.NewReader(body))
	rec := httptest.NewRecorder()
	c.HandleEnvelopePost(rec, req)
	if rec.Code != 202 {
		t.Fatalf("expected 202 Accepted for pending envelope, got %d", rec.Code)
	}

	select {
	case env := <-c.incoming:
		t.Fatalf("envelope should not be delivered before its binary frame arrives, got %+v", env)
	default:
	}

	binReq := httptest.NewRequest("POST", "/haip/sse/binary", strings.NewReader(base64.StdEncoding.EncodeToString([]byte("hello"))))
	binRec := httptest.NewRecorder()
	c.HandleBinaryPost(binRec, binReq)
	if binRec.Code != 202 {
		t.Fatalf("expected 202 Accepted for binary post, got %d", binRec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := c.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(env.Binary) != "hello" {
		t.Fatalf("expected paired binary 'hello', got %q", env.Binary)
	}
}

func TestHandleEnvelopePostMalformedSurfacesProtocolErrorToRecv(t *testing.T) {
	c := New("198.51.100.1:1234")

	body := `{"id":"a","session":"s1","channel":"USER","type":"PING","payload":{}}` // missing seq/ts
	req := httptest.NewRequest("POST", "/haip/sse/envelope", strings.NewReader(body))
	rec := httptest.NewRecorder()

	c.HandleEnvelopePost(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for malformed envelope, got %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Recv(ctx)
	if err == nil {
		t.Fatal("expected Recv to surface the decode error")
	}
	perr, ok := err.(*protocolerr.Error)
	if !ok {
		t.Fatalf("expected *protocolerr.Error, got %T (%v)", err, err)
	}
	if perr.Code != protocolerr.ProtocolViolation {
		t.Fatalf("expected PROTOCOL_VIOLATION, got %v", perr.Code)
	}
}

func TestHandleBinaryPostWithoutPendingEnvelopeRejected(t *testing.T) {
	c := New("198.51.100.1:1234")
	req := httptest.NewRequest("POST", "/haip/sse/binary", strings.NewReader("aGVsbG8="))
	rec := httptest.NewRecorder()
	c.HandleBinaryPost(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for unpaired binary post, got %d", rec.Code)
	}
}

func TestWriteEventInlinesBinaryAsBase64(t *testing.T) {
	binLen := uint64(3)
	mime := "audio/pcm"
	env := &wire.Envelope{
		ID: "out1", Session: "s1", Seq: "1", Ts: "1",
		Channel: wire.ChannelAgent, Type: wire.EventAudioChunk,
		Payload: map[string]any{}, BinLen: &binLen, BinMime: &mime,
		Binary: []byte("abc"),
	}

	rec := httptest.NewRecorder()
	if err := writeEvent(rec, env); err != nil {
		t.Fatalf("writeEvent: %v", err)
	}

	out := rec.Body.String()
	if !strings.HasPrefix(out, "event: message\nid: out1\n") {
		t.Fatalf("unexpected SSE frame: %q", out)
	}
	if !strings.Contains(out, base64.StdEncoding.EncodeToString([]byte("abc"))) {
		t.Fatalf("expected base64-inlined binary in event data, got %q", out)
	}
}
