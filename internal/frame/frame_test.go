package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/andybalholm/brotli"
)

func buildPlain(op uint32, body []byte) []byte {
	return Encode(Frame{Version: VersionPlain, Operation: op, Sequence: 1, Body: body})
}

func TestDecodeAttention(t *testing.T) {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, 42)
	data := buildPlain(OpAttention, body)

	frames, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	got := binary.BigEndian.Uint32(frames[0].Body)
	if got != 42 {
		t.Fatalf("attention = %d, want 42", got)
	}
}

func TestDecodeBrotliAggregate(t *testing.T) {
	inner := append(buildPlain(OpMessage, []byte(`{"cmd":"LIVE"}`)), buildPlain(OpMessage, []byte(`{"cmd":"DANMU_MSG"}`))...)

	var compressed bytes.Buffer
	w := brotli.NewWriter(&compressed)
	if _, err := w.Write(inner); err != nil {
		t.Fatalf("brotli write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("brotli close: %v", err)
	}

	data := Encode(Frame{Version: VersionBrotli, Operation: OpMessage, Sequence: 1, Body: compressed.Bytes()})

	frames, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if string(frames[0].Body) != `{"cmd":"LIVE"}` {
		t.Fatalf("frame 0 body = %q", frames[0].Body)
	}
	if string(frames[1].Body) != `{"cmd":"DANMU_MSG"}` {
		t.Fatalf("frame 1 body = %q", frames[1].Body)
	}
}

func TestDecodeMultipleFramesInOneBuffer(t *testing.T) {
	data := append(buildPlain(OpMessage, []byte(`{"cmd":"ROUND"}`)), buildPlain(OpMessage, []byte(`{"cmd":"PREPARING"}`))...)

	frames, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	if _, err := Decode([]byte{0, 0}); err == nil {
		t.Fatal("expected error for truncated buffer")
	}
}

func TestSubscribeAndHeartbeatShapes(t *testing.T) {
	sub := Subscribe([]byte(`{"uid":0}`))
	frames, err := Decode(sub)
	if err != nil {
		t.Fatalf("decode subscribe frame: %v", err)
	}
	if frames[0].Operation != OpSubscribe {
		t.Fatalf("operation = %d, want %d", frames[0].Operation, OpSubscribe)
	}

	hb := Heartbeat()
	frames, err = Decode(hb)
	if err != nil {
		t.Fatalf("decode heartbeat frame: %v", err)
	}
	if frames[0].Operation != OpHeartbeat {
		t.Fatalf("operation = %d, want %d", frames[0].Operation, OpHeartbeat)
	}
	if string(frames[0].Body) != "[object Object]" {
		t.Fatalf("heartbeat body = %q", frames[0].Body)
	}
}
