package outbound

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (r *recorder) WriteMessage(_ int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := append([]byte(nil), data...)
	r.msgs = append(r.msgs, cp)
	return nil
}

func (r *recorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.msgs...)
}

func TestRelayDrainsBeforeBulk(t *testing.T) {
	s := New(nil)
	s.Enqueue(Message{Priority: PriorityBulk, Payload: []byte("bulk-1")})
	s.Enqueue(Message{Priority: PriorityBulk, Payload: []byte("bulk-2")})
	s.Enqueue(Message{Priority: PriorityRelay, Payload: []byte("relay-1")})

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	s.Rebind(rec)

	waitForCount(t, rec, 3)
	got := rec.snapshot()
	if string(got[0]) != "relay-1" {
		t.Fatalf("first drained = %q, want relay-1", got[0])
	}
	if string(got[1]) != "bulk-1" || string(got[2]) != "bulk-2" {
		t.Fatalf("bulk order = %q, %q, want FIFO", got[1], got[2])
	}
}

func TestEnqueueBeforeRebindIsNotLost(t *testing.T) {
	s := New(nil)
	s.Enqueue(Message{Priority: PriorityRelay, Payload: []byte("early")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	go s.Run(ctx)

	time.Sleep(20 * time.Millisecond) // writer still unbound; message must wait, not drop
	s.Rebind(rec)

	waitForCount(t, rec, 1)
	if string(rec.snapshot()[0]) != "early" {
		t.Fatalf("message lost across late rebind")
	}
}

func TestLenReflectsQueueDepth(t *testing.T) {
	s := New(nil)
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
	s.Enqueue(Message{Priority: PriorityBulk, Payload: []byte("x")})
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func waitForCount(t *testing.T, rec *recorder, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, got %d", n, len(rec.snapshot()))
}
