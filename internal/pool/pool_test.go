package pool

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/ddathome/worker-agent/internal/outbound"
)

func TestWatchIgnoresZeroRoomID(t *testing.T) {
	m := NewManager(1000, 2, &http.Client{}, outbound.New(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Watch(ctx, 0)
	if m.OpenCount() != 0 {
		t.Fatalf("OpenCount = %d, want 0", m.OpenCount())
	}
}

func TestWatchAddsToLiveSetAndDedupes(t *testing.T) {
	m := NewManager(1000, 2, &http.Client{}, outbound.New(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Watch(ctx, 42)
	m.Watch(ctx, 42)
	if m.LiveCount() != 1 {
		t.Fatalf("LiveCount = %d, want 1 (dedup)", m.LiveCount())
	}
}

func TestWatchRespectsRoomCap(t *testing.T) {
	m := NewManager(1, 50, &http.Client{}, outbound.New(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Watch(ctx, 1)
	m.Watch(ctx, 2)
	if m.LiveCount() != 1 {
		t.Fatalf("LiveCount = %d, want 1 (room_cap=1 enforced)", m.LiveCount())
	}
}

func TestPoolOverflowCreatesNewPool(t *testing.T) {
	m := NewManager(1000, 1, &http.Client{}, outbound.New(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Watch(ctx, 1)
	m.Watch(ctx, 2)

	time.Sleep(20 * time.Millisecond) // let each pool's run() goroutine pick up its watch
	m.mu.Lock()
	n := len(m.pools)
	m.mu.Unlock()
	if n != 2 {
		t.Fatalf("pool count = %d, want 2 (per-pool cap=1 forces a second pool)", n)
	}
}

func TestPoolSweepRemovesClosedSubscriptions(t *testing.T) {
	p := newPool(10, &http.Client{}, outbound.New(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.open(ctx, 99)
	if p.Size() != 1 {
		t.Fatalf("Size = %d, want 1", p.Size())
	}

	p.mu.Lock()
	p.subs[99].Close()
	p.mu.Unlock()

	p.sweep()
	if p.Size() != 0 {
		t.Fatalf("Size after sweep = %d, want 0", p.Size())
	}
}
