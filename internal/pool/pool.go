// Package pool implements the subscription manager: pools of up to
// per-pool-cap rooms, each run by its own goroutine, grouped and swept the
// way original_source/dm_manager.py's DManager groups and sweeps BiliDM
// instances. Python's dedicated-thread-plus-private-event-loop model becomes
// one goroutine per pool communicating over a channel — the idiomatic Go
// rendition of "a scheduler hosting up to 50 rooms on a dedicated thread of
// execution".
package pool

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ddathome/worker-agent/internal/outbound"
	"github.com/ddathome/worker-agent/internal/room"
)

// DefaultPerPoolCap mirrors dm_manager.py's _LIMIT default of 50 rooms per
// pool.
const DefaultPerPoolCap = 50

const sweepInterval = time.Second

// Pool hosts up to perPoolCap subscriptions on one goroutine's watch
// channel. A pool never shares subscription state with another pool; the
// manager only reads a pool's subscriptions (Size, LiveCount, Sweep) under
// the pool's own lock.
type Pool struct {
	perPoolCap int
	httpClient *http.Client
	out        *outbound.Serializer
	logger     *slog.Logger

	watchCh chan int64

	mu   sync.Mutex
	subs map[int64]*room.Subscription
}

func newPool(perPoolCap int, httpClient *http.Client, out *outbound.Serializer, logger *slog.Logger) *Pool {
	return &Pool{
		perPoolCap: perPoolCap,
		httpClient: httpClient,
		out:        out,
		logger:     logger,
		watchCh:    make(chan int64, perPoolCap),
		subs:       make(map[int64]*room.Subscription),
	}
}

// Size reports the current number of opened subscriptions, used by
// Available.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Available reports whether this pool has room for one more subscription,
// counting both opened subscriptions and room ids still waiting on the
// watch channel.
func (p *Pool) Available() bool {
	return p.Size()+len(p.watchCh) < p.perPoolCap
}

// run is the pool's dedicated goroutine: it opens newly watched rooms and
// periodically sweeps dead ones. It never blocks on any one room's
// lifecycle — each subscription runs its own Run goroutine, so one stuck
// room can never hold up another.
func (p *Pool) run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case roomID := <-p.watchCh:
			p.open(ctx, roomID)
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) open(ctx context.Context, roomID int64) {
	p.mu.Lock()
	if _, exists := p.subs[roomID]; exists {
		p.mu.Unlock()
		return
	}
	sub := room.New(roomID, p.httpClient, p.out, p.logger)
	p.subs[roomID] = sub
	p.mu.Unlock()

	go sub.Run(ctx)
}

// sweep removes any subscription whose closed flag is set, mirroring
// dm_manager.py's _clean_dead_rooms.
func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sub := range p.subs {
		if sub.Closed() {
			delete(p.subs, id)
		}
	}
}

// Manager groups rooms into pools, tracks the live set and enforces the
// global room cap. Equivalent to dm_manager.py's DManager but generalized to
// own N pools instead of exactly one.
type Manager struct {
	perPoolCap int
	roomCap    int
	httpClient *http.Client
	out        *outbound.Serializer
	logger     *slog.Logger

	mu    sync.Mutex
	pools []*Pool
	live  map[int64]struct{}
}

// NewManager builds a Manager with the given room cap (spec.md §3 Config's
// room_cap) and per-pool cap (spec.md §4.3/§9 GLOSSARY "Pool ... up to 50
// rooms").
func NewManager(roomCap, perPoolCap int, httpClient *http.Client, out *outbound.Serializer, logger *slog.Logger) *Manager {
	if perPoolCap <= 0 {
		perPoolCap = DefaultPerPoolCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		perPoolCap: perPoolCap,
		roomCap:    roomCap,
		httpClient: httpClient,
		out:        out,
		logger:     logger,
		live:       make(map[int64]struct{}),
	}
}

// Watch accepts a room pick from the coordinator. A falsy (zero) room id or
// one already live is a no-op, matching spec.md §4.3 step 1.
func (m *Manager) Watch(ctx context.Context, roomID int64) {
	if roomID == 0 {
		return
	}

	m.mu.Lock()
	if _, live := m.live[roomID]; live {
		m.mu.Unlock()
		return
	}
	if len(m.live) >= m.roomCap {
		m.mu.Unlock()
		m.logger.Warn("room_cap reached, dropping pick", "room", roomID, "room_cap", m.roomCap)
		return
	}

	p := m.poolWithCapacityLocked(ctx)
	m.live[roomID] = struct{}{}
	m.mu.Unlock()

	p.watchCh <- roomID
}

// poolWithCapacityLocked finds an available pool or creates a new one. Must
// be called with m.mu held.
func (m *Manager) poolWithCapacityLocked(ctx context.Context) *Pool {
	for _, p := range m.pools {
		if p.Available() {
			return p
		}
	}
	p := newPool(m.perPoolCap, m.httpClient, m.out, m.logger)
	m.pools = append(m.pools, p)
	go p.run(ctx)
	return p
}

// OpenCount is the cardinality of the accepted-room set: every room the
// manager has ever handed to a pool and not yet swept, whether or not the
// broadcast handshake has completed — spec.md §4.3's "live set" and §4.5's
// "open_rooms".
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// LiveCount is the subset of OpenCount whose subscription has completed its
// broadcast handshake (state == subscribed) — spec.md §4.5's "live_rooms" in
// the PullRoom gating condition `(open_rooms == live_rooms)`, distinguishing
// "accepted" from "actually confirmed live", the same distinction
// original_source/job_processor.py draws between `rooms` and `lived`.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.pools {
		p.mu.Lock()
		for _, sub := range p.subs {
			if sub.State() == room.StateSubscribed {
				count++
			}
		}
		p.mu.Unlock()
	}
	return count
}

// Sweep drops any entries from the live set whose pool no longer tracks
// them, keeping OpenCount consistent with the pools' own sweeps. The control
// client calls it every second, the same cadence as each pool's internal
// sweep.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for roomID := range m.live {
		if !m.anyPoolHasLocked(roomID) {
			delete(m.live, roomID)
		}
	}
}

func (m *Manager) anyPoolHasLocked(roomID int64) bool {
	for _, p := range m.pools {
		p.mu.Lock()
		_, ok := p.subs[roomID]
		p.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// RoomCap reports the configured cap, used by the Monitor activity.
func (m *Manager) RoomCap() int {
	return m.roomCap
}
