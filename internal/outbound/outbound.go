// Package outbound implements the single multi-producer priority queue that
// every component writing to the coordinator funnels through. Exactly one
// goroutine ever touches the websocket's write side, which is what keeps
// concurrent producers from interleaving partial frames on the wire.
package outbound

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Priority classes. Relay is always drained ahead of Bulk; within a class,
// messages are drained in arrival order.
const (
	PriorityRelay = 0
	PriorityBulk  = 1
)

// Message is one unit of outbound traffic: a priority class and a raw text
// payload already encoded as the coordinator expects it (compact JSON or the
// literal "DDDhttp" marker).
type Message struct {
	Priority int
	Payload  []byte
}

// Writer is the minimal websocket surface the serializer needs. Satisfied by
// *websocket.Conn; abstracted so tests can substitute a recorder.
type Writer interface {
	WriteMessage(messageType int, data []byte) error
}

type item struct {
	msg Message
	seq uint64
}

type priorityQueue []*item

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].msg.Priority != q[j].msg.Priority {
		return q[i].msg.Priority < q[j].msg.Priority
	}
	return q[i].seq < q[j].seq
}
func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)   { *q = append(*q, x.(*item)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// Serializer drains a priority queue into whatever Writer is currently bound
// to it. Rebind swaps the Writer after a reconnect without losing queued
// messages — the queue survives connection churn, only the write target
// changes.
type Serializer struct {
	logger *slog.Logger

	mu     sync.Mutex
	queue  priorityQueue
	nextSeq uint64
	wake   chan struct{}

	writerMu sync.Mutex
	writer   Writer
}

// New returns a Serializer with no writer bound. Enqueue works immediately;
// Run blocks draining until a writer is bound via Rebind.
func New(logger *slog.Logger) *Serializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Serializer{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Rebind points the serializer at a new Writer, as done after every
// reconnect of the control channel.
func (s *Serializer) Rebind(w Writer) {
	s.writerMu.Lock()
	s.writer = w
	s.writerMu.Unlock()
	s.poke()
}

// Enqueue adds msg to the queue. Safe for concurrent use by any number of
// producers (HTTP workers, room subscriptions, pull loops).
func (s *Serializer) Enqueue(msg Message) {
	s.mu.Lock()
	heap.Push(&s.queue, &item{msg: msg, seq: s.nextSeq})
	s.nextSeq++
	s.mu.Unlock()
	s.poke()
}

// Len reports the current queue depth, used by the monitor activity.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Serializer) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled. A missing writer is treated
// as backpressure: popped messages wait for a writer rather than being
// dropped, so a reconnect never loses an already-queued result.
func (s *Serializer) Run(ctx context.Context) {
	for {
		msg, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		if err := s.write(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("outbound write failed, message dropped", "error", err)
		}
	}
}

func (s *Serializer) pop() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Message{}, false
	}
	it := heap.Pop(&s.queue).(*item)
	return it.msg, true
}

// write blocks (respecting ctx) until a writer is bound, then performs one
// WriteMessage call. A bound writer can still fail (e.g. the connection died
// moments after Rebind); the caller logs and moves on rather than requeuing,
// matching spec.md's "result is sent on whichever channel is open when the
// worker finishes" — there is no redelivery guarantee across reconnects for
// a message already popped.
func (s *Serializer) write(ctx context.Context, msg Message) error {
	w := s.currentWriter()
	for w == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			w = s.currentWriter()
		}
	}
	if err := w.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
		return fmt.Errorf("outbound: write: %w", err)
	}
	return nil
}

func (s *Serializer) currentWriter() Writer {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	return s.writer
}
