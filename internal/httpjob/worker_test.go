package httpjob

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ddathome/worker-agent/internal/outbound"
)

type recorder struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (r *recorder) WriteMessage(_ int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, append([]byte(nil), data...))
	return nil
}

func (r *recorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.msgs...)
}

func waitForCount(t *testing.T, rec *recorder, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := rec.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, got %d", n, len(rec.snapshot()))
	return nil
}

func TestSuccessfulJobEnqueuesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	out := outbound.New(nil)
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go out.Run(ctx)
	out.Rebind(rec)

	p := NewPool(srv.Client(), out, nil, false)
	go p.Run(ctx, 1)
	p.Submit(Job{PriorityKey: 1, JobKey: "a1", URL: srv.URL})

	got := waitForCount(t, rec, 1)
	if string(got[0]) != `{"key":"a1","data":"OK"}` {
		t.Fatalf("payload = %s", got[0])
	}
}

func TestTimeoutDropsJobWithoutResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done() // never responds; only the client-side deadline ends the request
	}))
	defer srv.Close()

	out := outbound.New(nil)
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go out.Run(ctx)
	out.Rebind(rec)

	p := NewPool(srv.Client(), out, nil, false)
	p.deadline = 30 * time.Millisecond
	go p.Run(ctx, 1)
	p.Submit(Job{PriorityKey: 1, JobKey: "slow", URL: srv.URL})

	time.Sleep(200 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected no result for a job that exceeds its deadline, got %d", len(got))
	}
}

func TestQueueDepthTracksSubmissions(t *testing.T) {
	out := outbound.New(nil)
	p := NewPool(&http.Client{}, out, nil, false)
	p.Submit(Job{PriorityKey: 1, JobKey: "a"})
	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1", p.Len())
	}
}
