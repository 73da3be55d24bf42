package room

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ddathome/worker-agent/internal/frame"
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

// newRunningSubscription wires a Subscription to a Serializer whose Run loop
// is already draining into rec, so tests can assert on the JSON actually
// written to the wire rather than on internal queue state.
func newRunningSubscription(t *testing.T, roomID int64) (*Subscription, *recorder) {
	t.Helper()
	out := outbound.New(nil)
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go out.Run(ctx)
	out.Rebind(rec)

	s := New(roomID, &http.Client{}, out, nil)
	return s, rec
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

func decodeRelay(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal relay: %v", err)
	}
	rel, ok := v["relay"].(map[string]any)
	if !ok {
		t.Fatalf("missing relay envelope: %s", raw)
	}
	return rel
}

func TestClassifyLiveAndPreparing(t *testing.T) {
	s, rec := newRunningSubscription(t, 7)
	s.classifyCommand([]byte(`{"cmd":"LIVE"}`))
	s.classifyCommand([]byte(`{"cmd":"PREPARING"}`))

	got := waitForCount(t, rec, 2)
	if decodeRelay(t, got[0])["e"] != "LIVE" {
		t.Fatalf("first event = %v, want LIVE", decodeRelay(t, got[0])["e"])
	}
	if decodeRelay(t, got[1])["e"] != "PREPARING" {
		t.Fatalf("second event = %v, want PREPARING", decodeRelay(t, got[1])["e"])
	}
}

func TestClassifyDanmakuSuppressedIsIgnored(t *testing.T) {
	s, rec := newRunningSubscription(t, 7)
	info := `[[0,0,0,0,1700000000000,0,0,"",0,1,0,0],"hello world",[123,"alice"],[]]`
	s.classifyCommand([]byte(`{"cmd":"DANMU_MSG","info":` + info + `}`))

	// Nothing should ever arrive; give the (absent) relay a moment to prove
	// it stays absent rather than racing a fixed-zero sleep.
	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected no relay for suppressed danmaku, got %d", len(got))
	}
}

func TestClassifyDanmakuEmitsRelayWithToken(t *testing.T) {
	s, rec := newRunningSubscription(t, 7)
	info := `[[0,0,0,0,1700000000000,0,0,"",0,0,0,0],"hello world",[123,"alice"],[]]`
	s.classifyCommand([]byte(`{"cmd":"DANMU_MSG","info":` + info + `}`))

	got := waitForCount(t, rec, 1)
	rel := decodeRelay(t, got[0])
	if rel["e"] != "DANMU_MSG" {
		t.Fatalf("e = %v, want DANMU_MSG", rel["e"])
	}
	if rel["token"] != "7_DANMU_MSG_123_1700000000000" {
		t.Fatalf("token = %v", rel["token"])
	}
}

func TestClassifyAttentionEmitsHeartbeatRelay(t *testing.T) {
	s, rec := newRunningSubscription(t, 7)
	body := make([]byte, 4)
	body[3] = 42
	s.classify(frame.Frame{Operation: frame.OpAttention, Body: body})

	got := waitForCount(t, rec, 1)
	rel := decodeRelay(t, got[0])
	if rel["e"] != "heartbeat" {
		t.Fatalf("e = %v, want heartbeat", rel["e"])
	}
	if int(rel["data"].(float64)) != 42 {
		t.Fatalf("data = %v, want 42", rel["data"])
	}
}

func TestClassifyGuardBuyToken(t *testing.T) {
	s, rec := newRunningSubscription(t, 9)
	data := `{"uid":55,"username":"cap","num":1,"price":198000,"gift_id":10003,"guard_level":3,"start_time":1700000001}`
	s.classifyCommand([]byte(`{"cmd":"GUARD_BUY","data":` + data + `}`))

	got := waitForCount(t, rec, 1)
	rel := decodeRelay(t, got[0])
	if rel["token"] != "9_GUARD_BUY_55_1700000001" {
		t.Fatalf("token = %v", rel["token"])
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	out := outbound.New(nil)
	s := New(1, &http.Client{}, out, nil)
	s.Close()
	s.Close()
	if !s.Closed() {
		t.Fatal("expected Closed() true")
	}
}
