// Package room implements a single live-room subscription: REST key
// acquisition, websocket handshake, heartbeat, receive loop, event
// classification and relay. Adapted from the teacher's roomConn
// (dial-auth-heartbeat-receive shape) with the exponential backoff removed
// per the redesigned no-backoff reconnect policy for the broadcast channel.
package room

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ddathome/worker-agent/internal/frame"
	"github.com/ddathome/worker-agent/internal/jsonenc"
	"github.com/ddathome/worker-agent/internal/outbound"
)

const (
	danmuInfoURL      = "https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo?id=%d&type=0"
	broadcastURL      = "wss://broadcastlv.chat.bilibili.com/sub"
	keyAcquireTimeout = 10 * time.Second
	heartbeatInterval = 60 * time.Second
	userAgent         = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// State is a RoomSubscription's lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateSubscribed
	StateClosed
)

// Subscription is one room's long-lived connection to the broadcast
// service. It holds only a reference to the outbound queue, never to any
// control-channel websocket — spec.md §9's "subscriptions never hold the
// control channel; they hold the queue".
type Subscription struct {
	RoomID int64

	httpClient *http.Client
	out        *outbound.Serializer
	logger     *slog.Logger

	mu    sync.Mutex
	state State

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New builds a subscription bound to out. It does not dial; call Run to
// start the connect/receive/reconnect lifecycle.
func New(roomID int64, httpClient *http.Client, out *outbound.Serializer, logger *slog.Logger) *Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscription{
		RoomID:     roomID,
		httpClient: httpClient,
		out:        out,
		logger:     logger.With("room", roomID),
		closeCh:    make(chan struct{}),
	}
}

// State reports the subscription's current lifecycle stage.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Closed reports whether Close has been called — the "closed_flag" the pool
// sweep polls for.
func (s *Subscription) Closed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Close sets the closed flag. Idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.setState(StateClosed)
	})
}

// Run connects and reconnects indefinitely with no backoff until Close is
// called or ctx is cancelled — the redesigned policy for the broadcast
// channel (spec.md §4.2, in contrast to the control channel's backoff).
func (s *Subscription) Run(ctx context.Context) {
	for {
		if s.Closed() || ctx.Err() != nil {
			return
		}

		err := s.connectOnce(ctx)
		if s.Closed() || ctx.Err() != nil {
			return
		}
		s.logger.Warn("disconnected, reconnecting", "error", err)
	}
}

// connectOnce performs one full connect-auth-heartbeat-receive lifecycle.
// A permanent key-acquisition failure closes the subscription outright, per
// spec.md §4.2 ("fails permanently on timeout/connect error"); a websocket
// failure after a successful key fetch returns an error for the caller to
// retry without closing.
func (s *Subscription) connectOnce(ctx context.Context) error {
	s.setState(StateConnecting)

	key, err := s.acquireKey(ctx)
	if err != nil {
		s.logger.Error("key acquisition failed, closing subscription", "error", err)
		s.Close()
		return fmt.Errorf("room: acquire key: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	header.Set("User-Agent", userAgent)

	ws, _, err := dialer.DialContext(ctx, broadcastURL, header)
	if err != nil {
		return fmt.Errorf("room: dial: %w", err)
	}
	defer ws.Close()

	sub := map[string]any{
		"uid":      0,
		"roomid":   s.RoomID,
		"protover": 3,
		"platform": "web",
		"type":     2,
		"key":      key,
	}
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("room: marshal subscribe: %w", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, frame.Subscribe(body)); err != nil {
		return fmt.Errorf("room: send subscribe: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	var wsMu sync.Mutex
	go s.heartbeatLoop(hbCtx, ws, &wsMu)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("room: read: %w", err)
		}

		// spec.md §4.2: "no explicit server ack is required; any received
		// frame is considered confirmation" — subscribed only becomes true
		// once the broadcast server actually answers, not merely once our
		// subscribe write succeeds.
		s.setState(StateSubscribed)

		frames, err := frame.Decode(data)
		if err != nil {
			s.logger.Error("malformed frame, continuing", "error", err)
			continue
		}
		for _, f := range frames {
			s.classify(f)
		}
	}
}

func (s *Subscription) acquireKey(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, keyAcquireTimeout)
	defer cancel()

	url := fmt.Sprintf(danmuInfoURL, s.RoomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", "https://live.bilibili.com/")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("getDanmuInfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("getDanmuInfo HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read getDanmuInfo response: %w", err)
	}

	var result struct {
		Code int `json:"code"`
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse getDanmuInfo: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("getDanmuInfo code %d", result.Code)
	}
	return result.Data.Token, nil
}

func (s *Subscription) heartbeatLoop(ctx context.Context, ws *websocket.Conn, wsMu *sync.Mutex) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wsMu.Lock()
			err := ws.WriteMessage(websocket.BinaryMessage, frame.Heartbeat())
			wsMu.Unlock()
			if err != nil {
				s.logger.Warn("heartbeat send failed", "error", err)
				return
			}
		}
	}
}

// classify dispatches one decoded frame into a relay envelope, per the
// event table in spec.md §4.2. Any failure is logged and swallowed — one
// malformed frame must never take down the subscription.
func (s *Subscription) classify(f frame.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic classifying frame, continuing", "recovered", r)
		}
	}()

	switch f.Operation {
	case frame.OpAttention:
		if len(f.Body) < 4 {
			return
		}
		n := binary.BigEndian.Uint32(f.Body)
		s.relay("heartbeat", n, "")

	case frame.OpMessage:
		s.classifyCommand(f.Body)
	}
}

type commandEnvelope struct {
	CMD  string          `json:"cmd"`
	Info json.RawMessage `json:"info,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (s *Subscription) classifyCommand(body []byte) {
	var env commandEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.logger.Error("malformed command envelope", "error", err)
		return
	}

	switch {
	case env.CMD == "LIVE":
		s.relay("LIVE", nil, "")
	case env.CMD == "PREPARING":
		s.relay("PREPARING", nil, "")
	case env.CMD == "ROUND":
		s.relay("ROUND", nil, "")
	case hasPrefix(env.CMD, "DANMU_MSG"):
		s.classifyDanmaku(env.Info)
	case env.CMD == "SEND_GIFT":
		s.classifyGift(env.Data)
	case env.CMD == "GUARD_BUY":
		s.classifyGuardBuy(env.Data)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (s *Subscription) classifyDanmaku(raw json.RawMessage) {
	var info []json.RawMessage
	if err := json.Unmarshal(raw, &info); err != nil || len(info) < 3 {
		return
	}

	var meta []json.RawMessage
	if err := json.Unmarshal(info[0], &meta); err != nil || len(meta) < 10 {
		return
	}
	var suppressedFlag float64
	_ = json.Unmarshal(meta[9], &suppressedFlag)
	if suppressedFlag != 0 {
		return
	}
	var timestamp int64
	_ = json.Unmarshal(meta[4], &timestamp)

	var message string
	_ = json.Unmarshal(info[1], &message)

	var user []json.RawMessage
	var mid int64
	var uname string
	if err := json.Unmarshal(info[2], &user); err == nil && len(user) >= 2 {
		_ = json.Unmarshal(user[0], &mid)
		_ = json.Unmarshal(user[1], &uname)
	}

	data := map[string]any{
		"message":   message,
		"uname":     uname,
		"timestamp": timestamp,
		"mid":       mid,
	}
	token := fmt.Sprintf("%d_DANMU_MSG_%d_%d", s.RoomID, mid, timestamp)
	s.relay("DANMU_MSG", data, token)
}

func (s *Subscription) classifyGift(raw json.RawMessage) {
	var data struct {
		CoinType  string `json:"coin_type"`
		GiftID    int64  `json:"giftId"`
		TotalCoin int64  `json:"total_coin"`
		Uname     string `json:"uname"`
		UID       int64  `json:"uid"`
		Tid       string `json:"tid"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Error("malformed SEND_GIFT payload", "error", err)
		return
	}
	payload := map[string]any{
		"coinType":  data.CoinType,
		"giftId":    data.GiftID,
		"totalCoin": data.TotalCoin,
		"uname":     data.Uname,
		"mid":       data.UID,
	}
	token := fmt.Sprintf("%d_SEND_GIFT_%d_%s", s.RoomID, data.UID, data.Tid)
	s.relay("SEND_GIFT", payload, token)
}

func (s *Subscription) classifyGuardBuy(raw json.RawMessage) {
	var data struct {
		UID        int64  `json:"uid"`
		Username   string `json:"username"`
		Num        int    `json:"num"`
		Price      int64  `json:"price"`
		GiftID     int64  `json:"gift_id"`
		GuardLevel int    `json:"guard_level"`
		StartTime  int64  `json:"start_time"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Error("malformed GUARD_BUY payload", "error", err)
		return
	}
	payload := map[string]any{
		"mid":    data.UID,
		"uname":  data.Username,
		"num":    data.Num,
		"price":  data.Price,
		"giftId": data.GiftID,
		"level":  data.GuardLevel,
	}
	token := fmt.Sprintf("%d_GUARD_BUY_%d_%d", s.RoomID, data.UID, data.StartTime)
	s.relay("GUARD_BUY", payload, token)
}

// relay builds the canonical envelope and enqueues it at relay priority.
// Non-ASCII characters are preserved literally, matching spec.md §4.2's "no
// escape" requirement: encoding/json leaves them unescaped (apart from
// U+2028/U+2029), and jsonenc's SetEscapeHTML(false) also keeps <, > and &
// literal.
func (s *Subscription) relay(event string, data any, token string) {
	envelope := map[string]any{
		"relay": map[string]any{
			"roomid": strconv.FormatInt(s.RoomID, 10),
			"e":      event,
			"data":   data,
		},
	}
	if token != "" {
		envelope["relay"].(map[string]any)["token"] = token
	}

	payload, err := jsonenc.Marshal(envelope)
	if err != nil {
		s.logger.Error("encode relay envelope", "error", err)
		return
	}
	s.out.Enqueue(outbound.Message{Priority: outbound.PriorityRelay, Payload: payload})
}
