// Package control owns the coordinator websocket: the reconnect loop, the
// inbound demultiplexer, the two pull loops and the monitor activity.
// Grounded on the teacher's Client.Start/startRoom goroutine-per-activity
// pattern together with original_source/connector.py's connect() (the
// `async for aws in websockets.connect(url)` reconnect loop and its five
// concurrent tasks) and job_processor.py's receive_task/pull_task/pull_ws.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ddathome/worker-agent/internal/config"
	"github.com/ddathome/worker-agent/internal/httpjob"
	"github.com/ddathome/worker-agent/internal/jsonenc"
	"github.com/ddathome/worker-agent/internal/monitor"
	"github.com/ddathome/worker-agent/internal/outbound"
	"github.com/ddathome/worker-agent/internal/pool"
)

const (
	connectURLTemplate = "wss://cluster.vtbs.moe/?runtime=%s&version=%s&platform=%s&uuid=%s&name=%s"
	pullRoomInterval    = 5 * time.Second
	monitorInterval     = 60 * time.Second
	pollMarker          = "DDDhttp"

	// Backoff applies only to the control channel's own reconnect — the
	// broadcast channel (internal/room) reconnects with none, per spec.md
	// §4.2's redesigned policy. Nothing in spec.md forbids backoff here, and
	// retrying the coordinator on every disconnect with no delay would be
	// poor behavior, so the teacher's conn.go backoff is adapted for this
	// one purpose (see SPEC_FULL.md, Supplemented Features item 2).
	baseBackoff = time.Second
	maxBackoff  = 2 * time.Minute

	httpWorkerCount = 4
)

// Client owns the control channel's entire lifecycle: reconnect, demux,
// pull loops, the HTTP worker pool and the subscription manager.
type Client struct {
	identity config.Identity
	settings config.Settings
	logger   *slog.Logger

	httpClient *http.Client
	out        *outbound.Serializer
	jobs       *httpjob.Pool
	manager    *pool.Manager
	metrics    *monitor.Registry

	closeOnce sync.Once
	closed    chan struct{}
}

// New wires together a Client ready to Run. httpClient is shared by room
// subscriptions and HTTP jobs alike, matching spec.md §5's "HTTP client is
// shared across workers but each request borrows it briefly".
func New(identity config.Identity, settings config.Settings, httpClient *http.Client, metrics *monitor.Registry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if metrics == nil {
		metrics = monitor.NewRegistry()
	}

	out := outbound.New(logger)
	return &Client{
		identity:   identity,
		settings:   settings,
		logger:     logger,
		httpClient: httpClient,
		out:        out,
		jobs:       httpjob.NewPool(httpClient, out, logger, settings.WBIEnabled),
		manager:    pool.NewManager(settings.RoomCap, pool.DefaultPerPoolCap, httpClient, out, logger),
		metrics:    metrics,
		closed:     make(chan struct{}),
	}
}

// Metrics exposes the Registry so the process supervisor can serve /metrics.
func (c *Client) Metrics() *monitor.Registry { return c.metrics }

// Close sets the shutdown flag. Idempotent. Run observes it on its next
// reconnect decision and returns.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Run drives the reconnect loop until ctx is cancelled or Close is called.
// The HTTP worker pool and the subscription manager's pools live for the
// whole call, surviving any number of control-channel reconnects — only the
// pull loops and the outbound serializer's writer are rebuilt per
// connection.
func (c *Client) Run(ctx context.Context) error {
	if c.closed == nil {
		c.closed = make(chan struct{})
	}

	go c.jobs.Run(ctx, httpWorkerCount)
	go c.out.Run(ctx)
	go c.monitorLoop(ctx)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.manager.Sweep()
			}
		}
	}()

	var attempt int
	for {
		if c.isClosed() || ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.connectOnce(ctx)
		if c.isClosed() || ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		delay := backoff(attempt)
		c.logger.Warn("control channel disconnected, reconnecting", "error", err, "attempt", attempt, "backoff", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.closed:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) connectURL() string {
	return fmt.Sprintf(connectURLTemplate,
		url.QueryEscape(c.identity.Runtime),
		url.QueryEscape(c.identity.Version),
		url.QueryEscape(c.identity.Platform),
		url.QueryEscape(c.identity.UUID),
		url.QueryEscape(c.identity.Name),
	)
}

// connectOnce dials once, rebinds the outbound serializer to the new
// socket, and runs the pull loops plus the blocking receive loop until the
// socket errors or the context ends.
func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.DefaultDialer
	ws, _, err := dialer.DialContext(ctx, c.connectURL(), nil)
	if err != nil {
		return fmt.Errorf("control: dial: %w", err)
	}
	defer ws.Close()

	c.logger.Info("control channel connected")
	c.out.Rebind(ws)
	defer c.out.Rebind(nil)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// receiveLoop's ws.ReadMessage() blocks on the network and ignores
	// connCtx entirely, so cancellation (ctx done, or Close called) has to
	// be turned into a socket close to actually unblock it.
	go func() {
		select {
		case <-connCtx.Done():
		case <-c.closed:
		}
		ws.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pullHTTPLoop(connCtx)
	}()
	go func() {
		defer wg.Done()
		c.pullRoomLoop(connCtx)
	}()

	err = c.receiveLoop(connCtx, ws)
	cancel()
	wg.Wait()
	return err
}

// receiveLoop reads one text frame at a time and demultiplexes it. It
// returns when the read fails (socket closed) or ctx ends.
func (c *Client) receiveLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("control: read: %w", err)
		}
		c.dispatch(ctx, data)
	}
}

type inboundEnvelope struct {
	Empty bool            `json:"empty"`
	Key   string          `json:"key"`
	Data  json.RawMessage `json:"data"`
}

type inboundData struct {
	Type   string          `json:"type"`
	URL    string          `json:"url"`
	Result json.RawMessage `json:"result"`
}

// dispatch classifies one inbound message: empty | http | query | other.
// Malformed or unrecognized shapes are ignored at info level, per spec.md
// §7's error taxonomy.
func (c *Client) dispatch(ctx context.Context, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Info("malformed inbound message, ignoring", "error", err)
		return
	}
	if env.Empty {
		return
	}
	if len(env.Data) == 0 {
		return
	}

	var data inboundData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		c.logger.Info("malformed inbound data, ignoring", "error", err)
		return
	}

	switch data.Type {
	case "http":
		c.jobs.Submit(httpjob.Job{
			PriorityKey: time.Now().UnixNano(),
			JobKey:      env.Key,
			URL:         data.URL,
		})
	case "query":
		var roomID int64
		_ = json.Unmarshal(data.Result, &roomID)
		c.manager.Watch(ctx, roomID)
	}
}

// pullHTTPLoop sends the literal "DDDhttp" poll marker every interval_ms as
// long as the HTTP queue has room, per spec.md §4.5 item 1.
func (c *Client) pullHTTPLoop(ctx context.Context) {
	interval := time.Duration(c.settings.IntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.jobs.Len() < c.settings.MaxQueue {
				c.out.Enqueue(outbound.Message{Priority: outbound.PriorityBulk, Payload: []byte(pollMarker)})
			}
		}
	}
}

// pullRoomLoop requests a new room pick every 5s whenever every open room
// is live and there's still cap remaining, per spec.md §4.5 item 2.
func (c *Client) pullRoomLoop(ctx context.Context) {
	ticker := time.NewTicker(pullRoomInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.manager.OpenCount() == c.manager.LiveCount() && c.manager.OpenCount() < c.manager.RoomCap() {
				payload, err := jsonenc.Marshal(map[string]any{
					"key":   uuid.NewString(),
					"query": map[string]any{"type": "pickRoom"},
				})
				if err != nil {
					c.logger.Error("encode pickRoom request", "error", err)
					continue
				}
				c.out.Enqueue(outbound.Message{Priority: outbound.PriorityBulk, Payload: payload})
			}
		}
	}
}

// monitorLoop emits one info line every 60s with open-room count, live-room
// count and room cap, and mirrors the same figures into Prometheus gauges.
// Grounded on job_processor.py's monitor() with the redesigned 60s/info
// cadence spec.md §4.5 item 5 calls for (the original logs every 600s at
// debug).
func (c *Client) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			open := c.manager.OpenCount()
			live := c.manager.LiveCount()
			httpDepth := c.jobs.Len()
			outDepth := c.out.Len()

			c.logger.Info("monitor",
				"open_rooms", open,
				"live_rooms", live,
				"room_cap", c.manager.RoomCap(),
				"http_queue", httpDepth,
				"outbound_queue", outDepth,
			)

			c.metrics.OpenRooms.Set(float64(open))
			c.metrics.LiveRooms.Set(float64(live))
			c.metrics.RoomCap.Set(float64(c.manager.RoomCap()))
			c.metrics.HTTPQueue.Set(float64(httpDepth))
			c.metrics.Outbound.Set(float64(outDepth))

			c.manager.Sweep()
		}
	}
}

func backoff(attempt int) time.Duration {
	d := baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
