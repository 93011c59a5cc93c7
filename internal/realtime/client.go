package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/gateway"
	"chatsync/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384
)

// Client is the middleman between one realtime websocket and the
// subscriptions it opens. Subscriptions are opened through gateway, which
// is already bound to the connection's user.
type Client struct {
	Conn    *websocket.Conn
	UserID  string
	gateway gateway.Client

	// Buffered channel of outbound frames.
	Send chan []byte

	mu     sync.Mutex
	subs   map[string]gateway.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	log    *observability.RealtimeLogger
}

// NewClient creates a client for conn. gw must already enforce userID's row security.
func NewClient(conn *websocket.Conn, userID string, gw gateway.Client) *Client {
	// One correlation id per connection ties its subscribe, error and
	// unsubscribe log lines together.
	ctx, cancel := context.WithCancel(observability.WithCorrelationID(context.Background(), observability.GenerateCorrelationID()))
	return &Client{
		Conn:    conn,
		UserID:  userID,
		gateway: gw,
		Send:    make(chan []byte, 256),
		subs:    make(map[string]gateway.Subscription),
		ctx:     ctx,
		cancel:  cancel,
		log:     observability.NewRealtimeLogger("realtime websocket"),
	}
}

// Serve runs the write pump in the background and the read pump until the
// connection ends.
func (c *Client) Serve() {
	go c.WritePump()
	c.ReadPump()
}

// ReadPump reads subscribe and unsubscribe frames until the peer disconnects.
func (c *Client) ReadPump() {
	defer func() {
		c.closeAll()
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { _ = c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.LogError(c.ctx, "websocket", err, "read")
			}
			break
		}
		c.HandleFrame(message)
	}
}

// HandleFrame processes one inbound frame.
func (c *Client) HandleFrame(message []byte) {
	var frame gateway.Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.sendFrame(gateway.ErrorFrame("", gateway.Wrap(gateway.Invalid, "malformed frame", err)))
		return
	}

	switch frame.Type {
	case gateway.FrameSubscribe:
		c.subscribe(frame)
	case gateway.FrameUnsubscribe:
		c.unsubscribe(frame.Ref)
	default:
		c.sendFrame(gateway.ErrorFrame(frame.Ref, gateway.NewError(gateway.Invalid, "RT400", "unknown frame type "+string(frame.Type))))
	}
}

func (c *Client) subscribe(frame gateway.Frame) {
	ch, err := frame.Channel()
	if err != nil {
		c.sendFrame(gateway.ErrorFrame(frame.Ref, err))
		return
	}

	c.mu.Lock()
	_, dup := c.subs[frame.Ref]
	c.mu.Unlock()
	if dup || frame.Ref == "" {
		c.sendFrame(gateway.ErrorFrame(frame.Ref, gateway.NewError(gateway.Invalid, "RT400", "ref must be unique and non-empty")))
		return
	}

	sub, err := c.gateway.Subscribe(c.ctx, ch)
	if err != nil {
		c.sendFrame(gateway.ErrorFrame(frame.Ref, err))
		return
	}

	c.mu.Lock()
	c.subs[frame.Ref] = sub
	c.mu.Unlock()

	c.sendFrame(gateway.Frame{Type: gateway.FrameSubscribed, Ref: frame.Ref, Table: ch.Table})
	go c.forward(frame.Ref, sub)
}

func (c *Client) forward(ref string, sub gateway.Subscription) {
	for ev := range sub.Events() {
		ev := ev
		c.sendFrame(gateway.Frame{Type: gateway.FrameChange, Ref: ref, Event: &ev})
	}
}

func (c *Client) unsubscribe(ref string) {
	c.mu.Lock()
	sub, ok := c.subs[ref]
	delete(c.subs, ref)
	c.mu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

func (c *Client) closeAll() {
	c.cancel()
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]gateway.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

func (c *Client) sendFrame(frame gateway.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.LogError(c.ctx, frame.Ref, err, "encode")
		return
	}
	c.TrySend(data)
}

// WritePump pumps frames to the websocket connection until the client stops.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues a frame without blocking. Frames are dropped when the
// buffer is full; the client then resynchronizes by refetching.
func (c *Client) TrySend(message []byte) {
	select {
	case <-c.ctx.Done():
		observability.RealtimeBackpressureDrops.WithLabelValues("realtime websocket", "closed").Inc()
	case c.Send <- message:
	default:
		observability.RealtimeBackpressureDrops.WithLabelValues("realtime websocket", "full").Inc()
		observability.GlobalLogger.Warn("realtime client buffer full, dropped frame", slog.String("user_id", c.UserID))
	}
}

// Close stops the client's subscriptions and pumps.
func (c *Client) Close() {
	c.closeAll()
}
