package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatsync/internal/gateway"
	"chatsync/internal/observability"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	realtimePath  = "/realtime/v1/websocket"
	subscribeWait = 10 * time.Second
	writeWait     = 10 * time.Second
	eventBuffer   = 64
)

var errRealtimeClosed = gateway.NewError(gateway.Transient, "RT499", "realtime connection closed")

// realtimeConn multiplexes every subscription of a Client over one websocket.
type realtimeConn struct {
	conn *websocket.Conn
	log  *observability.RealtimeLogger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	done   chan struct{}
}

type subscription struct {
	ref    string
	rc     *realtimeConn
	events chan gateway.ChangeEvent
	ack    chan error
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
	acked  bool
}

func (s *subscription) Events() <-chan gateway.ChangeEvent { return s.events }

// Close unsubscribes. It is safe to call more than once.
func (s *subscription) Close() error {
	if s.end() {
		s.rc.remove(s.ref)
		_ = s.rc.write(gateway.Frame{Type: gateway.FrameUnsubscribe, Ref: s.ref})
	}
	return nil
}

// end closes the event channel and reports whether this call did it.
// A delivery blocked on a full buffer is released through done first.
func (s *subscription) end() bool {
	first := false
	s.once.Do(func() {
		first = true
		close(s.done)
	})
	if !first {
		return false
	}
	s.mu.Lock()
	s.closed = true
	close(s.events)
	s.mu.Unlock()
	return true
}

// resolve answers the pending subscribe call. It reports false once the
// handshake is already settled.
func (s *subscription) resolve(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acked {
		return false
	}
	s.acked = true
	s.ack <- err
	return true
}

func (s *subscription) deliver(ev gateway.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Subscribe opens a realtime channel, dialing the websocket on first use.
func (c *Client) Subscribe(ctx context.Context, ch gateway.Channel) (gateway.Subscription, error) {
	ctx, span := observability.GetTraceLayer().TraceGatewayCall(ctx, "subscribe", ch.Table)
	sub, err := c.subscribe(ctx, ch)
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *Client) subscribe(ctx context.Context, ch gateway.Channel) (*subscription, error) {
	rc, err := c.realtime(ctx)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		ref:    uuid.NewString(),
		rc:     rc,
		events: make(chan gateway.ChangeEvent, eventBuffer),
		ack:    make(chan error, 1),
		done:   make(chan struct{}),
	}
	if err := rc.add(sub); err != nil {
		return nil, err
	}
	if err := rc.write(gateway.SubscribeFrame(sub.ref, ch)); err != nil {
		rc.remove(sub.ref)
		return nil, gateway.Wrap(gateway.Transient, "send subscribe", err)
	}

	timer := time.NewTimer(subscribeWait)
	defer timer.Stop()
	select {
	case err := <-sub.ack:
		if err != nil {
			rc.remove(sub.ref)
			return nil, err
		}
		return sub, nil
	case <-sub.done:
		return nil, errRealtimeClosed
	case <-ctx.Done():
		_ = sub.Close()
		return nil, ctx.Err()
	case <-timer.C:
		_ = sub.Close()
		return nil, gateway.NewError(gateway.Transient, "RT504", "subscribe timed out")
	}
}

// realtime returns the live connection, dialing a new one when needed.
func (c *Client) realtime(ctx context.Context) (*realtimeConn, error) {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()
	if c.rt != nil && !c.rt.isClosed() {
		return c.rt, nil
	}

	u, err := url.Parse(c.base + realtimePath)
	if err != nil {
		return nil, gateway.Wrap(gateway.Invalid, "realtime url", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	q := u.Query()
	q.Set("access_token", c.token())
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		if resp != nil {
			return nil, gateway.Wrap(gateway.KindForStatus(resp.StatusCode), "realtime handshake", err)
		}
		return nil, gateway.Wrap(gateway.Transient, "realtime dial", err)
	}

	rc := &realtimeConn{
		conn: conn,
		log:  observability.NewRealtimeLogger("realtime client"),
		subs: make(map[string]*subscription),
		done: make(chan struct{}),
	}
	go rc.readLoop()
	c.rt = rc
	return rc, nil
}

func (rc *realtimeConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *realtimeConn) add(s *subscription) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return errRealtimeClosed
	}
	rc.subs[s.ref] = s
	return nil
}

func (rc *realtimeConn) remove(ref string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.subs, ref)
}

func (rc *realtimeConn) get(ref string) *subscription {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.subs[ref]
}

func (rc *realtimeConn) write(f gateway.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	_ = rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return rc.conn.WriteMessage(websocket.TextMessage, data)
}

func (rc *realtimeConn) readLoop() {
	defer rc.shutdown()
	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rc.log.LogError(context.Background(), "websocket", err, "read")
			}
			return
		}
		var f gateway.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			rc.log.LogError(context.Background(), "websocket", err, "decode")
			continue
		}
		rc.dispatch(f)
	}
}

func (rc *realtimeConn) dispatch(f gateway.Frame) {
	sub := rc.get(f.Ref)
	if sub == nil {
		return
	}
	switch f.Type {
	case gateway.FrameSubscribed:
		sub.resolve(nil)
	case gateway.FrameError:
		if !sub.resolve(f.Err()) {
			// Errors after the handshake end the subscription.
			rc.remove(sub.ref)
			sub.end()
		}
	case gateway.FrameChange:
		if f.Event == nil {
			return
		}
		sub.deliver(*f.Event)
	}
}

// shutdown ends every subscription after the socket fails.
func (rc *realtimeConn) shutdown() {
	rc.mu.Lock()
	rc.closed = true
	subs := rc.subs
	rc.subs = make(map[string]*subscription)
	rc.mu.Unlock()

	close(rc.done)
	_ = rc.conn.Close()
	for _, s := range subs {
		s.end()
	}
}

// Close drops the realtime connection, ending all of its subscriptions.
func (c *Client) Close() error {
	c.rtMu.Lock()
	rc := c.rt
	c.rt = nil
	c.rtMu.Unlock()
	if rc == nil {
		return nil
	}
	rc.writeMu.Lock()
	_ = rc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	rc.writeMu.Unlock()
	err := rc.conn.Close()
	<-rc.done
	return err
}
