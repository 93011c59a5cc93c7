// Package realtime fans committed row changes out to websocket subscribers,
// optionally bridged through Redis so several gateway instances share one stream.
package realtime

import (
	"context"
	"errors"
	"sync"

	"chatsync/internal/gateway"
	"chatsync/internal/observability"

	"github.com/google/uuid"
)

const (
	// Max subscriptions per user
	maxSubsPerUser = 32
	// Max total subscriptions
	maxTotalSubs = 10000
	// Buffered events per subscription before drops start.
	subscriberBuffer = 256
)

// ErrClosed is returned when subscribing to a hub that has shut down.
var ErrClosed = errors.New("realtime hub closed")

// Publisher hands a committed change to the realtime layer.
type Publisher interface {
	Publish(ctx context.Context, ev gateway.ChangeEvent) error
}

// AllowFunc decides whether a subscriber may see ev. It runs outside the hub lock.
type AllowFunc func(ev gateway.ChangeEvent) bool

// Hub maps table -> subscribers and delivers change events to those whose
// channel matches and whose AllowFunc admits the row.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscriber]struct{}
	perUser   map[string]int
	totalSubs int
	closed    bool
	log       *observability.RealtimeLogger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[string]map[*Subscriber]struct{}),
		perUser: make(map[string]int),
		log:     observability.NewRealtimeLogger("realtime hub"),
	}
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "realtime hub" }

// Subscribe registers a subscriber for ch on behalf of userID.
func (h *Hub) Subscribe(ctx context.Context, userID string, ch gateway.Channel, allow AllowFunc) (*Subscriber, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if h.totalSubs >= maxTotalSubs {
		h.mu.Unlock()
		return nil, gateway.NewError(gateway.Transient, "RT503", "server subscription limit reached")
	}
	if h.perUser[userID] >= maxSubsPerUser {
		h.mu.Unlock()
		return nil, gateway.NewError(gateway.Invalid, "RT400", "user subscription limit reached")
	}

	s := &Subscriber{
		ID:      uuid.NewString(),
		UserID:  userID,
		Channel: ch,
		allow:   allow,
		hub:     h,
		events:  make(chan gateway.ChangeEvent, subscriberBuffer),
	}
	m, ok := h.subs[ch.Table]
	if !ok {
		m = make(map[*Subscriber]struct{})
		h.subs[ch.Table] = m
	}
	m[s] = struct{}{}
	h.perUser[userID]++
	h.totalSubs++
	h.mu.Unlock()

	observability.RealtimeSubscriptions.WithLabelValues(ch.Table).Inc()
	h.log.LogSubscribe(ctx, userID, ch.Table)
	return s, nil
}

func (h *Hub) unregister(s *Subscriber, reason string) {
	h.mu.Lock()
	removed := false
	if m, ok := h.subs[s.Channel.Table]; ok {
		if _, exists := m[s]; exists {
			delete(m, s)
			removed = true
			h.totalSubs--
			if h.perUser[s.UserID]--; h.perUser[s.UserID] <= 0 {
				delete(h.perUser, s.UserID)
			}
		}
		if len(m) == 0 {
			delete(h.subs, s.Channel.Table)
		}
	}
	h.mu.Unlock()

	if removed {
		observability.RealtimeSubscriptions.WithLabelValues(s.Channel.Table).Dec()
		h.log.LogUnsubscribe(context.Background(), s.UserID, s.Channel.Table, reason)
	}
}

// Publish delivers ev to local subscribers. It lets the hub act as the
// Publisher when no Redis bridge is configured.
func (h *Hub) Publish(_ context.Context, ev gateway.ChangeEvent) error {
	h.Dispatch(ev)
	return nil
}

// Dispatch sends ev to every matching subscriber without blocking.
func (h *Hub) Dispatch(ev gateway.ChangeEvent) {
	h.mu.RLock()
	var targets []*Subscriber
	for s := range h.subs[ev.Table] {
		if s.Channel.Matches(ev) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if s.allow != nil && !s.allow(ev) {
			observability.RealtimeEvents.WithLabelValues(string(ev.Type), "denied").Inc()
			continue
		}
		s.trySend(ev, h.Name())
	}
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalSubs
}

// Shutdown closes every subscription. Subscribe fails afterwards.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	h.closed = true
	var all []*Subscriber
	for _, m := range h.subs {
		for s := range m {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.close("shutdown")
	}
	h.log.LogLifecycle(context.Background(), "shutdown", map[string]any{"closed": len(all)})
	return nil
}

// Subscriber is one live channel subscription. It implements gateway.Subscription.
type Subscriber struct {
	ID      string
	UserID  string
	Channel gateway.Channel

	allow  AllowFunc
	hub    *Hub
	mu     sync.Mutex
	closed bool
	events chan gateway.ChangeEvent
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscriber) Events() <-chan gateway.ChangeEvent { return s.events }

// Close unregisters the subscriber. It is safe to call more than once.
func (s *Subscriber) Close() error {
	s.close("closed")
	return nil
}

func (s *Subscriber) close(reason string) {
	s.hub.unregister(s, reason)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

func (s *Subscriber) trySend(ev gateway.ChangeEvent, hubName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		observability.RealtimeBackpressureDrops.WithLabelValues(hubName, "closed").Inc()
		return
	}
	select {
	case s.events <- ev:
		observability.RealtimeEvents.WithLabelValues(string(ev.Type), "delivered").Inc()
	default:
		observability.RealtimeBackpressureDrops.WithLabelValues(hubName, "full").Inc()
	}
}
