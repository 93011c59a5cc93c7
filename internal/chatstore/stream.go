package chatstore

import (
	"context"
	"fmt"
	"sync"

	"chatsync/internal/gateway"
	"chatsync/internal/models"
	"chatsync/internal/observability"
)

// MessageEvent is a validated realtime change on the messages table.
type MessageEvent struct {
	Type    gateway.ChangeType
	Message models.Message
}

// MessageStream turns a raw gateway subscription into typed message events.
// Rows that fail validation are logged and dropped.
type MessageStream struct {
	sub    gateway.Subscription
	events chan MessageEvent
	done   chan struct{}
	once   sync.Once
}

// SubscribeMessages subscribes to message changes. An empty conversationID
// subscribes to every conversation the caller can see.
func (r *repository) SubscribeMessages(ctx context.Context, conversationID string, events ...gateway.ChangeType) (*MessageStream, error) {
	ch := gateway.Channel{Table: TableMessages, Events: events}
	if conversationID != "" {
		f := gateway.Eq("conversation_id", conversationID)
		ch.Filter = &f
	}
	sub, err := r.gw.Subscribe(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe messages: %w", err)
	}
	return NewMessageStream(sub), nil
}

// NewMessageStream starts decoding events from sub.
func NewMessageStream(sub gateway.Subscription) *MessageStream {
	s := &MessageStream{
		sub:    sub,
		events: make(chan MessageEvent, 64),
		done:   make(chan struct{}),
	}
	go s.pump(observability.NewRepoLogger(TableMessages).LogMalformed)
	return s
}

func (s *MessageStream) pump(malformed func(context.Context, error, map[string]any)) {
	defer close(s.events)
	ctx := context.Background()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			row := ev.New
			if ev.Type == gateway.ChangeDelete {
				row = ev.Old
			}
			var msg models.Message
			err := decodeRow(row, &msg)
			if err == nil {
				err = validateMessage(&msg)
			}
			if err != nil {
				malformed(ctx, err, row)
				continue
			}
			select {
			case s.events <- MessageEvent{Type: ev.Type, Message: msg}:
			case <-s.done:
				return
			}
		}
	}
}

// Events delivers typed events until the stream closes.
func (s *MessageStream) Events() <-chan MessageEvent {
	return s.events
}

// Close ends the underlying subscription. It is safe to call more than once.
func (s *MessageStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Close()
	})
	return err
}
