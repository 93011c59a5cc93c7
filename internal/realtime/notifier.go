package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"chatsync/internal/gateway"
	"chatsync/internal/observability"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "realtime:"

// Notifier bridges change events through Redis channels named realtime:<table>.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// TableChannel derives the Redis channel name for a table.
func TableChannel(table string) string {
	return channelPrefix + table
}

// Publish sends ev to its table channel. A nil client is a no-op.
func (n *Notifier) Publish(ctx context.Context, ev gateway.ChangeEvent) error {
	if n.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	ctx, span := observability.GetTraceLayer().TraceRedisOperation(ctx, "publish")
	err = n.rdb.Publish(ctx, TableChannel(ev.Table), payload).Err()
	observability.EndSpan(span, err)
	return err
}

// StartSubscriber subscribes to realtime:* and calls onEvent for every
// decodable change event until ctx is cancelled.
func (n *Notifier) StartSubscriber(ctx context.Context, onEvent func(gateway.ChangeEvent)) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, channelPrefix+"*")
	// Wait for the subscription to be confirmed so no early publish is lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s*: %w", channelPrefix, err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				n.deliver(ctx, msg, onEvent)
			}
		}
	}()

	return nil
}

func (n *Notifier) deliver(ctx context.Context, msg *redis.Message, onEvent func(gateway.ChangeEvent)) {
	defer func() {
		if r := recover(); r != nil {
			observability.GlobalLogger.ErrorContext(ctx, "panic in realtime subscriber",
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()

	var ev gateway.ChangeEvent
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		observability.LogAsyncOperationError(ctx, "realtime.decode", err, map[string]any{"channel": msg.Channel})
		return
	}
	if ev.Table == "" {
		ev.Table = strings.TrimPrefix(msg.Channel, channelPrefix)
	}
	onEvent(ev)
}
