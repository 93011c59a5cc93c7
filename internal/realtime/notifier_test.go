package realtime

import (
	"context"
	"testing"
	"time"

	"chatsync/internal/gateway"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_NilRedisIsNoop(t *testing.T) {
	n := NewNotifier(nil)
	assert.NoError(t, n.Publish(context.Background(), messageEvent(gateway.ChangeInsert, "c1", "m1")))
	assert.NoError(t, n.StartSubscriber(context.Background(), func(gateway.ChangeEvent) {}))
}

func TestTableChannel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "realtime:messages", TableChannel("messages"))
}

func TestNotifier_BridgesIntoHub(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	hub := NewHub()
	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.StartSubscriber(ctx, hub.Dispatch))

	sub, err := hub.Subscribe(ctx, "u1", conversationChannel("c1"), nil)
	require.NoError(t, err)

	require.NoError(t, n.Publish(ctx, messageEvent(gateway.ChangeInsert, "c1", "m1")))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "m1", ev.New.ID())
		assert.Equal(t, "messages", ev.Table)
	case <-time.After(testEventuallyTimeout):
		t.Fatal("event not bridged")
	}
}

func TestNotifier_StopsOnCancel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())

	received := make(chan gateway.ChangeEvent, 4)
	require.NoError(t, n.StartSubscriber(ctx, func(ev gateway.ChangeEvent) { received <- ev }))

	require.NoError(t, n.Publish(context.Background(), messageEvent(gateway.ChangeInsert, "c1", "before")))
	assert.Eventually(t, func() bool { return len(received) == 1 }, testEventuallyTimeout, testPollInterval)
	<-received

	cancel()
	time.Sleep(20 * time.Millisecond)

	_ = n.Publish(context.Background(), messageEvent(gateway.ChangeInsert, "c1", "after"))
	assert.Never(t, func() bool { return len(received) > 0 }, 200*time.Millisecond, testPollInterval)
}
