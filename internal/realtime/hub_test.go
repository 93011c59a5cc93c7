package realtime

import (
	"context"
	"testing"
	"time"

	"chatsync/internal/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEventuallyTimeout = time.Second
	testPollInterval      = 10 * time.Millisecond
)

func messageEvent(t gateway.ChangeType, conv, id string) gateway.ChangeEvent {
	row := gateway.Row{"id": id, "conversation_id": conv}
	ev := gateway.ChangeEvent{Type: t, Table: "messages", CommitTimestamp: time.Now()}
	if t == gateway.ChangeDelete {
		ev.Old = row
	} else {
		ev.New = row
	}
	return ev
}

func conversationChannel(conv string, events ...gateway.ChangeType) gateway.Channel {
	f := gateway.Eq("conversation_id", conv)
	return gateway.Channel{Table: "messages", Events: events, Filter: &f}
}

func TestHub_DispatchMatchesChannel(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	c1, err := hub.Subscribe(ctx, "u1", conversationChannel("c1", gateway.ChangeInsert), nil)
	require.NoError(t, err)
	c2, err := hub.Subscribe(ctx, "u1", conversationChannel("c2"), nil)
	require.NoError(t, err)

	hub.Dispatch(messageEvent(gateway.ChangeInsert, "c1", "m1"))
	hub.Dispatch(messageEvent(gateway.ChangeUpdate, "c1", "m1"))
	hub.Dispatch(messageEvent(gateway.ChangeDelete, "c2", "m2"))

	require.Len(t, c1.Events(), 1)
	ev := <-c1.Events()
	assert.Equal(t, "m1", ev.New.ID())

	require.Len(t, c2.Events(), 1)
	ev = <-c2.Events()
	assert.Equal(t, gateway.ChangeDelete, ev.Type)
	assert.Equal(t, "m2", ev.Old.ID())

	assert.Equal(t, 2, hub.Count())
	_ = hub.Shutdown(ctx)
}

func TestHub_AllowFuncFiltersRows(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, "u1", gateway.Channel{Table: "messages"}, func(ev gateway.ChangeEvent) bool {
		return ev.New["conversation_id"] == "mine"
	})
	require.NoError(t, err)

	hub.Dispatch(messageEvent(gateway.ChangeInsert, "theirs", "m1"))
	hub.Dispatch(messageEvent(gateway.ChangeInsert, "mine", "m2"))

	require.Len(t, sub.Events(), 1)
	assert.Equal(t, "m2", (<-sub.Events()).New.ID())
}

func TestHub_CloseIsIdempotentAndClosesEvents(t *testing.T) {
	hub := NewHub()
	sub, err := hub.Subscribe(context.Background(), "u1", gateway.Channel{Table: "messages"}, nil)
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, hub.Count())

	_, open := <-sub.Events()
	assert.False(t, open)

	// Dispatch after close must not panic on the closed channel.
	hub.Dispatch(messageEvent(gateway.ChangeInsert, "c1", "m1"))
}

func TestHub_PerUserLimit(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	for i := 0; i < maxSubsPerUser; i++ {
		_, err := hub.Subscribe(ctx, "greedy", gateway.Channel{Table: "messages"}, nil)
		require.NoError(t, err)
	}
	_, err := hub.Subscribe(ctx, "greedy", gateway.Channel{Table: "messages"}, nil)
	assert.True(t, gateway.IsKind(err, gateway.Invalid))

	_, err = hub.Subscribe(ctx, "other", gateway.Channel{Table: "messages"}, nil)
	assert.NoError(t, err)
}

func TestHub_ShutdownClosesSubscribers(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	sub, err := hub.Subscribe(ctx, "u1", gateway.Channel{Table: "messages"}, nil)
	require.NoError(t, err)

	require.NoError(t, hub.Shutdown(ctx))
	assert.Eventually(t, func() bool {
		_, open := <-sub.Events()
		return !open
	}, testEventuallyTimeout, testPollInterval)

	_, err = hub.Subscribe(ctx, "u1", gateway.Channel{Table: "messages"}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHub_FullBufferDrops(t *testing.T) {
	hub := NewHub()
	sub, err := hub.Subscribe(context.Background(), "u1", gateway.Channel{Table: "messages"}, nil)
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Dispatch(messageEvent(gateway.ChangeInsert, "c1", "m"))
	}
	assert.Len(t, sub.Events(), subscriberBuffer)
}
