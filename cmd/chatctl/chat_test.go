package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/internal/chat"
	"chatsync/internal/chatstore"
	"chatsync/internal/database"
	"chatsync/internal/gateway/sqlgateway"
	"chatsync/internal/models"
	"chatsync/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		name    string
		arg     string
		command bool
	}{
		{"hello", "", "", false},
		{"/quit", "quit", "", true},
		{"/Reply 3", "reply", "3", true},
		{"/open  abc ", "open", "abc", true},
		{"//not a command", "", "", false},
	}
	for _, tt := range tests {
		name, arg, ok := parseCommand(tt.line)
		assert.Equal(t, tt.command, ok, tt.line)
		assert.Equal(t, tt.name, name, tt.line)
		assert.Equal(t, tt.arg, arg, tt.line)
	}
}

func TestFormatEntry(t *testing.T) {
	e := chat.Entry{
		Message: models.Message{ID: "m1", SenderID: "u2", Body: "fine", Edited: true, CreatedAt: time.Now()},
		Sender:  &models.Profile{ID: "u2", Username: "bob"},
		Reply:   &chat.ReplySnapshot{MessageID: "m0", SenderName: "Alice", Body: "how are you?"},
	}
	out := formatEntry(2, e, "u1")
	assert.Contains(t, out, "> Alice: how are you?")
	assert.Contains(t, out, "[2]")
	assert.Contains(t, out, "bob: fine (edited)")

	e.SenderID = "u1"
	assert.Contains(t, formatEntry(1, e, "u1"), "you: fine")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "a b", truncate("a\nb", 10))
}

// syncBuffer is a bytes.Buffer safe for the session's callback goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newRoom(t *testing.T) (*room, *syncBuffer, string) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))

	hub := realtime.NewHub()
	t.Cleanup(func() { _ = hub.Shutdown(context.Background()) })
	gw := sqlgateway.New(db, hub, hub)

	ctx := context.Background()
	alice, err := gw.SignUp(ctx, sqlgateway.SignUpRequest{Email: "alice@example.com", Password: "password123", Username: "alice"})
	require.NoError(t, err)
	bob, err := gw.SignUp(ctx, sqlgateway.SignUpRequest{Email: "bob@example.com", Password: "password123", Username: "bob"})
	require.NoError(t, err)

	repo := chatstore.New(gw.As(alice.ID))
	convID, err := repo.GetOrCreateDirectConversation(ctx, bob.ID)
	require.NoError(t, err)

	out := &syncBuffer{}
	r := &room{userID: alice.ID, out: out, shown: make(map[string]string)}
	r.session = chat.NewSession(repo, alice.ID, chat.SessionOptions{
		Notify:   func(n chat.Notice) { _, _ = out.Write([]byte("! " + n.String() + "\n")) },
		OnChange: func() { r.refresh(false) },
	})
	require.NoError(t, r.session.Start(ctx))
	t.Cleanup(r.session.Stop)
	require.NoError(t, r.open(ctx, convID))
	return r, out, convID
}

func TestRoomSendEditDelete(t *testing.T) {
	r, out, _ := newRoom(t)
	ctx := context.Background()

	quit, err := r.handle(ctx, "hello bob")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Contains(t, out.String(), "you: hello bob")
	require.Len(t, r.session.Sync.Messages(), 1)

	_, err = r.handle(ctx, "/edit 1")
	require.NoError(t, err)
	_, err = r.handle(ctx, "hello bobby")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "you: hello bobby (edited)")

	_, err = r.handle(ctx, "/delete 1")
	require.NoError(t, err)
	assert.Empty(t, r.session.Sync.Messages())
	assert.Contains(t, out.String(), "(a message was deleted)")
}

func TestRoomCommands(t *testing.T) {
	r, out, _ := newRoom(t)
	ctx := context.Background()

	_, err := r.handle(ctx, "/reply 9")
	assert.Error(t, err)

	_, err = r.handle(ctx, "/bogus")
	assert.ErrorContains(t, err, "unknown command")

	_, err = r.handle(ctx, "first")
	require.NoError(t, err)
	_, err = r.handle(ctx, "/reply 1")
	require.NoError(t, err)
	require.NotNil(t, r.session.Composer.ReplyTarget())
	_, err = r.handle(ctx, "/cancel")
	require.NoError(t, err)
	assert.Nil(t, r.session.Composer.ReplyTarget())

	_, err = r.handle(ctx, "/list")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "bob")

	quit, err := r.handle(ctx, "/quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestRoomRunStopsAtEOF(t *testing.T) {
	r, out, _ := newRoom(t)
	err := r.run(context.Background(), strings.NewReader("from stdin\n/quit\nignored\n"))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "you: from stdin")
	assert.NotContains(t, out.String(), "ignored")
}
