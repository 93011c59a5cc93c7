package server

import (
	"context"
	"net"
	"testing"
	"time"

	"chatsync/internal/chat"
	"chatsync/internal/chatstore"
	"chatsync/internal/gateway"
	"chatsync/internal/gateway/rest"
	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEventuallyTimeout = 3 * time.Second
	testPollInterval      = 20 * time.Millisecond
)

// startGateway serves a fresh gateway on a loopback port and returns its base URL.
func startGateway(t *testing.T) string {
	t.Helper()
	srv := NewServerWithDeps(testConfig(), setupTestDB(t), nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return "http://" + ln.Addr().String()
}

func signedInClient(t *testing.T, baseURL, name string) *rest.Client {
	t.Helper()
	c := rest.New(rest.Config{BaseURL: baseURL, Timeout: 5 * time.Second})
	_, err := c.SignUp(context.Background(), rest.SignUpRequest{
		Email: name + "@example.com", Password: "password123", Username: name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEndToEndRealtimeSync(t *testing.T) {
	baseURL := startGateway(t)
	ctx := context.Background()

	alice := signedInClient(t, baseURL, "alice")
	bob := signedInClient(t, baseURL, "bob")

	aliceRepo := chatstore.New(alice)
	convID, err := aliceRepo.GetOrCreateDirectConversation(ctx, bob.UserID())
	require.NoError(t, err)

	bobSession := chat.NewSession(chatstore.New(bob), bob.UserID(), chat.SessionOptions{LoadWorkers: 2})
	require.NoError(t, bobSession.Start(ctx))
	defer bobSession.Stop()

	list := bobSession.Directory.Conversations()
	require.Len(t, list, 1)
	assert.Equal(t, convID, list[0].ID)
	assert.Equal(t, "alice", list[0].Title(bob.UserID()))

	require.NoError(t, bobSession.Open(ctx, convID))
	assert.Equal(t, chat.StateSynced, bobSession.Sync.State())

	aliceSession := chat.NewSession(aliceRepo, alice.UserID(), chat.SessionOptions{})
	require.NoError(t, aliceSession.Start(ctx))
	defer aliceSession.Stop()
	require.NoError(t, aliceSession.Open(ctx, convID))

	aliceSession.Composer.SetDraft("hi bob")
	require.NoError(t, aliceSession.Sync.Submit(ctx))

	require.Eventually(t, func() bool {
		msgs := bobSession.Sync.Messages()
		return len(msgs) == 1 && msgs[0].Body == "hi bob"
	}, testEventuallyTimeout, testPollInterval)
	got := bobSession.Sync.Messages()[0]
	assert.Equal(t, alice.UserID(), got.SenderID)
	require.NotNil(t, got.Sender)
	assert.Equal(t, "alice", got.Sender.Username)
	assert.Zero(t, bobSession.Directory.Unread(), "open conversation must not count as unread")

	// Edits travel as UPDATE events and replace the body in place.
	sent := aliceSession.Sync.Messages()
	require.Len(t, sent, 1)
	require.False(t, sent[0].Pending)
	require.NoError(t, aliceSession.Sync.EditLocal(ctx, sent[0].ID, "hi bob!"))
	require.Eventually(t, func() bool {
		msgs := bobSession.Sync.Messages()
		return len(msgs) == 1 && msgs[0].Body == "hi bob!" && msgs[0].Edited
	}, testEventuallyTimeout, testPollInterval)

	// Deletes remove the entry for the other side.
	require.NoError(t, aliceSession.Sync.DeleteLocal(ctx, sent[0].ID))
	require.Eventually(t, func() bool {
		return len(bobSession.Sync.Messages()) == 0
	}, testEventuallyTimeout, testPollInterval)
}

func TestEndToEndInboxCountsUnread(t *testing.T) {
	baseURL := startGateway(t)
	ctx := context.Background()

	alice := signedInClient(t, baseURL, "alice")
	bob := signedInClient(t, baseURL, "bob")
	carol := signedInClient(t, baseURL, "carol")

	bobSession := chat.NewSession(chatstore.New(bob), bob.UserID(), chat.SessionOptions{})
	require.NoError(t, bobSession.Start(ctx))
	defer bobSession.Stop()
	require.Empty(t, bobSession.Directory.Conversations())

	// A group bob is added to shows up with its first message.
	groupID, err := chatstore.New(alice).CreateGroupConversation(ctx, "climbing", []string{bob.UserID(), carol.UserID()})
	require.NoError(t, err)
	_, err = chatstore.New(carol).InsertMessage(ctx, models.Message{ConversationID: groupID, SenderID: carol.UserID(), Body: "saturday?"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		list := bobSession.Directory.Conversations()
		return len(list) == 1 && list[0].ID == groupID && list[0].Unread == 1
	}, testEventuallyTimeout, testPollInterval)
	assert.Equal(t, "climbing", bobSession.Directory.Conversations()[0].Title(bob.UserID()))

	// Outsiders cannot write into the group.
	dave := signedInClient(t, baseURL, "dave")
	_, err = chatstore.New(dave).InsertMessage(ctx, models.Message{ConversationID: groupID, SenderID: dave.UserID(), Body: "let me in"})
	assert.True(t, gateway.IsKind(err, gateway.Forbidden))

	// Opening the conversation marks it read on the gateway.
	require.NoError(t, bobSession.Open(ctx, groupID))
	require.Eventually(t, func() bool {
		n, err := chatstore.New(bob).CountUnread(ctx, groupID, bob.UserID(), lastReadAt(t, bob, groupID))
		return err == nil && n == 0
	}, testEventuallyTimeout, testPollInterval)
	assert.Zero(t, bobSession.Directory.Unread())
}

func lastReadAt(t *testing.T, c *rest.Client, conversationID string) *time.Time {
	t.Helper()
	rows, err := chatstore.New(c).ListMemberships(context.Background(), c.UserID())
	require.NoError(t, err)
	for _, m := range rows {
		if m.ConversationID == conversationID {
			return m.LastReadAt
		}
	}
	return nil
}
