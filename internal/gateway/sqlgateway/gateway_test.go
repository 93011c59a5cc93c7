package sqlgateway

import (
	"context"
	"testing"
	"time"

	"chatsync/internal/chatstore"
	"chatsync/internal/database"
	"chatsync/internal/gateway"
	"chatsync/internal/models"
	"chatsync/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	hub    *realtime.Hub
	gw     *Gateway
	direct string

	alice, bob, carol models.Profile
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{db: setupTestDB(t), hub: realtime.NewHub()}
	f.gw = New(f.db, f.hub, nil)
	ctx := context.Background()

	signUp := func(name string) models.Profile {
		p, err := f.gw.SignUp(ctx, SignUpRequest{Email: name + "@example.com", Password: "password123", Username: name})
		require.NoError(t, err)
		return p
	}
	f.alice, f.bob, f.carol = signUp("alice"), signUp("bob"), signUp("carol")

	id, err := f.gw.As(f.alice.ID).RPC(ctx, chatstore.RPCGetOrCreateDirect, gateway.Row{"other_user_id": f.bob.ID})
	require.NoError(t, err)
	f.direct = id.(string)
	return f
}

func (f *fixture) send(t *testing.T, userID, conv, body string) gateway.Row {
	t.Helper()
	row, err := f.gw.As(userID).Insert(context.Background(), chatstore.TableMessages, gateway.Row{
		"conversation_id": conv, "body": body,
	})
	require.NoError(t, err)
	return row
}

func TestInsertMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	row := f.send(t, f.alice.ID, f.direct, "hello")
	assert.NotEmpty(t, row.ID())
	assert.Equal(t, f.alice.ID, row["sender_id"])
	assert.Equal(t, false, row["edited"])
	assert.Nil(t, row["reply_to_id"])
	_, isString := row["created_at"].(string)
	assert.True(t, isString)

	created, err := time.Parse(time.RFC3339Nano, row["created_at"].(string))
	require.NoError(t, err)
	var conv models.Conversation
	require.NoError(t, f.db.First(&conv, "id = ?", f.direct).Error)
	assert.WithinDuration(t, created, conv.UpdatedAt, time.Millisecond)

	t.Run("non member is forbidden", func(t *testing.T) {
		_, err := f.gw.As(f.carol.ID).Insert(ctx, chatstore.TableMessages, gateway.Row{"conversation_id": f.direct, "body": "hi"})
		assert.True(t, gateway.IsKind(err, gateway.Forbidden))
	})
	t.Run("impersonation is forbidden", func(t *testing.T) {
		_, err := f.gw.As(f.alice.ID).Insert(ctx, chatstore.TableMessages, gateway.Row{"conversation_id": f.direct, "sender_id": f.bob.ID, "body": "hi"})
		assert.True(t, gateway.IsKind(err, gateway.Forbidden))
	})
	t.Run("empty body is invalid", func(t *testing.T) {
		_, err := f.gw.As(f.alice.ID).Insert(ctx, chatstore.TableMessages, gateway.Row{"conversation_id": f.direct, "body": "  "})
		assert.True(t, gateway.IsKind(err, gateway.Invalid))
	})
	t.Run("duplicate id conflicts", func(t *testing.T) {
		_, err := f.gw.As(f.alice.ID).Insert(ctx, chatstore.TableMessages, gateway.Row{"id": row.ID(), "conversation_id": f.direct, "body": "again"})
		assert.True(t, gateway.IsKind(err, gateway.Conflict))
	})
	t.Run("non insertable column", func(t *testing.T) {
		_, err := f.gw.As(f.alice.ID).Insert(ctx, chatstore.TableMessages, gateway.Row{"conversation_id": f.direct, "body": "x", "edited": true})
		assert.True(t, gateway.IsKind(err, gateway.Forbidden))
	})
	t.Run("reply target must share the conversation", func(t *testing.T) {
		group, err := f.gw.As(f.alice.ID).RPC(ctx, chatstore.RPCCreateGroup, gateway.Row{"name": "g", "member_ids": []any{f.carol.ID}})
		require.NoError(t, err)
		_, err = f.gw.As(f.alice.ID).Insert(ctx, chatstore.TableMessages, gateway.Row{
			"conversation_id": group, "body": "re", "reply_to_id": row.ID(),
		})
		assert.True(t, gateway.IsKind(err, gateway.Invalid))
	})
	t.Run("unknown table", func(t *testing.T) {
		_, err := f.gw.As(f.alice.ID).Insert(ctx, "credentials", gateway.Row{"email": "x"})
		assert.True(t, gateway.IsKind(err, gateway.NotFound))
	})
}

func TestSelectRowSecurity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, f.alice.ID, f.direct, "one")
	f.send(t, f.bob.ID, f.direct, "two")

	q := gateway.Query{
		Table:   chatstore.TableMessages,
		Filters: []gateway.Filter{gateway.Eq("conversation_id", f.direct), gateway.Eq("deleted", "false")},
		Order:   []gateway.Order{gateway.Asc("created_at")},
	}
	rows, err := f.gw.As(f.bob.ID).Select(ctx, q)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "one", rows[0]["body"])

	rows, err = f.gw.As(f.carol.ID).Select(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, rows)

	profiles, err := f.gw.As(f.carol.ID).Select(ctx, gateway.Query{
		Table:   chatstore.TableProfiles,
		Columns: []string{"id", "username"},
		Filters: []gateway.Filter{gateway.In("id", []string{f.alice.ID, f.bob.ID})},
	})
	require.NoError(t, err)
	assert.Len(t, profiles, 2)
	assert.NotContains(t, profiles[0], "avatar_url")

	_, err = f.gw.As(f.alice.ID).Select(ctx, gateway.Query{Table: chatstore.TableMessages, Filters: []gateway.Filter{gateway.Eq("password", "x")}})
	assert.True(t, gateway.IsKind(err, gateway.Invalid))

	_, err = f.gw.As(f.alice.ID).Select(ctx, gateway.Query{Table: chatstore.TableMessages, Filters: []gateway.Filter{gateway.Eq("deleted", "maybe")}})
	assert.True(t, gateway.IsKind(err, gateway.Invalid))
}

func TestCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.send(t, f.alice.ID, f.direct, "one")
	f.send(t, f.alice.ID, f.direct, "two")
	f.send(t, f.bob.ID, f.direct, "three")

	n, err := f.gw.As(f.bob.ID).Count(ctx, gateway.Query{
		Table: chatstore.TableMessages,
		Filters: []gateway.Filter{
			gateway.Eq("conversation_id", f.direct),
			gateway.Neq("sender_id", f.bob.ID),
			gateway.Gt("created_at", first["created_at"]),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.gw.As(f.carol.ID).Count(ctx, gateway.Query{Table: chatstore.TableMessages})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpdateAndSoftDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, f.alice.ID, f.direct, "draft")
	byID := []gateway.Filter{gateway.Eq("id", msg.ID()), gateway.Eq("deleted", false)}

	_, err := f.gw.As(f.bob.ID).Update(ctx, chatstore.TableMessages, byID, gateway.Row{"body": "hijack"})
	assert.True(t, gateway.IsKind(err, gateway.Forbidden))

	rows, err := f.gw.As(f.carol.ID).Update(ctx, chatstore.TableMessages, byID, gateway.Row{"body": "hidden"})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = f.gw.As(f.alice.ID).Update(ctx, chatstore.TableMessages, byID, gateway.Row{"body": "final", "edited": true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "final", rows[0]["body"])
	assert.Equal(t, true, rows[0]["edited"])

	_, err = f.gw.As(f.alice.ID).Update(ctx, chatstore.TableMessages, byID, gateway.Row{"sender_id": f.bob.ID})
	assert.True(t, gateway.IsKind(err, gateway.Forbidden))

	rows, err = f.gw.As(f.alice.ID).Update(ctx, chatstore.TableMessages, byID, gateway.Row{"deleted": true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0]["deleted"])

	rows, err = f.gw.As(f.alice.ID).Update(ctx, chatstore.TableMessages, byID, gateway.Row{"deleted": true})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeleteLeavesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.gw.As(f.alice.ID).Delete(ctx, chatstore.TableParticipants, []gateway.Filter{gateway.Eq("conversation_id", f.direct)})
	assert.True(t, gateway.IsKind(err, gateway.Forbidden), "bob's membership row is visible but not alice's to delete")

	own := []gateway.Filter{gateway.Eq("conversation_id", f.direct), gateway.Eq("user_id", f.alice.ID)}
	require.NoError(t, f.gw.As(f.alice.ID).Delete(ctx, chatstore.TableParticipants, own))

	rows, err := f.gw.As(f.alice.ID).Select(ctx, gateway.Query{Table: chatstore.TableConversations})
	require.NoError(t, err)
	assert.Empty(t, rows)

	err = f.gw.As(f.alice.ID).Delete(ctx, chatstore.TableConversations, []gateway.Filter{gateway.Eq("id", f.direct)})
	assert.True(t, gateway.IsKind(err, gateway.Forbidden))

	err = f.gw.As(f.alice.ID).Delete(ctx, chatstore.TableMessages, nil)
	assert.True(t, gateway.IsKind(err, gateway.Invalid))
}

func TestRPC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	again, err := f.gw.As(f.bob.ID).RPC(ctx, chatstore.RPCGetOrCreateDirect, gateway.Row{"other_user_id": f.alice.ID})
	require.NoError(t, err)
	assert.Equal(t, f.direct, again)

	_, err = f.gw.As(f.alice.ID).RPC(ctx, chatstore.RPCGetOrCreateDirect, gateway.Row{"other_user_id": f.alice.ID})
	assert.True(t, gateway.IsKind(err, gateway.Invalid))

	_, err = f.gw.As(f.alice.ID).RPC(ctx, chatstore.RPCGetOrCreateDirect, gateway.Row{"other_user_id": "ghost"})
	assert.True(t, gateway.IsKind(err, gateway.NotFound))

	_, err = f.gw.As(f.alice.ID).RPC(ctx, chatstore.RPCGetOrCreateDirect, gateway.Row{"other": f.bob.ID})
	assert.True(t, gateway.IsKind(err, gateway.Invalid))

	group, err := f.gw.As(f.alice.ID).RPC(ctx, chatstore.RPCCreateGroup, gateway.Row{
		"name": " Team ", "member_ids": []string{f.bob.ID, f.carol.ID, f.bob.ID, f.alice.ID},
	})
	require.NoError(t, err)
	var count int64
	f.db.Model(&models.ConversationParticipant{}).Where("conversation_id = ?", group).Count(&count)
	assert.Equal(t, int64(3), count)
	var conv models.Conversation
	require.NoError(t, f.db.First(&conv, "id = ?", group).Error)
	assert.Equal(t, "Team", conv.Name)
	assert.True(t, conv.IsGroup())

	_, err = f.gw.As(f.alice.ID).RPC(ctx, chatstore.RPCCreateGroup, gateway.Row{"name": "", "member_ids": []string{f.bob.ID}})
	assert.True(t, gateway.IsKind(err, gateway.Invalid))

	_, err = f.gw.As(f.alice.ID).RPC(ctx, chatstore.RPCMarkRead, gateway.Row{"conversation_id": f.direct})
	require.NoError(t, err)
	var part models.ConversationParticipant
	require.NoError(t, f.db.First(&part, "conversation_id = ? AND user_id = ?", f.direct, f.alice.ID).Error)
	assert.NotNil(t, part.LastReadAt)

	_, err = f.gw.As(f.carol.ID).RPC(ctx, chatstore.RPCMarkRead, gateway.Row{"conversation_id": f.direct})
	assert.True(t, gateway.IsKind(err, gateway.Forbidden))

	_, err = f.gw.As(f.alice.ID).RPC(ctx, "drop_everything", nil)
	assert.True(t, gateway.IsKind(err, gateway.NotFound))
}

func TestSubscribeDeliversToMembersOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bobSub, err := f.gw.As(f.bob.ID).Subscribe(ctx, gateway.Channel{Table: chatstore.TableMessages, Events: []gateway.ChangeType{gateway.ChangeInsert}})
	require.NoError(t, err)
	defer bobSub.Close()
	carolSub, err := f.gw.As(f.carol.ID).Subscribe(ctx, gateway.Channel{Table: chatstore.TableMessages})
	require.NoError(t, err)
	defer carolSub.Close()

	row := f.send(t, f.alice.ID, f.direct, "psst")

	select {
	case ev := <-bobSub.Events():
		assert.Equal(t, gateway.ChangeInsert, ev.Type)
		assert.Equal(t, row.ID(), ev.New.ID())
	case <-time.After(time.Second):
		t.Fatal("member did not receive the insert")
	}
	assert.Empty(t, carolSub.Events())

	_, err = f.gw.As(f.bob.ID).Subscribe(ctx, gateway.Channel{Table: chatstore.TableMessages, Filter: &gateway.Filter{Column: "nope", Op: gateway.OpEq, Value: "x"}})
	assert.True(t, gateway.IsKind(err, gateway.Invalid))

	_, err = New(f.db, nil, nil).As(f.bob.ID).Subscribe(ctx, gateway.Channel{Table: chatstore.TableMessages})
	assert.True(t, gateway.IsKind(err, gateway.Transient))
}

func TestChatstoreOverSQLGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repo := chatstore.New(f.gw.As(f.bob.ID))

	first := f.send(t, f.alice.ID, f.direct, "hi bob")
	sent, err := repo.InsertMessage(ctx, models.Message{ConversationID: f.direct, SenderID: f.bob.ID, Body: "hi alice", ReplyToID: ptr(first.ID())})
	require.NoError(t, err)
	assert.Equal(t, first.ID(), sent.ReplyTo())

	msgs, err := repo.ListMessages(ctx, f.direct)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi bob", msgs[0].Body)

	unread, err := repo.CountUnread(ctx, f.direct, f.bob.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	require.NoError(t, repo.MarkConversationRead(ctx, f.direct))
	parts, err := repo.ListParticipants(ctx, []string{f.direct})
	require.NoError(t, err)
	assert.Len(t, parts, 2)

	edited, err := repo.UpdateMessageBody(ctx, sent.ID, "hello alice")
	require.NoError(t, err)
	assert.True(t, edited.Edited)

	require.NoError(t, repo.SoftDeleteMessage(ctx, sent.ID))
	_, err = repo.UpdateMessageBody(ctx, sent.ID, "too late")
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	profile, err := repo.FindProfileByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, profile.ID)
}

func TestSignUpAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.gw.Authenticate(ctx, " ALICE@example.com ", "password123")
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, p.ID)

	_, err = f.gw.Authenticate(ctx, "alice@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.gw.Authenticate(ctx, "nobody@example.com", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.gw.SignUp(ctx, SignUpRequest{Email: "alice@example.com", Password: "password123", Username: "alice2"})
	assert.True(t, gateway.IsKind(err, gateway.Conflict))
	_, err = f.gw.SignUp(ctx, SignUpRequest{Email: "dave@example.com", Password: "short", Username: "dave"})
	assert.True(t, gateway.IsKind(err, gateway.Invalid))
	_, err = f.gw.SignUp(ctx, SignUpRequest{Email: "not-an-email", Password: "password123", Username: "dave"})
	assert.True(t, gateway.IsKind(err, gateway.Invalid))
}

func ptr(s string) *string { return &s }
