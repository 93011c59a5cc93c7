// Package chatstore is the typed repository over the gateway's chat tables.
// It owns the table and RPC names and validates every row it hands out.
package chatstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"chatsync/internal/gateway"
	"chatsync/internal/models"
	"chatsync/internal/observability"
)

// Gateway table names.
const (
	TableConversations = "conversations"
	TableParticipants  = "conversation_participants"
	TableMessages      = "messages"
	TableProfiles      = "profiles"
)

// Gateway RPC names.
const (
	RPCGetOrCreateDirect = "get_or_create_direct_conversation"
	RPCCreateGroup       = "create_group_conversation"
	RPCMarkRead          = "mark_conversation_read"
)

// Repository defines the chat data operations the synchronizer needs.
type Repository interface {
	ListMemberships(ctx context.Context, userID string) ([]models.ConversationParticipant, error)
	GetConversations(ctx context.Context, ids []string) ([]models.Conversation, error)
	ListParticipants(ctx context.Context, conversationIDs []string) ([]models.ConversationParticipant, error)
	GetProfiles(ctx context.Context, ids []string) ([]models.Profile, error)
	FindProfileByUsername(ctx context.Context, username string) (*models.Profile, error)
	UpdateAvatar(ctx context.Context, userID, avatarURL string) error

	LatestMessage(ctx context.Context, conversationID string) (*models.Message, error)
	CountUnread(ctx context.Context, conversationID, userID string, since *time.Time) (int, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	GetMessages(ctx context.Context, ids []string) ([]models.Message, error)
	InsertMessage(ctx context.Context, msg models.Message) (models.Message, error)
	UpdateMessageBody(ctx context.Context, id, body string) (models.Message, error)
	SoftDeleteMessage(ctx context.Context, id string) error

	MarkConversationRead(ctx context.Context, conversationID string) error
	GetOrCreateDirectConversation(ctx context.Context, otherUserID string) (string, error)
	CreateGroupConversation(ctx context.Context, name string, memberIDs []string) (string, error)
	LeaveConversation(ctx context.Context, conversationID, userID string) error

	SubscribeMessages(ctx context.Context, conversationID string, events ...gateway.ChangeType) (*MessageStream, error)
}

type repository struct {
	gw    gateway.Client
	trace *observability.TraceLayer
	logs  map[string]*observability.RepoLogger
}

// New creates a repository on top of a gateway client.
func New(gw gateway.Client) Repository {
	logs := make(map[string]*observability.RepoLogger)
	for _, table := range []string{TableConversations, TableParticipants, TableMessages, TableProfiles} {
		logs[table] = observability.NewRepoLogger(table)
	}
	return &repository{
		gw:    gw,
		trace: observability.GetTraceLayer(),
		logs:  logs,
	}
}

func (r *repository) ListMemberships(ctx context.Context, userID string) (_ []models.ConversationParticipant, err error) {
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "ListMemberships", TableParticipants)
	defer func() { observability.EndSpan(span, err) }()

	rows, err := r.gw.Select(ctx, gateway.Query{
		Table:   TableParticipants,
		Filters: []gateway.Filter{gateway.Eq("user_id", userID)},
	})
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	return decodeRows(ctx, r.logs[TableParticipants], rows, validateParticipant), nil
}

func (r *repository) GetConversations(ctx context.Context, ids []string) (_ []models.Conversation, err error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "GetConversations", TableConversations)
	defer func() { observability.EndSpan(span, err) }()

	rows, err := r.gw.Select(ctx, gateway.Query{
		Table:   TableConversations,
		Filters: []gateway.Filter{gateway.In("id", ids)},
	})
	if err != nil {
		return nil, fmt.Errorf("get conversations: %w", err)
	}
	return decodeRows(ctx, r.logs[TableConversations], rows, validateConversation), nil
}

func (r *repository) ListParticipants(ctx context.Context, conversationIDs []string) (_ []models.ConversationParticipant, err error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "ListParticipants", TableParticipants)
	defer func() { observability.EndSpan(span, err) }()

	rows, err := r.gw.Select(ctx, gateway.Query{
		Table:   TableParticipants,
		Filters: []gateway.Filter{gateway.In("conversation_id", conversationIDs)},
	})
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return decodeRows(ctx, r.logs[TableParticipants], rows, validateParticipant), nil
}

func (r *repository) GetProfiles(ctx context.Context, ids []string) (_ []models.Profile, err error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "GetProfiles", TableProfiles)
	defer func() { observability.EndSpan(span, err) }()

	rows, err := r.gw.Select(ctx, gateway.Query{
		Table:   TableProfiles,
		Filters: []gateway.Filter{gateway.In("id", ids)},
	})
	if err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}
	return decodeRows(ctx, r.logs[TableProfiles], rows, validateProfile), nil
}

func (r *repository) FindProfileByUsername(ctx context.Context, username string) (_ *models.Profile, err error) {
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "FindProfileByUsername", TableProfiles)
	defer func() { observability.EndSpan(span, err) }()

	rows, err := r.gw.Select(ctx, gateway.Query{
		Table:   TableProfiles,
		Filters: []gateway.Filter{gateway.Eq("username", username)},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("find profile %q: %w", username, err)
	}
	profiles := decodeRows(ctx, r.logs[TableProfiles], rows, validateProfile)
	if len(profiles) == 0 {
		return nil, fmt.Errorf("find profile %q: %w", username, gateway.ErrNotFound)
	}
	return &profiles[0], nil
}

func (r *repository) UpdateAvatar(ctx context.Context, userID, avatarURL string) (err error) {
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "UpdateAvatar", TableProfiles)
	defer func() { observability.EndSpan(span, err) }()

	rows, err := r.gw.Update(ctx, TableProfiles,
		[]gateway.Filter{gateway.Eq("id", userID)},
		gateway.Row{"avatar_url": avatarURL},
	)
	if err != nil {
		return fmt.Errorf("update avatar: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("update avatar: %w", gateway.ErrNotFound)
	}
	r.logs[TableProfiles].LogWrite(ctx, "update", map[string]any{"id": userID})
	return nil
}

func (r *repository) LatestMessage(ctx context.Context, conversationID string) (_ *models.Message, err error) {
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "LatestMessage", TableMessages)
	defer func() { observability.EndSpan(span, err) }()

	rows, err := r.gw.Select(ctx, gateway.Query{
		Table: TableMessages,
		Filters: []gateway.Filter{
			gateway.Eq("conversation_id", conversationID),
			gateway.Is("deleted", false),
		},
		Order: []gateway.Order{gateway.Desc("created_at")},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	msgs := decodeRows(ctx, r.logs[TableMessages], rows, validateMessage)
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// CountUnread counts non-deleted messages from other senders created after
// since. A nil since means the user never read the conversation.
func (r *repository) CountUnread(ctx context.Context, conversationID, userID string, since *time.Time) (_ int, err error) {
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "CountUnread", TableMessages)
	defer func() { observability.EndSpan(span, err) }()

	filters := []gateway.Filter{
		gateway.Eq("conversation_id", conversationID),
		gateway.Neq("sender_id", userID),
		gateway.Is("deleted", false),
	}
	if since != nil {
		filters = append(filters, gateway.Gt("created_at", *since))
	}
	n, err := r.gw.Count(ctx, gateway.Query{Table: TableMessages, Filters: filters})
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (r *repository) ListMessages(ctx context.Context, conversationID string) (_ []models.Message, err error) {
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "ListMessages", TableMessages)
	defer func() { observability.EndSpan(span, err) }()

	rows, err := r.gw.Select(ctx, gateway.Query{
		Table: TableMessages,
		Filters: []gateway.Filter{
			gateway.Eq("conversation_id", conversationID),
			gateway.Is("deleted", false),
		},
		Order: []gateway.Order{gateway.Asc("created_at")},
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := decodeRows(ctx, r.logs[TableMessages], rows, validateMessage)
	// Stable, so equal timestamps keep the order the gateway returned them in.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	r.logs[TableMessages].LogRead(ctx, map[string]any{"conversation_id": conversationID, "count": len(msgs)})
	return msgs, nil
}

func (r *repository) GetMessages(ctx context.Context, ids []string) (_ []models.Message, err error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "GetMessages", TableMessages)
	defer func() { observability.EndSpan(span, err) }()

	rows, err := r.gw.Select(ctx, gateway.Query{
		Table:   TableMessages,
		Filters: []gateway.Filter{gateway.In("id", ids)},
	})
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return decodeRows(ctx, r.logs[TableMessages], rows, validateMessage), nil
}

// InsertMessage writes a new message. The gateway assigns id and created_at.
func (r *repository) InsertMessage(ctx context.Context, msg models.Message) (_ models.Message, err error) {
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "InsertMessage", TableMessages)
	defer func() { observability.EndSpan(span, err) }()

	row := gateway.Row{
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"body":            msg.Body,
	}
	if msg.ReplyToID != nil {
		row["reply_to_id"] = *msg.ReplyToID
	}
	created, err := r.gw.Insert(ctx, TableMessages, row)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	var out models.Message
	if err := decodeRow(created, &out); err != nil {
		return models.Message{}, gateway.Wrap(gateway.Invalid, "decode inserted message", err)
	}
	if err := validateMessage(&out); err != nil {
		return models.Message{}, gateway.Wrap(gateway.Invalid, "decode inserted message", err)
	}
	r.logs[TableMessages].LogWrite(ctx, "create", map[string]any{"id": out.ID, "conversation_id": out.ConversationID})
	return out, nil
}

func (r *repository) UpdateMessageBody(ctx context.Context, id, body string) (_ models.Message, err error) {
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "UpdateMessageBody", TableMessages)
	defer func() { observability.EndSpan(span, err) }()

	rows, err := r.gw.Update(ctx, TableMessages,
		[]gateway.Filter{gateway.Eq("id", id), gateway.Is("deleted", false)},
		gateway.Row{"body": body, "edited": true},
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("update message: %w", err)
	}
	msgs := decodeRows(ctx, r.logs[TableMessages], rows, validateMessage)
	if len(msgs) == 0 {
		return models.Message{}, fmt.Errorf("update message %s: %w", id, gateway.ErrNotFound)
	}
	r.logs[TableMessages].LogWrite(ctx, "update", map[string]any{"id": id})
	return msgs[0], nil
}

func (r *repository) SoftDeleteMessage(ctx context.Context, id string) (err error) {
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "SoftDeleteMessage", TableMessages)
	defer func() { observability.EndSpan(span, err) }()

	rows, err := r.gw.Update(ctx, TableMessages,
		[]gateway.Filter{gateway.Eq("id", id)},
		gateway.Row{"deleted": true},
	)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("delete message %s: %w", id, gateway.ErrNotFound)
	}
	r.logs[TableMessages].LogWrite(ctx, "delete", map[string]any{"id": id})
	return nil
}

func (r *repository) MarkConversationRead(ctx context.Context, conversationID string) (err error) {
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "MarkConversationRead", TableParticipants)
	defer func() { observability.EndSpan(span, err) }()

	if _, err := r.gw.RPC(ctx, RPCMarkRead, gateway.Row{"conversation_id": conversationID}); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (r *repository) GetOrCreateDirectConversation(ctx context.Context, otherUserID string) (_ string, err error) {
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "GetOrCreateDirectConversation", TableConversations)
	defer func() { observability.EndSpan(span, err) }()

	res, err := r.gw.RPC(ctx, RPCGetOrCreateDirect, gateway.Row{"other_user_id": otherUserID})
	if err != nil {
		return "", fmt.Errorf("get or create direct conversation: %w", err)
	}
	return rpcID(RPCGetOrCreateDirect, res)
}

func (r *repository) CreateGroupConversation(ctx context.Context, name string, memberIDs []string) (_ string, err error) {
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "CreateGroupConversation", TableConversations)
	defer func() { observability.EndSpan(span, err) }()

	res, err := r.gw.RPC(ctx, RPCCreateGroup, gateway.Row{"name": name, "member_ids": dedupe(memberIDs)})
	if err != nil {
		return "", fmt.Errorf("create group conversation: %w", err)
	}
	return rpcID(RPCCreateGroup, res)
}

func (r *repository) LeaveConversation(ctx context.Context, conversationID, userID string) (err error) {
	ctx, span := r.trace.TraceRepositoryMethod(ctx, "LeaveConversation", TableParticipants)
	defer func() { observability.EndSpan(span, err) }()

	err = r.gw.Delete(ctx, TableParticipants, []gateway.Filter{
		gateway.Eq("conversation_id", conversationID),
		gateway.Eq("user_id", userID),
	})
	if err != nil {
		return fmt.Errorf("leave conversation: %w", err)
	}
	r.logs[TableParticipants].LogWrite(ctx, "delete", map[string]any{"conversation_id": conversationID})
	return nil
}

// rpcID extracts a conversation id from an RPC result, which is either a
// bare string or an object with an "id" field.
func rpcID(fn string, res any) (string, error) {
	switch v := res.(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case map[string]any:
		if id, ok := v["id"].(string); ok && id != "" {
			return id, nil
		}
	case gateway.Row:
		if id := v.ID(); id != "" {
			return id, nil
		}
	}
	return "", gateway.NewError(gateway.Invalid, "", fmt.Sprintf("%s returned no conversation id", fn))
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
