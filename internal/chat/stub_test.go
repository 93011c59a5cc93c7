package chat

import (
	"context"
	"sync"
	"time"

	"chatsync/internal/chatstore"
	"chatsync/internal/gateway"
	"chatsync/internal/models"
)

const me = "me"

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func msg(id string, sec int, sender, body string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Body:           body,
		CreatedAt:      at(sec),
	}
}

type repoStub struct {
	mu    sync.Mutex
	calls map[string]int

	listMembershipsFn   func(context.Context, string) ([]models.ConversationParticipant, error)
	getConversationsFn  func(context.Context, []string) ([]models.Conversation, error)
	listParticipantsFn  func(context.Context, []string) ([]models.ConversationParticipant, error)
	getProfilesFn       func(context.Context, []string) ([]models.Profile, error)
	findProfileFn       func(context.Context, string) (*models.Profile, error)
	updateAvatarFn      func(context.Context, string, string) error
	latestMessageFn     func(context.Context, string) (*models.Message, error)
	countUnreadFn       func(context.Context, string, string, *time.Time) (int, error)
	listMessagesFn      func(context.Context, string) ([]models.Message, error)
	getMessagesFn       func(context.Context, []string) ([]models.Message, error)
	insertMessageFn     func(context.Context, models.Message) (models.Message, error)
	updateMessageBodyFn func(context.Context, string, string) (models.Message, error)
	softDeleteFn        func(context.Context, string) error
	markReadFn          func(context.Context, string) error
	directFn            func(context.Context, string) (string, error)
	groupFn             func(context.Context, string, []string) (string, error)
	leaveFn             func(context.Context, string, string) error

	subscribeErr error
	subs         []*subscriptionStub
}

func (s *repoStub) record(name string) {
	s.mu.Lock()
	s.calls[name]++
	s.mu.Unlock()
}

func (s *repoStub) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *repoStub) ListMemberships(ctx context.Context, userID string) ([]models.ConversationParticipant, error) {
	s.record("ListMemberships")
	return s.listMembershipsFn(ctx, userID)
}
func (s *repoStub) GetConversations(ctx context.Context, ids []string) ([]models.Conversation, error) {
	s.record("GetConversations")
	return s.getConversationsFn(ctx, ids)
}
func (s *repoStub) ListParticipants(ctx context.Context, ids []string) ([]models.ConversationParticipant, error) {
	s.record("ListParticipants")
	return s.listParticipantsFn(ctx, ids)
}
func (s *repoStub) GetProfiles(ctx context.Context, ids []string) ([]models.Profile, error) {
	s.record("GetProfiles")
	return s.getProfilesFn(ctx, ids)
}
func (s *repoStub) FindProfileByUsername(ctx context.Context, username string) (*models.Profile, error) {
	s.record("FindProfileByUsername")
	return s.findProfileFn(ctx, username)
}
func (s *repoStub) UpdateAvatar(ctx context.Context, userID, url string) error {
	s.record("UpdateAvatar")
	return s.updateAvatarFn(ctx, userID, url)
}
func (s *repoStub) LatestMessage(ctx context.Context, id string) (*models.Message, error) {
	s.record("LatestMessage")
	return s.latestMessageFn(ctx, id)
}
func (s *repoStub) CountUnread(ctx context.Context, id, userID string, since *time.Time) (int, error) {
	s.record("CountUnread")
	return s.countUnreadFn(ctx, id, userID, since)
}
func (s *repoStub) ListMessages(ctx context.Context, id string) ([]models.Message, error) {
	s.record("ListMessages")
	return s.listMessagesFn(ctx, id)
}
func (s *repoStub) GetMessages(ctx context.Context, ids []string) ([]models.Message, error) {
	s.record("GetMessages")
	return s.getMessagesFn(ctx, ids)
}
func (s *repoStub) InsertMessage(ctx context.Context, m models.Message) (models.Message, error) {
	s.record("InsertMessage")
	return s.insertMessageFn(ctx, m)
}
func (s *repoStub) UpdateMessageBody(ctx context.Context, id, body string) (models.Message, error) {
	s.record("UpdateMessageBody")
	return s.updateMessageBodyFn(ctx, id, body)
}
func (s *repoStub) SoftDeleteMessage(ctx context.Context, id string) error {
	s.record("SoftDeleteMessage")
	return s.softDeleteFn(ctx, id)
}
func (s *repoStub) MarkConversationRead(ctx context.Context, id string) error {
	s.record("MarkConversationRead")
	return s.markReadFn(ctx, id)
}
func (s *repoStub) GetOrCreateDirectConversation(ctx context.Context, other string) (string, error) {
	s.record("GetOrCreateDirectConversation")
	return s.directFn(ctx, other)
}
func (s *repoStub) CreateGroupConversation(ctx context.Context, name string, ids []string) (string, error) {
	s.record("CreateGroupConversation")
	return s.groupFn(ctx, name, ids)
}
func (s *repoStub) LeaveConversation(ctx context.Context, id, userID string) error {
	s.record("LeaveConversation")
	return s.leaveFn(ctx, id, userID)
}

func (s *repoStub) SubscribeMessages(_ context.Context, conversationID string, events ...gateway.ChangeType) (*chatstore.MessageStream, error) {
	s.record("SubscribeMessages")
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	sub := &subscriptionStub{
		conversationID: conversationID,
		types:          events,
		events:         make(chan gateway.ChangeEvent, 16),
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return chatstore.NewMessageStream(sub), nil
}

func (s *repoStub) lastSub() *subscriptionStub {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return nil
	}
	return s.subs[len(s.subs)-1]
}

func noopRepo() *repoStub {
	return &repoStub{
		calls: make(map[string]int),
		listMembershipsFn: func(context.Context, string) ([]models.ConversationParticipant, error) {
			return nil, nil
		},
		getConversationsFn: func(context.Context, []string) ([]models.Conversation, error) { return nil, nil },
		listParticipantsFn: func(context.Context, []string) ([]models.ConversationParticipant, error) {
			return nil, nil
		},
		getProfilesFn: func(_ context.Context, ids []string) ([]models.Profile, error) {
			out := make([]models.Profile, 0, len(ids))
			for _, id := range ids {
				out = append(out, models.Profile{ID: id, Username: "user-" + id})
			}
			return out, nil
		},
		findProfileFn:   func(context.Context, string) (*models.Profile, error) { return nil, gateway.ErrNotFound },
		updateAvatarFn:  func(context.Context, string, string) error { return nil },
		latestMessageFn: func(context.Context, string) (*models.Message, error) { return nil, nil },
		countUnreadFn:   func(context.Context, string, string, *time.Time) (int, error) { return 0, nil },
		listMessagesFn:  func(context.Context, string) ([]models.Message, error) { return nil, nil },
		getMessagesFn:   func(context.Context, []string) ([]models.Message, error) { return nil, nil },
		insertMessageFn: func(_ context.Context, m models.Message) (models.Message, error) {
			m.ID = "srv-" + m.Body
			return m, nil
		},
		updateMessageBodyFn: func(context.Context, string, string) (models.Message, error) {
			return models.Message{}, gateway.ErrNotFound
		},
		softDeleteFn: func(context.Context, string) error { return nil },
		markReadFn:   func(context.Context, string) error { return nil },
		directFn:     func(context.Context, string) (string, error) { return "", gateway.ErrNotFound },
		groupFn:      func(context.Context, string, []string) (string, error) { return "", gateway.ErrNotFound },
		leaveFn:      func(context.Context, string, string) error { return nil },
	}
}

type subscriptionStub struct {
	conversationID string
	types          []gateway.ChangeType

	mu     sync.Mutex
	events chan gateway.ChangeEvent
	closed bool
}

func (s *subscriptionStub) Events() <-chan gateway.ChangeEvent { return s.events }

func (s *subscriptionStub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *subscriptionStub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscriptionStub) push(t gateway.ChangeType, m models.Message) {
	row := gateway.Row{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"body":            m.Body,
		"edited":          m.Edited,
		"deleted":         m.Deleted,
		"created_at":      m.CreatedAt.Format(time.RFC3339Nano),
	}
	s.events <- gateway.ChangeEvent{Type: t, Table: chatstore.TableMessages, New: row}
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) record(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *noticeRecorder) all() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
