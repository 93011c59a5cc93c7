package chat

import (
	"context"
	"sync"

	"chatsync/internal/chatstore"
	"chatsync/internal/gateway"
	"chatsync/internal/observability"
)

// Session wires a Directory, a Synchronizer and a Composer for one signed-in
// user and routes the user's inbox stream to them.
type Session struct {
	Directory *Directory
	Sync      *Synchronizer
	Composer  *Composer

	repo   chatstore.Repository
	userID string

	mu    sync.Mutex
	inbox *chatstore.MessageStream
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Ordering    Ordering
	LoadWorkers int
	Notify      NoticeFunc
	OnChange    func()
}

// NewSession builds the components for userID.
func NewSession(repo chatstore.Repository, userID string, opts SessionOptions) *Session {
	dir := NewDirectory(repo, userID, DirectoryOptions{
		Workers:  opts.LoadWorkers,
		Notify:   opts.Notify,
		OnChange: opts.OnChange,
	})
	composer := NewComposer()
	return &Session{
		Directory: dir,
		Composer:  composer,
		Sync: NewSynchronizer(repo, userID, Options{
			Ordering:  opts.Ordering,
			Directory: dir,
			Composer:  composer,
			Notify:    opts.Notify,
			OnChange:  opts.OnChange,
		}),
		repo:   repo,
		userID: userID,
	}
}

// UserID returns the signed-in user.
func (s *Session) UserID() string {
	return s.userID
}

// Start loads the directory and subscribes to every new message the user can
// see, so the list stays current for conversations that are not open.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Directory.Load(ctx); err != nil {
		return err
	}
	inbox, err := s.repo.SubscribeMessages(ctx, "", gateway.ChangeInsert)
	if err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.inbox
	s.inbox = inbox
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	go s.route(context.WithoutCancel(ctx), inbox)
	return nil
}

func (s *Session) route(ctx context.Context, inbox *chatstore.MessageStream) {
	for ev := range inbox.Events() {
		msg := ev.Message
		if !s.Directory.Contains(msg.ConversationID) {
			// First message of a conversation the user was just added to. The
			// loaded summary already counts it.
			if _, err := s.Directory.Discover(ctx, msg.ConversationID); err != nil {
				observability.LogAsyncOperationError(ctx, "session.discover", err, map[string]any{
					"conversation_id": msg.ConversationID,
				})
			} else {
				s.Directory.markSeen(msg.ID)
			}
		}
		s.Directory.RefreshAfterInbound(msg)
		s.Sync.OnRealtimeInsert(ctx, msg)
	}
}

// Open switches the synchronizer to conversationID.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	return s.Sync.Open(ctx, conversationID)
}

// Stop closes the open conversation and the inbox stream.
func (s *Session) Stop() {
	s.Sync.Close()
	s.mu.Lock()
	inbox := s.inbox
	s.inbox = nil
	s.mu.Unlock()
	if inbox != nil {
		_ = inbox.Close()
	}
}
