package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatsync/internal/chatstore"
	"chatsync/internal/models"
	"chatsync/internal/observability"

	"golang.org/x/sync/errgroup"
)

// Summary is one row of the conversation list.
type Summary struct {
	ID           string
	Kind         models.ConversationKind
	Name         string
	Participants []models.Profile
	LastMessage  *models.Message
	Unread       int
	LastActivity time.Time
}

// Counterpart returns the other participant of a direct conversation.
func (s Summary) Counterpart(userID string) *models.Profile {
	for i := range s.Participants {
		if s.Participants[i].ID != userID {
			p := s.Participants[i]
			return &p
		}
	}
	return nil
}

// Title is the group name, or the other participant's name for direct chats.
func (s Summary) Title(userID string) string {
	if s.Kind == models.ConversationGroup && s.Name != "" {
		return s.Name
	}
	if p := s.Counterpart(userID); p != nil {
		return p.Name()
	}
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Directory is the caller's conversation list, most recent activity first.
type Directory struct {
	repo     chatstore.Repository
	userID   string
	workers  int
	notify   NoticeFunc
	onChange func()
	trace    *observability.TraceLayer

	mu     sync.Mutex
	list   []Summary
	openID string
	seen   map[string]struct{}
	gen    uint64
}

// DirectoryOptions configures a Directory.
type DirectoryOptions struct {
	// Workers bounds concurrent per-conversation fetches during Load.
	Workers  int
	Notify   NoticeFunc
	OnChange func()
}

// NewDirectory creates an empty directory for userID.
func NewDirectory(repo chatstore.Repository, userID string, opts DirectoryOptions) *Directory {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	return &Directory{
		repo:     repo,
		userID:   userID,
		workers:  opts.Workers,
		notify:   opts.Notify,
		onChange: opts.OnChange,
		trace:    observability.GetTraceLayer(),
		seen:     make(map[string]struct{}),
	}
}

// Load rebuilds the list from the gateway. On failure the previous list is
// kept, a notice is emitted and the error returned.
func (d *Directory) Load(ctx context.Context) (err error) {
	ctx, span := d.trace.TraceSync(ctx, "directory", "Load")
	defer func() { observability.EndSpan(span, err) }()

	d.mu.Lock()
	d.gen++
	gen := d.gen
	d.mu.Unlock()

	memberships, err := d.repo.ListMemberships(ctx, d.userID)
	if err != nil {
		d.fail("load conversations", err)
		return err
	}
	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		ids = append(ids, m.ConversationID)
	}

	summaries, err := d.build(ctx, ids)
	if err != nil {
		d.fail("load conversations", err)
		return err
	}

	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return nil
	}
	for i := range summaries {
		if summaries[i].ID == d.openID {
			summaries[i].Unread = 0
		}
	}
	d.list = summaries
	d.mu.Unlock()
	d.changed()
	return nil
}

// build assembles summaries for the given conversations, sorted by last
// activity descending with duplicate ids collapsed.
func (d *Directory) build(ctx context.Context, ids []string) ([]Summary, error) {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return []Summary{}, nil
	}

	var (
		convs        []models.Conversation
		participants []models.ConversationParticipant
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		convs, err = d.repo.GetConversations(gctx, ids)
		return err
	})
	g.Go(func() error {
		var err error
		participants, err = d.repo.ListParticipants(gctx, ids)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	members := make(map[string][]string, len(convs))
	lastRead := make(map[string]*time.Time, len(convs))
	var profileIDs []string
	for _, p := range participants {
		members[p.ConversationID] = append(members[p.ConversationID], p.UserID)
		profileIDs = append(profileIDs, p.UserID)
		if p.UserID == d.userID {
			lastRead[p.ConversationID] = p.LastReadAt
		}
	}

	latest := make([]*models.Message, len(convs))
	unread := make([]int, len(convs))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i := range convs {
		g.Go(func() error {
			msg, err := d.repo.LatestMessage(gctx, convs[i].ID)
			if err != nil {
				return err
			}
			n, err := d.repo.CountUnread(gctx, convs[i].ID, d.userID, lastRead[convs[i].ID])
			if err != nil {
				return err
			}
			latest[i], unread[i] = msg, n
			return nil
		})
	}
	// Profiles for every participant of every conversation in one lookup.
	var profiles []models.Profile
	g.Go(func() error {
		var err error
		profiles, err = d.repo.GetProfiles(gctx, profileIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[string]models.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	out := make([]Summary, 0, len(convs))
	seen := make(map[string]struct{}, len(convs))
	for i, c := range convs {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		s := Summary{
			ID:           c.ID,
			Kind:         c.Kind,
			Name:         c.Name,
			LastMessage:  latest[i],
			Unread:       unread[i],
			LastActivity: c.UpdatedAt,
		}
		if s.LastActivity.IsZero() {
			s.LastActivity = c.CreatedAt
		}
		if latest[i] != nil && latest[i].CreatedAt.After(s.LastActivity) {
			s.LastActivity = latest[i].CreatedAt
		}
		for _, uid := range members[c.ID] {
			if p, ok := byID[uid]; ok {
				s.Participants = append(s.Participants, p)
			} else {
				s.Participants = append(s.Participants, models.Profile{ID: uid})
			}
		}
		out = append(out, s)
	}
	sortByActivity(out)
	return out, nil
}

// RefreshAfterInbound applies a newly seen message to its conversation's
// summary and moves that conversation to the front. Messages for unknown
// conversations and repeated deliveries of the same message are ignored.
func (d *Directory) RefreshAfterInbound(msg models.Message) {
	if msg.Deleted || msg.ID == "" {
		return
	}
	d.mu.Lock()
	if _, dup := d.seen[msg.ID]; dup {
		d.mu.Unlock()
		return
	}
	i := d.indexOf(msg.ConversationID)
	if i < 0 {
		d.mu.Unlock()
		return
	}
	d.seen[msg.ID] = struct{}{}

	s := d.list[i]
	m := msg
	s.LastMessage = &m
	if msg.CreatedAt.After(s.LastActivity) {
		s.LastActivity = msg.CreatedAt
	}
	if msg.SenderID != d.userID && msg.ConversationID != d.openID {
		s.Unread++
	}
	copy(d.list[1:i+1], d.list[:i])
	d.list[0] = s
	d.mu.Unlock()
	d.changed()
}

func (d *Directory) markSeen(messageID string) {
	d.mu.Lock()
	d.seen[messageID] = struct{}{}
	d.mu.Unlock()
}

// Contains reports whether the conversation is in the list.
func (d *Directory) Contains(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.indexOf(id) >= 0
}

// SetOpen records which conversation is on screen. Inbound messages for it
// do not raise the unread count. An empty id means none.
func (d *Directory) SetOpen(id string) {
	d.mu.Lock()
	d.openID = id
	d.mu.Unlock()
}

// MarkedRead zeroes the local unread count after a successful mark-read.
func (d *Directory) MarkedRead(id string) {
	d.mu.Lock()
	i := d.indexOf(id)
	if i < 0 || d.list[i].Unread == 0 {
		d.mu.Unlock()
		return
	}
	d.list[i].Unread = 0
	d.mu.Unlock()
	d.changed()
}

// Upsert adds or replaces a summary and restores activity order.
func (d *Directory) Upsert(s Summary) {
	d.mu.Lock()
	if i := d.indexOf(s.ID); i >= 0 {
		d.list[i] = s
	} else {
		d.list = append(d.list, s)
	}
	sortByActivity(d.list)
	d.mu.Unlock()
	d.changed()
}

// Remove drops a conversation from the list.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	i := d.indexOf(id)
	if i < 0 {
		d.mu.Unlock()
		return
	}
	d.list = append(d.list[:i], d.list[i+1:]...)
	d.mu.Unlock()
	d.changed()
}

// Discover loads a single conversation the caller was just added to and
// upserts it.
func (d *Directory) Discover(ctx context.Context, id string) (Summary, error) {
	summaries, err := d.build(ctx, []string{id})
	if err != nil {
		return Summary{}, err
	}
	if len(summaries) == 0 {
		return Summary{}, fmt.Errorf("conversation %s: %w", id, ErrUnknownConversation)
	}
	d.Upsert(summaries[0])
	return summaries[0], nil
}

// StartDirect finds or creates the direct conversation with otherUserID.
func (d *Directory) StartDirect(ctx context.Context, otherUserID string) (Summary, error) {
	id, err := d.repo.GetOrCreateDirectConversation(ctx, otherUserID)
	if err != nil {
		d.fail("start conversation", err)
		return Summary{}, err
	}
	s, err := d.Discover(ctx, id)
	if err != nil {
		d.fail("start conversation", err)
	}
	return s, err
}

// CreateGroup creates a named group with the caller and memberIDs.
func (d *Directory) CreateGroup(ctx context.Context, name string, memberIDs []string) (Summary, error) {
	id, err := d.repo.CreateGroupConversation(ctx, name, memberIDs)
	if err != nil {
		d.fail("create group", err)
		return Summary{}, err
	}
	s, err := d.Discover(ctx, id)
	if err != nil {
		d.fail("create group", err)
	}
	return s, err
}

// Leave removes the caller from a conversation.
func (d *Directory) Leave(ctx context.Context, id string) error {
	if err := d.repo.LeaveConversation(ctx, id, d.userID); err != nil {
		d.fail("leave conversation", err)
		return err
	}
	d.Remove(id)
	return nil
}

// Conversations returns a snapshot of the list.
func (d *Directory) Conversations() []Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Summary, len(d.list))
	copy(out, d.list)
	return out
}

// Unread returns the total unread count across all conversations.
func (d *Directory) Unread() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, s := range d.list {
		total += s.Unread
	}
	return total
}

func (d *Directory) indexOf(id string) int {
	for i := range d.list {
		if d.list[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *Directory) fail(op string, err error) {
	observability.LogAsyncOperationError(context.Background(), "directory."+op, err, nil)
	if n, ok := noticeFor(op, err); ok && d.notify != nil {
		d.notify(n)
	}
}

func (d *Directory) changed() {
	if d.onChange != nil {
		d.onChange()
	}
}

func sortByActivity(list []Summary) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastActivity.After(list[j].LastActivity)
	})
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
