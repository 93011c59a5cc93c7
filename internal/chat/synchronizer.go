package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatsync/internal/chatstore"
	"chatsync/internal/gateway"
	"chatsync/internal/models"
	"chatsync/internal/observability"

	"github.com/google/uuid"
)

// TempIDPrefix marks ids of entries that have not been confirmed yet.
const TempIDPrefix = "temp-"

// State is the synchronizer's lifecycle state.
type State int

// Synchronizer states.
const (
	StateIdle State = iota
	StateLoading
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSynced:
		return "synced"
	default:
		return "idle"
	}
}

// ReplySnapshot is the quoted message shown above a reply.
type ReplySnapshot struct {
	MessageID  string
	SenderID   string
	SenderName string
	Body       string
}

// Entry is one displayed message. Pending entries carry a temporary id
// until the gateway confirms the insert.
type Entry struct {
	models.Message
	Pending bool
	Sender  *models.Profile
	Reply   *ReplySnapshot
}

// SenderName returns a printable sender name.
func (e Entry) SenderName() string {
	if e.Sender != nil {
		return e.Sender.Name()
	}
	return e.SenderID
}

// Options configures a Synchronizer.
type Options struct {
	Ordering  Ordering
	Directory *Directory
	Composer  *Composer
	Notify    NoticeFunc
	OnChange  func()
}

// Synchronizer owns the message list of the single open conversation.
//
// Every remote call happens outside mu. Each Open takes a new generation;
// results and realtime events carrying an older generation are dropped, so a
// slow fetch or a torn-down subscription can never write into the list of a
// conversation opened later.
type Synchronizer struct {
	repo     chatstore.Repository
	userID   string
	ordering Ordering
	dir      *Directory
	composer *Composer
	notify   NoticeFunc
	onChange func()
	trace    *observability.TraceLayer

	mu         sync.Mutex
	state      State
	convID     string
	gen        uint64
	entries    []Entry
	index      map[string]int
	tombstones map[string]struct{}
	profiles   map[string]models.Profile
	stream     *chatstore.MessageStream
}

// NewSynchronizer creates an idle synchronizer for userID.
func NewSynchronizer(repo chatstore.Repository, userID string, opts Options) *Synchronizer {
	if opts.Composer == nil {
		opts.Composer = NewComposer()
	}
	return &Synchronizer{
		repo:       repo,
		userID:     userID,
		ordering:   opts.Ordering,
		dir:        opts.Directory,
		composer:   opts.Composer,
		notify:     opts.Notify,
		onChange:   opts.OnChange,
		trace:      observability.GetTraceLayer(),
		index:      make(map[string]int),
		tombstones: make(map[string]struct{}),
		profiles:   make(map[string]models.Profile),
	}
}

// Composer returns the composer whose state Submit acts on.
func (s *Synchronizer) Composer() *Composer {
	return s.composer
}

// Open loads conversationID, marks it read and subscribes to its changes.
// The previous conversation's subscription is closed first. A failed fetch
// returns to Idle with nothing open. A failed subscribe keeps the loaded list
// in StateSynced but without realtime updates; Live reports false until the
// conversation is opened again.
func (s *Synchronizer) Open(ctx context.Context, conversationID string) (err error) {
	ctx, span := s.trace.TraceSync(ctx, "synchronizer", "Open")
	defer func() { observability.EndSpan(span, err) }()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	prev := s.stream
	s.stream = nil
	s.state = StateLoading
	s.convID = conversationID
	s.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	if s.dir != nil {
		s.dir.SetOpen(conversationID)
	}
	s.composer.Reset()

	entries, profiles, err := s.fetch(ctx, conversationID)
	if err != nil {
		s.mu.Lock()
		stale := gen != s.gen
		if !stale {
			s.state = StateIdle
			s.convID = ""
			s.entries = nil
			s.index = make(map[string]int)
			if s.dir != nil {
				// Under s.mu so a concurrent Open cannot have its id cleared.
				s.dir.SetOpen("")
			}
		}
		s.mu.Unlock()
		if stale {
			return ErrStaleResult
		}
		s.fail("open conversation", err)
		s.changed()
		return err
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return ErrStaleResult
	}
	s.entries = entries
	s.reindex()
	s.tombstones = make(map[string]struct{})
	s.profiles = profiles
	s.state = StateSynced
	s.mu.Unlock()
	s.changed()

	s.markRead(ctx, conversationID)

	stream, err := s.repo.SubscribeMessages(ctx, conversationID, gateway.ChangeInsert, gateway.ChangeUpdate)
	if err != nil {
		s.fail("subscribe", err)
		return err
	}
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		_ = stream.Close()
		return ErrStaleResult
	}
	s.stream = stream
	s.mu.Unlock()

	go s.pump(context.WithoutCancel(ctx), gen, stream)
	return nil
}

// fetch loads the message list with sender profiles and reply snapshots.
// Profiles are resolved in one batch; reply targets missing from the list
// are fetched in one batch too.
func (s *Synchronizer) fetch(ctx context.Context, conversationID string) ([]Entry, map[string]models.Profile, error) {
	msgs, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]models.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	var missing []string
	for _, m := range msgs {
		if rid := m.ReplyTo(); rid != "" {
			if _, ok := byID[rid]; !ok {
				missing = append(missing, rid)
			}
		}
	}
	if len(missing) > 0 {
		targets, err := s.repo.GetMessages(ctx, uniqueStrings(missing))
		if err != nil {
			return nil, nil, err
		}
		for _, t := range targets {
			byID[t.ID] = t
		}
	}

	senderIDs := []string{s.userID}
	for _, m := range byID {
		senderIDs = append(senderIDs, m.SenderID)
	}
	list, err := s.repo.GetProfiles(ctx, uniqueStrings(senderIDs))
	if err != nil {
		return nil, nil, err
	}
	profiles := make(map[string]models.Profile, len(list))
	for _, p := range list {
		profiles[p.ID] = p
	}

	entries := make([]Entry, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.Deleted {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		e := Entry{Message: m, Sender: profilePtr(profiles, m.SenderID)}
		if rid := m.ReplyTo(); rid != "" {
			if t, ok := byID[rid]; ok {
				e.Reply = snapshotOf(t, profilePtr(profiles, t.SenderID))
			}
		}
		entries = append(entries, e)
	}
	return entries, profiles, nil
}

func (s *Synchronizer) pump(ctx context.Context, gen uint64, stream *chatstore.MessageStream) {
	for ev := range stream.Events() {
		switch ev.Type {
		case gateway.ChangeInsert:
			s.applyInsert(ctx, gen, ev.Message)
		case gateway.ChangeUpdate:
			s.applyUpdate(gen, ev.Message)
		case gateway.ChangeDelete:
			m := ev.Message
			m.Deleted = true
			s.applyUpdate(gen, m)
		}
	}

	s.mu.Lock()
	lost := gen == s.gen && s.stream == stream
	if lost {
		s.stream = nil
	}
	s.mu.Unlock()
	if lost {
		_ = stream.Close()
		s.fail("realtime", ErrStreamClosed)
		s.changed()
	}
}

// Close tears down the open conversation and returns to Idle.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.gen++
	stream := s.stream
	s.stream = nil
	s.state = StateIdle
	s.convID = ""
	s.entries = nil
	s.index = make(map[string]int)
	s.tombstones = make(map[string]struct{})
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if s.dir != nil {
		s.dir.SetOpen("")
	}
	s.composer.Reset()
	s.changed()
}

// SendOptimistic shows msg at the tail immediately under a temporary id,
// clears the composer and inserts it remotely. On success the provisional
// entry is replaced in place. On failure it is removed and a notice emitted;
// the composer is not restored.
func (s *Synchronizer) SendOptimistic(ctx context.Context, body, replyTargetID string) (err error) {
	ctx, span := s.trace.TraceSync(ctx, "synchronizer", "SendOptimistic")
	defer func() { observability.EndSpan(span, err) }()

	body = strings.TrimSpace(body)
	if body == "" {
		return ErrEmptyBody
	}

	s.mu.Lock()
	if s.state != StateSynced {
		s.mu.Unlock()
		return ErrNotSynced
	}
	gen := s.gen
	tempID := TempIDPrefix + uuid.NewString()
	msg := models.Message{
		ID:             tempID,
		ConversationID: s.convID,
		SenderID:       s.userID,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
	}
	if replyTargetID != "" {
		rid := replyTargetID
		msg.ReplyToID = &rid
	}
	entry := Entry{Message: msg, Pending: true, Sender: profilePtr(s.profiles, s.userID)}
	if replyTargetID != "" {
		if i, ok := s.index[replyTargetID]; ok {
			t := s.entries[i]
			entry.Reply = snapshotOf(t.Message, t.Sender)
		}
	}
	s.entries = append(s.entries, entry)
	s.index[tempID] = len(s.entries) - 1
	s.mu.Unlock()

	s.composer.ClearAfterSend()
	s.changed()

	confirmed, err := s.repo.InsertMessage(ctx, msg)
	if err != nil {
		s.mu.Lock()
		if gen == s.gen {
			s.removeLocked(tempID)
		}
		s.mu.Unlock()
		s.changed()
		if gateway.IsKind(err, gateway.Conflict) {
			observability.OptimisticSends.WithLabelValues("conflict").Inc()
			return nil
		}
		observability.OptimisticSends.WithLabelValues("failed").Inc()
		s.fail("send message", err)
		return err
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		observability.OptimisticSends.WithLabelValues("stale").Inc()
		return nil
	}
	s.confirmLocked(tempID, confirmed)
	s.mu.Unlock()
	observability.OptimisticSends.WithLabelValues("confirmed").Inc()
	s.changed()

	if s.dir != nil {
		s.dir.RefreshAfterInbound(confirmed)
	}
	return nil
}

// confirmLocked swaps the provisional entry for the confirmed message. If the
// realtime echo already added the confirmed id, the provisional entry is
// dropped instead. The entry stays at its index; under OrderSorted it moves
// only when its confirmed timestamp is out of order with its neighbours.
func (s *Synchronizer) confirmLocked(tempID string, confirmed models.Message) {
	i, ok := s.index[tempID]
	if !ok {
		return
	}
	if _, echoed := s.index[confirmed.ID]; echoed {
		s.removeLocked(tempID)
		return
	}
	if _, deleted := s.tombstones[confirmed.ID]; deleted {
		s.removeLocked(tempID)
		return
	}

	e := s.entries[i]
	e.Message = confirmed
	e.Pending = false
	s.entries[i] = e
	delete(s.index, tempID)
	s.index[confirmed.ID] = i

	if s.ordering == OrderSorted && breaksOrder(s.entries, i) {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		pos := sortedPosition(s.entries, e)
		s.insertAtLocked(pos, e)
	}
}

// OnRealtimeInsert applies an INSERT event for the open conversation.
func (s *Synchronizer) OnRealtimeInsert(ctx context.Context, msg models.Message) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.applyInsert(ctx, gen, msg)
}

func (s *Synchronizer) applyInsert(ctx context.Context, gen uint64, msg models.Message) {
	s.mu.Lock()
	if outcome := s.rejectInsertLocked(gen, msg); outcome != "" {
		s.mu.Unlock()
		s.skipInsert(msg, outcome)
		return
	}
	_, haveSender := s.profiles[msg.SenderID]
	var reply *ReplySnapshot
	replyID := msg.ReplyTo()
	if replyID != "" {
		if i, ok := s.index[replyID]; ok {
			t := s.entries[i]
			reply = snapshotOf(t.Message, t.Sender)
		}
	}
	s.mu.Unlock()

	// Lookups happen unlocked; the generation and duplicate checks are
	// repeated before the entry is placed.
	fetched := s.resolveForInsert(ctx, msg, haveSender, replyID, reply)

	s.mu.Lock()
	if outcome := s.rejectInsertLocked(gen, msg); outcome != "" {
		s.mu.Unlock()
		s.skipInsert(msg, outcome)
		return
	}
	for _, p := range fetched.profiles {
		s.profiles[p.ID] = p
	}
	if reply == nil && fetched.reply != nil {
		reply = snapshotOf(*fetched.reply, profilePtr(s.profiles, fetched.reply.SenderID))
	}
	e := Entry{Message: msg, Sender: profilePtr(s.profiles, msg.SenderID), Reply: reply}
	pos := len(s.entries)
	if s.ordering == OrderSorted {
		pos = sortedPosition(s.entries, e)
	}
	s.insertAtLocked(pos, e)
	convID := s.convID
	s.mu.Unlock()

	observability.RealtimeEvents.WithLabelValues("insert", "applied").Inc()
	s.changed()
	if s.dir != nil {
		s.dir.RefreshAfterInbound(msg)
	}
	if msg.SenderID != s.userID {
		s.markRead(ctx, convID)
	}
}

// skipInsert records an insert that was not placed. The directory still sees
// it unless the message was deleted here.
func (s *Synchronizer) skipInsert(msg models.Message, outcome string) {
	observability.RealtimeEvents.WithLabelValues("insert", outcome).Inc()
	if s.dir != nil && outcome != "tombstoned" {
		s.dir.RefreshAfterInbound(msg)
	}
}

// rejectInsertLocked returns a non-empty outcome label when msg must not be placed.
func (s *Synchronizer) rejectInsertLocked(gen uint64, msg models.Message) string {
	switch {
	case gen != s.gen:
		return "stale"
	case s.state != StateSynced || msg.ConversationID != s.convID:
		return "other_conversation"
	case msg.Deleted:
		return "deleted"
	}
	if _, ok := s.tombstones[msg.ID]; ok {
		return "tombstoned"
	}
	if _, ok := s.index[msg.ID]; ok {
		return "duplicate"
	}
	return ""
}

type insertLookups struct {
	profiles []models.Profile
	reply    *models.Message
}

func (s *Synchronizer) resolveForInsert(ctx context.Context, msg models.Message, haveSender bool, replyID string, reply *ReplySnapshot) insertLookups {
	var out insertLookups
	if replyID != "" && reply == nil {
		targets, err := s.repo.GetMessages(ctx, []string{replyID})
		if err != nil {
			observability.GlobalLogger.WarnContext(ctx, "reply target lookup failed",
				slog.String("message_id", msg.ID), slog.String("error", err.Error()))
		} else if len(targets) > 0 {
			out.reply = &targets[0]
		}
	}

	var ids []string
	if !haveSender {
		ids = append(ids, msg.SenderID)
	}
	if out.reply != nil {
		s.mu.Lock()
		_, known := s.profiles[out.reply.SenderID]
		s.mu.Unlock()
		if !known {
			ids = append(ids, out.reply.SenderID)
		}
	}
	if len(ids) == 0 {
		return out
	}
	profiles, err := s.repo.GetProfiles(ctx, uniqueStrings(ids))
	if err != nil {
		observability.GlobalLogger.WarnContext(ctx, "sender lookup failed",
			slog.String("message_id", msg.ID), slog.String("error", err.Error()))
		return out
	}
	out.profiles = profiles
	return out
}

// OnRealtimeUpdate applies an UPDATE event for the open conversation. A
// deleted flag removes the entry; unknown ids are dropped.
func (s *Synchronizer) OnRealtimeUpdate(msg models.Message) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.applyUpdate(gen, msg)
}

func (s *Synchronizer) applyUpdate(gen uint64, msg models.Message) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateSynced || msg.ConversationID != s.convID {
		s.mu.Unlock()
		observability.RealtimeEvents.WithLabelValues("update", "ignored").Inc()
		return
	}
	i, ok := s.index[msg.ID]
	if msg.Deleted {
		s.tombstones[msg.ID] = struct{}{}
	}
	if !ok {
		s.mu.Unlock()
		observability.RealtimeEvents.WithLabelValues("update", "unknown").Inc()
		return
	}
	if msg.Deleted {
		s.removeLocked(msg.ID)
	} else {
		s.entries[i].Body = msg.Body
		s.entries[i].Edited = msg.Edited
		s.entries[i].UpdatedAt = msg.UpdatedAt
		s.refreshRepliesLocked(msg.ID, msg.Body)
	}
	s.mu.Unlock()
	observability.RealtimeEvents.WithLabelValues("update", "applied").Inc()
	s.changed()
}

// EditLocal saves a new body for one of the caller's messages and mirrors it
// locally. If the message no longer exists remotely it is removed locally.
func (s *Synchronizer) EditLocal(ctx context.Context, id, body string) (err error) {
	ctx, span := s.trace.TraceSync(ctx, "synchronizer", "EditLocal")
	defer func() { observability.EndSpan(span, err) }()

	body = strings.TrimSpace(body)
	if body == "" {
		return ErrEmptyBody
	}
	gen, err := s.checkMutable(id)
	if err != nil {
		return err
	}

	updated, err := s.repo.UpdateMessageBody(ctx, id, body)
	switch {
	case gateway.IsKind(err, gateway.NotFound):
		s.forget(gen, id)
		s.composer.ClearAfterSave()
		return nil
	case err != nil:
		s.fail("edit message", err)
		return err
	}

	s.mu.Lock()
	if gen == s.gen {
		if i, ok := s.index[id]; ok {
			s.entries[i].Body = updated.Body
			s.entries[i].Edited = true
			s.entries[i].UpdatedAt = updated.UpdatedAt
			s.refreshRepliesLocked(id, updated.Body)
		}
	}
	s.mu.Unlock()
	s.composer.ClearAfterSave()
	s.changed()
	return nil
}

// DeleteLocal soft-deletes one of the caller's messages and removes it
// locally. The id is remembered so late realtime events cannot bring it back.
func (s *Synchronizer) DeleteLocal(ctx context.Context, id string) (err error) {
	ctx, span := s.trace.TraceSync(ctx, "synchronizer", "DeleteLocal")
	defer func() { observability.EndSpan(span, err) }()

	gen, err := s.checkMutable(id)
	if err != nil {
		return err
	}
	err = s.repo.SoftDeleteMessage(ctx, id)
	if err != nil && !gateway.IsKind(err, gateway.NotFound) {
		s.fail("delete message", err)
		return err
	}
	s.forget(gen, id)
	if e := s.composer.Editing(); e != nil && e.ID == id {
		s.composer.CancelEdit()
	}
	if r := s.composer.ReplyTarget(); r != nil && r.ID == id {
		s.composer.SetReplyTarget(nil)
	}
	return nil
}

// Submit sends the composer's draft, or saves it when editing.
func (s *Synchronizer) Submit(ctx context.Context) error {
	draft, replyTo, editing := s.composer.snapshot()
	if editing != nil {
		return s.EditLocal(ctx, editing.ID, draft)
	}
	replyID := ""
	if replyTo != nil {
		replyID = replyTo.ID
	}
	return s.SendOptimistic(ctx, draft, replyID)
}

func (s *Synchronizer) checkMutable(id string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSynced {
		return 0, ErrNotSynced
	}
	i, ok := s.index[id]
	if !ok {
		return 0, ErrUnknownID
	}
	if s.entries[i].Pending {
		return 0, ErrPending
	}
	return s.gen, nil
}

func (s *Synchronizer) forget(gen uint64, id string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.tombstones[id] = struct{}{}
	removed := s.removeLocked(id)
	s.mu.Unlock()
	if removed {
		s.changed()
	}
}

// markRead is idempotent and never fatal; failures are logged and counted.
func (s *Synchronizer) markRead(ctx context.Context, conversationID string) {
	if err := s.repo.MarkConversationRead(ctx, conversationID); err != nil {
		observability.MarkReadFailures.Inc()
		observability.LogAsyncOperationError(ctx, "synchronizer.mark_read", err, map[string]any{
			"conversation_id": conversationID,
		})
		return
	}
	if s.dir != nil {
		s.dir.MarkedRead(conversationID)
	}
}

// Messages returns a snapshot of the displayed list.
func (s *Synchronizer) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Entry returns the displayed entry with the given id.
func (s *Synchronizer) Entry(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// State returns the lifecycle state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Live reports whether the synced conversation is receiving realtime changes.
func (s *Synchronizer) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateSynced && s.stream != nil
}

// ConversationID returns the open conversation, or "".
func (s *Synchronizer) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

func (s *Synchronizer) insertAtLocked(pos int, e Entry) {
	s.entries = append(s.entries, Entry{})
	copy(s.entries[pos+1:], s.entries[pos:])
	s.entries[pos] = e
	s.reindex()
}

func (s *Synchronizer) removeLocked(id string) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.reindex()
	return true
}

func (s *Synchronizer) reindex() {
	s.index = make(map[string]int, len(s.entries))
	for i, e := range s.entries {
		s.index[e.ID] = i
	}
}

func (s *Synchronizer) refreshRepliesLocked(id, body string) {
	for i := range s.entries {
		if r := s.entries[i].Reply; r != nil && r.MessageID == id {
			updated := *r
			updated.Body = body
			s.entries[i].Reply = &updated
		}
	}
}

func (s *Synchronizer) fail(op string, err error) {
	if errors.Is(err, ErrStaleResult) {
		return
	}
	observability.LogAsyncOperationError(context.Background(), "synchronizer."+op, err, nil)
	if n, ok := noticeFor(op, err); ok && s.notify != nil {
		s.notify(n)
	}
}

func (s *Synchronizer) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

func profilePtr(profiles map[string]models.Profile, id string) *models.Profile {
	p, ok := profiles[id]
	if !ok {
		return nil
	}
	return &p
}

func snapshotOf(m models.Message, sender *models.Profile) *ReplySnapshot {
	snap := &ReplySnapshot{MessageID: m.ID, SenderID: m.SenderID, Body: m.Body}
	if sender != nil {
		snap.SenderName = sender.Name()
	} else {
		snap.SenderName = m.SenderID
	}
	return snap
}
