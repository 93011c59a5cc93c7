// Package sqlgateway serves the gateway contract from a SQL database through
// gorm, enforcing row-level security for the calling user and publishing a
// change event after every committed mutation.
package sqlgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/chatstore"
	"chatsync/internal/gateway"
	"chatsync/internal/models"
	"chatsync/internal/observability"
	"chatsync/internal/realtime"

	"gorm.io/gorm"
)

// Gateway owns the database and the realtime plumbing shared by all sessions.
type Gateway struct {
	db  *gorm.DB
	hub *realtime.Hub
	pub realtime.Publisher
}

// New creates a gateway over db. Mutations are published through pub, or
// straight to hub when pub is nil. A nil hub disables Subscribe.
func New(db *gorm.DB, hub *realtime.Hub, pub realtime.Publisher) *Gateway {
	if pub == nil && hub != nil {
		pub = hub
	}
	return &Gateway{db: db, hub: hub, pub: pub}
}

// As returns a client acting as userID. Every call it makes is subject to
// that user's row security.
func (g *Gateway) As(userID string) gateway.Client {
	return &session{g: g, userID: userID}
}

func (g *Gateway) publish(ctx context.Context, ev gateway.ChangeEvent) {
	if g.pub == nil {
		return
	}
	ev.CommitTimestamp = time.Now().UTC()
	if err := g.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		observability.LogAsyncOperationError(ctx, "realtime.publish", err, map[string]any{"table": ev.Table, "type": string(ev.Type)})
	}
}

func isMember(db *gorm.DB, conversationID, userID string) (bool, error) {
	var n int64
	err := db.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&n).Error
	return n > 0, err
}

// canSee authorizes delivery of a change event to userID.
func (g *Gateway) canSee(t *table, userID string, ev gateway.ChangeEvent) bool {
	row := ev.New
	if ev.Type == gateway.ChangeDelete {
		row = ev.Old
	}
	conv := t.conversationOf(row)
	if conv == "" {
		return t.memberColumn == ""
	}
	ok, err := isMember(g.db, conv, userID)
	if err != nil {
		observability.LogAsyncOperationError(context.Background(), "realtime.authorize", err, map[string]any{"table": t.name})
		return false
	}
	return ok
}

type session struct {
	g      *Gateway
	userID string
}

func (s *session) Select(ctx context.Context, q gateway.Query) ([]gateway.Row, error) {
	ctx, span := observability.GetTraceLayer().TraceRepositoryMethod(ctx, "Select", q.Table)
	rows, err := s.selectRows(s.g.db.WithContext(ctx), q)
	observability.EndSpan(span, err)
	return rows, err
}

func (s *session) scoped(db *gorm.DB, t *table, filters []gateway.Filter) (*gorm.DB, error) {
	return t.applyFilters(t.visible(db.Table(t.name), s.userID), filters)
}

func (s *session) selectRows(db *gorm.DB, q gateway.Query) ([]gateway.Row, error) {
	t, err := lookupTable(q.Table)
	if err != nil {
		return nil, err
	}
	if err := t.checkColumns(q.Columns); err != nil {
		return nil, err
	}
	defer observability.TrackQuery("select", t.name)()

	tx, err := s.scoped(db, t, q.Filters)
	if err != nil {
		return nil, err
	}
	if tx, err = t.applyOrder(tx, q.Order); err != nil {
		return nil, err
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	out := t.newRows()
	if err := tx.Find(out).Error; err != nil {
		return nil, mapError(err)
	}
	return toRows(out, q.Columns)
}

func (s *session) Count(ctx context.Context, q gateway.Query) (int, error) {
	ctx, span := observability.GetTraceLayer().TraceRepositoryMethod(ctx, "Count", q.Table)
	n, err := s.count(s.g.db.WithContext(ctx), q)
	observability.EndSpan(span, err)
	return n, err
}

func (s *session) count(db *gorm.DB, q gateway.Query) (int, error) {
	t, err := lookupTable(q.Table)
	if err != nil {
		return 0, err
	}
	defer observability.TrackQuery("count", t.name)()

	tx, err := s.scoped(db, t, q.Filters)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, mapError(err)
	}
	return int(n), nil
}

func (s *session) Insert(ctx context.Context, tableName string, row gateway.Row) (gateway.Row, error) {
	ctx, span := observability.GetTraceLayer().TraceRepositoryMethod(ctx, "Insert", tableName)
	out, err := s.insert(ctx, tableName, row)
	observability.EndSpan(span, err)
	return out, err
}

func (s *session) insert(ctx context.Context, tableName string, row gateway.Row) (gateway.Row, error) {
	t, err := lookupTable(tableName)
	if err != nil {
		return nil, err
	}
	if len(t.insertable) == 0 {
		return nil, forbidden(fmt.Sprintf("rows in %s are created through RPC", t.name))
	}
	for col := range row {
		if _, err := t.column(col); err != nil {
			return nil, err
		}
		if !t.insertable[col] {
			return nil, forbidden(fmt.Sprintf("column %s.%s is not insertable", t.name, col))
		}
	}
	defer observability.TrackQuery("insert", t.name)()

	// messages is the only table with direct inserts.
	return s.insertMessage(ctx, row)
}

func (s *session) insertMessage(ctx context.Context, row gateway.Row) (gateway.Row, error) {
	var msg models.Message
	if err := decodeInto(row, &msg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(msg.Body) == "" {
		return nil, invalid("23514", "message body must not be empty")
	}
	if msg.ConversationID == "" {
		return nil, invalid("23502", "conversation_id is required")
	}
	switch msg.SenderID {
	case "":
		msg.SenderID = s.userID
	case s.userID:
	default:
		return nil, forbidden("new row violates row-level security policy for table messages")
	}

	err := s.g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := isMember(tx, msg.ConversationID, s.userID)
		if err != nil {
			return err
		}
		if !member {
			return forbidden("new row violates row-level security policy for table messages")
		}
		if reply := msg.ReplyTo(); reply != "" {
			var n int64
			if err := tx.Model(&models.Message{}).
				Where("id = ? AND conversation_id = ?", reply, msg.ConversationID).
				Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return invalid("23503", "reply target is not a message of this conversation")
			}
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Update("updated_at", msg.CreatedAt).Error
	})
	if err != nil {
		return nil, mapError(err)
	}

	rows, err := toRows([]models.Message{msg}, nil)
	if err != nil {
		return nil, err
	}
	observability.NewRepoLogger(chatstore.TableMessages).LogWrite(ctx, "insert", map[string]any{
		"message_id": msg.ID, "conversation_id": msg.ConversationID, "user_id": s.userID,
	})
	s.g.publish(ctx, gateway.ChangeEvent{Type: gateway.ChangeInsert, Table: chatstore.TableMessages, New: rows[0]})
	return rows[0], nil
}

func (s *session) Update(ctx context.Context, tableName string, filters []gateway.Filter, patch gateway.Row) ([]gateway.Row, error) {
	ctx, span := observability.GetTraceLayer().TraceRepositoryMethod(ctx, "Update", tableName)
	rows, err := s.update(ctx, tableName, filters, patch)
	observability.EndSpan(span, err)
	return rows, err
}

func (s *session) update(ctx context.Context, tableName string, filters []gateway.Filter, patch gateway.Row) ([]gateway.Row, error) {
	t, err := lookupTable(tableName)
	if err != nil {
		return nil, err
	}
	values, err := t.patchValues(patch)
	if err != nil {
		return nil, err
	}
	defer observability.TrackQuery("update", t.name)()

	var events []gateway.ChangeEvent
	err = s.g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := s.writableRows(tx, t, filters)
		if err != nil {
			return err
		}
		for _, old := range before {
			q, err := t.applyFilters(tx.Table(t.name), t.keyFilters(old))
			if err != nil {
				return err
			}
			if err := q.Updates(values).Error; err != nil {
				return err
			}
			after, err := s.selectRows(tx, gateway.Query{Table: t.name, Filters: t.keyFilters(old)})
			if err != nil {
				return err
			}
			if len(after) == 1 {
				events = append(events, gateway.ChangeEvent{Type: gateway.ChangeUpdate, Table: t.name, Old: old, New: after[0]})
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]gateway.Row, len(events))
	for i, ev := range events {
		out[i] = ev.New
		s.g.publish(ctx, ev)
	}
	return out, nil
}

// writableRows returns the visible rows matching filters, failing when any
// of them belongs to someone else.
func (s *session) writableRows(tx *gorm.DB, t *table, filters []gateway.Filter) ([]gateway.Row, error) {
	rows, err := s.selectRows(tx, gateway.Query{Table: t.name, Filters: filters})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if !t.owns(r, s.userID) {
			return nil, forbidden(fmt.Sprintf("row-level security denies changing %s rows owned by other users", t.name))
		}
	}
	return rows, nil
}

func (s *session) Delete(ctx context.Context, tableName string, filters []gateway.Filter) error {
	ctx, span := observability.GetTraceLayer().TraceRepositoryMethod(ctx, "Delete", tableName)
	err := s.delete(ctx, tableName, filters)
	observability.EndSpan(span, err)
	return err
}

func (s *session) delete(ctx context.Context, tableName string, filters []gateway.Filter) error {
	t, err := lookupTable(tableName)
	if err != nil {
		return err
	}
	if !t.deletable {
		return forbidden(fmt.Sprintf("rows in %s cannot be deleted", t.name))
	}
	if len(filters) == 0 {
		return invalid("21000", "DELETE requires a filter")
	}
	defer observability.TrackQuery("delete", t.name)()

	var removed []gateway.Row
	err = s.g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.writableRows(tx, t, filters)
		if err != nil {
			return err
		}
		for _, old := range rows {
			q, err := t.applyFilters(tx.Table(t.name), t.keyFilters(old))
			if err != nil {
				return err
			}
			if err := q.Delete(t.model()).Error; err != nil {
				return err
			}
		}
		removed = rows
		return nil
	})
	if err != nil {
		return mapError(err)
	}
	for _, old := range removed {
		s.g.publish(ctx, gateway.ChangeEvent{Type: gateway.ChangeDelete, Table: t.name, Old: old})
	}
	return nil
}

func (s *session) Subscribe(ctx context.Context, ch gateway.Channel) (gateway.Subscription, error) {
	if s.g.hub == nil {
		return nil, gateway.NewError(gateway.Transient, "RT503", "realtime is not enabled")
	}
	t, err := lookupTable(ch.Table)
	if err != nil {
		return nil, err
	}
	if ch.Filter != nil {
		if _, err := t.column(ch.Filter.Column); err != nil {
			return nil, err
		}
	}
	return s.g.hub.Subscribe(ctx, s.userID, ch, func(ev gateway.ChangeEvent) bool {
		return s.g.canSee(t, s.userID, ev)
	})
}

// decodeInto fills a model from an untyped row through its JSON form.
func decodeInto(row gateway.Row, out any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return invalid("22P02", err.Error())
	}
	if err := json.Unmarshal(data, out); err != nil {
		return invalid("22P02", err.Error())
	}
	return nil
}
