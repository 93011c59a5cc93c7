package sqlgateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/chatstore"
	"chatsync/internal/gateway"
	"chatsync/internal/models"
	"chatsync/internal/observability"

	"github.com/go-viper/mapstructure/v2"
	"gorm.io/gorm"
)

type directArgs struct {
	OtherUserID string `json:"other_user_id"`
}

type groupArgs struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

type markReadArgs struct {
	ConversationID string `json:"conversation_id"`
}

func (s *session) RPC(ctx context.Context, fn string, args gateway.Row) (any, error) {
	ctx, span := observability.GetTraceLayer().TraceRepositoryMethod(ctx, "RPC", fn)
	defer observability.TrackQuery("rpc", fn)()

	var (
		out any
		err error
	)
	switch fn {
	case chatstore.RPCGetOrCreateDirect:
		var a directArgs
		if err = decodeArgs(args, &a); err == nil {
			out, err = s.getOrCreateDirect(ctx, a)
		}
	case chatstore.RPCCreateGroup:
		var a groupArgs
		if err = decodeArgs(args, &a); err == nil {
			out, err = s.createGroup(ctx, a)
		}
	case chatstore.RPCMarkRead:
		var a markReadArgs
		if err = decodeArgs(args, &a); err == nil {
			err = s.markRead(ctx, a)
		}
	default:
		err = gateway.NewError(gateway.NotFound, "PGRST202", fmt.Sprintf("function %s not found", fn))
	}
	observability.EndSpan(span, err)
	return out, err
}

func decodeArgs(args gateway.Row, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(args)); err != nil {
		return invalid("PGRST100", fmt.Sprintf("bad function arguments: %v", err))
	}
	return nil
}

func (s *session) getOrCreateDirect(ctx context.Context, a directArgs) (string, error) {
	other := strings.TrimSpace(a.OtherUserID)
	if other == "" {
		return "", invalid("22023", "other_user_id is required")
	}
	if other == s.userID {
		return "", invalid("22023", "cannot start a direct conversation with yourself")
	}

	var (
		id      string
		members []models.ConversationParticipant
	)
	err := s.g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireProfiles(tx, []string{other}); err != nil {
			return err
		}
		existing, err := findDirect(tx, s.userID, other)
		if err != nil {
			return err
		}
		if existing != "" {
			id = existing
			return nil
		}
		conv := models.Conversation{Kind: models.ConversationDirect, CreatedBy: s.userID}
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		members = []models.ConversationParticipant{
			{ConversationID: conv.ID, UserID: s.userID},
			{ConversationID: conv.ID, UserID: other},
		}
		id = conv.ID
		return tx.Create(&members).Error
	})
	if err != nil {
		return "", mapError(err)
	}
	s.publishMembers(ctx, members)
	return id, nil
}

func findDirect(tx *gorm.DB, a, b string) (string, error) {
	var ids []string
	err := tx.Table(chatstore.TableParticipants+" AS p").
		Joins("JOIN "+chatstore.TableConversations+" c ON c.id = p.conversation_id").
		Where("c.kind = ? AND p.user_id IN ?", models.ConversationDirect, []string{a, b}).
		Group("p.conversation_id").
		Having("COUNT(DISTINCT p.user_id) = 2").
		Pluck("p.conversation_id", &ids).Error
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[0], nil
}

func requireProfiles(tx *gorm.DB, ids []string) error {
	var n int64
	if err := tx.Model(&models.Profile{}).Where("id IN ?", ids).Count(&n).Error; err != nil {
		return err
	}
	if int(n) != len(ids) {
		return gateway.NewError(gateway.NotFound, "PGRST116", "one or more users do not exist")
	}
	return nil
}

func (s *session) createGroup(ctx context.Context, a groupArgs) (string, error) {
	name := strings.TrimSpace(a.Name)
	if name == "" {
		return "", invalid("22023", "group name is required")
	}
	seen := map[string]bool{s.userID: true}
	var others []string
	for _, id := range a.MemberIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		others = append(others, id)
	}
	if len(others) == 0 {
		return "", invalid("22023", "a group needs at least one other member")
	}

	var members []models.ConversationParticipant
	conv := models.Conversation{Kind: models.ConversationGroup, Name: name, CreatedBy: s.userID}
	err := s.g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireProfiles(tx, others); err != nil {
			return err
		}
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		members = append(members, models.ConversationParticipant{ConversationID: conv.ID, UserID: s.userID})
		for _, id := range others {
			members = append(members, models.ConversationParticipant{ConversationID: conv.ID, UserID: id})
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return "", mapError(err)
	}
	s.publishMembers(ctx, members)
	return conv.ID, nil
}

func (s *session) markRead(ctx context.Context, a markReadArgs) error {
	if a.ConversationID == "" {
		return invalid("22023", "conversation_id is required")
	}
	now := time.Now().UTC()
	res := s.g.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", a.ConversationID, s.userID).
		Update("last_read_at", now)
	if res.Error != nil {
		return mapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return forbidden("not a participant of this conversation")
	}
	rows, err := s.selectRows(s.g.db.WithContext(ctx), gateway.Query{
		Table:   chatstore.TableParticipants,
		Filters: []gateway.Filter{gateway.Eq("conversation_id", a.ConversationID), gateway.Eq("user_id", s.userID)},
	})
	if err == nil && len(rows) == 1 {
		s.g.publish(ctx, gateway.ChangeEvent{Type: gateway.ChangeUpdate, Table: chatstore.TableParticipants, New: rows[0]})
	}
	return nil
}

func (s *session) publishMembers(ctx context.Context, members []models.ConversationParticipant) {
	if len(members) == 0 {
		return
	}
	rows, err := toRows(members, nil)
	if err != nil {
		return
	}
	for _, r := range rows {
		s.g.publish(ctx, gateway.ChangeEvent{Type: gateway.ChangeInsert, Table: chatstore.TableParticipants, New: r})
	}
}
