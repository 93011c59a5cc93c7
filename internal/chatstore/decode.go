package chatstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatsync/internal/gateway"
	"chatsync/internal/models"
	"chatsync/internal/observability"

	"github.com/go-viper/mapstructure/v2"
)

var (
	errMissingID           = errors.New("missing id")
	errMissingConversation = errors.New("missing conversation_id")
	errMissingSender       = errors.New("missing sender_id")
	errMissingUser         = errors.New("missing user_id")
	errMissingCreatedAt    = errors.New("missing created_at")
)

// decodeRow maps an untyped gateway row onto a model using its json tags.
// Unknown columns are ignored so the gateway can grow its schema.
func decodeRow(row gateway.Row, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(row))
}

// decodeRows decodes every row, logging and skipping the ones that fail
// decoding or validation.
func decodeRows[T any](ctx context.Context, log *observability.RepoLogger, rows []gateway.Row, validate func(*T) error) []T {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var v T
		err := decodeRow(row, &v)
		if err == nil {
			err = validate(&v)
		}
		if err != nil {
			log.LogMalformed(ctx, err, row)
			continue
		}
		out = append(out, v)
	}
	return out
}

func validateMessage(m *models.Message) error {
	switch {
	case m.ID == "":
		return errMissingID
	case m.ConversationID == "":
		return errMissingConversation
	case m.SenderID == "":
		return errMissingSender
	case m.CreatedAt.IsZero():
		return errMissingCreatedAt
	}
	if m.ReplyToID != nil && *m.ReplyToID == "" {
		m.ReplyToID = nil
	}
	return nil
}

func validateConversation(c *models.Conversation) error {
	if c.ID == "" {
		return errMissingID
	}
	switch c.Kind {
	case models.ConversationDirect, models.ConversationGroup:
	case "":
		c.Kind = models.ConversationDirect
	default:
		return fmt.Errorf("unknown conversation kind %q", c.Kind)
	}
	return nil
}

func validateParticipant(p *models.ConversationParticipant) error {
	switch {
	case p.ConversationID == "":
		return errMissingConversation
	case p.UserID == "":
		return errMissingUser
	}
	return nil
}

func validateProfile(p *models.Profile) error {
	if p.ID == "" {
		return errMissingID
	}
	return nil
}
