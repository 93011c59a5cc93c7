// Package models contains the row shapes owned by the gateway and shared by the client.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationKind distinguishes one-on-one conversations from named groups.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation represents a chat conversation (direct or group).
// UpdatedAt doubles as the last-activity timestamp and is bumped on every new message.
type Conversation struct {
	ID        string           `gorm:"primaryKey;size:36" json:"id"`
	Kind      ConversationKind `gorm:"size:16;not null;default:'direct'" json:"kind"`
	Name      string           `json:"name"` // For group chats
	CreatedBy string           `gorm:"size:36;index" json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// BeforeCreate assigns a UUID when the caller did not provide an id.
func (c *Conversation) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// IsGroup reports whether the conversation is a named group.
func (c Conversation) IsGroup() bool { return c.Kind == ConversationGroup }

// ConversationParticipant tracks user membership in a conversation.
// LastReadAt is nil until the user marks the conversation read for the first time.
type ConversationParticipant struct {
	ConversationID string     `gorm:"primaryKey;size:36" json:"conversation_id"`
	UserID         string     `gorm:"primaryKey;size:36;index" json:"user_id"`
	JoinedAt       time.Time  `gorm:"autoCreateTime" json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at"`
}

// Message represents a chat message. Deleted messages stay in storage but are never displayed.
type Message struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string    `gorm:"size:36;not null;index:idx_messages_conversation_created,priority:1" json:"conversation_id"`
	SenderID       string    `gorm:"size:36;not null;index" json:"sender_id"`
	Body           string    `gorm:"type:text;not null" json:"body"`
	ReplyToID      *string   `gorm:"size:36" json:"reply_to_id"`
	Edited         bool      `gorm:"not null;default:false" json:"edited"`
	Deleted        bool      `gorm:"not null;default:false" json:"deleted"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conversation_created,priority:2" json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BeforeCreate assigns a UUID when the caller did not provide an id.
func (m *Message) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// ReplyTo returns the reply-target id or "" when the message is not a reply.
func (m Message) ReplyTo() string {
	if m.ReplyToID == nil {
		return ""
	}
	return *m.ReplyToID
}
