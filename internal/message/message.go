package message

import (
	"errors"
	"strings"
	"time"
)

// Kind distinguishes room conversations from direct (friendship) conversations.
type Kind string

const (
	KindRoom   Kind = "room"
	KindDirect Kind = "direct"
)

// ConversationRef identifies one conversation: a room id or a friendship id.
type ConversationRef struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// Scope is the feed/presence topic name for the conversation.
func (c ConversationRef) Scope() string {
	return string(c.Kind) + ":" + c.ID
}

var ErrBadScope = errors.New("scope must be room:<id> or direct:<id>")

// ParseScope is the inverse of Scope.
func ParseScope(s string) (ConversationRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || id == "" {
		return ConversationRef{}, ErrBadScope
	}
	switch Kind(kind) {
	case KindRoom, KindDirect:
		return ConversationRef{Kind: Kind(kind), ID: id}, nil
	}
	return ConversationRef{}, ErrBadScope
}

// Message is the transport-level view of a persisted chat message. Room and
// direct messages share it; IsRead only carries meaning for direct messages.
type Message struct {
	ID                string          `json:"id"`
	Conversation      ConversationRef `json:"conversation"`
	SenderUserID      uint64          `json:"sender_user_id"`
	SenderCharacterID *string         `json:"sender_character_id,omitempty"`
	Content           string          `json:"content"`
	DisplayType       DisplayType     `json:"display_type"`
	AttachmentURL     *string         `json:"attachment_url,omitempty"`
	ReplyToID         *string         `json:"reply_to_id,omitempty"`
	IsAI              bool            `json:"is_ai,omitempty"`
	IsRead            bool            `json:"is_read,omitempty"`
	ClientID          *string         `json:"client_id,omitempty"`
	EditedAt          *time.Time      `json:"edited_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Op is the mutation kind carried by a feed event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one change-feed notification. For deletes only Message.ID and
// Message.Conversation are meaningful.
type Event struct {
	Op      Op      `json:"op"`
	Message Message `json:"message"`
}
