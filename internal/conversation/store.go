package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/suPer8Hu/phantom-rooms/internal/message"
)

var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrForbidden    = errors.New("not allowed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidReply = errors.New("reply target must be an earlier message in the same conversation")
	ErrNotAccepted  = errors.New("friendship is not accepted")
	ErrNotReady     = errors.New("conversation is still loading")
)

// Draft is a message about to be persisted. For direct messages Content is
// already marker-encoded; DisplayType is stored alongside it either way.
type Draft struct {
	Conversation      message.ConversationRef
	SenderUserID      uint64
	SenderCharacterID *string
	Content           string
	DisplayType       message.DisplayType
	AttachmentURL     *string
	ReplyToID         *string
	ClientID          *string
	IsAI              bool
}

// Sender is the resolved display identity of a character.
type Sender struct {
	Name      string
	AvatarURL string
}

// Store is the message store adapter for one conversation kind. Writes are
// authoritative: the store rejects edits by non-senders and deletes by
// non-senders (non-staff in rooms) on its own, and publishes every successful
// mutation to the change feed.
type Store interface {
	// Access returns ErrNotFound, ErrForbidden or ErrNotAccepted when the user
	// may not read (write=false) or post to (write=true) the conversation.
	Access(ctx context.Context, conv message.ConversationRef, userID uint64, write bool) error
	// ListRecent returns newest first; before, when set, is exclusive.
	ListRecent(ctx context.Context, conv message.ConversationRef, limit int, before *time.Time) ([]message.Message, error)
	Get(ctx context.Context, conv message.ConversationRef, id string) (*message.Message, error)
	Create(ctx context.Context, d Draft) (*message.Message, error)
	UpdateContent(ctx context.Context, conv message.ConversationRef, id string, userID uint64, content string) (*message.Message, error)
	Delete(ctx context.Context, conv message.ConversationRef, id string, userID uint64) error
	MarkRead(ctx context.Context, conv message.ConversationRef, userID uint64) (int64, error)
	UnreadCount(ctx context.Context, conv message.ConversationRef, userID uint64) (int64, error)
	IsStaff(ctx context.Context, conv message.ConversationRef, userID uint64) (bool, error)
	Senders(ctx context.Context, characterIDs []string) (map[string]Sender, error)
}

// StarterSource is implemented by stores whose conversations can carry a
// one-shot starter message (pending friendships).
type StarterSource interface {
	Starter(ctx context.Context, conv message.ConversationRef) (*string, error)
}

// Admitter is the spam gate the send path runs through.
type Admitter interface {
	Admit(ctx context.Context, userID uint64, scope, content string) error
	Record(userID uint64, scope, content string)
}
