package conversation

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/suPer8Hu/phantom-rooms/internal/message"
)

// Author is who a message is sent as.
type Author struct {
	UserID      uint64
	CharacterID string
}

// Prepare validates a send, checks write access and runs the spam gate. The
// returned draft carries a fresh client id and, for direct messages, the
// marker-encoded content; plain is the trimmed text as the user typed it.
func Prepare(ctx context.Context, store Store, guard Admitter, conv message.ConversationRef, from Author, in SendInput) (d Draft, plain string, err error) {
	plain = strings.TrimSpace(in.Content)
	if plain == "" {
		return Draft{}, "", ErrEmptyContent
	}
	dt := in.DisplayType
	if dt == "" {
		dt = message.Dialogue
	}
	if err := store.Access(ctx, conv, from.UserID, true); err != nil {
		return Draft{}, "", err
	}
	if guard != nil {
		if err := guard.Admit(ctx, from.UserID, conv.Scope(), plain); err != nil {
			return Draft{}, "", err
		}
	}

	stored := plain
	if conv.Kind == message.KindDirect {
		stored = message.Encode(dt, plain)
	}
	clientID := uuid.NewString()
	d = Draft{
		Conversation:  conv,
		SenderUserID:  from.UserID,
		Content:       stored,
		DisplayType:   dt,
		AttachmentURL: in.AttachmentURL,
		ReplyToID:     in.ReplyToID,
		ClientID:      &clientID,
	}
	if from.CharacterID != "" {
		id := from.CharacterID
		d.SenderCharacterID = &id
	}
	return d, plain, nil
}

// Commit persists a prepared draft and counts it against the sender's spam
// history.
func Commit(ctx context.Context, store Store, guard Admitter, d Draft, plain string) (*message.Message, error) {
	m, err := store.Create(ctx, d)
	if err != nil {
		return nil, err
	}
	if guard != nil {
		guard.Record(d.SenderUserID, d.Conversation.Scope(), plain)
	}
	return m, nil
}

// Post sends one message without a live view.
func Post(ctx context.Context, store Store, guard Admitter, conv message.ConversationRef, from Author, in SendInput) (*message.Message, error) {
	d, plain, err := Prepare(ctx, store, guard, conv, from, in)
	if err != nil {
		return nil, err
	}
	return Commit(ctx, store, guard, d, plain)
}
