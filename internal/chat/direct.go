package chat

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/phantom-rooms/internal/common"
	"github.com/suPer8Hu/phantom-rooms/internal/conversation"
	"github.com/suPer8Hu/phantom-rooms/internal/feed"
	"github.com/suPer8Hu/phantom-rooms/internal/message"
)

// DirectStore persists direct messages between the two parties of a
// friendship. Content is stored marker-encoded together with an explicit
// display_type; reads strip the markers only when the column agrees.
type DirectStore struct {
	base
}

func NewDirectStore(db *gorm.DB, pub feed.Publisher, log *zap.Logger) *DirectStore {
	return &DirectStore{base: newBase(db, pub, log)}
}

func directMessage(m *DirectMessage) message.Message {
	var stored message.DisplayType
	if m.DisplayType != "" {
		if dt, err := message.ParseDisplayType(m.DisplayType); err == nil {
			stored = dt
		}
	}
	dt, body := message.DecodeAs(stored, m.Content)
	return message.Message{
		ID:                m.ID,
		Conversation:      message.ConversationRef{Kind: message.KindDirect, ID: m.FriendshipID},
		SenderUserID:      m.SenderUserID,
		SenderCharacterID: m.SenderCharacterID,
		Content:           body,
		DisplayType:       dt,
		AttachmentURL:     m.AttachmentURL,
		ReplyToID:         m.ReplyToID,
		IsRead:            m.IsRead,
		ClientID:          m.ClientID,
		EditedAt:          m.EditedAt,
		CreatedAt:         m.CreatedAt,
	}
}

func (s *DirectStore) friendship(ctx context.Context, id string) (*Friendship, error) {
	var f Friendship
	if err := s.db.WithContext(ctx).First(&f, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// Access reports a friendship the user is not part of as not found. Posting
// additionally requires the friendship to be accepted.
func (s *DirectStore) Access(ctx context.Context, conv message.ConversationRef, userID uint64, write bool) error {
	f, err := s.friendship(ctx, conv.ID)
	if err != nil {
		return err
	}
	if !f.Includes(userID) {
		return conversation.ErrNotFound
	}
	if write && f.Status != FriendshipAccepted {
		return conversation.ErrNotAccepted
	}
	return nil
}

// Starter returns the one-shot starter message while the friendship is pending.
func (s *DirectStore) Starter(ctx context.Context, conv message.ConversationRef) (*string, error) {
	f, err := s.friendship(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if f.Status != FriendshipPending {
		return nil, nil
	}
	return f.StarterMessage, nil
}

// IsStaff is always false: direct conversations have no staff.
func (s *DirectStore) IsStaff(ctx context.Context, conv message.ConversationRef, userID uint64) (bool, error) {
	return false, nil
}

func (s *DirectStore) ListRecent(ctx context.Context, conv message.ConversationRef, limit int, before *time.Time) ([]message.Message, error) {
	q := s.db.WithContext(ctx).
		Where("friendship_id = ?", conv.ID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(clampLimit(limit))
	if before != nil {
		q = q.Where("created_at < ?", *before)
	}

	var rows []DirectMessage
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]message.Message, 0, len(rows))
	for i := range rows {
		out = append(out, directMessage(&rows[i]))
	}
	return out, nil
}

func (s *DirectStore) get(ctx context.Context, friendshipID, id string) (*DirectMessage, error) {
	var m DirectMessage
	if err := s.db.WithContext(ctx).
		Where("id = ? AND friendship_id = ?", id, friendshipID).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *DirectStore) Get(ctx context.Context, conv message.ConversationRef, id string) (*message.Message, error) {
	m, err := s.get(ctx, conv.ID, id)
	if err != nil {
		return nil, notFound(err)
	}
	out := directMessage(m)
	return &out, nil
}

// Create stores the message and notifies the other participant in the same
// transaction.
func (s *DirectStore) Create(ctx context.Context, d conversation.Draft) (*message.Message, error) {
	if err := validDraft(d); err != nil {
		return nil, err
	}
	f, err := s.friendship(ctx, d.Conversation.ID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if d.ReplyToID != nil {
		var at time.Time
		target, err := s.get(ctx, f.ID, *d.ReplyToID)
		if target != nil {
			at = target.CreatedAt
		}
		if err := replyAllowed(at, err, now); err != nil {
			return nil, err
		}
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	dt := d.DisplayType
	if dt == "" {
		dt = message.Dialogue
	}
	row := &DirectMessage{
		ID:                id,
		FriendshipID:      f.ID,
		SenderUserID:      d.SenderUserID,
		SenderCharacterID: d.SenderCharacterID,
		Content:           d.Content,
		DisplayType:       string(dt),
		AttachmentURL:     d.AttachmentURL,
		ReplyToID:         d.ReplyToID,
		ClientID:          d.ClientID,
		CreatedAt:         now,
	}
	recipient := f.RequesterID
	if recipient == d.SenderUserID {
		recipient = f.AddresseeID
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return tx.Create(&Notification{
			UserID:      recipient,
			Type:        NotificationDirectMessage,
			ReferenceID: f.ID,
			Message:     "You have a new message",
			CreatedAt:   now,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	out := directMessage(row)
	s.publish(ctx, message.OpInsert, out)
	return &out, nil
}

// UpdateContent replaces the encoded content; the stored display type is kept.
func (s *DirectStore) UpdateContent(ctx context.Context, conv message.ConversationRef, id string, userID uint64, content string) (*message.Message, error) {
	if content == "" {
		return nil, conversation.ErrEmptyContent
	}
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&DirectMessage{}).
		Where("id = ? AND friendship_id = ? AND sender_user_id = ?", id, conv.ID, userID).
		Updates(map[string]any{"content": content, "edited_at": now})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		ok, err := s.exists(ctx, &DirectMessage{}, "id = ? AND friendship_id = ?", id, conv.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, conversation.ErrForbidden
		}
		return nil, conversation.ErrNotFound
	}

	m, err := s.get(ctx, conv.ID, id)
	if err != nil {
		return nil, notFound(err)
	}
	out := directMessage(m)
	s.publish(ctx, message.OpUpdate, out)
	return &out, nil
}

// Delete is sender-only.
func (s *DirectStore) Delete(ctx context.Context, conv message.ConversationRef, id string, userID uint64) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND friendship_id = ? AND sender_user_id = ?", id, conv.ID, userID).
		Delete(&DirectMessage{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		ok, err := s.exists(ctx, &DirectMessage{}, "id = ? AND friendship_id = ?", id, conv.ID)
		if err != nil {
			return err
		}
		if ok {
			return conversation.ErrForbidden
		}
		return conversation.ErrNotFound
	}
	s.publish(ctx, message.OpDelete, message.Message{ID: id, Conversation: conv})
	return nil
}

// MarkRead marks every unread inbound message of the conversation read, plus
// the user's unread notifications that reference it, in one transaction. The
// affected messages are published as updates so the sender sees the receipt.
func (s *DirectStore) MarkRead(ctx context.Context, conv message.ConversationRef, userID uint64) (int64, error) {
	var ids []string
	var marked int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&DirectMessage{}).
			Where("friendship_id = ? AND sender_user_id <> ? AND is_read = ?", conv.ID, userID, false).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) > 0 {
			res := tx.Model(&DirectMessage{}).Where("id IN ?", ids).Update("is_read", true)
			if res.Error != nil {
				return res.Error
			}
			marked = res.RowsAffected
		}
		return tx.Model(&Notification{}).
			Where("user_id = ? AND reference_id = ? AND is_read = ?", userID, conv.ID, false).
			Update("is_read", true).Error
	})
	if err != nil {
		return 0, err
	}

	if len(ids) > 0 && s.feed != nil {
		var rows []DirectMessage
		if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
			s.log.Warn("reload read messages failed", zap.String("friendship_id", conv.ID), zap.Error(err))
			return marked, nil
		}
		for i := range rows {
			s.publish(ctx, message.OpUpdate, directMessage(&rows[i]))
		}
	}
	return marked, nil
}

func (s *DirectStore) UnreadCount(ctx context.Context, conv message.ConversationRef, userID uint64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&DirectMessage{}).
		Where("friendship_id = ? AND sender_user_id <> ? AND is_read = ?", conv.ID, userID, false).
		Count(&n).Error
	return n, err
}
