package chat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/phantom-rooms/internal/common"
	"github.com/suPer8Hu/phantom-rooms/internal/conversation"
	"github.com/suPer8Hu/phantom-rooms/internal/feed"
	"github.com/suPer8Hu/phantom-rooms/internal/message"
)

// RoomStore persists room messages. Every accepted user message is also
// handed to the narrator trigger queue; AI messages never are.
type RoomStore struct {
	base
	triggers TriggerPublisher
}

func NewRoomStore(db *gorm.DB, pub feed.Publisher, triggers TriggerPublisher, log *zap.Logger) *RoomStore {
	return &RoomStore{base: newBase(db, pub, log), triggers: triggers}
}

func roomMessage(m *RoomMessage) message.Message {
	dt, err := message.ParseDisplayType(m.DisplayType)
	if err != nil {
		dt = message.Dialogue
	}
	return message.Message{
		ID:                m.ID,
		Conversation:      message.ConversationRef{Kind: message.KindRoom, ID: m.RoomID},
		SenderUserID:      m.SenderUserID,
		SenderCharacterID: m.SenderCharacterID,
		Content:           m.Content,
		DisplayType:       dt,
		AttachmentURL:     m.AttachmentURL,
		ReplyToID:         m.ReplyToID,
		IsAI:              m.IsAI,
		ClientID:          m.ClientID,
		EditedAt:          m.EditedAt,
		CreatedAt:         m.CreatedAt,
	}
}

func (s *RoomStore) room(ctx context.Context, id string) (*Room, error) {
	var r Room
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// IsStaff reports whether the user owns the room's world or holds an owner or
// admin membership in the room.
func (s *RoomStore) IsStaff(ctx context.Context, conv message.ConversationRef, userID uint64) (bool, error) {
	r, err := s.room(ctx, conv.ID)
	if err != nil {
		return false, err
	}
	return s.isStaff(ctx, r, userID)
}

func (s *RoomStore) isStaff(ctx context.Context, r *Room, userID uint64) (bool, error) {
	var w World
	if err := s.db.WithContext(ctx).Select("owner_user_id").First(&w, "id = ?", r.WorldID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, err
		}
	} else if w.OwnerUserID == userID {
		return true, nil
	}
	return s.exists(ctx, &RoomMember{},
		"room_id = ? AND user_id = ? AND role IN ?", r.ID, userID, []MemberRole{RoleOwner, RoleAdmin})
}

// Access hides staff-only rooms from everyone but staff. Public rooms are
// open to every signed-in user for both reading and posting.
func (s *RoomStore) Access(ctx context.Context, conv message.ConversationRef, userID uint64, write bool) error {
	r, err := s.room(ctx, conv.ID)
	if err != nil {
		return err
	}
	if !r.StaffOnly {
		return nil
	}
	staff, err := s.isStaff(ctx, r, userID)
	if err != nil {
		return err
	}
	if !staff {
		return conversation.ErrForbidden
	}
	return nil
}

func (s *RoomStore) ListRecent(ctx context.Context, conv message.ConversationRef, limit int, before *time.Time) ([]message.Message, error) {
	q := s.db.WithContext(ctx).
		Where("room_id = ?", conv.ID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(clampLimit(limit))
	if before != nil {
		q = q.Where("created_at < ?", *before)
	}

	var rows []RoomMessage
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]message.Message, 0, len(rows))
	for i := range rows {
		out = append(out, roomMessage(&rows[i]))
	}
	return out, nil
}

func (s *RoomStore) get(ctx context.Context, roomID, id string) (*RoomMessage, error) {
	var m RoomMessage
	if err := s.db.WithContext(ctx).
		Where("id = ? AND room_id = ?", id, roomID).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *RoomStore) Get(ctx context.Context, conv message.ConversationRef, id string) (*message.Message, error) {
	m, err := s.get(ctx, conv.ID, id)
	if err != nil {
		return nil, notFound(err)
	}
	out := roomMessage(m)
	return &out, nil
}

func (s *RoomStore) Create(ctx context.Context, d conversation.Draft) (*message.Message, error) {
	if err := validDraft(d); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if d.ReplyToID != nil {
		var at time.Time
		target, err := s.get(ctx, d.Conversation.ID, *d.ReplyToID)
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
	row := &RoomMessage{
		ID:                id,
		RoomID:            d.Conversation.ID,
		SenderUserID:      d.SenderUserID,
		SenderCharacterID: d.SenderCharacterID,
		Content:           d.Content,
		DisplayType:       string(dt),
		AttachmentURL:     d.AttachmentURL,
		ReplyToID:         d.ReplyToID,
		IsAI:              d.IsAI,
		ClientID:          d.ClientID,
		CreatedAt:         now,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}

	out := roomMessage(row)
	s.publish(ctx, message.OpInsert, out)

	if !row.IsAI && s.triggers != nil {
		if err := s.triggers.EnqueueTrigger(ctx, out); err != nil {
			s.log.Warn("narrator trigger publish failed", zap.String("message_id", row.ID), zap.Error(err))
		}
	}
	return &out, nil
}

func (s *RoomStore) UpdateContent(ctx context.Context, conv message.ConversationRef, id string, userID uint64, content string) (*message.Message, error) {
	if content == "" {
		return nil, conversation.ErrEmptyContent
	}
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&RoomMessage{}).
		Where("id = ? AND room_id = ? AND sender_user_id = ?", id, conv.ID, userID).
		Updates(map[string]any{"content": content, "edited_at": now})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		ok, err := s.exists(ctx, &RoomMessage{}, "id = ? AND room_id = ?", id, conv.ID)
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
	out := roomMessage(m)
	s.publish(ctx, message.OpUpdate, out)
	return &out, nil
}

// Delete is a hard delete by the sender or by room staff.
func (s *RoomStore) Delete(ctx context.Context, conv message.ConversationRef, id string, userID uint64) error {
	m, err := s.get(ctx, conv.ID, id)
	if err != nil {
		return notFound(err)
	}
	if m.SenderUserID != userID {
		staff, err := s.IsStaff(ctx, conv, userID)
		if err != nil {
			return err
		}
		if !staff {
			return conversation.ErrForbidden
		}
	}
	if err := s.db.WithContext(ctx).Delete(&RoomMessage{}, "id = ?", m.ID).Error; err != nil {
		return err
	}
	s.publish(ctx, message.OpDelete, message.Message{ID: m.ID, Conversation: conv})
	return nil
}

// MarkRead clears the user's unread notifications that reference the room.
// Room messages themselves carry no read state.
func (s *RoomStore) MarkRead(ctx context.Context, conv message.ConversationRef, userID uint64) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND reference_id = ? AND is_read = ?", userID, conv.ID, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

func (s *RoomStore) UnreadCount(ctx context.Context, conv message.ConversationRef, userID uint64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND reference_id = ? AND is_read = ?", userID, conv.ID, false).
		Count(&n).Error
	return n, err
}
