package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/suPer8Hu/phantom-rooms/internal/message"
	"github.com/suPer8Hu/phantom-rooms/internal/spam"
)

// Moderation persists spam escalations. It implements spam.Enforcer.
type Moderation struct {
	db  *gorm.DB
	now func() time.Time
}

func NewModeration(db *gorm.DB) *Moderation {
	return &Moderation{db: db, now: time.Now}
}

func (m *Moderation) ActiveTimeout(ctx context.Context, userID uint64, scope string) (*spam.Timeout, error) {
	var t UserTimeout
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND scope = ? AND expires_at > ?", userID, scope, m.now().UTC()).
		Order("expires_at DESC").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &spam.Timeout{
		UserID:    t.UserID,
		Scope:     t.Scope,
		Duration:  t.ExpiresAt.Sub(t.CreatedAt),
		ExpiresAt: t.ExpiresAt,
		Reason:    t.Reason,
	}, nil
}

// IssueTimeout writes the timeout, its audit entry and the offender's
// moderation notification together.
func (m *Moderation) IssueTimeout(ctx context.Context, t spam.Timeout, gate spam.Gate, warnings int) error {
	now := m.now().UTC()
	expires := t.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(t.Duration)
	}
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&UserTimeout{
			UserID:    t.UserID,
			Scope:     t.Scope,
			Reason:    t.Reason,
			ExpiresAt: expires.UTC(),
			CreatedAt: now,
		}).Error; err != nil {
			return err
		}
		if err := tx.Create(&AuditLog{
			ActorUserID: t.UserID,
			Action:      "spam_timeout",
			Details: datatypes.JSONMap{
				"scope":    t.Scope,
				"gate":     string(gate),
				"warnings": warnings,
				"duration": t.Duration.String(),
			},
			CreatedAt: now,
		}).Error; err != nil {
			return err
		}
		return tx.Create(&Notification{
			UserID:      t.UserID,
			Type:        NotificationModeration,
			ReferenceID: notificationRef(t.Scope),
			Message:     fmt.Sprintf("You have been timed out for %s: %s", t.Duration, t.Reason),
			CreatedAt:   now,
		}).Error
	})
}

// notificationRef is the conversation id a scope refers to, the same key
// MarkRead and UnreadCount match on.
func notificationRef(scope string) string {
	if conv, err := message.ParseScope(scope); err == nil {
		return conv.ID
	}
	return scope
}

// ClearTimeouts ends every active timeout for the user in the scope and
// audits the clearing under the moderator.
func (m *Moderation) ClearTimeouts(ctx context.Context, moderatorID, userID uint64, scope string) error {
	now := m.now().UTC()
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserTimeout{}).
			Where("user_id = ? AND scope = ? AND expires_at > ?", userID, scope, now).
			Update("expires_at", now)
		if res.Error != nil {
			return res.Error
		}
		return tx.Create(&AuditLog{
			ActorUserID: moderatorID,
			Action:      "timeout_cleared",
			Details:     datatypes.JSONMap{"scope": scope, "user_id": userID, "cleared": res.RowsAffected},
			CreatedAt:   now,
		}).Error
	})
}
