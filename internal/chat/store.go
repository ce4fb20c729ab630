package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/phantom-rooms/internal/conversation"
	"github.com/suPer8Hu/phantom-rooms/internal/feed"
	"github.com/suPer8Hu/phantom-rooms/internal/message"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// TriggerPublisher hands a persisted user room message to the narrator queue.
type TriggerPublisher interface {
	EnqueueTrigger(ctx context.Context, m message.Message) error
}

// base carries what both message stores share: the db handle, the change
// feed and character lookups.
type base struct {
	db   *gorm.DB
	feed feed.Publisher
	log  *zap.Logger
	now  func() time.Time
}

func newBase(db *gorm.DB, pub feed.Publisher, log *zap.Logger) base {
	if log == nil {
		log = zap.NewNop()
	}
	return base{db: db, feed: pub, log: log, now: time.Now}
}

// publish fans a committed write out. The row is already the source of
// truth, so a feed failure is logged and not returned.
func (b *base) publish(ctx context.Context, op message.Op, m message.Message) {
	if b.feed == nil {
		return
	}
	if err := b.feed.Publish(ctx, message.Event{Op: op, Message: m}); err != nil {
		b.log.Warn("feed publish failed",
			zap.String("scope", m.Conversation.Scope()),
			zap.String("message_id", m.ID),
			zap.String("op", string(op)),
			zap.Error(err))
	}
}

func (b *base) Senders(ctx context.Context, characterIDs []string) (map[string]conversation.Sender, error) {
	out := make(map[string]conversation.Sender, len(characterIDs))
	ids := uniqueNonEmpty(characterIDs)
	if len(ids) == 0 {
		return out, nil
	}
	var chars []Character
	if err := b.db.WithContext(ctx).
		Select("id", "name", "avatar_url").
		Where("id IN ?", ids).
		Find(&chars).Error; err != nil {
		return nil, err
	}
	for _, c := range chars {
		out[c.ID] = conversation.Sender{Name: c.Name, AvatarURL: c.AvatarURL}
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

func uniqueNonEmpty(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return conversation.ErrNotFound
	}
	return err
}

func validDraft(d conversation.Draft) error {
	if strings.TrimSpace(d.Content) == "" {
		return conversation.ErrEmptyContent
	}
	return nil
}

// replyAllowed enforces that a reply target, looked up within the same
// conversation, was created no later than now.
func replyAllowed(targetAt time.Time, lookupErr error, now time.Time) error {
	if lookupErr != nil {
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return conversation.ErrInvalidReply
		}
		return lookupErr
	}
	if targetAt.After(now) {
		return conversation.ErrInvalidReply
	}
	return nil
}

// exists distinguishes "not yours" from "does not exist" after a guarded
// update touched no rows.
func (b *base) exists(ctx context.Context, model any, where string, args ...any) (bool, error) {
	var n int64
	if err := b.db.WithContext(ctx).Model(model).Where(where, args...).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}
