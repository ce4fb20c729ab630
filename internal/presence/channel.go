package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/suPer8Hu/phantom-rooms/internal/message"
)

// Record is one participant's ephemeral state in a topic.
type Record struct {
	ActorKey    string    `json:"actor_key"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	IsTyping    bool      `json:"is_typing"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Tracker is the write side of the channel.
type Tracker interface {
	Track(ctx context.Context, topic string, rec Record) error
	Untrack(ctx context.Context, topic, actorKey string) error
}

// ActorKey picks the presence identity. Direct messages always key on the
// account so switching characters mid-conversation does not duplicate the
// participant; rooms key on the character when one is in use.
func ActorKey(kind message.Kind, userID uint64, characterID string) string {
	if kind == message.KindRoom && characterID != "" {
		return "character:" + characterID
	}
	return "user:" + strconv.FormatUint(userID, 10)
}

// TypingOthers reduces a synced record set to the participants other than
// self who are typing right now.
func TypingOthers(records []Record, self string) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.IsTyping && r.ActorKey != self {
			out = append(out, r)
		}
	}
	return out
}

// Channel keeps presence in redis: one hash per topic (last write wins per
// actor key) plus a pub/sub notification on every change. A record whose
// owner stops heartbeating goes stale after ttl and is treated as gone.
type Channel struct {
	rdb redis.UniversalClient
	ttl time.Duration
	log *zap.Logger
	now func() time.Time
}

func NewChannel(rdb redis.UniversalClient, ttl time.Duration, log *zap.Logger) *Channel {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{rdb: rdb, ttl: ttl, log: log, now: time.Now}
}

func hashKey(topic string) string   { return "presence:" + topic }
func notifyKey(topic string) string { return "presence-changed:" + topic }

func (c *Channel) Track(ctx context.Context, topic string, rec Record) error {
	if rec.ActorKey == "" {
		return fmt.Errorf("presence: actor key required")
	}
	rec.UpdatedAt = c.now().UTC()
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, hashKey(topic), rec.ActorKey, body)
	pipe.Expire(ctx, hashKey(topic), 2*c.ttl)
	pipe.Publish(ctx, notifyKey(topic), rec.ActorKey)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Channel) Untrack(ctx context.Context, topic, actorKey string) error {
	pipe := c.rdb.TxPipeline()
	pipe.HDel(ctx, hashKey(topic), actorKey)
	pipe.Publish(ctx, notifyKey(topic), actorKey)
	_, err := pipe.Exec(ctx)
	return err
}

// Sync returns the live records of a topic ordered by actor key.
func (c *Channel) Sync(ctx context.Context, topic string) ([]Record, error) {
	raw, err := c.rdb.HGetAll(ctx, hashKey(topic)).Result()
	if err != nil {
		return nil, err
	}
	cutoff := c.now().Add(-c.ttl)
	out := make([]Record, 0, len(raw))
	var stale []string
	for key, v := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			stale = append(stale, key)
			continue
		}
		if rec.UpdatedAt.Before(cutoff) {
			stale = append(stale, key)
			continue
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		if err := c.rdb.HDel(ctx, hashKey(topic), stale...).Err(); err != nil {
			c.log.Debug("presence stale cleanup failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorKey < out[j].ActorKey })
	return out, nil
}

// Subscribe emits the full synced record set after subscribing and again on
// every change in the topic. The channel closes when ctx ends.
func (c *Channel) Subscribe(ctx context.Context, topic string) (<-chan []Record, error) {
	ps := c.rdb.Subscribe(ctx, notifyKey(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("presence subscribe %s: %w", topic, err)
	}

	out := make(chan []Record, 8)
	go func() {
		defer close(out)
		defer ps.Close()

		emit := func() bool {
			recs, err := c.Sync(ctx, topic)
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("presence sync failed", zap.String("topic", topic), zap.Error(err))
				}
				return ctx.Err() == nil
			}
			select {
			case out <- recs:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-in:
				if !ok {
					return
				}
				if !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}
