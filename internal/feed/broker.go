package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/suPer8Hu/phantom-rooms/internal/message"
	"github.com/suPer8Hu/phantom-rooms/internal/metrics"
)

// Publisher fans a persisted mutation out to every subscriber of its conversation.
type Publisher interface {
	Publish(ctx context.Context, ev message.Event) error
}

// Subscriber opens a scoped subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, conv message.ConversationRef) (*Subscription, error)
}

// Subscription delivers events in publish order until Close or context end.
type Subscription struct {
	Events <-chan message.Event

	once  sync.Once
	close func() error
}

// NewSubscription wraps an event channel; closeFn may be nil.
func NewSubscription(events <-chan message.Event, closeFn func() error) *Subscription {
	return &Subscription{Events: events, close: closeFn}
}

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		if s.close != nil {
			err = s.close()
		}
	})
	return err
}

// Broker is the redis pub/sub implementation of the change feed.
type Broker struct {
	rdb     redis.UniversalClient
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewBroker(rdb redis.UniversalClient, log *zap.Logger, m *metrics.Metrics) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{rdb: rdb, log: log, metrics: m}
}

func channelFor(conv message.ConversationRef) string {
	return "feed:" + conv.Scope()
}

func (b *Broker) Publish(ctx context.Context, ev message.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channelFor(ev.Message.Conversation), body).Err(); err != nil {
		return fmt.Errorf("publish feed event: %w", err)
	}
	b.metrics.FeedPublished(string(ev.Op))
	return nil
}

// Subscribe returns once redis has confirmed the subscription, so a message
// sent right after Subscribe returns is guaranteed to be delivered.
func (b *Broker) Subscribe(ctx context.Context, conv message.ConversationRef) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channelFor(conv))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", conv.Scope(), err)
	}

	out := make(chan message.Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				var ev message.Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("drop malformed feed event", zap.String("channel", m.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	return &Subscription{
		Events: out,
		close: func() error {
			close(done)
			return ps.Close()
		},
	}, nil
}
