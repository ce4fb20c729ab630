package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Typist throttles typing announcements for one participant: the first
// keystroke announces typing, every keystroke re-arms the idle timer, and the
// state clears itself once the participant has been idle for idle.
type Typist struct {
	tracker Tracker
	topic   string
	rec     Record
	idle    time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
}

func NewTypist(tracker Tracker, topic string, rec Record, idle time.Duration, log *zap.Logger) *Typist {
	if idle <= 0 {
		idle = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Typist{tracker: tracker, topic: topic, rec: rec, idle: idle, log: log}
}

func (t *Typist) Keystroke(ctx context.Context) error {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.idle, func() { t.expire(gen) })
	started := !t.typing
	t.typing = true
	t.mu.Unlock()

	if !started {
		return nil
	}
	return t.announce(ctx, true)
}

// Stop clears typing immediately, e.g. on send.
func (t *Typist) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	was := t.typing
	t.typing = false
	t.mu.Unlock()

	if !was {
		return nil
	}
	return t.announce(ctx, false)
}

func (t *Typist) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// expire runs on the timer goroutine; a timer superseded by a later
// keystroke or Stop carries an old generation and does nothing.
func (t *Typist) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.typing = false
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := t.announce(ctx, false); err != nil {
		t.log.Debug("typing auto-clear failed", zap.String("topic", t.topic), zap.Error(err))
	}
}

// announce publishes typing without holding mu. Announcements racing each
// other can land out of order, so it republishes until the published value
// matches the current state.
func (t *Typist) announce(ctx context.Context, typing bool) error {
	for {
		rec := t.rec
		rec.IsTyping = typing
		if err := t.tracker.Track(ctx, t.topic, rec); err != nil {
			return err
		}
		t.mu.Lock()
		cur := t.typing
		t.mu.Unlock()
		if cur == typing {
			return nil
		}
		typing = cur
	}
}
