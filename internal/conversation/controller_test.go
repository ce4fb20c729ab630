package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/phantom-rooms/internal/feed"
	"github.com/suPer8Hu/phantom-rooms/internal/message"
	"github.com/suPer8Hu/phantom-rooms/internal/presence"
)

var (
	room = message.ConversationRef{Kind: message.KindRoom, ID: "R1"}
	dm   = message.ConversationRef{Kind: message.KindDirect, ID: "F1"}
	t0   = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)
)

// fakeStore keeps messages in memory and mimics the real stores' decoding of
// direct messages on read.
type fakeStore struct {
	mu       sync.Mutex
	msgs     map[string]message.Message
	senders  map[string]Sender
	staff    map[uint64]bool
	starter  *string
	denyPost error
	failNext error
	seq      int

	created []Draft
	updated []string
	onCreate func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		msgs:    map[string]message.Message{},
		senders: map[string]Sender{"CH1": {Name: "Aria", AvatarURL: "aria.png"}, "CH2": {Name: "Gruff"}},
		staff:   map[uint64]bool{},
	}
}

func (s *fakeStore) put(m message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ID] = m
}

func (s *fakeStore) Access(ctx context.Context, conv message.ConversationRef, userID uint64, write bool) error {
	if write {
		return s.denyPost
	}
	return nil
}

func (s *fakeStore) ListRecent(ctx context.Context, conv message.ConversationRef, limit int, before *time.Time) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.Message
	for _, m := range s.msgs {
		if m.Conversation == conv {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) Get(ctx context.Context, conv message.ConversationRef, id string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.Conversation != conv {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *fakeStore) Create(ctx context.Context, d Draft) (*message.Message, error) {
	if s.onCreate != nil {
		s.onCreate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}
	s.created = append(s.created, d)
	s.seq++
	dt, content := d.DisplayType, d.Content
	if d.Conversation.Kind == message.KindDirect {
		dt, content = message.DecodeAs(d.DisplayType, d.Content)
	}
	m := message.Message{
		ID:                fmt.Sprintf("M%03d", s.seq),
		Conversation:      d.Conversation,
		SenderUserID:      d.SenderUserID,
		SenderCharacterID: d.SenderCharacterID,
		Content:           content,
		DisplayType:       dt,
		ReplyToID:         d.ReplyToID,
		ClientID:          d.ClientID,
		CreatedAt:         t0.Add(time.Duration(s.seq) * time.Minute),
	}
	s.msgs[m.ID] = m
	return &m, nil
}

func (s *fakeStore) UpdateContent(ctx context.Context, conv message.ConversationRef, id string, userID uint64, content string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.SenderUserID != userID {
		return nil, ErrForbidden
	}
	s.updated = append(s.updated, content)
	if conv.Kind == message.KindDirect {
		_, content = message.DecodeAs(m.DisplayType, content)
	}
	m.Content = content
	now := t0.Add(time.Hour)
	m.EditedAt = &now
	s.msgs[id] = m
	return &m, nil
}

func (s *fakeStore) Delete(ctx context.Context, conv message.ConversationRef, id string, userID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.msgs, id)
	return nil
}

func (s *fakeStore) MarkRead(ctx context.Context, conv message.ConversationRef, userID uint64) (int64, error) {
	return 0, nil
}

func (s *fakeStore) UnreadCount(ctx context.Context, conv message.ConversationRef, userID uint64) (int64, error) {
	return 0, nil
}

func (s *fakeStore) IsStaff(ctx context.Context, conv message.ConversationRef, userID uint64) (bool, error) {
	return s.staff[userID], nil
}

func (s *fakeStore) Senders(ctx context.Context, ids []string) (map[string]Sender, error) {
	out := map[string]Sender{}
	for _, id := range ids {
		if v, ok := s.senders[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (s *fakeStore) Starter(ctx context.Context, conv message.ConversationRef) (*string, error) {
	return s.starter, nil
}

type fakeGuard struct {
	err      error
	recorded []string
}

func (g *fakeGuard) Admit(ctx context.Context, userID uint64, scope, content string) error {
	return g.err
}

func (g *fakeGuard) Record(userID uint64, scope, content string) {
	g.recorded = append(g.recorded, content)
}

type fakeTracker struct {
	mu    sync.Mutex
	calls []presence.Record
	left  []string
}

func (f *fakeTracker) Track(ctx context.Context, topic string, rec presence.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rec)
	return nil
}

func (f *fakeTracker) Untrack(ctx context.Context, topic, actorKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, actorKey)
	return nil
}

func strp(s string) *string { return &s }

func msg(conv message.ConversationRef, id string, at time.Time, user uint64, char, content string) message.Message {
	m := message.Message{ID: id, Conversation: conv, SenderUserID: user, Content: content, DisplayType: message.Dialogue, CreatedAt: at}
	if char != "" {
		m.SenderCharacterID = strp(char)
	}
	return m
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func openController(t *testing.T, store *fakeStore, conv message.ConversationRef, userID uint64, mutate func(*Options)) *Controller {
	t.Helper()
	opt := Options{Conversation: conv, UserID: userID, CharacterID: "CH1", DisplayName: "Aria", Store: store}
	if mutate != nil {
		mutate(&opt)
	}
	c := NewController(opt)
	require.NoError(t, c.Open(context.Background()))
	require.Equal(t, StateReady, c.State())
	return c
}

func TestFeedEventsRenderInTimeOrder(t *testing.T) {
	c := openController(t, newFakeStore(), room, 1, nil)
	ctx := context.Background()

	c.Apply(ctx, message.Event{Op: message.OpInsert, Message: msg(room, "T2", t0.Add(2*time.Second), 2, "CH2", "two")})
	c.Apply(ctx, message.Event{Op: message.OpInsert, Message: msg(room, "T1", t0.Add(1*time.Second), 2, "CH2", "one")})
	c.Apply(ctx, message.Event{Op: message.OpInsert, Message: msg(room, "T3", t0.Add(3*time.Second), 2, "CH2", "three")})
	require.Equal(t, []string{"T1", "T2", "T3"}, ids(c.Messages()))

	// equal timestamps keep arrival order
	c.Apply(ctx, message.Event{Op: message.OpInsert, Message: msg(room, "B", t0.Add(2*time.Second), 2, "", "b")})
	c.Apply(ctx, message.Event{Op: message.OpInsert, Message: msg(room, "A", t0.Add(2*time.Second), 2, "", "a")})
	require.Equal(t, []string{"T1", "T2", "B", "A", "T3"}, ids(c.Messages()))

	// redelivery does not duplicate
	c.Apply(ctx, message.Event{Op: message.OpInsert, Message: msg(room, "T1", t0.Add(1*time.Second), 2, "CH2", "one")})
	require.Len(t, c.Messages(), 5)

	// other conversations are ignored
	c.Apply(ctx, message.Event{Op: message.OpInsert, Message: msg(dm, "X", t0, 2, "", "x")})
	require.Len(t, c.Messages(), 5)
}

func TestUpdatesAndDeletesForUnknownIDsAreDropped(t *testing.T) {
	c := openController(t, newFakeStore(), room, 1, nil)
	ctx := context.Background()
	var changes []ChangeKind
	c.opt.Observer = func(ch Change) { changes = append(changes, ch.Kind) }

	c.Apply(ctx, message.Event{Op: message.OpUpdate, Message: msg(room, "GHOST", t0, 2, "", "edited")})
	c.Apply(ctx, message.Event{Op: message.OpDelete, Message: message.Message{ID: "GHOST", Conversation: room}})
	require.Empty(t, c.Messages())
	require.Empty(t, changes)

	c.Apply(ctx, message.Event{Op: message.OpInsert, Message: msg(room, "M1", t0, 2, "CH2", "hello")})
	edited := msg(room, "M1", t0, 2, "CH2", "hello there")
	c.Apply(ctx, message.Event{Op: message.OpUpdate, Message: edited})
	require.Equal(t, "hello there", c.Messages()[0].Content)
	c.Apply(ctx, message.Event{Op: message.OpDelete, Message: message.Message{ID: "M1", Conversation: room}})
	require.Empty(t, c.Messages())
	require.Equal(t, []ChangeKind{ChangeInsert, ChangeUpdate, ChangeRemove}, changes)
}

func TestLoadHistoryResolvesSendersAndReplies(t *testing.T) {
	store := newFakeStore()
	store.put(msg(room, "M1", t0, 2, "CH2", "Welcome to the Rusty Tankard, traveller. Sit, drink, and mind the cat."))
	reply := msg(room, "M2", t0.Add(time.Minute), 1, "CH1", "Thanks!")
	reply.ReplyToID = strp("M1")
	store.put(reply)
	orphan := msg(room, "M3", t0.Add(2*time.Minute), 3, "GONE", "re: something")
	orphan.ReplyToID = strp("DELETED")
	store.put(orphan)

	c := openController(t, store, room, 1, nil)
	got := c.Messages()
	require.Equal(t, []string{"M1", "M2", "M3"}, ids(got))

	require.Equal(t, "Gruff", got[0].SenderName)
	require.Equal(t, "Aria", got[1].SenderName)
	require.Equal(t, "aria.png", got[1].SenderAvatar)
	require.Equal(t, "Gruff", got[1].Reply.CharacterName)
	require.Equal(t, []rune("Welcome to the Rusty Tankard, traveller. Sit, drin…"), []rune(got[1].Reply.Content))

	require.Equal(t, "Unknown", got[2].SenderName)
	require.True(t, got[2].Reply.Missing)
	require.Equal(t, "Original message unavailable", got[2].Reply.Content)

	// deleting a reply target turns its previews into placeholders
	c.Apply(context.Background(), message.Event{Op: message.OpDelete, Message: message.Message{ID: "M1", Conversation: room}})
	require.True(t, c.Messages()[0].Reply.Missing)
}

func TestSendIsOptimisticAndReconciledByClientID(t *testing.T) {
	store := newFakeStore()
	guard := &fakeGuard{}
	c := openController(t, store, room, 1, func(o *Options) { o.Guard = guard })
	ctx := context.Background()

	var sawPending bool
	store.onCreate = func() {
		for _, e := range c.Messages() {
			if e.Pending && e.Content == "Hello there" {
				sawPending = true
			}
		}
	}

	m, err := c.Send(ctx, SendInput{Content: "  Hello there  "})
	require.NoError(t, err)
	require.True(t, sawPending)
	require.NotNil(t, m.ClientID)

	got := c.Messages()
	require.Len(t, got, 1)
	require.False(t, got[0].Pending)
	require.Equal(t, m.ID, got[0].ID)
	require.Equal(t, "Aria", got[0].SenderName)

	// the feed echo of the same message is absorbed
	c.Apply(ctx, message.Event{Op: message.OpInsert, Message: *m})
	require.Len(t, c.Messages(), 1)
	require.Equal(t, []string{"Hello there"}, guard.recorded)
	require.Equal(t, message.Dialogue, store.created[0].DisplayType)
	require.Equal(t, "CH1", *store.created[0].SenderCharacterID)
}

func TestFeedEchoBeforeAcknowledgementReplacesPending(t *testing.T) {
	store := newFakeStore()
	c := openController(t, store, room, 1, nil)
	ctx := context.Background()

	// the feed delivers the persisted row while Create is still returning
	store.onCreate = func() {
		var clientID *string
		for _, e := range c.Messages() {
			if e.Pending {
				clientID = e.ClientID
			}
		}
		require.NotNil(t, clientID)
		echo := msg(room, "M001", t0.Add(time.Minute), 1, "CH1", "hi")
		echo.ClientID = clientID
		c.Apply(ctx, message.Event{Op: message.OpInsert, Message: echo})
	}

	_, err := c.Send(ctx, SendInput{Content: "hi"})
	require.NoError(t, err)
	got := c.Messages()
	require.Len(t, got, 1)
	require.Equal(t, "M001", got[0].ID)
	require.False(t, got[0].Pending)
}

func TestSendFailuresLeaveNoTrace(t *testing.T) {
	store := newFakeStore()
	guard := &fakeGuard{}
	c := openController(t, store, room, 1, func(o *Options) { o.Guard = guard })
	ctx := context.Background()

	_, err := c.Send(ctx, SendInput{Content: "   "})
	require.ErrorIs(t, err, ErrEmptyContent)

	guard.err = errors.New("spam rejected (flood)")
	_, err = c.Send(ctx, SendInput{Content: "hello"})
	require.EqualError(t, err, "spam rejected (flood)")
	require.Empty(t, store.created)

	guard.err = nil
	store.failNext = errors.New("connection reset")
	_, err = c.Send(ctx, SendInput{Content: "hello"})
	require.Error(t, err)
	require.Empty(t, c.Messages())
	require.Empty(t, guard.recorded)

	store.denyPost = ErrNotAccepted
	_, err = c.Send(ctx, SendInput{Content: "hello"})
	require.ErrorIs(t, err, ErrNotAccepted)
}

func TestSendBeforeLoadIsRejected(t *testing.T) {
	c := NewController(Options{Conversation: room, UserID: 1, Store: newFakeStore()})
	_, err := c.Send(context.Background(), SendInput{Content: "early"})
	require.ErrorIs(t, err, ErrNotReady)
	require.Equal(t, StateLoading, c.State())
}

func TestDirectMessagesEncodeDisplayType(t *testing.T) {
	store := newFakeStore()
	starter := "Loved your bard's song!"
	store.starter = &starter
	c := openController(t, store, dm, 1, nil)
	ctx := context.Background()
	require.Equal(t, &starter, c.Starter())

	m, err := c.Send(ctx, SendInput{Content: "hello", DisplayType: message.Thought})
	require.NoError(t, err)
	require.Equal(t, "(hello)", store.created[0].Content)
	require.Equal(t, message.Thought, m.DisplayType)
	require.Equal(t, "hello", m.Content)

	_, err = c.Send(ctx, SendInput{Content: "the door creaks", DisplayType: message.Narrator})
	require.NoError(t, err)
	require.Equal(t, "*the door creaks*", store.created[1].Content)

	// editing keeps the message's display type
	_, err = c.Edit(ctx, m.ID, "goodbye")
	require.NoError(t, err)
	require.Equal(t, []string{"(goodbye)"}, store.updated)
	require.Equal(t, "goodbye", c.Messages()[0].Content)
	require.Equal(t, message.Thought, c.Messages()[0].DisplayType)
}

func TestEditRules(t *testing.T) {
	store := newFakeStore()
	store.put(msg(room, "MINE", t0, 1, "CH1", "hello"))
	store.put(msg(room, "THEIRS", t0.Add(time.Second), 2, "CH2", "hi"))
	c := openController(t, store, room, 1, nil)
	ctx := context.Background()

	_, err := c.Edit(ctx, "THEIRS", "hijack")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = c.Edit(ctx, "MINE", "hello")
	require.NoError(t, err)
	require.Empty(t, store.updated)

	m, err := c.Edit(ctx, "MINE", "hello, friend")
	require.NoError(t, err)
	require.NotNil(t, m.EditedAt)
	require.Equal(t, "hello, friend", c.Messages()[0].Content)

	_, err = c.Edit(ctx, "NOPE", "x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRules(t *testing.T) {
	store := newFakeStore()
	store.put(msg(room, "A", t0, 2, "CH2", "one"))
	store.put(msg(room, "B", t0.Add(time.Second), 2, "CH2", "two"))
	c := openController(t, store, room, 1, nil)
	ctx := context.Background()

	require.ErrorIs(t, c.Delete(ctx, "A"), ErrForbidden)
	store.staff[1] = true
	require.NoError(t, c.Delete(ctx, "A"))
	require.Equal(t, []string{"B"}, ids(c.Messages()))

	dmStore := newFakeStore()
	dmStore.put(msg(dm, "D1", t0, 2, "", "psst"))
	dmStore.staff[1] = true
	dc := openController(t, dmStore, dm, 1, nil)
	require.ErrorIs(t, dc.Delete(ctx, "D1"), ErrForbidden)
}

func TestReplyDraftLifecycle(t *testing.T) {
	store := newFakeStore()
	store.put(msg(room, "Q", t0, 2, "CH2", "Who goes there?"))
	c := openController(t, store, room, 1, nil)
	ctx := context.Background()

	state, _ := c.Reply()
	require.Equal(t, ReplyNone, state)
	require.ErrorIs(t, c.StartReply("MISSING"), ErrInvalidReply)

	require.NoError(t, c.StartReply("Q"))
	state, target := c.Reply()
	require.Equal(t, ReplyComposing, state)
	require.Equal(t, "Q", target)

	m, err := c.Send(ctx, SendInput{Content: "A friend."})
	require.NoError(t, err)
	require.Equal(t, "Q", *m.ReplyToID)
	state, _ = c.Reply()
	require.Equal(t, ReplyCleared, state)
	last := c.Messages()[1]
	require.Equal(t, "Gruff", last.Reply.CharacterName)
	require.Equal(t, "Who goes there?", last.Reply.Content)

	require.NoError(t, c.StartReply("Q"))
	c.CancelReply()
	state, _ = c.Reply()
	require.Equal(t, ReplyCleared, state)
	_, err = c.Send(ctx, SendInput{Content: "Just passing."})
	require.NoError(t, err)
	require.Nil(t, store.created[1].ReplyToID)
}

func TestSendKeepsExplicitReplyTarget(t *testing.T) {
	store := newFakeStore()
	store.put(msg(room, "M0", t0, 2, "CH2", "Anyone here?"))
	c := openController(t, store, room, 1, nil)
	ctx := context.Background()

	m, err := c.Send(ctx, SendInput{Content: "answer", ReplyToID: strp("M0")})
	require.NoError(t, err)
	require.NotNil(t, store.created[0].ReplyToID)
	require.Equal(t, "M0", *store.created[0].ReplyToID)
	require.Equal(t, "M0", *m.ReplyToID)

	// the draft target wins over the explicit one
	store.put(msg(room, "M9", t0.Add(time.Second), 2, "CH2", "Or here?"))
	require.NoError(t, c.LoadHistory(ctx, 50))
	require.NoError(t, c.StartReply("M9"))
	_, err = c.Send(ctx, SendInput{Content: "this one", ReplyToID: strp("M0")})
	require.NoError(t, err)
	require.Equal(t, "M9", *store.created[1].ReplyToID)
}

func TestConfirmedRowsAbsorbStalePendingEntries(t *testing.T) {
	store := newFakeStore()
	c := openController(t, store, room, 1, nil)
	ctx := context.Background()

	pendingFor := func(clientID string) {
		c.mu.Lock()
		c.insertLocked(Entry{
			Message: message.Message{ID: "pending:" + clientID, Conversation: room, SenderUserID: 1,
				Content: "hi", ClientID: strp(clientID), CreatedAt: t0.Add(time.Hour)},
			Pending: true,
		})
		c.mu.Unlock()
	}

	// the store already holds the row when history is reloaded
	confirmed := msg(room, "M1", t0, 1, "CH1", "hi")
	confirmed.ClientID = strp("cid-1")
	store.put(confirmed)
	pendingFor("cid-1")
	require.NoError(t, c.LoadHistory(ctx, 50))
	require.Equal(t, []string{"M1"}, ids(c.Messages()))

	// an echo of a row already in the cache still drops its pending twin
	pendingFor("cid-1")
	c.Apply(ctx, message.Event{Op: message.OpInsert, Message: confirmed})
	got := c.Messages()
	require.Equal(t, []string{"M1"}, ids(got))
	require.False(t, got[0].Pending)

	// unrelated pending sends survive a reload
	pendingFor("cid-2")
	require.NoError(t, c.LoadHistory(ctx, 50))
	require.Equal(t, []string{"M1", "pending:cid-2"}, ids(c.Messages()))
}

func TestRunAppliesSubscribedEvents(t *testing.T) {
	events := make(chan message.Event, 4)
	closed := false
	sub := feed.NewSubscription(events, func() error { closed = true; return nil })
	store := newFakeStore()
	tracker := &fakeTracker{}
	c := openController(t, store, room, 1, func(o *Options) {
		o.Feed = subscriberFunc(func(ctx context.Context, conv message.ConversationRef) (*feed.Subscription, error) {
			return sub, nil
		})
		o.Presence = tracker
	})

	events <- message.Event{Op: message.OpInsert, Message: msg(room, "M1", t0, 2, "CH2", "hello")}
	close(events)
	require.NoError(t, c.Run(context.Background()))
	require.Equal(t, []string{"M1"}, ids(c.Messages()))

	require.NoError(t, c.SetTyping(context.Background(), true))
	require.NoError(t, c.SetTyping(context.Background(), false))
	c.Close(context.Background())
	require.True(t, closed)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	// join, typing on, typing off
	require.Len(t, tracker.calls, 3)
	require.Equal(t, "character:CH1", tracker.calls[0].ActorKey)
	require.True(t, tracker.calls[1].IsTyping)
	require.False(t, tracker.calls[2].IsTyping)
	require.Equal(t, []string{"character:CH1"}, tracker.left)
}

type subscriberFunc func(ctx context.Context, conv message.ConversationRef) (*feed.Subscription, error)

func (f subscriberFunc) Subscribe(ctx context.Context, conv message.ConversationRef) (*feed.Subscription, error) {
	return f(ctx, conv)
}
