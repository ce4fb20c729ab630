package conversation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/suPer8Hu/phantom-rooms/internal/feed"
	"github.com/suPer8Hu/phantom-rooms/internal/message"
	"github.com/suPer8Hu/phantom-rooms/internal/presence"
)

const (
	defaultHistoryLimit = 50
	replyPreviewRunes   = 50

	unknownSender       = "Unknown"
	missingReplyContent = "Original message unavailable"
	defaultTypingIdle   = 2 * time.Second
)

type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
)

type ReplyState string

const (
	ReplyNone      ReplyState = "none"
	ReplyComposing ReplyState = "composing"
	ReplyCleared   ReplyState = "cleared"
)

// ReplyPreview is the short quote rendered above a reply. Missing is set when
// the target is gone; the other fields then hold placeholders.
type ReplyPreview struct {
	MessageID     string `json:"message_id"`
	CharacterName string `json:"character_name"`
	Content       string `json:"content"`
	Missing       bool   `json:"missing,omitempty"`
}

// Entry is one rendered message. Pending entries are local sends not yet
// confirmed by the store.
type Entry struct {
	message.Message
	SenderName   string        `json:"sender_name"`
	SenderAvatar string        `json:"sender_avatar,omitempty"`
	Reply        *ReplyPreview `json:"reply,omitempty"`
	Pending      bool          `json:"pending,omitempty"`
}

type ChangeKind string

const (
	ChangeReset  ChangeKind = "reset"
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeRemove ChangeKind = "remove"
)

// Change describes one mutation of the rendered list. Reset means the whole
// list was replaced; read it with Messages.
type Change struct {
	Kind  ChangeKind
	Entry *Entry
	ID    string
}

// SendInput is what the user submits.
type SendInput struct {
	Content       string
	DisplayType   message.DisplayType
	AttachmentURL *string
	ReplyToID     *string
}

type Options struct {
	Conversation message.ConversationRef
	UserID       uint64
	// CharacterID is the character the user is speaking as, if any.
	CharacterID string
	DisplayName string
	AvatarRef   string

	Store    Store
	Feed     feed.Subscriber
	Guard    Admitter
	Presence presence.Tracker

	HistoryLimit int
	TypingIdle   time.Duration
	// Heartbeat re-announces presence while Run is active; zero disables it.
	Heartbeat time.Duration

	Observer func(Change)
	Log      *zap.Logger
}

// Controller is the per-viewer state of one open conversation: an ordered
// read-through cache of messages plus the write paths that go through the
// spam guard and the store. The cache is disposable; LoadHistory rebuilds it.
type Controller struct {
	opt      Options
	conv     message.ConversationRef
	actorKey string
	typist   *presence.Typist
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	state   State
	entries []Entry
	starter *string
	reply   ReplyState
	replyTo string
	sub     *feed.Subscription
}

func NewController(opt Options) *Controller {
	if opt.HistoryLimit <= 0 {
		opt.HistoryLimit = defaultHistoryLimit
	}
	if opt.TypingIdle <= 0 {
		opt.TypingIdle = defaultTypingIdle
	}
	log := opt.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("scope", opt.Conversation.Scope()), zap.Uint64("user_id", opt.UserID))

	c := &Controller{
		opt:      opt,
		conv:     opt.Conversation,
		actorKey: presence.ActorKey(opt.Conversation.Kind, opt.UserID, opt.CharacterID),
		log:      log,
		now:      time.Now,
		state:    StateLoading,
		reply:    ReplyNone,
	}
	if opt.Presence != nil {
		c.typist = presence.NewTypist(opt.Presence, opt.Conversation.Scope(), c.presenceRecord(false), opt.TypingIdle, log)
	}
	return c
}

func (c *Controller) presenceRecord(typing bool) presence.Record {
	return presence.Record{
		ActorKey:    c.actorKey,
		DisplayName: c.opt.DisplayName,
		AvatarRef:   c.opt.AvatarRef,
		IsTyping:    typing,
	}
}

func (c *Controller) Conversation() message.ConversationRef { return c.conv }
func (c *Controller) ActorKey() string                      { return c.actorKey }

// Open checks read access, subscribes to the change feed and then loads
// history, so nothing persisted after the load can be missed. Events that
// race with the load are deduplicated by id.
func (c *Controller) Open(ctx context.Context) error {
	if err := c.opt.Store.Access(ctx, c.conv, c.opt.UserID, false); err != nil {
		return err
	}
	if c.opt.Feed != nil {
		sub, err := c.opt.Feed.Subscribe(ctx, c.conv)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
	if err := c.LoadHistory(ctx, c.opt.HistoryLimit); err != nil {
		c.closeSubscription()
		return err
	}
	if c.opt.Presence != nil {
		if err := c.opt.Presence.Track(ctx, c.conv.Scope(), c.presenceRecord(false)); err != nil {
			c.log.Warn("presence join failed", zap.Error(err))
		}
	}
	return nil
}

// Run applies feed events until ctx ends or the subscription closes.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil {
		return errors.New("conversation: not subscribed")
	}

	var beat <-chan time.Time
	if c.opt.Heartbeat > 0 && c.opt.Presence != nil {
		t := time.NewTicker(c.opt.Heartbeat)
		defer t.Stop()
		beat = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			c.Apply(ctx, ev)
		case <-beat:
			typing := c.typist != nil && c.typist.Typing()
			if err := c.opt.Presence.Track(ctx, c.conv.Scope(), c.presenceRecord(typing)); err != nil {
				c.log.Debug("presence heartbeat failed", zap.Error(err))
			}
		}
	}
}

// Close drops the feed subscription and the viewer's presence.
func (c *Controller) Close(ctx context.Context) {
	c.closeSubscription()
	if c.typist != nil {
		_ = c.typist.Stop(ctx)
	}
	if c.opt.Presence != nil {
		if err := c.opt.Presence.Untrack(ctx, c.conv.Scope(), c.actorKey); err != nil {
			c.log.Debug("presence leave failed", zap.Error(err))
		}
	}
}

func (c *Controller) closeSubscription() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// LoadHistory replaces the cache with the most recent limit messages, oldest
// first. Unconfirmed local sends survive the reload.
func (c *Controller) LoadHistory(ctx context.Context, limit int) error {
	c.mu.Lock()
	prev := c.state
	c.state = StateLoading
	c.mu.Unlock()

	desc, err := c.opt.Store.ListRecent(ctx, c.conv, limit, nil)
	if err != nil {
		c.mu.Lock()
		c.state = prev
		c.mu.Unlock()
		return err
	}
	asc := make([]message.Message, len(desc))
	for i := range desc {
		asc[len(desc)-1-i] = desc[i]
	}
	entries := c.enrich(ctx, asc, asc)

	var starter *string
	if src, ok := c.opt.Store.(StarterSource); ok {
		s, err := src.Starter(ctx, c.conv)
		if err != nil {
			c.log.Warn("starter message lookup failed", zap.Error(err))
		} else {
			starter = s
		}
	}

	confirmed := make(map[string]struct{}, len(asc))
	for _, m := range asc {
		if m.ClientID != nil {
			confirmed[*m.ClientID] = struct{}{}
		}
	}

	c.mu.Lock()
	pending := make([]Entry, 0)
	for _, e := range c.entries {
		if !e.Pending {
			continue
		}
		if e.ClientID != nil {
			if _, ok := confirmed[*e.ClientID]; ok {
				continue
			}
		}
		pending = append(pending, e)
	}
	c.entries = entries
	for _, p := range pending {
		c.insertLocked(p)
	}
	c.starter = starter
	c.state = StateReady
	c.mu.Unlock()

	c.notify(Change{Kind: ChangeReset})
	return nil
}

// enrich resolves sender names and reply previews. Lookups that fail degrade
// to placeholders; they never fail the caller. known is searched for reply
// targets before the store is asked.
func (c *Controller) enrich(ctx context.Context, msgs []message.Message, known []message.Message) []Entry {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.SenderCharacterID != nil {
			ids = append(ids, *m.SenderCharacterID)
		}
	}
	byID := make(map[string]message.Message, len(known))
	for _, m := range known {
		byID[m.ID] = m
	}
	c.mu.Lock()
	for _, e := range c.entries {
		if _, ok := byID[e.ID]; !ok && !e.Pending {
			byID[e.ID] = e.Message
		}
	}
	c.mu.Unlock()

	var targets []message.Message
	for _, m := range msgs {
		if m.ReplyToID == nil {
			continue
		}
		t, ok := byID[*m.ReplyToID]
		if !ok {
			got, err := c.opt.Store.Get(ctx, c.conv, *m.ReplyToID)
			if err != nil {
				continue
			}
			t = *got
			byID[t.ID] = t
		}
		if t.SenderCharacterID != nil {
			ids = append(ids, *t.SenderCharacterID)
		}
		targets = append(targets, t)
	}

	senders, err := c.opt.Store.Senders(ctx, ids)
	if err != nil {
		c.log.Warn("sender lookup failed", zap.Error(err))
		senders = map[string]Sender{}
	}

	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e := Entry{Message: m, SenderName: unknownSender}
		if m.SenderCharacterID != nil {
			if s, ok := senders[*m.SenderCharacterID]; ok {
				e.SenderName = s.Name
				e.SenderAvatar = s.AvatarURL
			}
		} else if m.SenderUserID == c.opt.UserID && c.opt.DisplayName != "" {
			e.SenderName = c.opt.DisplayName
		}
		if m.ReplyToID != nil {
			e.Reply = preview(*m.ReplyToID, byID, senders)
		}
		out = append(out, e)
	}
	return out
}

func preview(id string, byID map[string]message.Message, senders map[string]Sender) *ReplyPreview {
	t, ok := byID[id]
	if !ok {
		return &ReplyPreview{MessageID: id, CharacterName: unknownSender, Content: missingReplyContent, Missing: true}
	}
	p := &ReplyPreview{MessageID: id, CharacterName: unknownSender, Content: truncate(t.Content, replyPreviewRunes)}
	if t.SenderCharacterID != nil {
		if s, ok := senders[*t.SenderCharacterID]; ok {
			p.CharacterName = s.Name
		}
	}
	return p
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// Apply merges one feed event into the cache. Inserts are positioned by
// createdAt, after any entries with the same timestamp; updates and deletes
// for ids not in the cache are dropped.
func (c *Controller) Apply(ctx context.Context, ev message.Event) {
	if ev.Message.Conversation != c.conv {
		return
	}
	switch ev.Op {
	case message.OpInsert:
		c.upsert(ctx, ev.Message)
	case message.OpUpdate:
		if !c.has(ev.Message.ID) {
			return
		}
		entries := c.enrich(ctx, []message.Message{ev.Message}, nil)
		c.mu.Lock()
		i := c.indexLocked(ev.Message.ID)
		if i < 0 {
			c.mu.Unlock()
			return
		}
		c.entries[i] = entries[0]
		c.refreshPreviewsLocked(entries[0].Message)
		e := c.entries[i]
		c.mu.Unlock()
		c.notify(Change{Kind: ChangeUpdate, Entry: &e, ID: e.ID})
	case message.OpDelete:
		c.remove(ev.Message.ID)
	}
}

// upsert is the single insertion path for confirmed messages, whether they
// come from the feed or from the store's write acknowledgement.
func (c *Controller) upsert(ctx context.Context, m message.Message) {
	e := c.enrich(ctx, []message.Message{m}, nil)[0]

	c.mu.Lock()
	if m.ClientID != nil {
		if p := c.pendingIndexLocked(*m.ClientID); p >= 0 {
			c.entries = append(c.entries[:p], c.entries[p+1:]...)
		}
	}
	kind := ChangeInsert
	if i := c.indexLocked(m.ID); i >= 0 {
		c.entries[i] = e
		kind = ChangeUpdate
	} else {
		c.insertLocked(e)
	}
	c.mu.Unlock()
	c.notify(Change{Kind: kind, Entry: &e, ID: e.ID})
}

func (c *Controller) insertLocked(e Entry) {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].CreatedAt.After(e.CreatedAt)
	})
	c.entries = append(c.entries, Entry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
}

func (c *Controller) remove(id string) {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	for j := range c.entries {
		if r := c.entries[j].Reply; r != nil && r.MessageID == id {
			c.entries[j].Reply = &ReplyPreview{MessageID: id, CharacterName: unknownSender, Content: missingReplyContent, Missing: true}
		}
	}
	if c.replyTo == id {
		c.reply, c.replyTo = ReplyCleared, ""
	}
	c.mu.Unlock()
	c.notify(Change{Kind: ChangeRemove, ID: id})
}

func (c *Controller) refreshPreviewsLocked(m message.Message) {
	for j := range c.entries {
		if r := c.entries[j].Reply; r != nil && r.MessageID == m.ID {
			next := *r
			next.Content = truncate(m.Content, replyPreviewRunes)
			next.Missing = false
			c.entries[j].Reply = &next
		}
	}
}

func (c *Controller) indexLocked(id string) int {
	for i := range c.entries {
		if c.entries[i].ID == id && !c.entries[i].Pending {
			return i
		}
	}
	return -1
}

func (c *Controller) pendingIndexLocked(clientID string) int {
	for i := range c.entries {
		e := &c.entries[i]
		if e.Pending && e.ClientID != nil && *e.ClientID == clientID {
			return i
		}
	}
	return -1
}

func (c *Controller) has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexLocked(id) >= 0
}

func (c *Controller) find(id string) (message.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.entries[i].Message, true
	}
	return message.Message{}, false
}

func (c *Controller) notify(ch Change) {
	if c.opt.Observer != nil {
		c.opt.Observer(ch)
	}
}

// Messages returns a copy of the rendered list, oldest first.
func (c *Controller) Messages() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Starter is the pending friendship's starter message, nil otherwise.
func (c *Controller) Starter() *string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starter
}

// Reply reports the reply draft state and its target id while composing.
func (c *Controller) Reply() (ReplyState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reply, c.replyTo
}

// StartReply begins composing a reply to a message in the cache.
func (c *Controller) StartReply(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexLocked(id) < 0 {
		return ErrInvalidReply
	}
	c.reply, c.replyTo = ReplyComposing, id
	return nil
}

func (c *Controller) CancelReply() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reply == ReplyComposing {
		c.reply, c.replyTo = ReplyCleared, ""
	}
}

// Send validates, runs the spam guard and persists. The entry shows up at
// once as pending and is reconciled by client id when the store confirms it.
func (c *Controller) Send(ctx context.Context, in SendInput) (*message.Message, error) {
	c.mu.Lock()
	ready := c.state == StateReady
	replyTo := c.replyTo
	composing := c.reply == ReplyComposing
	c.mu.Unlock()
	if !ready {
		return nil, ErrNotReady
	}

	// an active reply draft wins over an explicit target
	if composing {
		id := replyTo
		in.ReplyToID = &id
	}
	d, content, err := Prepare(ctx, c.opt.Store, c.opt.Guard, c.conv,
		Author{UserID: c.opt.UserID, CharacterID: c.opt.CharacterID}, in)
	if err != nil {
		return nil, err
	}
	clientID := *d.ClientID

	pending := c.pendingEntry(ctx, d, content)
	c.mu.Lock()
	c.insertLocked(pending)
	c.mu.Unlock()
	c.notify(Change{Kind: ChangeInsert, Entry: &pending})

	m, err := Commit(ctx, c.opt.Store, c.opt.Guard, d, content)
	if err != nil {
		c.mu.Lock()
		if i := c.pendingIndexLocked(clientID); i >= 0 {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
		}
		c.mu.Unlock()
		c.notify(Change{Kind: ChangeRemove, ID: pending.ID})
		return nil, err
	}
	c.upsert(ctx, *m)

	c.mu.Lock()
	if c.reply == ReplyComposing && c.replyTo == replyTo {
		c.reply, c.replyTo = ReplyCleared, ""
	}
	c.mu.Unlock()
	if c.typist != nil {
		if err := c.typist.Stop(ctx); err != nil {
			c.log.Debug("typing clear failed", zap.Error(err))
		}
	}
	return m, nil
}

func (c *Controller) pendingEntry(ctx context.Context, d Draft, content string) Entry {
	m := message.Message{
		ID:                "pending:" + *d.ClientID,
		Conversation:      d.Conversation,
		SenderUserID:      d.SenderUserID,
		SenderCharacterID: d.SenderCharacterID,
		Content:           content,
		DisplayType:       d.DisplayType,
		AttachmentURL:     d.AttachmentURL,
		ReplyToID:         d.ReplyToID,
		ClientID:          d.ClientID,
		CreatedAt:         c.now().UTC(),
	}
	e := c.enrich(ctx, []message.Message{m}, nil)[0]
	e.Pending = true
	return e
}

// Edit replaces the content of the caller's own message. Equal content is a
// no-op.
func (c *Controller) Edit(ctx context.Context, id, content string) (*message.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	cur, ok := c.find(id)
	if !ok {
		got, err := c.opt.Store.Get(ctx, c.conv, id)
		if err != nil {
			return nil, err
		}
		cur = *got
	}
	if cur.SenderUserID != c.opt.UserID {
		return nil, ErrForbidden
	}
	if cur.Content == content {
		return &cur, nil
	}

	stored := content
	if c.conv.Kind == message.KindDirect {
		stored = message.Encode(cur.DisplayType, content)
	}
	m, err := c.opt.Store.UpdateContent(ctx, c.conv, id, c.opt.UserID, stored)
	if err != nil {
		return nil, err
	}
	c.Apply(ctx, message.Event{Op: message.OpUpdate, Message: *m})
	return m, nil
}

// Delete removes a message. The sender may always delete; in rooms staff may
// delete anyone's message.
func (c *Controller) Delete(ctx context.Context, id string) error {
	cur, ok := c.find(id)
	if !ok {
		got, err := c.opt.Store.Get(ctx, c.conv, id)
		if err != nil {
			return err
		}
		cur = *got
	}
	if cur.SenderUserID != c.opt.UserID {
		if c.conv.Kind != message.KindRoom {
			return ErrForbidden
		}
		staff, err := c.opt.Store.IsStaff(ctx, c.conv, c.opt.UserID)
		if err != nil {
			return err
		}
		if !staff {
			return ErrForbidden
		}
	}
	if err := c.opt.Store.Delete(ctx, c.conv, id, c.opt.UserID); err != nil {
		return err
	}
	c.remove(id)
	return nil
}

// MarkRead marks every unread inbound message and related notification of
// the conversation as read and returns how many messages changed.
func (c *Controller) MarkRead(ctx context.Context) (int64, error) {
	return c.opt.Store.MarkRead(ctx, c.conv, c.opt.UserID)
}

// SetTyping reports a keystroke (true) or an explicit stop (false). Typing
// clears itself after the idle period.
func (c *Controller) SetTyping(ctx context.Context, typing bool) error {
	if c.typist == nil {
		return nil
	}
	if typing {
		return c.typist.Keystroke(ctx)
	}
	return c.typist.Stop(ctx)
}
