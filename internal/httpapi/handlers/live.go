package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/phantom-rooms/internal/conversation"
	"github.com/suPer8Hu/phantom-rooms/internal/message"
	"github.com/suPer8Hu/phantom-rooms/internal/presence"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsMaxFrame   = 16 << 10
	wsSendBuffer = 64
)

var errSessionClosed = errors.New("session closed")

type inboundFrame struct {
	Type          string  `json:"type"`
	Ref           string  `json:"ref"`
	Content       string  `json:"content"`
	DisplayType   string  `json:"display_type"`
	AttachmentURL *string `json:"attachment_url"`
	MessageID     string  `json:"message_id"`
	Typing        bool    `json:"typing"`
}

type outboundFrame struct {
	Type      string `json:"type"`
	Ref       string `json:"ref,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type snapshot struct {
	Conversation   message.ConversationRef `json:"conversation"`
	ActorKey       string                  `json:"actor_key"`
	Messages       []conversation.Entry    `json:"messages"`
	StarterMessage *string                 `json:"starter_message,omitempty"`
}

// session binds one websocket to one conversation controller. Only
// writeLoop writes to the connection; everything else goes through out.
type session struct {
	conn *websocket.Conn
	ctl  *conversation.Controller
	pres Presence
	out  chan outboundFrame
	done <-chan struct{}
	log  *zap.Logger
}

// Live serves /ws/rooms/:room_id and /ws/dms/:friendship_id. Query params:
// character_id, display_name, avatar_ref, limit.
func (h *Handler) Live(c *gin.Context) {
	uid, conv, okk := caller(c)
	if !okk {
		return
	}
	if h.Feed == nil {
		fail(c, http.StatusServiceUnavailable, 50303, "live updates unavailable")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	g, ctx := errgroup.WithContext(c.Request.Context())
	s := &session{
		pres: h.Presence,
		out:  make(chan outboundFrame, wsSendBuffer),
		done: ctx.Done(),
		log:  h.Log.With(zap.String("scope", conv.Scope()), zap.Uint64("user_id", uid)),
	}
	opt := conversation.Options{
		Conversation: conv,
		UserID:       uid,
		CharacterID:  c.Query("character_id"),
		DisplayName:  c.Query("display_name"),
		AvatarRef:    c.Query("avatar_ref"),
		Store:        h.storeFor(conv.Kind),
		Feed:         h.Feed,
		HistoryLimit: limit,
		TypingIdle:   h.Cfg.Presence.TypingIdle,
		Heartbeat:    h.Cfg.Presence.TTL / 2,
		Observer:     s.observe,
		Log:          h.Log,
	}
	if h.Guard != nil {
		opt.Guard = h.Guard
	}
	if h.Presence != nil {
		opt.Presence = h.Presence
	}
	s.ctl = conversation.NewController(opt)

	// Open before the upgrade so access errors are plain HTTP responses.
	if err := s.ctl.Open(ctx); err != nil {
		h.writeErr(c, "open session", err)
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		s.ctl.Close(context.WithoutCancel(ctx))
		return
	}
	s.conn = conn
	defer h.Metrics.SessionOpened(string(conv.Kind))()
	s.log.Debug("live session opened")

	g.Go(func() error { return s.writeLoop(ctx) })
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error {
		if err := s.ctl.Run(ctx); err != nil {
			return err
		}
		return errSessionClosed
	})
	if s.pres != nil {
		g.Go(func() error { s.presenceLoop(ctx); return nil })
	}
	err = g.Wait()

	cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.ctl.Close(cctx)
	if err != nil && !errors.Is(err, errSessionClosed) && !errors.Is(err, context.Canceled) {
		s.log.Warn("live session ended", zap.Error(err))
		return
	}
	s.log.Debug("live session closed")
}

func (s *session) emit(f outboundFrame) {
	f.Timestamp = time.Now().UnixMilli()
	select {
	case s.out <- f:
	case <-s.done:
	}
}

func (s *session) emitError(ref string, e apiError) {
	s.emit(outboundFrame{Type: "error", Ref: ref, Data: e})
}

func (s *session) observe(ch conversation.Change) {
	switch ch.Kind {
	case conversation.ChangeReset:
		s.emit(outboundFrame{Type: "snapshot", Data: snapshot{
			Conversation:   s.ctl.Conversation(),
			ActorKey:       s.ctl.ActorKey(),
			Messages:       s.ctl.Messages(),
			StarterMessage: s.ctl.Starter(),
		}})
	case conversation.ChangeRemove:
		s.emit(outboundFrame{Type: "message", Data: gin.H{"op": ch.Kind, "id": ch.ID}})
	default:
		s.emit(outboundFrame{Type: "message", Data: gin.H{"op": ch.Kind, "entry": ch.Entry}})
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	defer s.conn.Close()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return nil
		case f := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(f); err != nil {
				return err
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return err
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) error {
	s.conn.SetReadLimit(wsMaxFrame)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read failed", zap.Error(err))
			}
			return errSessionClosed
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.emitError("", apiError{Status: http.StatusBadRequest, Code: 10001, Message: "invalid json"})
			continue
		}
		s.handle(ctx, f)
	}
}

func (s *session) handle(ctx context.Context, f inboundFrame) {
	var err error
	switch f.Type {
	case "send":
		dt, perr := message.ParseDisplayType(f.DisplayType)
		if perr != nil {
			s.emitError(f.Ref, apiError{Status: http.StatusBadRequest, Code: 10004, Message: perr.Error()})
			return
		}
		_, err = s.ctl.Send(ctx, conversation.SendInput{
			Content:       f.Content,
			DisplayType:   dt,
			AttachmentURL: f.AttachmentURL,
		})
	case "edit":
		_, err = s.ctl.Edit(ctx, f.MessageID, f.Content)
	case "delete":
		err = s.ctl.Delete(ctx, f.MessageID)
	case "typing":
		err = s.ctl.SetTyping(ctx, f.Typing)
	case "reply":
		if err = s.ctl.StartReply(f.MessageID); err == nil {
			s.emitReply(f.Ref)
		}
	case "cancel_reply":
		s.ctl.CancelReply()
		s.emitReply(f.Ref)
	case "mark_read":
		var n int64
		if n, err = s.ctl.MarkRead(ctx); err == nil {
			s.emit(outboundFrame{Type: "read", Ref: f.Ref, Data: gin.H{"marked": n}})
		}
	case "resync":
		err = s.ctl.LoadHistory(ctx, 0)
	default:
		s.emitError(f.Ref, apiError{Status: http.StatusBadRequest, Code: 10005, Message: "unsupported frame type: " + f.Type})
		return
	}
	if err != nil {
		e := classify(err)
		if e.Status >= http.StatusInternalServerError {
			s.log.Error("live "+f.Type+" failed", zap.Error(err))
		}
		s.emitError(f.Ref, e)
	}
}

func (s *session) emitReply(ref string) {
	state, id := s.ctl.Reply()
	s.emit(outboundFrame{Type: "reply", Ref: ref, Data: gin.H{"state": state, "message_id": id}})
}

// presenceLoop forwards who else is typing. Presence is best effort: a
// failed subscription leaves the session running without it.
func (s *session) presenceLoop(ctx context.Context) {
	updates, err := s.pres.Subscribe(ctx, s.ctl.Conversation().Scope())
	if err != nil {
		s.log.Warn("presence subscribe failed", zap.Error(err))
		return
	}
	self := s.ctl.ActorKey()
	for recs := range updates {
		s.emit(outboundFrame{Type: "presence", Data: gin.H{
			"online": len(recs),
			"typing": presence.TypingOthers(recs, self),
		}})
	}
}
