package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/phantom-rooms/internal/conversation"
	"github.com/suPer8Hu/phantom-rooms/internal/httpapi/middleware"
	"github.com/suPer8Hu/phantom-rooms/internal/message"
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// caller resolves the authenticated user and the conversation in the path.
// It writes the error response itself when either is missing.
func caller(c *gin.Context) (uint64, message.ConversationRef, bool) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return 0, message.ConversationRef{}, false
	}
	conv, okk := conversationFromPath(c)
	if !okk {
		fail(c, http.StatusBadRequest, 10002, "conversation id required")
		return 0, message.ConversationRef{}, false
	}
	return uid, conv, true
}

func (h *Handler) ListMessages(c *gin.Context) {
	uid, conv, okk := caller(c)
	if !okk {
		return
	}
	ctx := c.Request.Context()
	store := h.storeFor(conv.Kind)
	if err := store.Access(ctx, conv, uid, false); err != nil {
		h.writeErr(c, "list messages", err)
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var before *time.Time
	if s := strings.TrimSpace(c.Query("before")); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			fail(c, http.StatusBadRequest, 10003, "before must be an RFC3339 timestamp")
			return
		}
		before = &t
	}

	desc, err := store.ListRecent(ctx, conv, limit, before)
	if err != nil {
		h.writeErr(c, "list messages", err)
		return
	}
	// newest first from the store, oldest first on the wire
	msgs := make([]message.Message, len(desc))
	ids := make([]string, 0, len(desc))
	for i := range desc {
		msgs[len(desc)-1-i] = desc[i]
		if desc[i].SenderCharacterID != nil {
			ids = append(ids, *desc[i].SenderCharacterID)
		}
	}
	senders, err := store.Senders(ctx, ids)
	if err != nil {
		h.Log.Warn("sender lookup failed", zap.String("scope", conv.Scope()), zap.Error(err))
		senders = map[string]conversation.Sender{}
	}

	resp := gin.H{
		"conversation": conv,
		"messages":     msgs,
		"senders":      senders,
	}
	if len(msgs) > 0 {
		resp["next_before"] = msgs[0].CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if src, okk := store.(conversation.StarterSource); okk && before == nil {
		if s, err := src.Starter(ctx, conv); err == nil && s != nil {
			resp["starter_message"] = *s
		}
	}
	ok(c, resp)
}

type sendMessageReq struct {
	Content       string  `json:"content"`
	DisplayType   string  `json:"display_type"`
	CharacterID   string  `json:"character_id" binding:"max=26"`
	AttachmentURL *string `json:"attachment_url" binding:"omitempty,max=512"`
	ReplyToID     *string `json:"reply_to_id" binding:"omitempty,max=26"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	uid, conv, okk := caller(c)
	if !okk {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	dt, err := message.ParseDisplayType(req.DisplayType)
	if err != nil {
		fail(c, http.StatusBadRequest, 10004, err.Error())
		return
	}

	m, err := conversation.Post(c.Request.Context(), h.storeFor(conv.Kind), h.Guard, conv,
		conversation.Author{UserID: uid, CharacterID: req.CharacterID},
		conversation.SendInput{
			Content:       req.Content,
			DisplayType:   dt,
			AttachmentURL: req.AttachmentURL,
			ReplyToID:     req.ReplyToID,
		})
	if err != nil {
		h.writeErr(c, "send message", err)
		return
	}
	ok(c, gin.H{"message": m})
}

type editMessageReq struct {
	Content string `json:"content"`
}

func (h *Handler) EditMessage(c *gin.Context) {
	uid, conv, okk := caller(c)
	if !okk {
		return
	}
	var req editMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		h.writeErr(c, "edit message", conversation.ErrEmptyContent)
		return
	}

	ctx := c.Request.Context()
	store := h.storeFor(conv.Kind)
	cur, err := store.Get(ctx, conv, c.Param("id"))
	if err != nil {
		h.writeErr(c, "edit message", err)
		return
	}
	if cur.SenderUserID != uid {
		h.writeErr(c, "edit message", conversation.ErrForbidden)
		return
	}
	if cur.Content == content {
		ok(c, gin.H{"message": cur})
		return
	}
	if conv.Kind == message.KindDirect {
		content = message.Encode(cur.DisplayType, content)
	}
	m, err := store.UpdateContent(ctx, conv, cur.ID, uid, content)
	if err != nil {
		h.writeErr(c, "edit message", err)
		return
	}
	ok(c, gin.H{"message": m})
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	uid, conv, okk := caller(c)
	if !okk {
		return
	}
	if err := h.storeFor(conv.Kind).Delete(c.Request.Context(), conv, c.Param("id"), uid); err != nil {
		h.writeErr(c, "delete message", err)
		return
	}
	ok(c, gin.H{"deleted": c.Param("id")})
}

func (h *Handler) MarkRead(c *gin.Context) {
	uid, conv, okk := caller(c)
	if !okk {
		return
	}
	ctx := c.Request.Context()
	store := h.storeFor(conv.Kind)
	if err := store.Access(ctx, conv, uid, false); err != nil {
		h.writeErr(c, "mark read", err)
		return
	}
	n, err := store.MarkRead(ctx, conv, uid)
	if err != nil {
		h.writeErr(c, "mark read", err)
		return
	}
	ok(c, gin.H{"marked": n})
}

func (h *Handler) UnreadCount(c *gin.Context) {
	uid, conv, okk := caller(c)
	if !okk {
		return
	}
	ctx := c.Request.Context()
	store := h.storeFor(conv.Kind)
	if err := store.Access(ctx, conv, uid, false); err != nil {
		h.writeErr(c, "unread count", err)
		return
	}
	n, err := store.UnreadCount(ctx, conv, uid)
	if err != nil {
		h.writeErr(c, "unread count", err)
		return
	}
	ok(c, gin.H{"unread": n})
}
