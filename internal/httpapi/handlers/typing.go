package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/phantom-rooms/internal/presence"
)

type typingReq struct {
	Typing      bool   `json:"typing"`
	CharacterID string `json:"character_id" binding:"max=26"`
	DisplayName string `json:"display_name" binding:"max=64"`
	AvatarRef   string `json:"avatar_ref" binding:"max=512"`
}

// SetTyping writes the caller's presence record for clients that are not on
// a live session. The record goes stale on its own after the presence TTL.
func (h *Handler) SetTyping(c *gin.Context) {
	uid, conv, okk := caller(c)
	if !okk {
		return
	}
	if h.Presence == nil {
		fail(c, http.StatusServiceUnavailable, 50302, "presence unavailable")
		return
	}
	var req typingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	ctx := c.Request.Context()
	if err := h.storeFor(conv.Kind).Access(ctx, conv, uid, false); err != nil {
		h.writeErr(c, "set typing", err)
		return
	}

	rec := presence.Record{
		ActorKey:    presence.ActorKey(conv.Kind, uid, req.CharacterID),
		DisplayName: strings.TrimSpace(req.DisplayName),
		AvatarRef:   req.AvatarRef,
		IsTyping:    req.Typing,
	}
	if err := h.Presence.Track(ctx, conv.Scope(), rec); err != nil {
		h.writeErr(c, "set typing", err)
		return
	}
	ok(c, gin.H{"actor_key": rec.ActorKey, "typing": rec.IsTyping})
}

// ListTyping returns who other than the caller is typing right now.
func (h *Handler) ListTyping(c *gin.Context) {
	uid, conv, okk := caller(c)
	if !okk {
		return
	}
	if h.Presence == nil {
		fail(c, http.StatusServiceUnavailable, 50302, "presence unavailable")
		return
	}
	ctx := c.Request.Context()
	if err := h.storeFor(conv.Kind).Access(ctx, conv, uid, false); err != nil {
		h.writeErr(c, "list typing", err)
		return
	}
	recs, err := h.Presence.Sync(ctx, conv.Scope())
	if err != nil {
		h.writeErr(c, "list typing", err)
		return
	}
	self := presence.ActorKey(conv.Kind, uid, c.Query("character_id"))
	ok(c, gin.H{"typing": presence.TypingOthers(recs, self)})
}
