package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/phantom-rooms/internal/conversation"
	"github.com/suPer8Hu/phantom-rooms/internal/message"
)

type clearTimeoutReq struct {
	Scope string `json:"scope" binding:"required"`
}

// ClearTimeout lifts a user's timeout in a room and resets their spam
// warnings. Only room staff may do it; direct conversations have no staff.
func (h *Handler) ClearTimeout(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	target, err := strconv.ParseUint(c.Param("user_id"), 10, 64)
	if err != nil || target == 0 {
		fail(c, http.StatusBadRequest, 10002, "invalid user_id")
		return
	}
	var req clearTimeoutReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	conv, err := message.ParseScope(req.Scope)
	if err != nil {
		h.writeErr(c, "clear timeout", err)
		return
	}
	if conv.Kind != message.KindRoom {
		h.writeErr(c, "clear timeout", conversation.ErrForbidden)
		return
	}

	ctx := c.Request.Context()
	staff, err := h.Rooms.IsStaff(ctx, conv, uid)
	if err != nil {
		h.writeErr(c, "clear timeout", err)
		return
	}
	if !staff {
		h.writeErr(c, "clear timeout", conversation.ErrForbidden)
		return
	}
	if err := h.Guard.Clear(ctx, uid, target, conv.Scope()); err != nil {
		h.writeErr(c, "clear timeout", err)
		return
	}
	h.Log.Info("timeout cleared",
		zap.Uint64("moderator_id", uid),
		zap.Uint64("user_id", target),
		zap.String("scope", conv.Scope()))
	ok(c, gin.H{"user_id": target, "scope": conv.Scope()})
}
