package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/phantom-rooms/internal/chat"
)

type friendshipReq struct {
	AddresseeID    uint64 `json:"addressee_id" binding:"required"`
	StarterMessage string `json:"starter_message" binding:"max=2000"`
}

func (h *Handler) RequestFriendship(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req friendshipReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	f, created, err := h.Directs.RequestFriendship(c.Request.Context(), uid, req.AddresseeID, req.StarterMessage)
	if err != nil {
		h.writeErr(c, "request friendship", err)
		return
	}
	ok(c, gin.H{"friendship": friendshipView(f), "created": created})
}

func (h *Handler) AcceptFriendship(c *gin.Context) { h.respondFriendship(c, true) }
func (h *Handler) RejectFriendship(c *gin.Context) { h.respondFriendship(c, false) }

func (h *Handler) respondFriendship(c *gin.Context, accept bool) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	f, err := h.Directs.RespondFriendship(c.Request.Context(), c.Param("friendship_id"), uid, accept)
	if err != nil {
		h.writeErr(c, "respond friendship", err)
		return
	}
	ok(c, gin.H{"friendship": friendshipView(f)})
}

func friendshipView(f *chat.Friendship) gin.H {
	v := gin.H{
		"id":           f.ID,
		"requester_id": f.RequesterID,
		"addressee_id": f.AddresseeID,
		"status":       f.Status,
		"created_at":   f.CreatedAt,
		"updated_at":   f.UpdatedAt,
	}
	if f.StarterMessage != nil && f.Status == chat.FriendshipPending {
		v["starter_message"] = *f.StarterMessage
	}
	return v
}
