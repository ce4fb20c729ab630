package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/phantom-rooms/internal/message"
	"github.com/suPer8Hu/phantom-rooms/internal/narrator"
)

// InvokeNarrator runs one narrator pass synchronously. Malformed oracle
// output is not an error: the result simply says the narrator stays silent.
func (h *Handler) InvokeNarrator(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if h.Narrator == nil {
		fail(c, http.StatusServiceUnavailable, 50301, "narrator is not configured")
		return
	}
	var req narrator.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()
	room := message.ConversationRef{Kind: message.KindRoom, ID: req.RoomID}
	if err := h.Rooms.Access(ctx, room, uid, true); err != nil {
		h.writeErr(c, "invoke narrator", err)
		return
	}
	res, err := h.Narrator.Invoke(ctx, req)
	if err != nil {
		h.Log.Warn("narrator invoke failed",
			zap.Uint64("user_id", uid),
			zap.String("room_id", req.RoomID),
			zap.Error(err))
		h.writeErr(c, "invoke narrator", err)
		return
	}
	ok(c, res)
}

func (h *Handler) GetNarratorJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}
	if h.Jobs == nil {
		fail(c, http.StatusServiceUnavailable, 50301, "narrator is not configured")
		return
	}

	ctx := c.Request.Context()
	j, err := h.Jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		h.writeErr(c, "get narrator job", err)
		return
	}
	room := message.ConversationRef{Kind: message.KindRoom, ID: j.RoomID}
	if err := h.Rooms.Access(ctx, room, uid, false); err != nil {
		// hide existence
		fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	ok(c, gin.H{
		"job": gin.H{
			"id":                 j.ID,
			"trigger_message_id": j.TriggerMessageID,
			"room_id":            j.RoomID,
			"status":             j.Status,
			"response_count":     j.ResponseCount,
			"new_character_id":   j.NewCharacterID,
			"error":              j.Error,
			"created_at":         j.CreatedAt,
			"updated_at":         j.UpdatedAt,
		},
	})
}
