package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/phantom-rooms/internal/ai"
	"github.com/suPer8Hu/phantom-rooms/internal/chat"
	"github.com/suPer8Hu/phantom-rooms/internal/common"
	"github.com/suPer8Hu/phantom-rooms/internal/conversation"
	"github.com/suPer8Hu/phantom-rooms/internal/message"
	"github.com/suPer8Hu/phantom-rooms/internal/narrator"
	"github.com/suPer8Hu/phantom-rooms/internal/spam"
)

// apiError is a domain error translated for the wire. The same mapping
// serves REST responses and websocket error frames.
type apiError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func classify(err error) apiError {
	var rej *spam.Rejection
	var timedOut *spam.TimedOutError
	switch {
	case errors.As(err, &rej):
		data := gin.H{"gate": rej.Gate, "reason": rej.Reason, "warnings": rej.Warnings}
		if rej.Timeout != nil {
			data["timed_out_until"] = rej.Timeout.ExpiresAt.UTC().Format(time.RFC3339)
		}
		return apiError{http.StatusTooManyRequests, 42902, rej.Reason, data}
	case errors.As(err, &timedOut):
		return apiError{http.StatusForbidden, 40302, "you are timed out",
			gin.H{"until": timedOut.Until.UTC().Format(time.RFC3339)}}
	case errors.Is(err, conversation.ErrEmptyContent):
		return apiError{Status: http.StatusBadRequest, Code: 40001, Message: "message content is empty"}
	case errors.Is(err, conversation.ErrInvalidReply):
		return apiError{Status: http.StatusBadRequest, Code: 40002, Message: err.Error()}
	case errors.Is(err, chat.ErrSelfFriendship):
		return apiError{Status: http.StatusBadRequest, Code: 40003, Message: err.Error()}
	case errors.Is(err, narrator.ErrInvalidRequest):
		return apiError{Status: http.StatusBadRequest, Code: 40004, Message: err.Error()}
	case errors.Is(err, message.ErrBadScope):
		return apiError{Status: http.StatusBadRequest, Code: 40005, Message: err.Error()}
	case errors.Is(err, conversation.ErrNotReady):
		return apiError{Status: http.StatusConflict, Code: 40901, Message: "conversation is still loading"}
	case errors.Is(err, conversation.ErrForbidden):
		return apiError{Status: http.StatusForbidden, Code: 40301, Message: "forbidden"}
	case errors.Is(err, conversation.ErrNotAccepted):
		return apiError{Status: http.StatusForbidden, Code: 40303, Message: "friendship is not accepted"}
	case errors.Is(err, conversation.ErrNotFound):
		return apiError{Status: http.StatusNotFound, Code: 40401, Message: "not found"}
	case errors.Is(err, ai.ErrRateLimited):
		return apiError{Status: http.StatusTooManyRequests, Code: 42903, Message: "narrator is rate limited, try again shortly"}
	case errors.Is(err, ai.ErrQuotaExhausted):
		return apiError{Status: http.StatusPaymentRequired, Code: 40201, Message: "narrator quota exhausted"}
	case errors.Is(err, ai.ErrMissingAPIKey):
		return apiError{Status: http.StatusServiceUnavailable, Code: 50301, Message: "narrator is not configured"}
	}
	return apiError{Status: http.StatusInternalServerError, Code: 50001, Message: "internal error"}
}

func (h *Handler) writeErr(c *gin.Context, op string, err error) {
	e := classify(err)
	if e.Status >= http.StatusInternalServerError {
		h.Log.Error(op+" failed", zap.Error(err), zap.String("request_id", c.GetString("request_id")))
	}
	if e.Data != nil {
		common.FailWith(c, e.Status, e.Code, e.Message, e.Data)
		return
	}
	common.Fail(c, e.Status, e.Code, e.Message)
}
