package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/suPer8Hu/phantom-rooms/internal/chat"
	"github.com/suPer8Hu/phantom-rooms/internal/config"
	"github.com/suPer8Hu/phantom-rooms/internal/conversation"
	"github.com/suPer8Hu/phantom-rooms/internal/feed"
	"github.com/suPer8Hu/phantom-rooms/internal/message"
	"github.com/suPer8Hu/phantom-rooms/internal/metrics"
	"github.com/suPer8Hu/phantom-rooms/internal/presence"
)

// Guard is the spam gate plus the moderator override.
type Guard interface {
	conversation.Admitter
	Clear(ctx context.Context, moderatorID, userID uint64, scope string) error
}

// Presence is the topic-scoped presence broadcast.
type Presence interface {
	presence.Tracker
	Sync(ctx context.Context, topic string) ([]presence.Record, error)
	Subscribe(ctx context.Context, topic string) (<-chan []presence.Record, error)
}

type Deps struct {
	Cfg      config.Config
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Rooms    *chat.RoomStore
	Directs  *chat.DirectStore
	Guard    Guard
	Presence Presence
	Feed     feed.Subscriber
	// Narrator runs /narrator/invoke synchronously; Jobs reports on the
	// queued runs. Either may be nil.
	Narrator chat.NarratorRunner
	Jobs     *chat.Service
}

type Handler struct {
	Deps
	upgrader websocket.Upgrader
}

func NewHandler(d Deps) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Handler{
		Deps: d,
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (h *Handler) Ping(c *gin.Context) {
	ok(c, gin.H{"pong": true})
}

// conversationFromPath reads the conversation from the :room_id or
// :friendship_id route parameter.
func conversationFromPath(c *gin.Context) (message.ConversationRef, bool) {
	if id := c.Param("room_id"); id != "" {
		return message.ConversationRef{Kind: message.KindRoom, ID: id}, true
	}
	if id := c.Param("friendship_id"); id != "" {
		return message.ConversationRef{Kind: message.KindDirect, ID: id}, true
	}
	return message.ConversationRef{}, false
}

func (h *Handler) storeFor(kind message.Kind) conversation.Store {
	if kind == message.KindDirect {
		return h.Directs
	}
	return h.Rooms
}
