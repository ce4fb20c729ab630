package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suPer8Hu/phantom-rooms/internal/common"
	"github.com/suPer8Hu/phantom-rooms/internal/httpapi/handlers"
	"github.com/suPer8Hu/phantom-rooms/internal/httpapi/middleware"
)

// NewRouter wires the API. gatherer may be nil, in which case /metrics is
// not served.
func NewRouter(h *handlers.Handler, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(h.Log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Cfg.JWTSecret))
	authGroup.Use(middleware.WriteLimit(h.Cfg.HTTPRateRPS, h.Cfg.HTTPRateBurst, h.Metrics))

	// room and direct conversations share handlers; the path parameter
	// decides the kind
	for _, base := range []string{"/rooms/:room_id", "/dms/:friendship_id"} {
		conv := authGroup.Group(base)
		conv.GET("/messages", h.ListMessages)
		conv.POST("/messages", h.SendMessage)
		conv.PATCH("/messages/:id", h.EditMessage)
		conv.DELETE("/messages/:id", h.DeleteMessage)
		conv.POST("/read", h.MarkRead)
		conv.GET("/unread", h.UnreadCount)
		conv.POST("/typing", h.SetTyping)
		conv.GET("/typing", h.ListTyping)
	}
	authGroup.GET("/ws/rooms/:room_id", h.Live)
	authGroup.GET("/ws/dms/:friendship_id", h.Live)

	authGroup.POST("/friendships", h.RequestFriendship)
	authGroup.POST("/friendships/:friendship_id/accept", h.AcceptFriendship)
	authGroup.POST("/friendships/:friendship_id/reject", h.RejectFriendship)

	authGroup.POST("/moderation/timeouts/:user_id/clear", h.ClearTimeout)

	authGroup.POST("/narrator/invoke", h.InvokeNarrator)
	authGroup.GET("/narrator/jobs/:job_id", h.GetNarratorJob)
	return r
}
