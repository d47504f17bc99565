package http

import (
	"collab-sync/internal/config"
	"collab-sync/internal/handlers"
	"collab-sync/internal/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func NewRouter(cfg config.Config, h *handlers.RoomHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-User-ID"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/collab/v1")
	v1.Use(middleware.Identity(cfg))
	{
		v1.POST("/rooms/:roomID/join", h.JoinRoom)
		v1.POST("/rooms/:roomID/files", h.OpenFile)
		v1.GET("/rooms/:roomID/chat", h.RecentChat)
		v1.POST("/rooms/:roomID/chat", h.SendChatMessage)
		v1.GET("/rooms/:roomID/subscribe", h.Subscribe)
		v1.POST("/sessions/:sessionID/heartbeat", h.Heartbeat)
		v1.POST("/sessions/:sessionID/cursor", h.UpdateCursor)
		v1.POST("/sessions/:sessionID/leave", h.LeaveRoom)
		v1.GET("/files/:fileID", h.GetFile)
		v1.POST("/files/:fileID/changes", h.SubmitChange)
		v1.GET("/files/:fileID/changes", h.ListChanges)
	}
	return r
}
