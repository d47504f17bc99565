package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"collab-sync/internal/broadcast"
	"collab-sync/internal/middleware"
	"collab-sync/internal/presence"
	"collab-sync/internal/repos"
	"collab-sync/internal/services"
)

// RoomHandler exposes the collaboration operations to the UI layer.
type RoomHandler struct {
	files    *services.FileService
	chat     *services.ChatService
	registry *presence.Registry
	bc       broadcast.Broadcaster
}

func NewRoomHandler(files *services.FileService, chat *services.ChatService, registry *presence.Registry, bc broadcast.Broadcaster) *RoomHandler {
	return &RoomHandler{files: files, chat: chat, registry: registry, bc: bc}
}

type conflictBody struct {
	Error         string `json:"error"`
	ServerVersion int64  `json:"server_version"`
}

func (h *RoomHandler) JoinRoom(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	var body struct {
		FileID string `json:"file_id"`
	}
	_ = c.ShouldBindJSON(&body)
	sess, err := h.registry.Join(c.Param("roomID"), userID, strings.TrimSpace(body.FileID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *RoomHandler) Heartbeat(c *gin.Context) {
	h.registry.Heartbeat(c.Param("sessionID"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *RoomHandler) UpdateCursor(c *gin.Context) {
	var body struct {
		Position int   `json:"position"`
		Version  int64 `json:"version"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	h.registry.UpdateCursor(c.Param("sessionID"), body.Position, body.Version)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *RoomHandler) LeaveRoom(c *gin.Context) {
	h.registry.Leave(c.Param("sessionID"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *RoomHandler) OpenFile(c *gin.Context) {
	var body services.OpenFileInput
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	file, err := h.files.OpenFile(c.Param("roomID"), body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, file)
}

func (h *RoomHandler) GetFile(c *gin.Context) {
	file, err := h.files.GetCurrent(c.Param("fileID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, file)
}

func (h *RoomHandler) SubmitChange(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	var body services.SubmitChangeInput
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	body.FileID = c.Param("fileID")
	body.UserID = userID
	change, err := h.files.SubmitChange(body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

func (h *RoomHandler) ListChanges(c *gin.Context) {
	afterVersion := parseInt64Default(c.Query("since_version"), 0)
	limit := int(parseInt64Default(c.Query("limit"), 100))
	changes, err := h.files.Changes(c.Param("fileID"), afterVersion, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

func (h *RoomHandler) SendChatMessage(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	var body struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	msg, err := h.chat.Append(c.Param("roomID"), userID, body.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *RoomHandler) RecentChat(c *gin.Context) {
	limit := int(parseInt64Default(c.Query("limit"), 50))
	msgs, err := h.chat.Recent(c.Param("roomID"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *RoomHandler) writeError(c *gin.Context, err error) {
	var conflict *services.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, conflictBody{Error: "conflict", ServerVersion: conflict.ServerVersion})
	case errors.Is(err, repos.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, services.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func parseInt64Default(v string, fallback int64) int64 {
	if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
		return i
	}
	return fallback
}
