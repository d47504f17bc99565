package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collab-sync/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// snapshotFrame is the first frame on a subscription, before events resume.
type snapshotFrame struct {
	Type     string           `json:"type"`
	RoomID   string           `json:"room_id"`
	Snapshot *models.Snapshot `json:"payload"`
}

// Subscribe upgrades to a websocket, sends the bootstrap snapshot, then
// streams room events in server-sequence order. If the subscriber's queue
// overflows the stream channel closes and the socket with it; the client
// reconnects for a fresh snapshot. A session_id query parameter ties the
// connection to a session so closing the socket leaves the room.
func (h *RoomHandler) Subscribe(c *gin.Context) {
	roomID := c.Param("roomID")
	sessionID := c.Query("session_id")

	snap, events, cancel, err := h.bc.Subscribe(roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		return
	}

	cleanup := func() {
		cancel()
		if sessionID != "" {
			h.registry.Leave(sessionID)
		}
		_ = conn.Close()
	}

	if err := conn.WriteJSON(snapshotFrame{Type: "Snapshot", RoomID: roomID, Snapshot: snap}); err != nil {
		cleanup()
		return
	}

	// Writer: pump events until the stream closes (cancel or slow-consumer
	// drop). Closing the conn also unblocks the read loop below.
	go func() {
		for evt := range events {
			if err := conn.WriteJSON(evt); err != nil {
				break
			}
		}
		_ = conn.Close()
	}()

	// Reader: inbound frames count as heartbeats; exit on disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("subscribe: room %s read: %v", roomID, err)
			}
			break
		}
		if sessionID != "" {
			h.registry.Heartbeat(sessionID)
		}
	}
	cleanup()
}
