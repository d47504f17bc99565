package services

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"collab-sync/internal/broadcast"
	"collab-sync/internal/models"
	"collab-sync/internal/repos"
)

// ChatService is the ordered, persisted message history per room. Messages
// are immutable; the per-room server sequence is assigned inside the insert
// transaction so no two messages in a room ever share or skip a slot.
type ChatService struct {
	store *repos.Store
	bc    broadcast.Broadcaster
}

func NewChatService(store *repos.Store, bc broadcast.Broadcaster) *ChatService {
	return &ChatService{store: store, bc: bc}
}

func (s *ChatService) Append(roomID, userID, content string) (*models.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}

	msg := &models.ChatMessage{
		ID:      uuid.NewString(),
		RoomID:  roomID,
		UserID:  userID,
		Content: content,
	}
	err := withRetry(func() error {
		return s.store.WithTx(func(tx *sql.Tx) error {
			seq, err := s.store.NextChatSeqTx(tx, roomID)
			if err != nil {
				return err
			}
			msg.ServerSeq = seq
			msg.CreatedAt = time.Now().UTC()
			return s.store.InsertChatMessageTx(tx, msg)
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.bc.Publish(roomID, models.EventChatMessage, msg); err != nil {
		log.Printf("chat: publish message %s: %v", msg.ID, err)
	}
	return msg, nil
}

func (s *ChatService) Recent(roomID string, limit int) ([]models.ChatMessage, error) {
	return s.store.RecentChatMessages(roomID, limit)
}
