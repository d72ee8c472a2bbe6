package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/soaringjerry/covfee/internal/models"
)

const maxChatMessageLen = 4000

// ChatService appends to and reads chat logs. Messages are never edited.
type ChatService struct {
	store Store
	now   func() time.Time
	uid   func() string
}

func NewChatService(store Store) *ChatService {
	return &ChatService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		uid:   uuid.NewString,
	}
}

func (s *ChatService) Chat(ctx context.Context, id int64) (*models.Chat, error) {
	c, err := s.store.GetChat(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, NewNotFoundError("chat not found")
	}
	return c, nil
}

// Append normalizes message to NFC and appends it in one transaction.
func (s *ChatService) Append(ctx context.Context, chatID int64, message string) (*models.ChatMessage, error) {
	text := strings.TrimSpace(norm.NFC.String(message))
	if text == "" {
		return nil, NewInvalidError("message required")
	}
	if len(text) > maxChatMessageLen {
		return nil, NewInvalidError("message too long")
	}
	var out *models.ChatMessage
	err := s.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.GetChat(ctx, chatID)
		if err != nil {
			return err
		}
		if c == nil {
			return NewNotFoundError("chat not found")
		}
		m := &models.ChatMessage{ChatID: c.ID, UID: s.uid(), Message: text, CreatedAt: s.now()}
		if _, err := tx.AppendChatMessage(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ChatService) Messages(ctx context.Context, chatID int64) ([]*models.ChatMessage, error) {
	if _, err := s.Chat(ctx, chatID); err != nil {
		return nil, err
	}
	return s.store.ListChatMessages(ctx, chatID)
}
