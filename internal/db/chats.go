package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soaringjerry/covfee/internal/models"
)

func (q *queries) getChat(ctx context.Context, query string, arg any) (*models.Chat, error) {
	var c models.Chat
	err := q.q.QueryRowContext(ctx, query, arg).Scan(&c.ID, &c.InstanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return &c, nil
}

func (q *queries) GetChat(ctx context.Context, id int64) (*models.Chat, error) {
	return q.getChat(ctx, `SELECT id, instance_id FROM chats WHERE id = ?`, id)
}

func (q *queries) GetChatByInstance(ctx context.Context, instanceID []byte) (*models.Chat, error) {
	return q.getChat(ctx, `SELECT id, instance_id FROM chats WHERE instance_id = ?`, instanceID)
}

func (q *queries) InsertChat(ctx context.Context, c *models.Chat) (int64, error) {
	res, err := q.q.ExecContext(ctx, `INSERT INTO chats (instance_id) VALUES (?)`, c.InstanceID)
	if err != nil {
		return 0, fmt.Errorf("insert chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert chat: %w", err)
	}
	c.ID = id
	return id, nil
}

func (q *queries) AppendChatMessage(ctx context.Context, m *models.ChatMessage) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = q.now()
	}
	res, err := q.q.ExecContext(ctx, `INSERT INTO chat_messages (chat_id, uid, message, created_at) VALUES (?, ?, ?, ?)`,
		m.ChatID, m.UID, m.Message, formatTime(m.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("append chat message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append chat message: %w", err)
	}
	m.ID = id
	return id, nil
}

func (q *queries) ListChatMessages(ctx context.Context, chatID int64) ([]*models.ChatMessage, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id, chat_id, uid, message, created_at FROM chat_messages WHERE chat_id = ? ORDER BY id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()
	var out []*models.ChatMessage
	for rows.Next() {
		var (
			m       models.ChatMessage
			created string
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UID, &m.Message, &created); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}
