package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"recap/internal/models"
)

// MessageRepository はチャットメッセージのデータアクセス層
type MessageRepository struct {
	db *DB
}

// NewMessageRepository は新しいMessageRepositoryを作成
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create はメッセージを保存
func (r *MessageRepository) Create(ctx context.Context, m *models.Message) error {
	citations, err := marshalList(m.Citations)
	if err != nil {
		return err
	}
	m.CreatedAt = now()
	err = r.db.QueryRowContext(ctx, r.db.Rebind(`
		INSERT INTO messages (session_id, role, content, citations_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		m.SessionID, string(m.Role), m.Content, citations, m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListBySession はセッションのメッセージを古い順に取得
func (r *MessageRepository) ListBySession(ctx context.Context, sessionID int64) ([]models.Message, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT id, session_id, role, content, citations_json, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, id ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var (
			m         models.Message
			role      string
			citations string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &citations, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = models.MessageRole(role)
		if err := json.Unmarshal([]byte(citations), &m.Citations); err != nil {
			return nil, fmt.Errorf("decode citations: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
