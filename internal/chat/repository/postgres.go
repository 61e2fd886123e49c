// Package repository persists conversations and messages.
package repository

import (
	"context"
	"database/sql"
	"errors"

	"llm-platform-backend/internal/chat/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a chat repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const conversationColumns = `id, account_id, title, model_name, is_active, created_at, updated_at`

// ListConversations returns the account's active conversations, newest first.
func (r *PostgresRepository) ListConversations(ctx context.Context, accountID string) ([]*domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE account_id = $1 AND is_active = TRUE
		ORDER BY updated_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns the conversation only if accountID owns it, or nil
// if missing. Ownership is enforced in the query, not the caller.
func (r *PostgresRepository) GetConversation(ctx context.Context, id, accountID string) (*domain.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE id = $1 AND account_id = $2`, id, accountID)
	return scanConversation(row)
}

// CreateConversation persists the conversation. The conversation must have ID set.
func (r *PostgresRepository) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, account_id, title, model_name, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.AccountID, c.Title, c.Model, c.Active, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// DeactivateConversation soft-deletes the conversation if accountID owns it.
// Returns false when no owned conversation matched.
func (r *PostgresRepository) DeactivateConversation(ctx context.Context, id, accountID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET is_active = FALSE, updated_at = now()
		WHERE id = $1 AND account_id = $2`, id, accountID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMessages returns all messages of a conversation in chronological order.
func (r *PostgresRepository) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CreateMessage appends one message and touches the parent conversation's
// updated_at so the conversation list stays sorted by recency.
func (r *PostgresRepository) CreateMessage(ctx context.Context, m *domain.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.CreatedAt,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = now() WHERE id = $1`, m.ConversationID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func scanConversation(row interface{ Scan(dest ...any) error }) (*domain.Conversation, error) {
	var c domain.Conversation
	err := row.Scan(&c.ID, &c.AccountID, &c.Title, &c.Model, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}
