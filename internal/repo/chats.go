package repo

import (
	"context"
	"database/sql"
	"fmt"

	"agentmarket/internal/domain"
)

const chatColumns = `id,job_id,client_id,provider_id,evaluator_id,last_read_by,created_at`

func scanChat(s scanner) (domain.Chat, error) {
	var c domain.Chat
	var evaluator, lastRead sql.NullString
	err := s.Scan(&c.ID, &c.JobID, &c.ClientID, &c.ProviderID, &evaluator, &lastRead, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.EvaluatorID = stringPtr(evaluator)
	c.LastReadBy = stringPtr(lastRead)
	return c, err
}

func (r Repo) InsertChat(ctx context.Context, tx *sql.Tx, c domain.Chat) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO chats(`+chatColumns+`) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.JobID, c.ClientID, c.ProviderID, nullableStringPtr(c.EvaluatorID), nullableStringPtr(c.LastReadBy), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat %s: %w", c.ID, err)
	}
	return nil
}

func (r Repo) GetChat(ctx context.Context, tx *sql.Tx, id string) (domain.Chat, error) {
	return scanChat(r.q(tx).QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id=?`, id))
}

func (r Repo) GetChatByJob(ctx context.Context, tx *sql.Tx, jobID string) (domain.Chat, error) {
	return scanChat(r.q(tx).QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE job_id=?`, jobID))
}

func (r Repo) ListChatsForAgent(ctx context.Context, tx *sql.Tx, agentID string) ([]domain.Chat, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+chatColumns+` FROM chats
WHERE client_id=? OR provider_id=? OR evaluator_id=? ORDER BY created_at DESC, id DESC`, agentID, agentID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) SetLastReadBy(ctx context.Context, tx *sql.Tx, chatID, agentID string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE chats SET last_read_by=? WHERE id=?`, agentID, chatID)
	if err := mustAffect(res, err); err != nil {
		return fmt.Errorf("mark chat %s read: %w", chatID, err)
	}
	return nil
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO messages(id,chat_id,author_id,message,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.ChatID, m.AuthorID, m.Message, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message into %s: %w", m.ChatID, err)
	}
	return nil
}

// ListMessages returns the chat history in conversation order. Insertion
// order breaks ties between messages stamped with the same time.
func (r Repo) ListMessages(ctx context.Context, tx *sql.Tx, chatID string) ([]domain.Message, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,chat_id,author_id,message,created_at FROM messages WHERE chat_id=? ORDER BY created_at, rowid`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.AuthorID, &m.Message, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// LastMessage returns the most recent message or ErrNotFound for an empty chat.
func (r Repo) LastMessage(ctx context.Context, tx *sql.Tx, chatID string) (domain.Message, error) {
	var m domain.Message
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,chat_id,author_id,message,created_at FROM messages WHERE chat_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, chatID).
		Scan(&m.ID, &m.ChatID, &m.AuthorID, &m.Message, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}
