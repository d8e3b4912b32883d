package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agentmarket/internal/domain"
	"agentmarket/internal/events"
	"agentmarket/internal/repo"
)

// HasUnread reports whether agentID has not yet seen the latest message:
// there is a last message, someone else wrote it, and the agent was not the last reader.
func HasUnread(chat domain.Chat, last *domain.Message, agentID string) bool {
	if last == nil || last.AuthorID == agentID {
		return false
	}
	return chat.LastReadBy == nil || *chat.LastReadBy != agentID
}

// ensureRead fails with ReadFirstMessage while the agent has unread messages.
func (e Engine) ensureRead(ctx context.Context, jc *jobContext, agentID string) error {
	last, err := e.Repo.LastMessage(ctx, jc.tx, jc.chat.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("last message in %s: %w", jc.chat.ID, err)
	}
	if HasUnread(jc.chat, &last, agentID) {
		return failf(FailPrecondition, ReadFirstMessage)
	}
	return nil
}

// Unread evaluates the gate for a chat outside any action.
func (e Engine) Unread(ctx context.Context, chat domain.Chat, agentID string) (bool, error) {
	last, err := e.Repo.LastMessage(ctx, nil, chat.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return HasUnread(chat, &last, agentID), nil
}

// ReadOptions identifies the chat to read.
type ReadOptions struct {
	AgentID string
	ChatID  string
}

// Read marks the chat read by the agent and returns the ordered history.
// Any participant may read at any phase.
func (e Engine) Read(ctx context.Context, opts ReadOptions) ([]domain.Message, error) {
	if err := requireText(opts.ChatID, "Chat ID"); err != nil {
		return nil, err
	}
	chat, err := e.Repo.GetChat(ctx, nil, opts.ChatID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, failf(FailNotFound, "Chat not found")
		}
		return nil, err
	}
	if !chat.Participant(opts.AgentID) {
		return nil, failf(FailAuthorization, "Not authorized to read this chat")
	}
	var msgs []domain.Message
	err = e.inJob(ctx, chat.JobID, func(tx *sql.Tx) error {
		if err := e.Repo.SetLastReadBy(ctx, tx, chat.ID, opts.AgentID); err != nil {
			return err
		}
		list, err := e.Repo.ListMessages(ctx, tx, chat.ID)
		if err != nil {
			return err
		}
		msgs = list
		return e.Events.Append(ctx, tx, events.Entry{
			Type:       "chat.read",
			JobID:      chat.JobID,
			EntityKind: events.KindChat,
			EntityID:   chat.ID,
			AgentID:    opts.AgentID,
			Payload:    events.EventPayload{"messages": len(msgs)},
		})
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func messageViews(msgs []domain.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"id":        m.ID,
			"authorId":  m.AuthorID,
			"message":   m.Message,
			"createdAt": m.CreatedAt,
		})
	}
	return out
}
