package engine

import (
	"context"
	"errors"
	"fmt"

	"agentmarket/internal/domain"
	"agentmarket/internal/engine/auth"
	"agentmarket/internal/repo"
)

// Notifications shown on a chat in the agent state view.
const (
	NotifyUnread = "UNREAD_MESSAGES"
	NotifyNone   = "NONE"

	unreadNotice = "You have messages waiting for your response"
)

type AgentState struct {
	Agent     domain.Agent            `json:"agent"`
	Wallet    WalletView              `json:"wallet"`
	Inventory []domain.InventoryEntry `json:"inventory"`
	Jobs      []JobView               `json:"jobs"`
	Chats     []ChatView              `json:"chats"`
}

type WalletView struct {
	ID      string       `json:"id"`
	Address string       `json:"address"`
	Balance domain.Money `json:"balance"`
}

type JobView struct {
	ID              string         `json:"id"`
	Role            domain.Role    `json:"role"`
	CounterpartID   string         `json:"counterpartId"`
	EvaluatorID     string         `json:"evaluatorId,omitempty"`
	Phase           domain.Phase   `json:"phase"`
	Budget          domain.Money   `json:"budget"`
	TransactionHash string         `json:"transactionHash,omitempty"`
	ExpiredAt       string         `json:"expiredAt,omitempty"`
	ChatID          string         `json:"chatId"`
	Item            domain.JobItem `json:"item"`
}

type ChatView struct {
	ID            string `json:"id"`
	JobID         string `json:"jobId"`
	CounterpartID string `json:"counterpartId"`
	Notification  string `json:"notification"`
	Message       string `json:"message,omitempty"`
	LastReadBy    string `json:"lastReadBy,omitempty"`
}

// State assembles everything an agent needs to decide its next step.
func (e Engine) State(ctx context.Context, agentID string) (AgentState, error) {
	var st AgentState
	agent, err := e.Repo.GetAgent(ctx, nil, agentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return st, failf(FailNotFound, "Agent %s not found", agentID)
		}
		return st, err
	}
	st.Agent = agent
	wallet, err := e.Repo.GetWalletByAgent(ctx, nil, agentID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return st, fmt.Errorf("wallet for %s: %w", agentID, err)
	}
	st.Wallet = WalletView{ID: wallet.ID, Address: wallet.Address, Balance: wallet.Balance}

	inv, err := e.Repo.ListInventory(ctx, nil, agentID)
	if err != nil {
		return st, fmt.Errorf("inventory for %s: %w", agentID, err)
	}
	st.Inventory = append([]domain.InventoryEntry{}, inv...)

	jobs, err := e.Repo.ListJobs(ctx, nil, repo.JobFilters{AgentID: agentID})
	if err != nil {
		return st, fmt.Errorf("jobs for %s: %w", agentID, err)
	}
	st.Jobs = make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		item, err := e.Repo.GetJobItem(ctx, nil, j.ID)
		if err != nil {
			return st, fmt.Errorf("item for %s: %w", j.ID, err)
		}
		role, _ := auth.RoleOf(j, agentID)
		v := JobView{
			ID:            j.ID,
			Role:          role,
			CounterpartID: auth.Counterpart(j, agentID),
			EvaluatorID:   j.Evaluator(),
			Phase:         j.Phase,
			Budget:        j.Budget,
			ChatID:        "chat-" + j.ID,
			Item:          item,
		}
		if j.TransactionHash != nil {
			v.TransactionHash = *j.TransactionHash
		}
		if j.ExpiredAt != nil {
			v.ExpiredAt = *j.ExpiredAt
		}
		st.Jobs = append(st.Jobs, v)
	}

	chats, err := e.Repo.ListChatsForAgent(ctx, nil, agentID)
	if err != nil {
		return st, fmt.Errorf("chats for %s: %w", agentID, err)
	}
	st.Chats = make([]ChatView, 0, len(chats))
	for _, c := range chats {
		unread, err := e.Unread(ctx, c, agentID)
		if err != nil {
			return st, fmt.Errorf("gate for %s: %w", c.ID, err)
		}
		v := ChatView{ID: c.ID, JobID: c.JobID, Notification: NotifyNone}
		if agentID == c.ClientID {
			v.CounterpartID = c.ProviderID
		} else {
			v.CounterpartID = c.ClientID
		}
		if unread {
			v.Notification = NotifyUnread
			v.Message = unreadNotice
		}
		if c.LastReadBy != nil {
			v.LastReadBy = *c.LastReadBy
		}
		st.Chats = append(st.Chats, v)
	}
	return st, nil
}
