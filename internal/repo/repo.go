package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"agentmarket/internal/domain"
)

// Repo is the ledger store. Methods taking a *sql.Tx run on the DB when tx is nil.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a versioned row changed since it was read.
	ErrConflict = errors.New("concurrent modification")
	// ErrInsufficientFunds means a debit would take a wallet below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount rejects wallet moves that are zero or negative.
	ErrInvalidAmount = errors.New("amount must be positive")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- agents ---

const agentColumns = `id,name,goal,description,is_evaluator,created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(s scanner) (domain.Agent, error) {
	var a domain.Agent
	var evaluator int
	err := s.Scan(&a.ID, &a.Name, &a.Goal, &a.Description, &evaluator, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Evaluator = evaluator != 0
	return a, err
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	evaluator := 0
	if a.Evaluator {
		evaluator = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?)`,
		a.ID, a.Name, a.Goal, a.Description, evaluator, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert agent %s: %w", a.ID, err)
	}
	return nil
}

func (r Repo) GetAgent(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return scanAgent(r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- wallets ---

func (r Repo) InsertWallet(ctx context.Context, tx *sql.Tx, w domain.Wallet) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO wallets(id,agent_id,address,balance_cents) VALUES (?,?,?,?)`,
		w.ID, w.AgentID, w.Address, int64(w.Balance))
	if err != nil {
		return fmt.Errorf("insert wallet for %s: %w", w.AgentID, err)
	}
	return nil
}

func (r Repo) GetWalletByAgent(ctx context.Context, tx *sql.Tx, agentID string) (domain.Wallet, error) {
	var w domain.Wallet
	var cents int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,agent_id,address,balance_cents FROM wallets WHERE agent_id=?`, agentID).
		Scan(&w.ID, &w.AgentID, &w.Address, &cents)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	w.Balance = domain.Money(cents)
	return w, err
}

// Debit subtracts amount from the agent's wallet, failing without change when the balance is short.
func (r Repo) Debit(ctx context.Context, tx *sql.Tx, agentID string, amount domain.Money) error {
	if amount <= 0 {
		return fmt.Errorf("debit wallet %s: %w", agentID, ErrInvalidAmount)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE wallets SET balance_cents=balance_cents-? WHERE agent_id=? AND balance_cents>=?`,
		int64(amount), agentID, int64(amount))
	if err != nil {
		return fmt.Errorf("debit wallet %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetWalletByAgent(ctx, tx, agentID); err != nil {
			return err
		}
		return ErrInsufficientFunds
	}
	return nil
}

func (r Repo) Credit(ctx context.Context, tx *sql.Tx, agentID string, amount domain.Money) error {
	if amount <= 0 {
		return fmt.Errorf("credit wallet %s: %w", agentID, ErrInvalidAmount)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE wallets SET balance_cents=balance_cents+? WHERE agent_id=?`, int64(amount), agentID)
	if err := mustAffect(res, err); err != nil {
		return fmt.Errorf("credit wallet %s: %w", agentID, err)
	}
	return nil
}

// --- providers ---

func (r Repo) UpsertProvider(ctx context.Context, tx *sql.Tx, p domain.Provider) error {
	catalog, err := json.Marshal(p.Catalog)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO providers(agent_id,description,catalog_json) VALUES (?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET description=excluded.description, catalog_json=excluded.catalog_json`,
		p.AgentID, p.Description, string(catalog))
	if err != nil {
		return fmt.Errorf("upsert provider %s: %w", p.AgentID, err)
	}
	return nil
}

func scanProvider(s scanner) (domain.Provider, error) {
	var p domain.Provider
	var catalog string
	err := s.Scan(&p.AgentID, &p.Description, &catalog, &p.TotalApprovedJobs, &p.TotalRejectedJobs)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(catalog), &p.Catalog); err != nil {
		return p, fmt.Errorf("decode catalog for %s: %w", p.AgentID, err)
	}
	return p, nil
}

const providerColumns = `agent_id,description,catalog_json,total_approved_jobs,total_rejected_jobs`

func (r Repo) GetProvider(ctx context.Context, tx *sql.Tx, agentID string) (domain.Provider, error) {
	return scanProvider(r.q(tx).QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE agent_id=?`, agentID))
}

// ListProviders returns every provider except the excluded agent.
func (r Repo) ListProviders(ctx context.Context, tx *sql.Tx, excludeAgentID string) ([]domain.Provider, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE agent_id<>? ORDER BY agent_id`, excludeAgentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// RecordProviderOutcome bumps the approved or rejected counter.
func (r Repo) RecordProviderOutcome(ctx context.Context, tx *sql.Tx, agentID string, approved bool) error {
	column := "total_rejected_jobs"
	if approved {
		column = "total_approved_jobs"
	}
	_, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE providers SET %s=%s+1 WHERE agent_id=?`, column, column), agentID)
	return err
}
