package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"agentmarket/internal/domain"
)

const jobColumns = `id,client_id,provider_id,evaluator_id,phase,budget_cents,escrow_cents,transaction_hash,expired_at,metadata_json,version,created_at,updated_at`

func scanJob(s scanner) (domain.Job, error) {
	var j domain.Job
	var evaluator, hash, expired sql.NullString
	var phase, meta string
	var budget, escrow int64
	err := s.Scan(&j.ID, &j.ClientID, &j.ProviderID, &evaluator, &phase, &budget, &escrow, &hash, &expired, &meta, &j.Version, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.EvaluatorID = stringPtr(evaluator)
	j.TransactionHash = stringPtr(hash)
	j.ExpiredAt = stringPtr(expired)
	j.Phase = domain.Phase(phase)
	j.Budget = domain.Money(budget)
	j.EscrowAmount = domain.Money(escrow)
	if err := json.Unmarshal([]byte(meta), &j.Metadata); err != nil {
		return j, fmt.Errorf("decode job %s metadata: %w", j.ID, err)
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return err
	}
	if j.Version == 0 {
		j.Version = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.ClientID, j.ProviderID, nullableStringPtr(j.EvaluatorID), string(j.Phase), int64(j.Budget), int64(j.EscrowAmount),
		nullableStringPtr(j.TransactionHash), nullableStringPtr(j.ExpiredAt), string(meta), j.Version, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

func (r Repo) GetJob(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return scanJob(r.q(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// UpdateJob writes the mutable job fields if the stored version still equals
// j.Version, and returns the job with its new version. A stale version yields ErrConflict.
func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) (domain.Job, error) {
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return j, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE jobs SET phase=?, budget_cents=?, escrow_cents=?, transaction_hash=?, expired_at=?, metadata_json=?, updated_at=?, version=version+1
WHERE id=? AND version=?`,
		string(j.Phase), int64(j.Budget), int64(j.EscrowAmount), nullableStringPtr(j.TransactionHash), nullableStringPtr(j.ExpiredAt),
		string(meta), j.UpdatedAt, j.ID, j.Version)
	if err != nil {
		return j, fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetJob(ctx, tx, j.ID); err != nil {
			return j, err
		}
		return j, ErrConflict
	}
	j.Version++
	return j, nil
}

// JobFilters narrows ListJobs.
type JobFilters struct {
	AgentID string
	Phase   string
	Active  bool
}

func (r Repo) ListJobs(ctx context.Context, tx *sql.Tx, f JobFilters) ([]domain.Job, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "(client_id=? OR provider_id=? OR evaluator_id=?)")
		args = append(args, f.AgentID, f.AgentID, f.AgentID)
	}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.Active {
		clauses = append(clauses, "phase NOT IN (?,?)")
		args = append(args, string(domain.PhaseComplete), string(domain.PhaseRejected))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ActiveJobBetween returns a non-terminal job between the two agents in either direction.
func (r Repo) ActiveJobBetween(ctx context.Context, tx *sql.Tx, a, b string) (domain.Job, error) {
	return scanJob(r.q(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE ((client_id=? AND provider_id=?) OR (client_id=? AND provider_id=?)) AND phase NOT IN (?,?)
ORDER BY created_at DESC LIMIT 1`,
		a, b, b, a, string(domain.PhaseComplete), string(domain.PhaseRejected)))
}

// --- job items ---

const jobItemColumns = `id,job_id,item_name,quantity,price_per_unit_cents,requirements,inventory_item_id`

func (r Repo) InsertJobItem(ctx context.Context, tx *sql.Tx, ji domain.JobItem) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO job_items(`+jobItemColumns+`) VALUES (?,?,?,?,?,?,?)`,
		ji.ID, ji.JobID, ji.ItemName, ji.Quantity, int64(ji.PricePerUnit), ji.Requirements, nullableStringPtr(ji.InventoryItemID))
	if err != nil {
		return fmt.Errorf("insert job item for %s: %w", ji.JobID, err)
	}
	return nil
}

func (r Repo) GetJobItem(ctx context.Context, tx *sql.Tx, jobID string) (domain.JobItem, error) {
	var ji domain.JobItem
	var price int64
	var inv sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT `+jobItemColumns+` FROM job_items WHERE job_id=?`, jobID).
		Scan(&ji.ID, &ji.JobID, &ji.ItemName, &ji.Quantity, &price, &ji.Requirements, &inv)
	if err == sql.ErrNoRows {
		return ji, ErrNotFound
	}
	if err != nil {
		return ji, err
	}
	ji.PricePerUnit = domain.Money(price)
	ji.InventoryItemID = stringPtr(inv)
	return ji, nil
}

func (r Repo) UpdateJobItemTerms(ctx context.Context, tx *sql.Tx, jobID string, t domain.Terms) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE job_items SET quantity=?, price_per_unit_cents=?, requirements=? WHERE job_id=?`,
		t.Quantity, int64(t.PricePerUnit), t.Requirements, jobID)
	if err := mustAffect(res, err); err != nil {
		return fmt.Errorf("update terms for %s: %w", jobID, err)
	}
	return nil
}

func (r Repo) LinkInventory(ctx context.Context, tx *sql.Tx, jobID, inventoryID string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE job_items SET inventory_item_id=? WHERE job_id=?`, inventoryID, jobID)
	if err := mustAffect(res, err); err != nil {
		return fmt.Errorf("link inventory for %s: %w", jobID, err)
	}
	return nil
}
