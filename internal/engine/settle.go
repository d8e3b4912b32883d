package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"agentmarket/internal/domain"
	"agentmarket/internal/events"
	"agentmarket/internal/repo"
)

// PayOptions carry the client's payment.
type PayOptions struct {
	JobID           string
	AgentID         string
	TransactionHash string
	Message         string
}

// Pay debits the client for quantity × pricePerUnit and records the escrow.
// The transaction hash is accepted at face value.
func (e Engine) Pay(ctx context.Context, opts PayOptions) (Outcome, error) {
	if err := requireText(opts.JobID, "Job ID"); err != nil {
		return Outcome{}, err
	}
	if err := requireText(opts.TransactionHash, "Transaction hash"); err != nil {
		return Outcome{}, err
	}
	if err := requireText(opts.Message, "Message"); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	err := e.inJob(ctx, opts.JobID, func(tx *sql.Tx) error {
		jc, err := e.loadJob(ctx, tx, opts.JobID, opts.AgentID, "pay",
			[]domain.Role{domain.RoleClient}, domain.PhaseTransaction)
		if err != nil {
			return err
		}
		if err := e.ensureRead(ctx, jc, opts.AgentID); err != nil {
			return err
		}
		if jc.job.TransactionHash != nil {
			return failf(FailState, "Payment already processed for this job")
		}
		total, ok := jc.item.PricePerUnit.CheckedMul(jc.item.Quantity)
		if !ok {
			return failf(FailValidation, "The agreed total is out of range")
		}
		wallet, err := e.Repo.GetWalletByAgent(ctx, tx, opts.AgentID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return failf(FailNotFound, "Client wallet not found")
			}
			return err
		}
		if wallet.Balance < total {
			return failf(FailPrecondition, "Insufficient balance")
		}
		if err := e.post(ctx, jc, opts.AgentID, opts.Message); err != nil {
			return err
		}
		if err := e.Repo.Debit(ctx, tx, opts.AgentID, total); err != nil {
			return err
		}
		hash := strings.TrimSpace(opts.TransactionHash)
		jc.job.TransactionHash = &hash
		jc.job.EscrowAmount = total
		if err := e.saveJob(ctx, jc); err != nil {
			return err
		}
		if err := e.walletEvent(ctx, jc, "wallet.debited", opts.AgentID, total); err != nil {
			return err
		}
		if err := e.emit(ctx, jc, "job.paid", opts.AgentID, events.EventPayload{
			"amount":           total,
			"transaction_hash": hash,
		}); err != nil {
			return err
		}
		out = Outcome{Message: "Payment sent and transaction recorded", Metadata: map[string]any{"amount": total}}
		return nil
	})
	return out, err
}

// Deliver links the provider's deliverable and either completes the job or
// hands it to the evaluator.
func (e Engine) Deliver(ctx context.Context, opts JobMessageOptions) (Outcome, error) {
	if err := opts.validate(); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	err := e.inJob(ctx, opts.JobID, func(tx *sql.Tx) error {
		jc, err := e.loadJob(ctx, tx, opts.JobID, opts.AgentID, "deliver",
			[]domain.Role{domain.RoleProvider}, domain.PhaseTransaction)
		if err != nil {
			return err
		}
		if err := e.ensureRead(ctx, jc, opts.AgentID); err != nil {
			return err
		}
		if jc.job.TransactionHash == nil {
			return failf(FailPrecondition, "Cannot deliver before payment is received")
		}
		if jc.job.EscrowAmount != jc.item.Total() {
			return failf(FailPrecondition, "Escrow amount does not match the agreed price")
		}
		entry, err := e.deliverable(ctx, jc)
		if err != nil {
			return err
		}
		if err := e.post(ctx, jc, opts.AgentID, opts.Message); err != nil {
			return err
		}
		if jc.job.HasEvaluator() {
			if err := jc.advance(domain.PhaseEvaluation); err != nil {
				return err
			}
			if err := e.saveJob(ctx, jc); err != nil {
				return err
			}
			if err := e.emit(ctx, jc, "job.delivered", opts.AgentID, events.EventPayload{"inventory_item_id": entry.ID}); err != nil {
				return err
			}
			out = Outcome{Message: "Item delivered for evaluation", Metadata: map[string]any{"nextPhase": domain.PhaseEvaluation}}
			return nil
		}

		total := jc.item.Total()
		if err := e.emit(ctx, jc, "job.delivered", opts.AgentID, events.EventPayload{"inventory_item_id": entry.ID}); err != nil {
			return err
		}
		if err := e.credit(ctx, jc, jc.job.ProviderID, total); err != nil {
			return err
		}
		if err := e.transfer(ctx, jc, entry); err != nil {
			return err
		}
		if err := e.complete(ctx, jc); err != nil {
			return err
		}
		out = Outcome{
			Message:  "Item delivered and job completed",
			Metadata: map[string]any{"nextPhase": domain.PhaseComplete, "payment": map[string]any{"provider": total}},
		}
		return nil
	})
	return out, err
}

// deliverable returns the linked inventory entry, linking the first matching
// provider holding when none is linked yet.
func (e Engine) deliverable(ctx context.Context, jc *jobContext) (domain.InventoryEntry, error) {
	if jc.item.InventoryItemID != nil {
		entry, err := e.Repo.GetInventoryEntry(ctx, jc.tx, *jc.item.InventoryItemID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return entry, err
		}
		if err != nil || entry.AgentID != jc.job.ProviderID || entry.Quantity < jc.item.Quantity {
			return entry, failf(FailPrecondition, "The linked inventory item is no longer available for this job")
		}
		if !fulfills(jc.item.ItemName, entry.Name) {
			return entry, failf(FailPrecondition, "The linked inventory item %s does not match the job item %s", entry.Name, jc.item.ItemName)
		}
		return entry, nil
	}
	entry, err := e.Repo.FindDeliverable(ctx, jc.tx, jc.job.ProviderID, jc.item.ItemName, jc.item.Quantity)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return entry, failf(FailPrecondition, "No matching inventory items found for this job")
		}
		return entry, err
	}
	if err := e.Repo.LinkInventory(ctx, jc.tx, jc.job.ID, entry.ID); err != nil {
		return entry, err
	}
	jc.item.InventoryItemID = &entry.ID
	return entry, nil
}

func (e Engine) credit(ctx context.Context, jc *jobContext, agentID string, amount domain.Money) error {
	if amount <= 0 {
		return nil
	}
	if err := e.Repo.Credit(ctx, jc.tx, agentID, amount); err != nil {
		return err
	}
	return e.walletEvent(ctx, jc, "wallet.credited", agentID, amount)
}

func (e Engine) walletEvent(ctx context.Context, jc *jobContext, typ, agentID string, amount domain.Money) error {
	return e.Events.Append(ctx, jc.tx, events.Entry{
		Type:       typ,
		JobID:      jc.job.ID,
		EntityKind: events.KindWallet,
		EntityID:   agentID,
		AgentID:    agentID,
		Payload:    events.EventPayload{"amount": amount},
	})
}

// transfer moves the job quantity of the deliverable from provider to client.
func (e Engine) transfer(ctx context.Context, jc *jobContext, entry domain.InventoryEntry) error {
	destID, err := e.Repo.TransferInventory(ctx, jc.tx, entry.ID, jc.job.ClientID, jc.item.Quantity, jc.now)
	if err != nil {
		return err
	}
	return e.Events.Append(ctx, jc.tx, events.Entry{
		Type:       "inventory.transferred",
		JobID:      jc.job.ID,
		EntityKind: events.KindInventory,
		EntityID:   destID,
		AgentID:    jc.job.ProviderID,
		Payload: events.EventPayload{
			"from":     jc.job.ProviderID,
			"to":       jc.job.ClientID,
			"item":     entry.Name,
			"quantity": jc.item.Quantity,
		},
	})
}

func (e Engine) complete(ctx context.Context, jc *jobContext) error {
	if err := jc.advance(domain.PhaseComplete); err != nil {
		return err
	}
	if err := e.saveJob(ctx, jc); err != nil {
		return err
	}
	if err := e.Repo.RecordProviderOutcome(ctx, jc.tx, jc.job.ProviderID, true); err != nil {
		return err
	}
	return e.emit(ctx, jc, "job.completed", jc.job.ProviderID, events.EventPayload{"total": jc.item.Total()})
}
