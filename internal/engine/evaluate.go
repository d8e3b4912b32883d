package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"agentmarket/internal/domain"
	"agentmarket/internal/events"
	"agentmarket/internal/oracle"
	"agentmarket/internal/repo"
)

type EvaluationKind string

const (
	EvaluateDocument EvaluationKind = "document"
	EvaluatePhysical EvaluationKind = "physical"
	EvaluatePoster   EvaluationKind = "poster"
)

const (
	permitItemName = "Business Permit"
	posterItemName = "Marketing Poster"
)

type EvaluateOptions struct {
	JobID   string
	AgentID string
	Message string
	Kind    EvaluationKind
}

// checkDeliverable verifies the delivered entry fits the evaluation kind.
func checkDeliverable(kind EvaluationKind, entry domain.InventoryEntry) error {
	switch kind {
	case EvaluateDocument:
		if entry.Name != permitItemName {
			return failf(FailValidation, "Not a valid document item")
		}
	case EvaluatePoster:
		if entry.Name != posterItemName || entry.Metadata.ItemType != domain.ItemDigital {
			return failf(FailValidation, "Not a valid poster item")
		}
	case EvaluatePhysical:
		if entry.Metadata.ItemType != domain.ItemPhysical {
			return failf(FailValidation, "Not a physical item")
		}
	default:
		return failf(FailValidation, "Unknown evaluation kind %q", kind)
	}
	return nil
}

// evaluationTarget loads and checks everything the judge needs, without writing.
func (e Engine) evaluationTarget(ctx context.Context, tx *sql.Tx, opts EvaluateOptions) (*jobContext, domain.InventoryEntry, error) {
	job, err := e.Repo.GetJob(ctx, tx, opts.JobID)
	if err == nil && job.Phase == domain.PhaseRequest && job.HasEvaluator() && job.Evaluator() == opts.AgentID {
		return nil, domain.InventoryEntry{}, failf(FailState, `This job is still waiting for your initial acceptance! Before evaluating, you need to first accept the evaluation request using the "accept" function. If you do not wish to evaluate this item, you can reject it using the "reject" function instead.`)
	}
	jc, err := e.loadJob(ctx, tx, opts.JobID, opts.AgentID, "evaluate",
		[]domain.Role{domain.RoleEvaluator}, domain.PhaseEvaluation)
	if err != nil {
		return nil, domain.InventoryEntry{}, err
	}
	if err := e.ensureRead(ctx, jc, opts.AgentID); err != nil {
		return nil, domain.InventoryEntry{}, err
	}
	if jc.item.InventoryItemID == nil {
		return nil, domain.InventoryEntry{}, failf(FailPrecondition, "No delivered item found for this job")
	}
	entry, err := e.Repo.GetInventoryEntry(ctx, tx, *jc.item.InventoryItemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, entry, failf(FailNotFound, "Inventory item not found")
		}
		return nil, entry, err
	}
	if entry.AgentID != jc.job.ProviderID || entry.Quantity < jc.item.Quantity {
		return nil, entry, failf(FailPrecondition, "The delivered item is no longer held by the provider")
	}
	if err := checkDeliverable(opts.Kind, entry); err != nil {
		return nil, entry, err
	}
	return jc, entry, nil
}

// Evaluate adjudicates a delivered item. On pass the escrow is split between
// provider and evaluator and the item moves to the client. On fail the job is
// rejected and, unless disabled, the escrow returns to the client.
func (e Engine) Evaluate(ctx context.Context, opts EvaluateOptions) (Outcome, error) {
	if err := requireText(opts.JobID, "Job ID"); err != nil {
		return Outcome{}, err
	}
	if err := requireText(opts.Message, "Message"); err != nil {
		return Outcome{}, err
	}
	switch opts.Kind {
	case EvaluateDocument, EvaluatePhysical, EvaluatePoster:
	default:
		return Outcome{}, failf(FailValidation, "Unknown evaluation kind %q", opts.Kind)
	}
	unlock := e.lock("job:" + opts.JobID)
	defer unlock()

	// The judge may call out over the network, so it runs outside the write transaction.
	first, entry, err := e.evaluationTarget(ctx, nil, opts)
	if err != nil {
		return Outcome{}, err
	}
	judge := e.Inspector
	if opts.Kind == EvaluatePoster {
		judge = e.PosterJudge
	}
	if judge == nil {
		judge = oracle.ThresholdJudge{Threshold: e.Config.EvaluationThreshold()}
	}
	verdict, err := judge.Judge(ctx, oracle.Request{
		Kind:         string(opts.Kind),
		JobID:        opts.JobID,
		ItemName:     entry.Name,
		URL:          entry.Metadata.URL,
		Requirements: first.item.Requirements,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate %s: %w", opts.JobID, err)
	}

	var out Outcome
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		jc, entry, err := e.evaluationTarget(ctx, tx, opts)
		if err != nil {
			return err
		}
		if jc.job.Version != first.job.Version {
			return repo.ErrConflict
		}
		if err := e.post(ctx, jc, opts.AgentID, opts.Message); err != nil {
			return err
		}
		total := jc.item.Total()
		rec := &domain.EvaluationRecord{
			Kind:            string(opts.Kind),
			Passed:          verdict.Matches,
			Confidence:      verdict.Confidence,
			Explanation:     verdict.Explanation,
			ElementsFound:   verdict.ElementsFound,
			MissingElements: verdict.MissingElements,
			EvaluatedAt:     jc.now,
		}
		jc.job.Metadata.Evaluation = rec
		evaluation := map[string]any{
			"matches":         verdict.Matches,
			"confidence":      verdict.Confidence,
			"explanation":     verdict.Explanation,
			"elementsFound":   verdict.ElementsFound,
			"missingElements": verdict.MissingElements,
		}
		if err := e.emit(ctx, jc, "job.evaluated", opts.AgentID, events.EventPayload{
			"kind":   string(opts.Kind),
			"passed": verdict.Matches,
		}); err != nil {
			return err
		}
		label := strings.ToUpper(string(opts.Kind[:1])) + string(opts.Kind[1:])

		if verdict.Matches {
			// the fee truncates to the cent; the provider keeps the remainder
			evaluatorPay := total.Share(e.feeBps())
			providerPay := total - evaluatorPay
			if err := e.credit(ctx, jc, jc.job.ProviderID, providerPay); err != nil {
				return err
			}
			if err := e.credit(ctx, jc, opts.AgentID, evaluatorPay); err != nil {
				return err
			}
			if err := e.transfer(ctx, jc, entry); err != nil {
				return err
			}
			if err := e.complete(ctx, jc); err != nil {
				return err
			}
			out = Outcome{
				Message: label + " evaluated and delivered successfully",
				Metadata: map[string]any{
					"evaluation": evaluation,
					"payment":    map[string]any{"provider": providerPay, "evaluator": evaluatorPay},
					"nextPhase":  domain.PhaseComplete,
				},
			}
			return nil
		}

		refund := domain.Money(0)
		if e.Config.RefundsOnFail() && jc.job.EscrowAmount > 0 {
			refund = jc.job.EscrowAmount
			rec.Refunded = true
		}
		if err := jc.advance(domain.PhaseRejected); err != nil {
			return err
		}
		if err := e.saveJob(ctx, jc); err != nil {
			return err
		}
		if err := e.Repo.RecordProviderOutcome(ctx, tx, jc.job.ProviderID, false); err != nil {
			return err
		}
		if err := e.emit(ctx, jc, "job.rejected", opts.AgentID, events.EventPayload{"role": string(domain.RoleEvaluator)}); err != nil {
			return err
		}
		meta := map[string]any{"evaluation": evaluation, "nextPhase": domain.PhaseRejected}
		if refund > 0 {
			if err := e.credit(ctx, jc, jc.job.ClientID, refund); err != nil {
				return err
			}
			if err := e.emit(ctx, jc, "job.refunded", opts.AgentID, events.EventPayload{"amount": refund}); err != nil {
				return err
			}
			meta["refund"] = refund
		}
		out = Outcome{Message: label + " evaluation failed", Metadata: meta}
		return nil
	})
	return out, err
}
