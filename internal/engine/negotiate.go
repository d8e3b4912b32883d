package engine

import (
	"context"
	"database/sql"
	"strings"

	"agentmarket/internal/domain"
	"agentmarket/internal/events"
)

// JobMessageOptions carry the arguments shared by accept, reject and deliver.
type JobMessageOptions struct {
	JobID   string
	AgentID string
	Message string
}

func (o JobMessageOptions) validate() error {
	if err := requireText(o.JobID, "Job ID"); err != nil {
		return err
	}
	return requireText(o.Message, "Message")
}

// Accept records the caller's acceptance and opens negotiation once the
// provider and, if assigned, the evaluator have both accepted.
func (e Engine) Accept(ctx context.Context, opts JobMessageOptions) (Outcome, error) {
	if err := opts.validate(); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	err := e.inJob(ctx, opts.JobID, func(tx *sql.Tx) error {
		jc, err := e.loadJob(ctx, tx, opts.JobID, opts.AgentID, "accept",
			[]domain.Role{domain.RoleProvider, domain.RoleEvaluator}, domain.PhaseRequest)
		if err != nil {
			return err
		}
		if err := e.ensureRead(ctx, jc, opts.AgentID); err != nil {
			return err
		}
		if jc.job.Metadata.Accepted(opts.AgentID) {
			return failf(FailState, "You have already accepted this job")
		}
		if err := e.post(ctx, jc, opts.AgentID, opts.Message); err != nil {
			return err
		}
		jc.job.Metadata.Accept(opts.AgentID, jc.now)
		joined := jc.job.Metadata.Accepted(jc.job.ProviderID) &&
			(!jc.job.HasEvaluator() || jc.job.Metadata.Accepted(jc.job.Evaluator()))
		if joined {
			if err := jc.advance(domain.PhaseNegotiation); err != nil {
				return err
			}
		}
		if err := e.saveJob(ctx, jc); err != nil {
			return err
		}
		if err := e.emit(ctx, jc, "job.accepted", opts.AgentID, events.EventPayload{
			"role":  string(jc.role),
			"phase": string(jc.job.Phase),
		}); err != nil {
			return err
		}
		if joined {
			out = Outcome{
				Message:  "All parties have accepted - proceeding to negotiation",
				Metadata: map[string]any{"jobId": jc.job.ID, "nextPhase": domain.PhaseNegotiation},
			}
		} else {
			out = Outcome{
				Message:  "Acceptance recorded - waiting for other party",
				Metadata: map[string]any{"jobId": jc.job.ID, "currentPhase": domain.PhaseRequest},
			}
		}
		return nil
	})
	return out, err
}

// Reject ends a job still in REQUEST.
func (e Engine) Reject(ctx context.Context, opts JobMessageOptions) (Outcome, error) {
	if err := opts.validate(); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	err := e.inJob(ctx, opts.JobID, func(tx *sql.Tx) error {
		jc, err := e.loadJob(ctx, tx, opts.JobID, opts.AgentID, "reject",
			[]domain.Role{domain.RoleProvider, domain.RoleEvaluator}, domain.PhaseRequest)
		if err != nil {
			return err
		}
		if err := e.ensureRead(ctx, jc, opts.AgentID); err != nil {
			return err
		}
		if err := e.post(ctx, jc, opts.AgentID, opts.Message); err != nil {
			return err
		}
		jc.job.Metadata.Reject(opts.AgentID, jc.now)
		if err := jc.advance(domain.PhaseRejected); err != nil {
			return err
		}
		if err := e.saveJob(ctx, jc); err != nil {
			return err
		}
		if err := e.emit(ctx, jc, "job.rejected", opts.AgentID, events.EventPayload{"role": string(jc.role)}); err != nil {
			return err
		}
		out = Outcome{
			Message:  "Job request rejected",
			Metadata: map[string]any{"jobId": jc.job.ID, "nextPhase": domain.PhaseRejected},
		}
		return nil
	})
	return out, err
}

type Intention string

const (
	IntentionCounter Intention = "COUNTER"
	IntentionAgree   Intention = "AGREE"
	IntentionCancel  Intention = "CANCEL"
	IntentionGeneral Intention = "GENERAL"
)

// NegotiateOptions are the arguments of one negotiation turn. Terms are
// required together for COUNTER and AGREE and ignored otherwise.
type NegotiateOptions struct {
	JobID        string
	AgentID      string
	Message      string
	Intention    Intention
	Quantity     *int
	PricePerUnit *domain.Money
	Requirements *string
}

func (o NegotiateOptions) terms() (domain.Terms, error) {
	if o.Quantity == nil || o.PricePerUnit == nil || o.Requirements == nil {
		return domain.Terms{}, failf(FailValidation, "AGREE and COUNTER require all terms to be specified.")
	}
	if err := validateTerms(*o.Quantity, *o.PricePerUnit); err != nil {
		return domain.Terms{}, err
	}
	if strings.TrimSpace(*o.Requirements) == "" {
		return domain.Terms{}, failf(FailValidation, "Requirements is required")
	}
	return domain.Terms{Quantity: *o.Quantity, PricePerUnit: *o.PricePerUnit, Requirements: *o.Requirements}, nil
}

// Negotiate applies one intention during NEGOTIATION. Every intention appends one message.
func (e Engine) Negotiate(ctx context.Context, opts NegotiateOptions) (Outcome, error) {
	if err := requireText(opts.JobID, "Job ID"); err != nil {
		return Outcome{}, err
	}
	if err := requireText(opts.Message, "Message"); err != nil {
		return Outcome{}, err
	}
	opts.Intention = Intention(strings.ToUpper(strings.TrimSpace(string(opts.Intention))))
	var proposed domain.Terms
	switch opts.Intention {
	case IntentionCounter, IntentionAgree:
		t, err := opts.terms()
		if err != nil {
			return Outcome{}, err
		}
		proposed = t
	case IntentionCancel, IntentionGeneral:
	default:
		return Outcome{}, failf(FailValidation, "Intention must be one of COUNTER, AGREE, CANCEL, GENERAL")
	}

	var out Outcome
	err := e.inJob(ctx, opts.JobID, func(tx *sql.Tx) error {
		jc, err := e.loadJob(ctx, tx, opts.JobID, opts.AgentID, "negotiate",
			[]domain.Role{domain.RoleClient, domain.RoleProvider}, domain.PhaseNegotiation)
		if err != nil {
			return err
		}
		if err := e.ensureRead(ctx, jc, opts.AgentID); err != nil {
			return err
		}
		current := jc.item.Terms()
		switch opts.Intention {
		case IntentionCounter:
			if proposed.Equal(current) {
				return failf(FailPrecondition, "Cannot make a counter-offer with the same terms. Please propose different terms.")
			}
			if err := e.Repo.UpdateJobItemTerms(ctx, tx, jc.job.ID, proposed); err != nil {
				return err
			}
			jc.job.Metadata.ClearAgreements()
			jc.job.Budget = proposed.PricePerUnit.Mul(proposed.Quantity)
			if err := e.post(ctx, jc, opts.AgentID, opts.Message); err != nil {
				return err
			}
			if err := e.saveJob(ctx, jc); err != nil {
				return err
			}
			if err := e.emit(ctx, jc, "job.negotiated", opts.AgentID, events.EventPayload{
				"intention": string(opts.Intention),
				"terms":     proposed,
			}); err != nil {
				return err
			}
			out = Outcome{Message: "Counter-offer proposed", Metadata: map[string]any{"newTerms": proposed}}

		case IntentionAgree:
			if !proposed.Equal(current) {
				return failf(FailPrecondition, "Cannot agree to terms that differ from current proposal. Use COUNTER to propose new terms first.")
			}
			jc.job.Metadata.Agree(opts.AgentID, jc.now, proposed)
			other := jc.job.ClientID
			if opts.AgentID == jc.job.ClientID {
				other = jc.job.ProviderID
			}
			final := jc.job.Metadata.AgreedTo(other, proposed)
			text := opts.Message + " (Waiting for other party's agreement)"
			if final {
				text = opts.Message + " (Final agreement reached - proceeding to payment)"
				if err := jc.advance(domain.PhaseTransaction); err != nil {
					return err
				}
			}
			if err := e.post(ctx, jc, opts.AgentID, text); err != nil {
				return err
			}
			if err := e.saveJob(ctx, jc); err != nil {
				return err
			}
			if err := e.emit(ctx, jc, "job.agreed", opts.AgentID, events.EventPayload{
				"terms": proposed,
				"final": final,
			}); err != nil {
				return err
			}
			if final {
				out = Outcome{Message: "Mutual agreement reached - proceeding to payment", Metadata: map[string]any{"nextPhase": domain.PhaseTransaction}}
			} else {
				out = Outcome{Message: "Agreement recorded - waiting for other party to agree"}
			}

		case IntentionCancel:
			if err := jc.advance(domain.PhaseRejected); err != nil {
				return err
			}
			if err := e.post(ctx, jc, opts.AgentID, opts.Message); err != nil {
				return err
			}
			if err := e.saveJob(ctx, jc); err != nil {
				return err
			}
			if err := e.emit(ctx, jc, "job.rejected", opts.AgentID, events.EventPayload{
				"role":      string(jc.role),
				"intention": string(opts.Intention),
			}); err != nil {
				return err
			}
			out = Outcome{Message: "Negotiation cancelled", Metadata: map[string]any{"nextPhase": domain.PhaseRejected}}

		default:
			if err := e.post(ctx, jc, opts.AgentID, opts.Message); err != nil {
				return err
			}
			if err := e.emit(ctx, jc, "job.negotiated", opts.AgentID, events.EventPayload{"intention": string(opts.Intention)}); err != nil {
				return err
			}
			out = Outcome{Message: "Message sent", Metadata: map[string]any{"responseType": string(opts.Intention)}}
		}
		return nil
	})
	return out, err
}
