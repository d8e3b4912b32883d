package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentmarket/internal/domain"
	"agentmarket/internal/events"
	"agentmarket/internal/repo"
)

// ProviderListing is one entry returned by Find.
type ProviderListing struct {
	AgentID     string                `json:"agentId"`
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Catalog     []domain.CatalogEntry `json:"catalog"`
	Stats       ProviderStats         `json:"stats"`
}

type ProviderStats struct {
	ApprovedJobs int `json:"approvedJobs"`
	RejectedJobs int `json:"rejectedJobs"`
}

// Find lists every provider except the caller.
func (e Engine) Find(ctx context.Context, agentID string) ([]ProviderListing, error) {
	providers, err := e.Repo.ListProviders(ctx, nil, agentID)
	if err != nil {
		return nil, err
	}
	out := make([]ProviderListing, 0, len(providers))
	for _, p := range providers {
		a, err := e.Repo.GetAgent(ctx, nil, p.AgentID)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.AgentID, err)
		}
		out = append(out, ProviderListing{
			AgentID:     p.AgentID,
			Name:        a.Name,
			Description: p.Description,
			Catalog:     p.Catalog,
			Stats:       ProviderStats{ApprovedJobs: p.TotalApprovedJobs, RejectedJobs: p.TotalRejectedJobs},
		})
	}
	return out, nil
}

// RequestOptions are the client's opening terms.
type RequestOptions struct {
	ClientID     string
	ProviderID   string
	EvaluatorID  string
	ItemName     string
	Quantity     int
	PricePerUnit domain.Money
	Requirements string
	Message      string
}

func (o RequestOptions) validate() error {
	if err := requireText(o.ProviderID, "Provider ID"); err != nil {
		return err
	}
	if err := requireText(o.EvaluatorID, "Evaluator ID"); err != nil {
		return failf(FailValidation, "Evaluator ID is required (use %s for no evaluator)", domain.NoEvaluator)
	}
	if err := requireText(o.ItemName, "Item name"); err != nil {
		return err
	}
	if err := validateTerms(o.Quantity, o.PricePerUnit); err != nil {
		return err
	}
	if err := requireText(o.Requirements, "Requirements"); err != nil {
		return err
	}
	return requireText(o.Message, "Message")
}

// RequestResult identifies the records created by Request.
type RequestResult struct {
	Job  domain.Job
	Item domain.JobItem
	Chat domain.Chat
}

// Request opens a job with its item, chat and the client's first message.
func (e Engine) Request(ctx context.Context, opts RequestOptions) (RequestResult, error) {
	if err := opts.validate(); err != nil {
		return RequestResult{}, err
	}
	if opts.ProviderID == opts.ClientID {
		return RequestResult{}, failf(FailValidation, "Cannot request service from yourself.")
	}
	pair := []string{opts.ClientID, opts.ProviderID}
	if pair[0] > pair[1] {
		pair[0], pair[1] = pair[1], pair[0]
	}
	unlock := e.lock("pair:" + strings.Join(pair, "|"))
	defer unlock()

	var res RequestResult
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetAgent(ctx, tx, opts.ClientID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return failf(FailNotFound, "Agent %s not found", opts.ClientID)
			}
			return err
		}
		var evaluatorID *string
		if opts.EvaluatorID != domain.NoEvaluator {
			ev, err := e.Repo.GetAgent(ctx, tx, opts.EvaluatorID)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return failf(FailNotFound, "Evaluator not found")
				}
				return err
			}
			if ev.ID == opts.ClientID || ev.ID == opts.ProviderID {
				return failf(FailValidation, "The evaluator must be a third party to the job.")
			}
			if !ev.Evaluator {
				return failf(FailValidation, "The specified agent is not an evaluator.")
			}
			evaluatorID = &ev.ID
		}
		providerAgent, err := e.Repo.GetAgent(ctx, tx, opts.ProviderID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err == nil && providerAgent.Evaluator {
			return failf(FailValidation, "Cannot request services directly from the evaluator. Evaluators can only be assigned to evaluate jobs.")
		}
		provider, err := e.Repo.GetProvider(ctx, tx, opts.ProviderID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return failf(FailNotFound, "The specified provider does not exist.")
			}
			return err
		}
		inProvider := offers(provider.Catalog, opts.ItemName)
		if !inProvider {
			own, err := e.Repo.GetProvider(ctx, tx, opts.ClientID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if err == nil && offers(own.Catalog, opts.ItemName) {
				return failf(FailValidation, "You cannot use this function to sell items. This function is intended for requesting to buy items, not to sell them.")
			}
			return failf(FailValidation, "The provider does not sell the requested item.")
		}
		if _, err := e.Repo.ActiveJobBetween(ctx, tx, opts.ClientID, opts.ProviderID); err == nil {
			return failf(FailState, "There is already an active job between you and this agent. Either complete the job or reject it before requesting a new one.")
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		now := e.now()
		stamp := now.UTC().Format(time.RFC3339)
		jobID, err := e.newJobID(ctx, tx, opts.ClientID, now)
		if err != nil {
			return err
		}
		job := domain.Job{
			ID:          jobID,
			ClientID:    opts.ClientID,
			ProviderID:  opts.ProviderID,
			EvaluatorID: evaluatorID,
			Phase:       domain.PhaseRequest,
			Budget:      opts.PricePerUnit.Mul(opts.Quantity),
			Version:     1,
			CreatedAt:   stamp,
			UpdatedAt:   stamp,
		}
		if ttl := e.Config.JobTTLDuration(); ttl > 0 {
			exp := now.Add(ttl).UTC().Format(time.RFC3339)
			job.ExpiredAt = &exp
		}
		item := domain.JobItem{
			ID:           "job-item-" + jobID,
			JobID:        jobID,
			ItemName:     strings.TrimSpace(opts.ItemName),
			Quantity:     opts.Quantity,
			PricePerUnit: opts.PricePerUnit,
			Requirements: opts.Requirements,
		}
		chat := domain.Chat{
			ID:          "chat-" + jobID,
			JobID:       jobID,
			ClientID:    opts.ClientID,
			ProviderID:  opts.ProviderID,
			EvaluatorID: evaluatorID,
			CreatedAt:   stamp,
		}
		if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
			return err
		}
		if err := e.Repo.InsertJobItem(ctx, tx, item); err != nil {
			return err
		}
		if err := e.Repo.InsertChat(ctx, tx, chat); err != nil {
			return err
		}
		jc := &jobContext{tx: tx, job: job, item: item, chat: chat, role: domain.RoleClient, now: stamp}
		if err := e.post(ctx, jc, opts.ClientID, opts.Message); err != nil {
			return err
		}
		if err := e.emit(ctx, jc, "job.requested", opts.ClientID, events.EventPayload{
			"provider_id":  opts.ProviderID,
			"evaluator_id": job.Evaluator(),
			"terms":        item.Terms(),
			"item_name":    item.ItemName,
		}); err != nil {
			return err
		}
		res = RequestResult{Job: job, Item: item, Chat: jc.chat}
		return nil
	})
	return res, err
}

func offers(catalog []domain.CatalogEntry, itemName string) bool {
	for _, c := range catalog {
		if strings.EqualFold(strings.TrimSpace(c.Product), strings.TrimSpace(itemName)) {
			return true
		}
	}
	return false
}

// newJobID returns job-<client>-<unixmillis>, suffixed when that id is taken.
func (e Engine) newJobID(ctx context.Context, tx *sql.Tx, clientID string, now time.Time) (string, error) {
	base := fmt.Sprintf("job-%s-%d", clientID, now.UnixMilli())
	id := base
	for n := 2; ; n++ {
		_, err := e.Repo.GetJob(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}
