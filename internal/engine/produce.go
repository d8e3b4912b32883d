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

const (
	lemonItemName    = "Lemon"
	lemonadeItemName = "Lemonade"
	lemonsPerCup     = 2
	maxHarvest       = 1000
)

// producedAs maps catalog products to the name of the item made for them.
var producedAs = map[string]string{
	"permit": permitItemName,
	"poster": posterItemName,
}

// fulfills reports whether an item named entryName can be delivered for a
// job item named jobItem.
func fulfills(jobItem, entryName string) bool {
	jobItem = strings.ToLower(strings.TrimSpace(jobItem))
	entryName = strings.TrimSpace(entryName)
	if strings.EqualFold(jobItem, entryName) {
		return true
	}
	made, ok := producedAs[jobItem]
	return ok && strings.EqualFold(made, entryName)
}

// HarvestOptions adds fresh lemons to the caller's inventory. Allowed in any phase.
type HarvestOptions struct {
	AgentID  string
	Quantity int
}

func (e Engine) HarvestLemons(ctx context.Context, opts HarvestOptions) (Outcome, error) {
	if opts.Quantity <= 0 || opts.Quantity > maxHarvest {
		return Outcome{}, failf(FailValidation, "Quantity must be between 1 and %d", maxHarvest)
	}
	unlock := e.lock("agent:" + opts.AgentID)
	defer unlock()
	var out Outcome
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		agent, err := e.Repo.GetAgent(ctx, tx, opts.AgentID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return failf(FailNotFound, "Agent %s not found", opts.AgentID)
			}
			return err
		}
		now := e.stamp()
		item := domain.Item{
			ID:      "item-lemon-" + agent.ID,
			AgentID: agent.ID,
			Name:    lemonItemName,
			Metadata: domain.ItemMetadata{
				ItemType:    domain.ItemPhysical,
				Description: "Fresh lemon",
				Origin:      agent.Name + "'s orchard",
			},
			CreatedAt: now,
		}
		if err := e.ensureItem(ctx, tx, item); err != nil {
			return err
		}
		invID, err := e.Repo.AddStock(ctx, tx, agent.ID, item.ID, opts.Quantity, now)
		if err != nil {
			return err
		}
		if err := e.producedEvent(ctx, tx, "", agent.ID, invID, item.Name, opts.Quantity); err != nil {
			return err
		}
		out = Outcome{
			Message:  fmt.Sprintf("Harvested %d lemons", opts.Quantity),
			Metadata: map[string]any{"inventoryItemId": invID, "quantity": opts.Quantity},
		}
		return nil
	})
	return out, err
}

// ProduceOptions identify the job a deliverable is produced for.
type ProduceOptions struct {
	JobID        string
	AgentID      string
	Requirements string
}

// MakeLemonade turns two lemons per cup into lemonade linked to the job.
func (e Engine) MakeLemonade(ctx context.Context, opts ProduceOptions) (Outcome, error) {
	if err := requireText(opts.JobID, "Job ID"); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	err := e.inJob(ctx, opts.JobID, func(tx *sql.Tx) error {
		jc, err := e.loadProduction(ctx, tx, opts)
		if err != nil {
			return err
		}
		if !fulfills(jc.item.ItemName, lemonadeItemName) {
			return failf(FailValidation, "This job is not for %s", lemonadeItemName)
		}
		need := jc.item.Quantity * lemonsPerCup
		lemons, err := e.Repo.FindDeliverable(ctx, tx, opts.AgentID, lemonItemName, need)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return failf(FailPrecondition, "Not enough lemons: %d needed for %d lemonade", need, jc.item.Quantity)
			}
			return err
		}
		if err := e.Repo.RemoveStock(ctx, tx, opts.AgentID, lemons.ItemID, need, jc.now); err != nil {
			return err
		}
		agent, err := e.Repo.GetAgent(ctx, tx, opts.AgentID)
		if err != nil {
			return err
		}
		item := domain.Item{
			ID:      "item-lemonade-" + jc.job.ID,
			AgentID: opts.AgentID,
			Name:    lemonadeItemName,
			Metadata: domain.ItemMetadata{
				ItemType:    domain.ItemPhysical,
				Description: "Fresh lemonade: " + jc.item.Requirements,
				Origin:      agent.Name + "'s stand",
			},
			CreatedAt: jc.now,
		}
		invID, err := e.stockDeliverable(ctx, jc, item)
		if err != nil {
			return err
		}
		out = Outcome{
			Message:  fmt.Sprintf("Made %d lemonade from %d lemons", jc.item.Quantity, need),
			Metadata: map[string]any{"inventoryItemId": invID, "quantity": jc.item.Quantity, "lemonsUsed": need},
		}
		return nil
	})
	return out, err
}

// MakePermit issues a business permit for the job.
func (e Engine) MakePermit(ctx context.Context, opts ProduceOptions) (Outcome, error) {
	if err := requireText(opts.JobID, "Job ID"); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	err := e.inJob(ctx, opts.JobID, func(tx *sql.Tx) error {
		jc, err := e.loadProduction(ctx, tx, opts)
		if err != nil {
			return err
		}
		if !fulfills(jc.item.ItemName, permitItemName) {
			return failf(FailValidation, "This job is not for a %s", permitItemName)
		}
		item := domain.Item{
			ID:      "item-permit-" + jc.job.ID,
			AgentID: opts.AgentID,
			Name:    permitItemName,
			Metadata: domain.ItemMetadata{
				ItemType:    domain.ItemDigital,
				Description: "Official business operation permit",
				URL:         "https://permits.example.com/verify/" + jc.job.ID,
			},
			CreatedAt: jc.now,
		}
		invID, err := e.stockDeliverable(ctx, jc, item)
		if err != nil {
			return err
		}
		out = Outcome{
			Message: fmt.Sprintf("Successfully created %d business permit(s)", jc.item.Quantity),
			Metadata: map[string]any{
				"permitId":        item.ID,
				"inventoryItemId": invID,
				"quantity":        jc.item.Quantity,
				"metadata":        item.Metadata,
			},
		}
		return nil
	})
	return out, err
}

// MakePoster renders a poster for the job, stores it and links it as the deliverable.
func (e Engine) MakePoster(ctx context.Context, opts ProduceOptions) (Outcome, error) {
	if err := requireText(opts.JobID, "Job ID"); err != nil {
		return Outcome{}, err
	}
	unlock := e.lock("job:" + opts.JobID)
	defer unlock()

	first, err := e.loadProduction(ctx, nil, opts)
	if err != nil {
		return Outcome{}, err
	}
	if !fulfills(first.item.ItemName, posterItemName) {
		return Outcome{}, failf(FailValidation, "This job is not for a %s", posterItemName)
	}
	requirements := strings.TrimSpace(opts.Requirements)
	if requirements == "" {
		requirements = first.item.Requirements
	}
	gen := e.Posters
	if gen == nil {
		gen = oracle.LocalPosterGenerator{}
	}
	img, err := gen.Generate(ctx, oracle.PosterRequest{JobID: first.job.ID, Title: first.item.ItemName, Requirements: requirements})
	if err != nil {
		return Outcome{}, fmt.Errorf("generate poster for %s: %w", first.job.ID, err)
	}
	if e.Artifacts == nil {
		return Outcome{}, failf(FailInfrastructure, "No artifact store configured")
	}
	url, err := e.Artifacts.Put(ctx, first.job.ID+"/poster"+extension(img.ContentType), img.Data, img.ContentType)
	if err != nil {
		return Outcome{}, fmt.Errorf("store poster for %s: %w", first.job.ID, err)
	}

	var out Outcome
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		jc, err := e.loadProduction(ctx, tx, opts)
		if err != nil {
			return err
		}
		if jc.job.Version != first.job.Version {
			return repo.ErrConflict
		}
		item := domain.Item{
			ID:      "item-poster-" + jc.job.ID,
			AgentID: opts.AgentID,
			Name:    posterItemName,
			Metadata: domain.ItemMetadata{
				ItemType:    domain.ItemDigital,
				Description: requirements,
				URL:         url,
			},
			CreatedAt: jc.now,
		}
		invID, err := e.stockDeliverable(ctx, jc, item)
		if err != nil {
			return err
		}
		out = Outcome{
			Message:  "Poster created",
			Metadata: map[string]any{"inventoryItemId": invID, "url": url, "quantity": jc.item.Quantity},
		}
		return nil
	})
	return out, err
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// loadProduction checks the caller is the provider of a TRANSACTION-phase job
// that has no deliverable yet.
func (e Engine) loadProduction(ctx context.Context, tx *sql.Tx, opts ProduceOptions) (*jobContext, error) {
	jc, err := e.loadJob(ctx, tx, opts.JobID, opts.AgentID, "produce for",
		[]domain.Role{domain.RoleProvider}, domain.PhaseTransaction)
	if err != nil {
		return nil, err
	}
	if jc.item.InventoryItemID != nil {
		return nil, failf(FailState, "A deliverable is already linked to this job")
	}
	return jc, nil
}

// stockDeliverable creates the item, stocks the job quantity with the
// provider and links it to the job item.
func (e Engine) stockDeliverable(ctx context.Context, jc *jobContext, item domain.Item) (string, error) {
	if err := e.ensureItem(ctx, jc.tx, item); err != nil {
		return "", err
	}
	invID, err := e.Repo.AddStock(ctx, jc.tx, item.AgentID, item.ID, jc.item.Quantity, jc.now)
	if err != nil {
		return "", err
	}
	if err := e.Repo.LinkInventory(ctx, jc.tx, jc.job.ID, invID); err != nil {
		return "", err
	}
	jc.item.InventoryItemID = &invID
	return invID, e.producedEvent(ctx, jc.tx, jc.job.ID, item.AgentID, invID, item.Name, jc.item.Quantity)
}

func (e Engine) ensureItem(ctx context.Context, tx *sql.Tx, item domain.Item) error {
	_, err := e.Repo.GetItem(ctx, tx, item.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return e.Repo.InsertItem(ctx, tx, item)
}

func (e Engine) producedEvent(ctx context.Context, tx *sql.Tx, jobID, agentID, invID, name string, qty int) error {
	return e.Events.Append(ctx, tx, events.Entry{
		Type:       "inventory.produced",
		JobID:      jobID,
		EntityKind: events.KindInventory,
		EntityID:   invID,
		AgentID:    agentID,
		Payload:    events.EventPayload{"item": name, "quantity": qty},
	})
}
