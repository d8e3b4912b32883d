package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentmarket/internal/config"
	"agentmarket/internal/domain"
	"agentmarket/internal/events"
	"agentmarket/internal/repo"
)

// SeedResult lists which configured agents were created and which already existed.
type SeedResult struct {
	Created  []string
	Existing []string
}

// ItemID is the ledger id of an agent's own stock of a named item.
func ItemID(agentID, itemName string) string {
	slug := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(itemName)), " ", "-")
	return "item-" + slug + "-" + agentID
}

// Seed creates the configured agents with wallets, provider listings and
// starting inventory. Agents already in the ledger keep their wallet and
// inventory; only their provider listing is refreshed.
func Seed(ctx context.Context, conn *sql.DB, cfg *config.Config, now time.Time) (SeedResult, error) {
	var res SeedResult
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn, Now: func() time.Time { return now }}
	stamp := now.UTC().Format(time.RFC3339)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	for _, ac := range cfg.Agents {
		id := config.AgentID(ac.Name)
		_, err := r.GetAgent(ctx, tx, id)
		switch {
		case err == nil:
			res.Existing = append(res.Existing, id)
			if err := seedProvider(ctx, r, tx, id, ac); err != nil {
				return res, err
			}
			continue
		case !errors.Is(err, repo.ErrNotFound):
			return res, err
		}
		if err := r.InsertAgent(ctx, tx, domain.Agent{
			ID:          id,
			Name:        ac.Name,
			Goal:        ac.Goal,
			Description: ac.Description,
			Evaluator:   ac.Evaluator,
			CreatedAt:   stamp,
		}); err != nil {
			return res, err
		}
		if err := r.InsertWallet(ctx, tx, domain.Wallet{
			ID:      "wallet-" + id,
			AgentID: id,
			Address: ac.WalletAddress,
			Balance: domain.MoneyFromFloat(ac.Balance),
		}); err != nil {
			return res, err
		}
		if err := seedProvider(ctx, r, tx, id, ac); err != nil {
			return res, err
		}
		for _, s := range ac.Inventory {
			item := domain.Item{
				ID:      ItemID(id, s.Item),
				AgentID: id,
				Name:    s.Item,
				Metadata: domain.ItemMetadata{
					ItemType:    domain.ItemType(strings.ToUpper(s.Type)),
					Description: s.Description,
					Origin:      s.Origin,
					URL:         s.URL,
				},
				CreatedAt: stamp,
			}
			if _, err := r.GetItem(ctx, tx, item.ID); errors.Is(err, repo.ErrNotFound) {
				if err := r.InsertItem(ctx, tx, item); err != nil {
					return res, err
				}
			} else if err != nil {
				return res, err
			}
			if _, err := r.AddStock(ctx, tx, id, item.ID, s.Quantity, stamp); err != nil {
				return res, err
			}
		}
		if err := w.Append(ctx, tx, events.Entry{
			Type:       "agent.seeded",
			EntityKind: events.KindAgent,
			EntityID:   id,
			AgentID:    id,
			Payload:    events.EventPayload{"name": ac.Name, "balance": domain.MoneyFromFloat(ac.Balance)},
		}); err != nil {
			return res, err
		}
		res.Created = append(res.Created, id)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit seed: %w", err)
	}
	return res, nil
}

func seedProvider(ctx context.Context, r repo.Repo, tx *sql.Tx, agentID string, ac config.AgentConfig) error {
	if ac.Provider == nil {
		return nil
	}
	catalog := make([]domain.CatalogEntry, 0, len(ac.Provider.Catalog))
	for _, c := range ac.Provider.Catalog {
		catalog = append(catalog, domain.CatalogEntry{Product: c.Product, Price: domain.MoneyFromFloat(c.Price)})
	}
	return r.UpsertProvider(ctx, tx, domain.Provider{
		AgentID:     agentID,
		Description: ac.Provider.Description,
		Catalog:     catalog,
	})
}
