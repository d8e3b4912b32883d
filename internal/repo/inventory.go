package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agentmarket/internal/domain"
)

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	meta, err := json.Marshal(it.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO items(id,agent_id,name,metadata_json,created_at) VALUES (?,?,?,?,?)`,
		it.ID, it.AgentID, it.Name, string(meta), it.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", it.ID, err)
	}
	return nil
}

func (r Repo) GetItem(ctx context.Context, tx *sql.Tx, id string) (domain.Item, error) {
	var it domain.Item
	var meta string
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,agent_id,name,metadata_json,created_at FROM items WHERE id=?`, id).
		Scan(&it.ID, &it.AgentID, &it.Name, &meta, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if err := json.Unmarshal([]byte(meta), &it.Metadata); err != nil {
		return it, fmt.Errorf("decode item %s metadata: %w", id, err)
	}
	return it, nil
}

const inventoryEntrySelect = `SELECT inv.id,inv.agent_id,inv.item_id,i.name,i.metadata_json,inv.quantity
FROM inventory_items inv JOIN items i ON i.id=inv.item_id`

func scanInventoryEntry(s scanner) (domain.InventoryEntry, error) {
	var e domain.InventoryEntry
	var meta string
	err := s.Scan(&e.ID, &e.AgentID, &e.ItemID, &e.Name, &meta, &e.Quantity)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		return e, fmt.Errorf("decode item %s metadata: %w", e.ItemID, err)
	}
	return e, nil
}

func (r Repo) GetInventoryEntry(ctx context.Context, tx *sql.Tx, id string) (domain.InventoryEntry, error) {
	return scanInventoryEntry(r.q(tx).QueryRowContext(ctx, inventoryEntrySelect+` WHERE inv.id=?`, id))
}

func (r Repo) ListInventory(ctx context.Context, tx *sql.Tx, agentID string) ([]domain.InventoryEntry, error) {
	rows, err := r.q(tx).QueryContext(ctx, inventoryEntrySelect+` WHERE inv.agent_id=? AND inv.quantity>0 ORDER BY i.name`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InventoryEntry
	for rows.Next() {
		e, err := scanInventoryEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// FindDeliverable returns the agent's first inventory entry whose item name
// matches (case-insensitive) and holds at least minQty units.
func (r Repo) FindDeliverable(ctx context.Context, tx *sql.Tx, agentID, itemName string, minQty int) (domain.InventoryEntry, error) {
	return scanInventoryEntry(r.q(tx).QueryRowContext(ctx, inventoryEntrySelect+`
WHERE inv.agent_id=? AND lower(i.name)=? AND inv.quantity>=? ORDER BY inv.created_at, inv.id LIMIT 1`,
		agentID, strings.ToLower(strings.TrimSpace(itemName)), minQty))
}

// AddStock adds quantity of an item to the agent's holding, creating the row
// when missing, and returns the inventory id.
func (r Repo) AddStock(ctx context.Context, tx *sql.Tx, agentID, itemID string, quantity int, now string) (string, error) {
	if quantity <= 0 {
		return "", fmt.Errorf("quantity must be positive")
	}
	q := r.q(tx)
	_, err := q.ExecContext(ctx, `INSERT INTO inventory_items(id,agent_id,item_id,quantity,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(agent_id,item_id) DO UPDATE SET quantity=quantity+excluded.quantity, updated_at=excluded.updated_at`,
		"inventory-"+uuid.NewString(), agentID, itemID, quantity, now, now)
	if err != nil {
		return "", fmt.Errorf("add stock %s to %s: %w", itemID, agentID, err)
	}
	var id string
	if err := q.QueryRowContext(ctx, `SELECT id FROM inventory_items WHERE agent_id=? AND item_id=?`, agentID, itemID).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

// RemoveStock subtracts quantity from an agent's holding of an item.
func (r Repo) RemoveStock(ctx context.Context, tx *sql.Tx, agentID, itemID string, quantity int, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE inventory_items SET quantity=quantity-?, updated_at=? WHERE agent_id=? AND item_id=? AND quantity>=?`,
		quantity, now, agentID, itemID, quantity)
	if err != nil {
		return fmt.Errorf("remove stock %s from %s: %w", itemID, agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("insufficient quantity of %s held by %s", itemID, agentID)
	}
	return nil
}

// TransferInventory moves quantity units of the inventory row to toAgentID and
// returns the destination inventory id. An emptied source row is deleted
// unless it is still referenced by a job item, in which case it stays at zero.
func (r Repo) TransferInventory(ctx context.Context, tx *sql.Tx, inventoryID, toAgentID string, quantity int, now string) (string, error) {
	src, err := r.GetInventoryEntry(ctx, tx, inventoryID)
	if err != nil {
		return "", err
	}
	if src.AgentID == toAgentID {
		return "", fmt.Errorf("cannot transfer to same owner")
	}
	if src.Quantity < quantity {
		return "", fmt.Errorf("insufficient quantity: have %d, need %d", src.Quantity, quantity)
	}
	if err := r.RemoveStock(ctx, tx, src.AgentID, src.ItemID, quantity, now); err != nil {
		return "", err
	}
	q := r.q(tx)
	if src.Quantity == quantity {
		if _, err := q.ExecContext(ctx, `DELETE FROM inventory_items WHERE id=? AND quantity=0
AND NOT EXISTS (SELECT 1 FROM job_items WHERE inventory_item_id=?)`, inventoryID, inventoryID); err != nil {
			return "", fmt.Errorf("clear source inventory: %w", err)
		}
	}
	return r.AddStock(ctx, tx, toAgentID, src.ItemID, quantity, now)
}
