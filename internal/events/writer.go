package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entity kinds recorded on events.
const (
	KindJob       = "job"
	KindChat      = "chat"
	KindWallet    = "wallet"
	KindInventory = "inventory"
	KindAgent     = "agent"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry is one event to append; JobID and EntityID are optional.
type Entry struct {
	Type       string
	JobID      string
	EntityKind string
	EntityID   string
	AgentID    string
	Payload    EventPayload
}

// Append writes the entry inside tx so it commits or rolls back with the state change.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,job_id,entity_kind,entity_id,agent_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.JobID), e.EntityKind, nullable(e.EntityID), e.AgentID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
