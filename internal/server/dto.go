package server

import (
	"encoding/json"

	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
	"agentmarket/internal/observability"
)

// Request payloads

type DevTokenRequest struct {
	AgentID    string `json:"agent_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Responses

type DevTokenResponse struct {
	Token string `json:"token"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CreatedAPIKeyResponse struct {
	APIKeyResponse
	// Key is shown once; only its digest is stored.
	Key string `json:"key"`
}

type MeResponse struct {
	AgentID string `json:"agent_id"`
	Source  string `json:"source"`
}

type ActionsResponse struct {
	Actions []string `json:"actions"`
}

type ProvidersResponse struct {
	Items []engine.ProviderListing `json:"items"`
}

type AgentsResponse struct {
	Items []domain.Agent `json:"items"`
}

type JobResponse struct {
	domain.Job
	Item domain.JobItem `json:"item"`
}

type JobsResponse struct {
	Items []JobResponse `json:"items"`
}

type MessagesResponse struct {
	ChatID string           `json:"chat_id"`
	Items  []domain.Message `json:"items"`
}

type MetricsResponse struct {
	Actions []observability.ActionCount `json:"actions"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	JobID      string         `json:"job_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	AgentID    string         `json:"agent_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		JobID:      e.JobID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		AgentID:    e.AgentID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, AgentID: k.AgentID, Name: k.Name, CreatedAt: k.CreatedAt}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
