package domain

type Phase string

const (
	PhaseRequest     Phase = "REQUEST"
	PhaseNegotiation Phase = "NEGOTIATION"
	PhaseTransaction Phase = "TRANSACTION"
	PhaseEvaluation  Phase = "EVALUATION"
	PhaseComplete    Phase = "COMPLETE"
	PhaseRejected    Phase = "REJECTED"
)

// Terminal reports whether no further action can change the job.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseRejected
}

type Role string

const (
	RoleClient    Role = "client"
	RoleProvider  Role = "provider"
	RoleEvaluator Role = "evaluator"
)

// NoEvaluator is the request argument meaning the job has no evaluator.
const NoEvaluator = "NONE"

type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Goal        string `json:"goal"`
	Description string `json:"description"`
	Evaluator   bool   `json:"evaluator"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Wallet struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	Address string `json:"address"`
	Balance Money  `json:"balance"`
}

type CatalogEntry struct {
	Product string `json:"product"`
	Price   Money  `json:"price"`
}

type Provider struct {
	AgentID           string         `json:"agent_id"`
	Description       string         `json:"description"`
	Catalog           []CatalogEntry `json:"catalog"`
	TotalApprovedJobs int            `json:"total_approved_jobs"`
	TotalRejectedJobs int            `json:"total_rejected_jobs"`
}

type ItemType string

const (
	ItemPhysical ItemType = "PHYSICAL"
	ItemDigital  ItemType = "DIGITAL"
)

// ItemMetadata is PHYSICAL {description, origin} or DIGITAL {description, url}.
type ItemMetadata struct {
	ItemType    ItemType `json:"itemType"`
	Description string   `json:"description"`
	Origin      string   `json:"origin,omitempty"`
	URL         string   `json:"url,omitempty"`
}

type Item struct {
	ID        string       `json:"id"`
	AgentID   string       `json:"agent_id"`
	Name      string       `json:"name"`
	Metadata  ItemMetadata `json:"metadata"`
	CreatedAt string       `json:"created_at" format:"date-time"`
}

type InventoryItem struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	ItemID    string `json:"item_id"`
	Quantity  int    `json:"quantity"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// InventoryEntry is an inventory row joined with its item.
type InventoryEntry struct {
	ID       string       `json:"id"`
	AgentID  string       `json:"agent_id"`
	ItemID   string       `json:"item_id"`
	Name     string       `json:"name"`
	Metadata ItemMetadata `json:"metadata"`
	Quantity int          `json:"quantity"`
}

type Job struct {
	ID              string      `json:"id"`
	ClientID        string      `json:"client_id"`
	ProviderID      string      `json:"provider_id"`
	EvaluatorID     *string     `json:"evaluator_id,omitempty"`
	Phase           Phase       `json:"phase" enum:"REQUEST,NEGOTIATION,TRANSACTION,EVALUATION,COMPLETE,REJECTED"`
	Budget          Money       `json:"budget"`
	EscrowAmount    Money       `json:"escrow_amount"`
	TransactionHash *string     `json:"transaction_hash,omitempty"`
	ExpiredAt       *string     `json:"expired_at,omitempty" format:"date-time"`
	Metadata        JobMetadata `json:"metadata"`
	Version         int         `json:"version"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
	UpdatedAt       string      `json:"updated_at" format:"date-time"`
}

// HasEvaluator reports whether an evaluator is assigned.
func (j Job) HasEvaluator() bool {
	return j.EvaluatorID != nil && *j.EvaluatorID != ""
}

func (j Job) Evaluator() string {
	if j.EvaluatorID == nil {
		return ""
	}
	return *j.EvaluatorID
}

type JobItem struct {
	ID              string  `json:"id"`
	JobID           string  `json:"job_id"`
	ItemName        string  `json:"item_name"`
	Quantity        int     `json:"quantity"`
	PricePerUnit    Money   `json:"price_per_unit"`
	Requirements    string  `json:"requirements"`
	InventoryItemID *string `json:"inventory_item_id,omitempty"`
}

func (ji JobItem) Terms() Terms {
	return Terms{Quantity: ji.Quantity, PricePerUnit: ji.PricePerUnit, Requirements: ji.Requirements}
}

// Total is quantity × pricePerUnit.
func (ji JobItem) Total() Money {
	return ji.PricePerUnit.Mul(ji.Quantity)
}

type Chat struct {
	ID          string  `json:"id"`
	JobID       string  `json:"job_id"`
	ClientID    string  `json:"client_id"`
	ProviderID  string  `json:"provider_id"`
	EvaluatorID *string `json:"evaluator_id,omitempty"`
	LastReadBy  *string `json:"last_read_by,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Participant reports whether agentID may read the chat.
func (c Chat) Participant(agentID string) bool {
	if agentID == c.ClientID || agentID == c.ProviderID {
		return true
	}
	return c.EvaluatorID != nil && *c.EvaluatorID == agentID
}

type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	AuthorID  string `json:"author_id"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	JobID      string `json:"job_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	AgentID    string `json:"agent_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
