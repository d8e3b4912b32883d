package domain

// Terms are the negotiable fields of a JobItem.
type Terms struct {
	Quantity     int    `json:"quantity"`
	PricePerUnit Money  `json:"pricePerUnit"`
	Requirements string `json:"requirements"`
}

func (t Terms) Equal(o Terms) bool {
	return t.Quantity == o.Quantity && t.PricePerUnit == o.PricePerUnit && t.Requirements == o.Requirements
}

type AcceptanceRecord struct {
	AcceptedAt *string `json:"acceptedAt,omitempty"`
	RejectedAt *string `json:"rejectedAt,omitempty"`
}

type AgreementRecord struct {
	AgreedAt string `json:"agreedAt"`
	Terms    Terms  `json:"terms"`
}

// EvaluationRecord keeps the adjudicator verdict on the job.
type EvaluationRecord struct {
	Kind            string   `json:"kind"`
	Passed          bool     `json:"passed"`
	Confidence      float64  `json:"confidence,omitempty"`
	Explanation     string   `json:"explanation,omitempty"`
	ElementsFound   []string `json:"elementsFound,omitempty"`
	MissingElements []string `json:"missingElements,omitempty"`
	EvaluatedAt     string   `json:"evaluatedAt"`
	Refunded        bool     `json:"refunded,omitempty"`
}

// JobMetadata holds per-party sign-offs keyed by agent id.
type JobMetadata struct {
	Acceptance map[string]AcceptanceRecord `json:"acceptance,omitempty"`
	Agreement  map[string]AgreementRecord  `json:"agreement,omitempty"`
	Evaluation *EvaluationRecord           `json:"evaluation,omitempty"`
}

func (m *JobMetadata) Accept(agentID, ts string) {
	if m.Acceptance == nil {
		m.Acceptance = map[string]AcceptanceRecord{}
	}
	rec := m.Acceptance[agentID]
	rec.AcceptedAt = &ts
	m.Acceptance[agentID] = rec
}

func (m *JobMetadata) Reject(agentID, ts string) {
	if m.Acceptance == nil {
		m.Acceptance = map[string]AcceptanceRecord{}
	}
	rec := m.Acceptance[agentID]
	rec.RejectedAt = &ts
	m.Acceptance[agentID] = rec
}

func (m JobMetadata) Accepted(agentID string) bool {
	rec, ok := m.Acceptance[agentID]
	return ok && rec.AcceptedAt != nil
}

func (m *JobMetadata) Agree(agentID, ts string, terms Terms) {
	if m.Agreement == nil {
		m.Agreement = map[string]AgreementRecord{}
	}
	m.Agreement[agentID] = AgreementRecord{AgreedAt: ts, Terms: terms}
}

// AgreedTo reports whether agentID has a standing agreement on exactly terms.
func (m JobMetadata) AgreedTo(agentID string, terms Terms) bool {
	rec, ok := m.Agreement[agentID]
	return ok && rec.Terms.Equal(terms)
}

func (m *JobMetadata) ClearAgreements() {
	m.Agreement = nil
}
