package observability

import (
	"sort"
	"sync"
)

// ActionCount is one actions_total series.
type ActionCount struct {
	Action string `json:"action"`
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// Metrics counts dispatched actions by name and outcome.
type Metrics struct {
	mu     sync.Mutex
	counts map[[2]string]int64
}

func NewMetrics() *Metrics {
	return &Metrics{counts: map[[2]string]int64{}}
}

func (m *Metrics) IncAction(action, status string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[[2]string{action, status}]++
}

// Snapshot returns the counters sorted by action then status.
func (m *Metrics) Snapshot() []ActionCount {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	out := make([]ActionCount, 0, len(m.counts))
	for k, v := range m.counts {
		out = append(out, ActionCount{Action: k[0], Status: k[1], Count: v})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Action != out[j].Action {
			return out[i].Action < out[j].Action
		}
		return out[i].Status < out[j].Status
	})
	return out
}
