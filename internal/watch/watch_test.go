package watch

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	marketsdk "agentmarket/sdk/go"
)

type fakeSource struct {
	events []marketsdk.Event
	afters []int64
	fail   error
}

func (f *fakeSource) Agents(ctx context.Context) ([]marketsdk.Agent, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return []marketsdk.Agent{{ID: "agent-lemo", Name: "Lemo"}, {ID: "agent-zestie", Name: "Zestie"}}, nil
}

func (f *fakeSource) State(ctx context.Context, agentID string) (marketsdk.AgentState, error) {
	var st marketsdk.AgentState
	st.Agent.ID = agentID
	st.Wallet.Balance = "100.00"
	if agentID == "agent-zestie" {
		st.Chats = append(st.Chats, marketsdk.StateChat{ID: "chat-job-1", JobID: "job-1", Notification: "UNREAD_MESSAGES"})
	}
	return st, nil
}

func (f *fakeSource) Jobs(ctx context.Context, agentID string, active bool) ([]marketsdk.Job, error) {
	return []marketsdk.Job{{
		ID: "job-agent-lemo-1", ClientID: "agent-lemo", ProviderID: "agent-zestie",
		Phase: "REQUEST", Budget: "20.00", Item: marketsdk.JobItem{ItemName: "Lemon", Quantity: 10},
	}}, nil
}

func (f *fakeSource) EventsAfter(ctx context.Context, q marketsdk.EventQuery, after int64) (marketsdk.PaginatedEvents, error) {
	f.afters = append(f.afters, after)
	var page marketsdk.PaginatedEvents
	for _, e := range f.events {
		if e.ID > after {
			page.Items = append(page.Items, e)
		}
	}
	return page, nil
}

func refresh(t *testing.T, m *Model, cmd tea.Cmd) {
	t.Helper()
	msg := cmd()
	snap, ok := msg.(snapshotMsg)
	if !ok {
		t.Fatalf("expected snapshot, got %T", msg)
	}
	m.Update(snap)
}

func TestSnapshotRendersAndAdvancesCursor(t *testing.T) {
	src := &fakeSource{events: []marketsdk.Event{
		{ID: 7, Type: "job.requested", JobID: "job-agent-lemo-1", TS: "2024-01-01T00:00:00Z"},
		{ID: 8, Type: "chat.read", EntityID: "chat-job-agent-lemo-1", TS: "2024-01-01T00:00:01Z"},
	}}
	m := New(src, Options{Title: "test market"})
	refresh(t, m, m.Init())

	view := m.View()
	for _, want := range []string{"TEST MARKET", "job-agent-lemo-1", "job.requested", "chat.read", "1 unread", "Lemo"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	if m.cursor != 8 {
		t.Fatalf("cursor %d, want 8", m.cursor)
	}

	src.events = append(src.events, marketsdk.Event{ID: 9, Type: "job.accepted", JobID: "job-agent-lemo-1"})
	refresh(t, m, m.fetch())
	if got := src.afters[len(src.afters)-1]; got != 8 {
		t.Fatalf("second poll started after %d, want 8", got)
	}
	if len(m.feed) != 3 || m.cursor != 9 {
		t.Fatalf("feed %d events, cursor %d", len(m.feed), m.cursor)
	}
}

func TestFeedIsBounded(t *testing.T) {
	src := &fakeSource{}
	for i := 1; i <= maxFeed+50; i++ {
		src.events = append(src.events, marketsdk.Event{ID: int64(i), Type: "inventory.produced"})
	}
	m := New(src, Options{})
	refresh(t, m, m.Init())
	if len(m.feed) != maxFeed || m.feed[0].ID != 51 {
		t.Fatalf("feed len %d first %d", len(m.feed), m.feed[0].ID)
	}
}

func TestErrorKeepsLastSnapshot(t *testing.T) {
	src := &fakeSource{}
	m := New(src, Options{})
	refresh(t, m, m.Init())
	src.fail = errors.New("connection refused")
	refresh(t, m, m.fetch())
	if m.err == nil || len(m.agents) != 2 {
		t.Fatalf("err %v agents %d", m.err, len(m.agents))
	}
	if !strings.Contains(m.View(), "connection refused") {
		t.Fatalf("error not shown")
	}
}

func TestQuitAndToggle(t *testing.T) {
	m := New(&fakeSource{}, Options{})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	if m.active || cmd == nil {
		t.Fatalf("toggle should switch to all jobs and refetch")
	}
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected QuitMsg")
	}
}
