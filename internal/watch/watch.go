// Package watch is a read-only terminal dashboard over a running market.
// It polls the API for agents, jobs and the event log and never acts.
package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	marketsdk "agentmarket/sdk/go"
)

const (
	defaultRefresh = 2 * time.Second
	maxFeed        = 200
	feedLines      = 12
)

// Source is the slice of the API the dashboard reads.
type Source interface {
	Agents(ctx context.Context) ([]marketsdk.Agent, error)
	State(ctx context.Context, agentID string) (marketsdk.AgentState, error)
	Jobs(ctx context.Context, agentID string, active bool) ([]marketsdk.Job, error)
	EventsAfter(ctx context.Context, q marketsdk.EventQuery, after int64) (marketsdk.PaginatedEvents, error)
}

// Options tune the dashboard.
type Options struct {
	Title   string
	Refresh time.Duration
	// After is the event id to start the feed from. Zero shows the whole log.
	After int64
}

type agentRow struct {
	ID      string
	Name    string
	Balance string
	Unread  int
	Active  int
}

type snapshotMsg struct {
	agents []agentRow
	jobs   []marketsdk.Job
	events []marketsdk.Event
	next   int64
	err    error
}

type tickMsg struct{}

// Model is the bubbletea model of the dashboard.
type Model struct {
	src     Source
	opts    Options
	agents  []agentRow
	jobs    table.Model
	jobRows int
	feed    []marketsdk.Event
	cursor  int64
	active  bool
	err     error
	updated time.Time
	width   int
	height  int
}

func New(src Source, opts Options) *Model {
	if opts.Refresh <= 0 {
		opts.Refresh = defaultRefresh
	}
	if opts.Title == "" {
		opts.Title = "agentmarket"
	}
	jobs := table.New(
		table.WithColumns(jobColumns()),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#5B8DEF"))
	jobs.SetStyles(styles)
	return &Model{src: src, opts: opts, jobs: jobs, cursor: opts.After, active: true}
}

func jobColumns() []table.Column {
	return []table.Column{
		{Title: "Job", Width: 30},
		{Title: "Client", Width: 14},
		{Title: "Provider", Width: 14},
		{Title: "Item", Width: 18},
		{Title: "Qty", Width: 5},
		{Title: "Budget", Width: 9},
		{Title: "Phase", Width: 12},
	}
}

// Run starts the dashboard on the terminal and blocks until the user quits.
func Run(src Source, opts Options) error {
	_, err := tea.NewProgram(New(src, opts), tea.WithAltScreen()).Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return m.fetch()
}

func (m *Model) fetch() tea.Cmd {
	src, cursor, active := m.src, m.cursor, m.active
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return loadSnapshot(ctx, src, cursor, active)
	}
}

func loadSnapshot(ctx context.Context, src Source, cursor int64, active bool) snapshotMsg {
	msg := snapshotMsg{next: cursor}
	agents, err := src.Agents(ctx)
	if err != nil {
		msg.err = fmt.Errorf("agents: %w", err)
		return msg
	}
	for _, a := range agents {
		row := agentRow{ID: a.ID, Name: a.Name}
		st, err := src.State(ctx, a.ID)
		if err != nil {
			msg.err = fmt.Errorf("state of %s: %w", a.ID, err)
			return msg
		}
		row.Balance = st.Wallet.Balance
		for _, c := range st.Chats {
			if c.Notification == "UNREAD_MESSAGES" {
				row.Unread++
			}
		}
		for _, j := range st.Jobs {
			if j.Phase != "COMPLETE" && j.Phase != "REJECTED" {
				row.Active++
			}
		}
		msg.agents = append(msg.agents, row)
	}
	jobs, err := src.Jobs(ctx, "", active)
	if err != nil {
		msg.err = fmt.Errorf("jobs: %w", err)
		return msg
	}
	msg.jobs = jobs
	page, err := src.EventsAfter(ctx, marketsdk.EventQuery{Limit: maxFeed}, cursor)
	if err != nil {
		msg.err = fmt.Errorf("events: %w", err)
		return msg
	}
	msg.events = page.Items
	if n := len(page.Items); n > 0 {
		msg.next = page.Items[n-1].ID
	}
	return msg
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.opts.Refresh, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobs.SetHeight(max(5, msg.Height-feedLines-len(m.agents)-12))
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "a":
			m.active = !m.active
			return m, m.fetch()
		case "r":
			return m, m.fetch()
		}
		var cmd tea.Cmd
		m.jobs, cmd = m.jobs.Update(msg)
		return m, cmd

	case snapshotMsg:
		m.apply(msg)
		return m, m.tick()

	case tickMsg:
		return m, m.fetch()
	}
	return m, nil
}

func (m *Model) apply(msg snapshotMsg) {
	m.err = msg.err
	if msg.err != nil {
		return
	}
	m.updated = time.Now()
	m.agents = msg.agents
	rows := make([]table.Row, 0, len(msg.jobs))
	for _, j := range msg.jobs {
		rows = append(rows, table.Row{
			j.ID, j.ClientID, j.ProviderID, j.Item.ItemName,
			fmt.Sprintf("%d", j.Item.Quantity), j.Budget, j.Phase,
		})
	}
	m.jobs.SetRows(rows)
	m.jobRows = len(rows)
	m.feed = append(m.feed, msg.events...)
	if len(m.feed) > maxFeed {
		m.feed = m.feed[len(m.feed)-maxFeed:]
	}
	if msg.next > m.cursor {
		m.cursor = msg.next
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")).MarginBottom(1)
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
)

func (m *Model) View() string {
	sections := []string{titleStyle.Render("⬡ " + strings.ToUpper(m.opts.Title))}

	top := lipgloss.JoinHorizontal(lipgloss.Top, boxStyle.Render(m.renderAgents()), boxStyle.Render(m.renderFeed()))
	sections = append(sections, top)

	scope := "active jobs"
	if !m.active {
		scope = "all jobs"
	}
	jobs := headStyle.Render(fmt.Sprintf("Jobs · %s (%d)", scope, m.jobRows))
	if m.jobRows == 0 {
		jobs = lipgloss.JoinVertical(lipgloss.Left, jobs, dimStyle.Render("No jobs yet."))
	} else {
		jobs = lipgloss.JoinVertical(lipgloss.Left, jobs, m.jobs.View())
	}
	sections = append(sections, boxStyle.Render(jobs))

	status := "waiting for first refresh"
	if !m.updated.IsZero() {
		status = "updated " + m.updated.Format("15:04:05")
	}
	if m.err != nil {
		status = warnStyle.Render("⚠ " + m.err.Error())
	}
	sections = append(sections, dimStyle.Render(status+"    a → toggle active/all    r → refresh    q → quit"))
	return strings.Join(sections, "\n")
}

func (m *Model) renderAgents() string {
	lines := []string{headStyle.Render(fmt.Sprintf("Agents (%d)", len(m.agents)))}
	for _, a := range m.agents {
		line := fmt.Sprintf("%-12s %9s  %d active", a.Name, a.Balance, a.Active)
		if a.Unread > 0 {
			line += warnStyle.Render(fmt.Sprintf("  %d unread", a.Unread))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m *Model) renderFeed() string {
	lines := []string{headStyle.Render("Events")}
	start := max(0, len(m.feed)-feedLines)
	if len(m.feed) == 0 {
		lines = append(lines, dimStyle.Render("No events yet."))
	}
	for _, e := range m.feed[start:] {
		lines = append(lines, formatEvent(e))
	}
	return strings.Join(lines, "\n")
}

func formatEvent(e marketsdk.Event) string {
	ts := e.TS
	if t, err := time.Parse(time.RFC3339, e.TS); err == nil {
		ts = t.Local().Format("15:04:05")
	}
	subject := e.JobID
	if subject == "" {
		subject = e.EntityID
	}
	return fmt.Sprintf("%s %s %-22s %s", dimStyle.Render(ts), dimStyle.Render(fmt.Sprintf("#%d", e.ID)), e.Type, subject)
}
