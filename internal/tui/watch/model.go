// Package watch is the live sync dashboard: connectivity, queue depth,
// conflicts and recent outbox activity for one tenant.
package watch

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/scolaris/scolaris/internal/models"
	"github.com/scolaris/scolaris/internal/netmon"
	"github.com/scolaris/scolaris/internal/store"
	"github.com/scolaris/scolaris/internal/sync"
)

// Model is the Bubble Tea model for the watch dashboard.
type Model struct {
	Store    store.Store
	Engine   *sync.Engine
	Monitor  *netmon.Monitor
	TenantID string

	Width  int
	Height int

	State     *models.SyncState
	Events    []models.OutboxEvent
	Conflicts []models.Conflict
	Online    bool

	Spinner     spinner.Model
	Syncing     bool
	LastRefresh time.Time
	Err         error

	RefreshInterval time.Duration
}

// TickMsg triggers a data refresh
type TickMsg time.Time

// RefreshDataMsg carries refreshed data
type RefreshDataMsg struct {
	State     *models.SyncState
	Events    []models.OutboxEvent
	Conflicts []models.Conflict
	Online    bool
	Err       error
	Timestamp time.Time
}

// SyncDoneMsg reports a manually triggered sync pass
type SyncDoneMsg struct {
	Report *sync.Report
	Err    error
}

// NewModel creates a watch model.
func NewModel(st store.Store, engine *sync.Engine, mon *netmon.Monitor, tenantID string, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		Store:           st,
		Engine:          engine,
		Monitor:         mon,
		TenantID:        tenantID,
		Spinner:         sp,
		RefreshInterval: interval,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchData(), m.scheduleTick(), m.Spinner.Tick)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case RefreshDataMsg:
		m.State = msg.State
		m.Events = msg.Events
		m.Conflicts = msg.Conflicts
		m.Online = msg.Online
		m.Err = msg.Err
		m.LastRefresh = msg.Timestamp
		return m, nil

	case SyncDoneMsg:
		m.Syncing = false
		if msg.Err != nil {
			m.Err = msg.Err
		}
		return m, m.fetchData()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "r":
		return m, m.fetchData()

	case "s":
		if m.Syncing {
			return m, nil
		}
		m.Syncing = true
		m.Err = nil
		return m, m.runSync()
	}
	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) fetchData() tea.Cmd {
	return func() tea.Msg {
		msg := RefreshDataMsg{Timestamp: time.Now(), Online: m.Monitor.Online()}
		st, err := m.Store.RefreshCounters(m.TenantID)
		if err != nil {
			msg.Err = err
			return msg
		}
		msg.State = st
		events, err := m.Store.PendingEvents(m.TenantID, time.Now().UTC().Add(24*time.Hour), 20)
		if err != nil {
			msg.Err = err
			return msg
		}
		failed, err := m.Store.FailedEvents(m.TenantID, 20)
		if err != nil {
			msg.Err = err
			return msg
		}
		seen := map[string]bool{}
		for _, ev := range events {
			seen[ev.ID] = true
		}
		for _, ev := range failed {
			if !seen[ev.ID] {
				events = append(events, ev)
			}
		}
		msg.Events = events
		conflicts, err := m.Store.ListConflicts(m.TenantID)
		if err != nil {
			msg.Err = err
			return msg
		}
		msg.Conflicts = conflicts
		return msg
	}
}

func (m Model) runSync() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		report, err := m.Engine.Sync(ctx, m.TenantID)
		return SyncDoneMsg{Report: report, Err: err}
	}
}
