package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/loopforge/runway/internal/logstream"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, refreshCmd(m.client, m.ownerID)
		case "tab":
			m.activeTab = (m.activeTab + 1) % 2
			m.selectedRow = 0
		case "j", "down":
			if m.activeTab == 0 && m.selectedRow < len(m.routines)-1 {
				m.selectedRow++
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(refreshCmd(m.client, m.ownerID), tickCmd())

	case RefreshMsg:
		m.lastErr = msg.Err
		if msg.Err == nil {
			m.status = msg.Status
			m.routines = msg.Routines
			m.lastRefresh = time.Now()
		}

	case FeedOpenedMsg:
		if msg.Err != nil {
			m.lastErr = msg.Err
			return m, nil
		}
		m.feed = msg.Events
		return m, waitForEvent(m.feed)

	case FeedMsg:
		m.events = append(m.events, logstream.Event(msg))
		if len(m.events) > maxEvents {
			m.events = m.events[len(m.events)-maxEvents:]
		}
		return m, waitForEvent(m.feed)

	case FeedClosedMsg:
		// Reconnect after a short pause; the server may be restarting
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, openFeedCmd(m.client, m.ownerID)
	}

	return m, nil
}

type reconnectMsg struct{}
