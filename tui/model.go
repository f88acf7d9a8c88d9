// Package tui renders a live terminal view over a running runway server:
// the status header, the routine list and the owner's streaming event feed.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/loopforge/runway/internal/logstream"
	"github.com/loopforge/runway/web/api"
)

// maxEvents bounds the in-memory feed history
const maxEvents = 200

// Model is the TUI application model
type Model struct {
	client  *Client
	ownerID string

	// Data
	status   api.StatusResponse
	routines []api.RoutineResponse
	events   []logstream.Event
	feed     <-chan logstream.Event

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	lastErr     error
	lastRefresh time.Time
}

// NewModel creates a TUI model watching one owner's activity
func NewModel(client *Client, ownerID string) Model {
	return Model{client: client, ownerID: ownerID}
}

// Init starts the refresh loop and the feed connection
func (m Model) Init() tea.Cmd {
	return tea.Batch(refreshCmd(m.client, m.ownerID), openFeedCmd(m.client, m.ownerID), tickCmd())
}

// TickMsg triggers a periodic refresh
type TickMsg time.Time

// RefreshMsg carries a polled status and routine snapshot
type RefreshMsg struct {
	Status   api.StatusResponse
	Routines []api.RoutineResponse
	Err      error
}

// FeedMsg carries one event from the owner feed
type FeedMsg logstream.Event

// FeedOpenedMsg carries the connected feed channel
type FeedOpenedMsg struct {
	Events <-chan logstream.Event
	Err    error
}

// FeedClosedMsg signals the feed connection dropped
type FeedClosedMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func refreshCmd(client *Client, ownerID string) tea.Cmd {
	return func() tea.Msg {
		status, err := client.Status()
		if err != nil {
			return RefreshMsg{Err: err}
		}
		routines, err := client.Routines(ownerID)
		return RefreshMsg{Status: status, Routines: routines, Err: err}
	}
}

func openFeedCmd(client *Client, ownerID string) tea.Cmd {
	return func() tea.Msg {
		events, err := client.OpenFeed(ownerID)
		return FeedOpenedMsg{Events: events, Err: err}
	}
}

// waitForEvent blocks on the feed channel and converts the next event into
// a message
func waitForEvent(events <-chan logstream.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return FeedClosedMsg{}
		}
		return FeedMsg(ev)
	}
}
