package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/loopforge/runway/internal/logstream"
	"github.com/loopforge/runway/web/api"
)

var (
	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	warnStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))

	selectedStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := fmt.Sprintf(" Runway │ In flight: %d │ Routines: %d active / %d │ Tasks: %d pending, %d approved ",
		m.status.InFlight, m.status.ActiveRoutine, m.status.Routines,
		m.status.PendingTasks, m.status.ApprovedTasks)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	switch m.activeTab {
	case 0:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRoutines()))
	case 1:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderFeed()))
	}
	b.WriteString("\n")

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Routines", "Feed"}
	parts := make([]string, len(tabs))
	for i, name := range tabs {
		if i == m.activeTab {
			parts[i] = tabActiveStyle.Render(name)
		} else {
			parts[i] = tabInactiveStyle.Render(name)
		}
	}
	return " " + strings.Join(parts, "  ")
}

func (m Model) renderRoutines() string {
	if len(m.routines) == 0 {
		return dimmedStyle.Render("no routines")
	}

	var b strings.Builder
	for i, r := range m.routines {
		line := formatRoutine(r)
		if i == m.selectedRow {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatRoutine(r api.RoutineResponse) string {
	state := dimmedStyle.Render(r.Status)
	if r.Running {
		state = runningStyle.Render("running")
	}
	next := ""
	if r.NextRunIn != "" {
		next = dimmedStyle.Render(" next " + r.NextRunIn)
	}
	return fmt.Sprintf("%-30s %s%s", truncate(r.Name, 30), state, next)
}

func (m Model) renderFeed() string {
	if len(m.events) == 0 {
		return dimmedStyle.Render("waiting for events...")
	}

	visible := m.height - 8
	if visible < 1 {
		visible = 1
	}
	events := m.events
	if len(events) > visible {
		events = events[len(events)-visible:]
	}

	var b strings.Builder
	for _, ev := range events {
		b.WriteString(formatEvent(ev))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatEvent(ev logstream.Event) string {
	ts := dimmedStyle.Render(ev.Timestamp.Format("15:04:05"))
	msg := ev.Message
	if ev.Terminal {
		msg = "finished: " + ev.FinalStatus
	}
	line := fmt.Sprintf("%s %-10s %s", ts, ev.Stage, truncate(msg, 100))
	switch {
	case ev.Terminal && ev.FinalStatus == "failed", ev.Level == "error":
		return errorStyle.Render(line)
	case ev.Level == "warn":
		return warnStyle.Render(line)
	case ev.Terminal:
		return runningStyle.Render(line)
	default:
		return line
	}
}

func (m Model) renderStatusBar() string {
	if m.lastErr != nil {
		return errorStyle.Render(" " + m.lastErr.Error())
	}
	bar := " q quit │ tab switch │ r refresh"
	if m.status.LastTick != "" {
		bar += " │ tick " + m.status.LastTick
	}
	return dimmedStyle.Render(bar)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
