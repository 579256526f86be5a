package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/runlevel/internal/events"
	"github.com/kingrea/runlevel/internal/supervisor"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")).MarginBottom(1)
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	detailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	crashedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	waitingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	stoppedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF"))
	panelStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
)

// View renders the dashboard.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	rightWidth := max(32, width*2/5)
	leftWidth := width - rightWidth - 4
	if leftWidth < 40 {
		leftWidth = width - 4
		rightWidth = 0
	}

	left := lipgloss.JoinVertical(lipgloss.Left,
		a.renderGate(),
		"",
		a.renderWorkers(leftWidth-4),
		"",
		a.renderSelected(leftWidth-4),
	)
	body := panelStyle.Width(max(20, leftWidth)).Render(left)
	if rightWidth > 0 {
		right := panelStyle.Width(max(20, rightWidth)).Render(a.renderEvents(rightWidth - 4))
		body = lipgloss.JoinHorizontal(lipgloss.Top, body, right)
	}
	sections := []string{headerStyle.Render(a.title), body}
	if journal := a.renderJournal(); journal != "" {
		sections = append(sections, journal)
	}
	footer := mutedStyle.MarginTop(1).Render(a.statusMsg + "\n" + a.renderHints())
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderGate() string {
	if !a.hasGate {
		return waitingStyle.Render(a.spinner.View() + " readiness gate pending")
	}
	switch {
	case a.gate.Latched:
		return runningStyle.Render("● ready") + mutedStyle.Render(" · latch present")
	case a.gate.Forced:
		return waitingStyle.Render("● forced ready") + mutedStyle.Render(fmt.Sprintf(" · %d failed attempt(s)", a.gate.Attempts))
	default:
		return runningStyle.Render("● ready") + mutedStyle.Render(fmt.Sprintf(" · %d attempt(s)", a.gate.Attempts))
	}
}

func (a *App) renderWorkers(width int) string {
	live := 0
	for _, st := range a.statuses {
		if st.Live {
			live++
		}
	}
	title := titleStyle.Render(fmt.Sprintf("Workers (%d/%d live)", live, len(a.statuses)))
	if len(a.statuses) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, mutedStyle.Render("No workers configured."))
	}
	rows := make([]string, 0, len(a.statuses))
	for i, st := range a.statuses {
		rows = append(rows, a.renderWorkerRow(st, i == a.selection, width))
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(rows, "\n"))
}

func (a *App) renderWorkerRow(st supervisor.Status, selected bool, width int) string {
	icon, style := a.stateIcon(st)
	name := st.Name
	if selected {
		name = selectedStyle.Render("› " + name)
	} else {
		name = "  " + name
	}
	info := string(st.State)
	switch st.State {
	case supervisor.StateRunning:
		info = fmt.Sprintf("running · pid %d", st.PID)
	case supervisor.StateWaiting:
		if len(st.BlockedBy) > 0 {
			info = "waiting on " + strings.Join(st.BlockedBy, ", ")
		} else if st.Detail != "" {
			info = st.Detail
		}
	case supervisor.StateExited:
		info = "exited · " + st.LastExit
	}
	if !st.Since.IsZero() {
		info += " · " + humanizeDuration(time.Since(st.Since))
	}
	line := fmt.Sprintf("%s %s  %s", style.Render(icon), name, detailStyle.Render(info))
	return lipgloss.NewStyle().MaxWidth(max(20, width)).Render(line)
}

func (a *App) stateIcon(st supervisor.Status) (string, lipgloss.Style) {
	switch st.State {
	case supervisor.StateRunning:
		return "●", runningStyle
	case supervisor.StateWaiting, supervisor.StateLaunching:
		return a.spinner.View(), waitingStyle
	case supervisor.StateExited:
		return "✕", crashedStyle
	default:
		return "■", stoppedStyle
	}
}

func (a *App) renderSelected(width int) string {
	if a.selection < 0 || a.selection >= len(a.statuses) {
		return ""
	}
	st := a.statuses[a.selection]
	deps := "none"
	if len(st.DependsOn) > 0 {
		deps = strings.Join(st.DependsOn, ", ")
	}
	lines := []string{
		titleStyle.Render(st.Name),
		fmt.Sprintf("Depends on: %s", deps),
		fmt.Sprintf("Launches: %d · restarts: %d", st.Launches, st.Restarts),
	}
	if st.LastExit != "" {
		lines = append(lines, "Last exit: "+st.LastExit)
	}
	if st.Detail != "" && st.Detail != st.LastExit {
		lines = append(lines, "Detail: "+st.Detail)
	}
	if out := a.output[st.Name]; len(out) > 0 {
		lines = append(lines, mutedStyle.Render("Output:"))
		for _, line := range out {
			lines = append(lines, detailStyle.Render("  "+line))
		}
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
}

func (a *App) renderEvents(width int) string {
	label := "Events"
	if a.showOutput {
		label += " + output"
	}
	title := titleStyle.Render(label)
	if len(a.recent) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, mutedStyle.Render("No events yet."))
	}
	rows := make([]string, 0, len(a.recent))
	for _, rec := range a.recent {
		rows = append(rows, renderRecord(rec, width))
	}
	if a.feedClosed {
		rows = append(rows, mutedStyle.Render("(event feed closed)"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(rows, "\n"))
}

func renderRecord(rec events.Record, width int) string {
	who := rec.Worker
	if who == "" {
		who = "fleet"
	}
	style := detailStyle
	switch rec.Kind {
	case events.KindCrashed:
		style = crashedStyle
	case events.KindWaiting, events.KindReadiness:
		style = waitingStyle
	case events.KindStarted:
		style = runningStyle
	case events.KindStopped:
		style = stoppedStyle
	}
	line := fmt.Sprintf("%s %s %s", rec.Timestamp.Local().Format("15:04:05"), style.Render(string(rec.Kind)), who)
	if rec.Detail != "" {
		line += mutedStyle.Render(" · " + rec.Detail)
	}
	return lipgloss.NewStyle().MaxWidth(max(20, width)).Render(line)
}

func (a *App) renderJournal() string {
	if a.journal == nil {
		return ""
	}
	lines, _ := a.journal.Tail(journalLines)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.journal.Path())
	if fileName == "." || fileName == "" {
		fileName = "journal"
	}
	head := titleStyle.Render(fmt.Sprintf("JOURNAL · %s", fileName))
	body := lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Render(strings.Join(lines, "\n"))
	return panelStyle.Render(fmt.Sprintf("%s\n%s", head, body))
}

func (a *App) renderHints() string {
	return "↑/↓ select    o → toggle output    r → refresh    q → stop fleet"
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}
