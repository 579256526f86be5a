// internal/tui/app.go
//
// Live fleet dashboard. Like every bubbletea program it follows The Elm
// Architecture: the App holds all state, Update folds messages (key presses,
// status snapshots, event records, spinner ticks) into it, and View renders
// it. Event records arrive through a Broadcaster subscription; worker status
// is polled from the supervisor on a short tick.

package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/runlevel/internal/events"
	"github.com/kingrea/runlevel/internal/logbook"
	"github.com/kingrea/runlevel/internal/readiness"
	"github.com/kingrea/runlevel/internal/supervisor"
)

const (
	boardRefreshInterval = 500 * time.Millisecond
	maxRecentRecords     = 12
	maxOutputLines       = 6
	journalLines         = 5
)

// Source is the supervisor view rendered by the dashboard.
type Source interface {
	Statuses() []supervisor.Status
	Readiness() (readiness.Result, bool)
}

// Feed delivers event records. *events.Broadcaster satisfies it.
type Feed interface {
	Subscribe() events.Subscription
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithJournal shows the tail of the journal under the event log.
func WithJournal(lb *logbook.Logbook) AppOption {
	return func(a *App) {
		a.journal = lb
	}
}

// WithTitle overrides the header text.
func WithTitle(title string) AppOption {
	return func(a *App) {
		if strings.TrimSpace(title) != "" {
			a.title = title
		}
	}
}

type statusRefreshMsg struct {
	statuses []supervisor.Status
	gate     readiness.Result
	hasGate  bool
	// manual refreshes do not start another refresh chain.
	manual   bool
}

type recordMsg struct {
	record events.Record
}

type feedClosedMsg struct{}

// App is the dashboard model.
type App struct {
	source  Source
	sub     events.Subscription
	journal *logbook.Logbook
	title   string

	spinner    spinner.Model
	statuses   []supervisor.Status
	gate       readiness.Result
	hasGate    bool
	recent     []events.Record
	output     map[string][]string
	selection  int
	showOutput bool
	feedClosed bool
	statusMsg  string

	width  int
	height int
}

// NewApp subscribes to feed and returns a dashboard for source.
func NewApp(source Source, feed Feed, opts ...AppOption) *App {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	a := &App{
		source:    source,
		title:     "⬡ RUNLEVEL",
		spinner:   sp,
		output:    map[string][]string{},
		statusMsg: "Waiting for the readiness gate...",
	}
	if feed != nil {
		a.sub = feed.Subscribe()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Close releases the event subscription.
func (a *App) Close() {
	a.sub.Close()
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.fetchStatusSnapshot(), a.waitForRecord())
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case statusRefreshMsg:
		a.statuses = msg.statuses
		a.gate = msg.gate
		a.hasGate = msg.hasGate
		if a.selection >= len(a.statuses) {
			a.selection = max(0, len(a.statuses)-1)
		}
		if msg.manual {
			a.statusMsg = "Refreshed"
			return a, nil
		}
		return a, a.scheduleStatusRefresh()

	case recordMsg:
		a.handleRecord(msg.record)
		return a, a.waitForRecord()

	case feedClosedMsg:
		a.feedClosed = true
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			a.statusMsg = "Stopping fleet..."
			return a, tea.Quit
		case "up", "k":
			if a.selection > 0 {
				a.selection--
			}
		case "down", "j":
			if a.selection < len(a.statuses)-1 {
				a.selection++
			}
		case "o":
			a.showOutput = !a.showOutput
		case "r":
			a.statusMsg = "Refreshing..."
			return a, func() tea.Msg {
				msg := a.buildStatusSnapshot()
				msg.manual = true
				return msg
			}
		}
	}
	return a, nil
}

func (a *App) handleRecord(rec events.Record) {
	if rec.Kind == events.KindOutput {
		lines := append(a.output[rec.Worker], rec.Detail)
		if len(lines) > maxOutputLines {
			lines = lines[len(lines)-maxOutputLines:]
		}
		a.output[rec.Worker] = lines
		if !a.showOutput {
			return
		}
	}
	a.recent = append(a.recent, rec)
	if len(a.recent) > maxRecentRecords {
		a.recent = a.recent[len(a.recent)-maxRecentRecords:]
	}
	switch rec.Kind {
	case events.KindReadiness:
		a.statusMsg = "Readiness: " + rec.Detail
	case events.KindCrashed:
		a.statusMsg = fmt.Sprintf("⚠ %s crashed: %s", rec.Worker, rec.Detail)
	}
}

func (a *App) fetchStatusSnapshot() tea.Cmd {
	return func() tea.Msg {
		return a.buildStatusSnapshot()
	}
}

func (a *App) scheduleStatusRefresh() tea.Cmd {
	return tea.Tick(boardRefreshInterval, func(time.Time) tea.Msg {
		return a.buildStatusSnapshot()
	})
}

func (a *App) buildStatusSnapshot() statusRefreshMsg {
	if a.source == nil {
		return statusRefreshMsg{}
	}
	gate, ok := a.source.Readiness()
	return statusRefreshMsg{statuses: a.source.Statuses(), gate: gate, hasGate: ok}
}

func (a *App) waitForRecord() tea.Cmd {
	ch := a.sub.Events
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		rec, ok := <-ch
		if !ok {
			return feedClosedMsg{}
		}
		return recordMsg{record: rec}
	}
}
