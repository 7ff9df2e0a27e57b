package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-procrun/internal/result"
	"github.com/randomizedcoder/go-procrun/internal/supervisor"
)

// maxErrors is how many recent errors the dashboard keeps.
const maxErrors = 5

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// StateMsg reports a process state change.
type StateMsg struct {
	Index int
	State supervisor.State
}

// StartedMsg reports a forked process.
type StartedMsg struct {
	Index int
	Pid   int
	At    time.Time
}

// ExitedMsg reports a reaped process.
type ExitedMsg struct {
	Index  int
	Result *result.ProcResult
}

// ErrorMsg reports a run error.
type ErrorMsg struct {
	Source  string
	Message string
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// procRow is the dashboard's view of one process.
type procRow struct {
	argv0   string
	pid     int
	state   supervisor.State
	start   time.Time
	elapsed time.Duration
	outcome string
	detail  string
}

// Model represents the TUI state.
type Model struct {
	specPath    string
	metricsAddr string

	procs      []procRow
	reaped     int
	errorCount int
	errors     []string

	startTime  time.Time
	lastUpdate time.Time

	width  int
	height int

	quitting bool
}

// Config holds TUI configuration.
type Config struct {
	SpecPath    string
	MetricsAddr string
	// Argv0 holds the program of each process, by index.
	Argv0 []string
}

// New creates a new TUI model.
func New(cfg Config) Model {
	procs := make([]procRow, len(cfg.Argv0))
	for i, a := range cfg.Argv0 {
		procs[i] = procRow{argv0: a, state: supervisor.StatePending}
	}
	return Model{
		specPath:    cfg.SpecPath,
		metricsAddr: cfg.MetricsAddr,
		procs:       procs,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.lastUpdate = time.Time(msg)
		return m, tickCmd()

	case StateMsg:
		if p := m.proc(msg.Index); p != nil {
			p.state = msg.State
		}
		return m, nil

	case StartedMsg:
		if p := m.proc(msg.Index); p != nil {
			p.pid = msg.Pid
			p.start = msg.At
		}
		return m, nil

	case ExitedMsg:
		if p := m.proc(msg.Index); p != nil && msg.Result != nil {
			p.pid = msg.Result.Pid
			p.elapsed = time.Duration(msg.Result.Elapsed * float64(time.Second))
			p.outcome = msg.Result.Outcome()
			p.detail = exitDetail(msg.Result)
			m.reaped++
		}
		return m, nil

	case ErrorMsg:
		m.errorCount++
		m.errors = append(m.errors, fmt.Sprintf("%s: %s", msg.Source, msg.Message))
		if len(m.errors) > maxErrors {
			m.errors = m.errors[len(m.errors)-maxErrors:]
		}
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

func (m *Model) proc(index int) *procRow {
	if index < 0 || index >= len(m.procs) {
		return nil
	}
	return &m.procs[index]
}

// Elapsed returns the time since the run started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Live returns how many processes are starting or running.
func (m Model) Live() int {
	n := 0
	for _, p := range m.procs {
		if p.state.IsActive() {
			n++
		}
	}
	return n
}

// Progress returns the fraction of processes that are done (0.0 to 1.0).
func (m Model) Progress() float64 {
	if len(m.procs) == 0 {
		return 1
	}
	done := 0
	for _, p := range m.procs {
		if p.state.IsTerminal() {
			done++
		}
	}
	return float64(done) / float64(len(m.procs))
}

// ErrorCount returns how many errors have been reported.
func (m Model) ErrorCount() int {
	return m.errorCount
}

// elapsedOf returns a row's running or final time.
func (m Model) elapsedOf(p procRow) time.Duration {
	switch {
	case p.state == supervisor.StateReaped:
		return p.elapsed
	case p.state.IsActive() && !p.start.IsZero():
		return m.lastUpdate.Sub(p.start)
	default:
		return 0
	}
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

func exitDetail(pr *result.ProcResult) string {
	switch {
	case pr.Signal != nil:
		return fmt.Sprintf("signal %d", *pr.Signal)
	case pr.ExitCode != nil:
		return fmt.Sprintf("exit %d", *pr.ExitCode)
	default:
		return ""
	}
}

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatElapsed formats a process run time compactly.
func formatElapsed(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return formatDuration(d)
	}
}
