package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/diligence/internal/graph"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// maxLogLines bounds the activity log.
const maxLogLines = 8

// EventMsg carries one progress event into the program.
type EventMsg struct {
	Event models.Event
}

// DoneMsg signals that the job has finished.
type DoneMsg struct {
	Job models.Job
	Err error
}

// LogEntry is one line of the activity log.
type LogEntry struct {
	Timestamp time.Time
	Message   string
}

// ProgressApp is the bubbletea model for a running job.
type ProgressApp struct {
	view    *ProgressView
	state   ProgressState
	spinner spinner.Model
	logs    []LogEntry

	width    int
	quitting bool
	done     bool
	job      models.Job
	err      error

	logTimeStyle lipgloss.Style
	logStyle     lipgloss.Style
	errorStyle   lipgloss.Style
	doneStyle    lipgloss.Style
	warnStyle    lipgloss.Style
}

// NewProgressApp creates the model with one pending row per planned agent.
// plan may be nil, in which case rows appear as events arrive.
func NewProgressApp(plan *graph.Plan) *ProgressApp {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))

	a := &ProgressApp{
		view:    NewProgressView(),
		spinner: s,

		logTimeStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		logStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		doneStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("34")).Bold(true),
		warnStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	}
	if plan != nil {
		for i, wave := range plan.Waves {
			for _, name := range wave.Agents {
				a.state.Rows = append(a.state.Rows, AgentRow{
					Name:     name,
					Wave:     i,
					Critical: plan.Descriptors[name].Critical,
					Status:   models.AgentStatusPending,
				})
			}
		}
		for _, sk := range plan.Skips {
			a.state.Rows = append(a.state.Rows, AgentRow{Name: sk.Agent, Status: models.AgentStatusPending, Message: sk.Reason()})
		}
		a.state.Waves = len(plan.Waves)
	}
	a.view.SetState(a.state)
	return a
}

// NewProgressProgram creates a new Bubbletea program for the progress view.
func NewProgressProgram(plan *graph.Plan) (*tea.Program, *ProgressApp) {
	app := NewProgressApp(plan)
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}

// Pump forwards events to the program until the channel closes.
func Pump(p *tea.Program, events <-chan models.Event) {
	for ev := range events {
		p.Send(EventMsg{Event: ev})
	}
}

// Init implements tea.Model.
func (a *ProgressApp) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update implements tea.Model.
func (a *ProgressApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.view.SetWidth(msg.Width)

	case spinner.TickMsg:
		if a.done {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case EventMsg:
		a.state.Apply(msg.Event)
		a.view.SetState(a.state)
		a.log(msg.Event)

	case DoneMsg:
		a.done = true
		a.job = msg.Job
		a.err = msg.Err
	}
	return a, nil
}

func (a *ProgressApp) log(ev models.Event) {
	var line string
	if ev.Kind == models.EventJob {
		line = fmt.Sprintf("job %s", ev.NewState)
	} else {
		line = fmt.Sprintf("%s %s", ev.Agent, ev.NewStatus)
	}
	if ev.Message != "" {
		line += ": " + ev.Message
	}
	a.logs = append(a.logs, LogEntry{Timestamp: ev.Timestamp, Message: line})
	if len(a.logs) > maxLogLines {
		a.logs = a.logs[len(a.logs)-maxLogLines:]
	}
}

// View implements tea.Model.
func (a *ProgressApp) View() string {
	if a.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(a.view.View(a.spinner.View()))
	b.WriteString("\n")
	for _, entry := range a.logs {
		b.WriteString(a.logTimeStyle.Render(entry.Timestamp.Format("15:04:05")))
		b.WriteString(" ")
		b.WriteString(a.logStyle.Render(entry.Message))
		b.WriteString("\n")
	}

	if a.done {
		b.WriteString("\n")
		switch {
		case a.err != nil:
			b.WriteString(a.errorStyle.Render("Error: " + a.err.Error()))
		case a.job.State == models.JobCompleted:
			b.WriteString(a.doneStyle.Render("Completed"))
		case a.job.State == models.JobCompletedWithWarnings:
			b.WriteString(a.warnStyle.Render("Completed with warnings"))
		default:
			b.WriteString(a.errorStyle.Render(fmt.Sprintf("Job %s", a.job.State)))
		}
		b.WriteString(a.logStyle.Render("  (press q to exit)"))
		b.WriteString("\n")
	}
	return b.String()
}

// SetRefreshRate sets how often the spinner redraws.
func (a *ProgressApp) SetRefreshRate(d time.Duration) {
	if d > 0 {
		a.spinner.Spinner.FPS = d
	}
}

// State returns the current display state.
func (a *ProgressApp) State() ProgressState {
	return a.state
}

// Done reports whether the job finished.
func (a *ProgressApp) Done() bool {
	return a.done
}
