package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/diligence/pkg/models"
)

// AgentRow is the display state of one agent.
type AgentRow struct {
	Name     string
	Wave     int
	Critical bool
	Status   models.AgentStatus
	Attempt  int
	Message  string
	Started  time.Time
	Finished time.Time
}

// ProgressState is everything the view renders.
type ProgressState struct {
	JobID    string
	JobState models.JobState
	Rows     []AgentRow
	Waves    int
}

// Counts returns how many agents are finished and running.
func (s ProgressState) Counts() (finished, running int) {
	for _, r := range s.Rows {
		switch {
		case r.Status.IsTerminal():
			finished++
		case r.Status == models.AgentStatusRunning || r.Status == models.AgentStatusRetrying:
			running++
		}
	}
	return finished, running
}

// Apply folds one event into the state. Unknown agents are appended.
func (s *ProgressState) Apply(ev models.Event) {
	if s.JobID == "" {
		s.JobID = ev.JobID
	}
	if ev.Kind == models.EventJob {
		s.JobState = ev.NewState
		return
	}

	i := s.index(ev.Agent)
	if i < 0 {
		s.Rows = append(s.Rows, AgentRow{Name: ev.Agent, Status: models.AgentStatusPending})
		i = len(s.Rows) - 1
	}
	row := &s.Rows[i]
	row.Status = ev.NewStatus
	row.Attempt = ev.Attempt
	row.Message = ev.Message
	if ev.NewStatus == models.AgentStatusRunning && row.Started.IsZero() {
		row.Started = ev.Timestamp
	}
	if ev.NewStatus.IsTerminal() {
		row.Finished = ev.Timestamp
	}
}

func (s *ProgressState) index(name string) int {
	for i := range s.Rows {
		if s.Rows[i].Name == name {
			return i
		}
	}
	return -1
}

// ProgressView renders a ProgressState.
type ProgressView struct {
	state ProgressState
	width int

	headerStyle   lipgloss.Style
	labelStyle    lipgloss.Style
	valueStyle    lipgloss.Style
	progressFull  lipgloss.Style
	progressEmpty lipgloss.Style
	dimStyle      lipgloss.Style
	statusStyles  map[models.AgentStatus]lipgloss.Style
}

// NewProgressView creates a view with the default styles.
func NewProgressView() *ProgressView {
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("34"))
	amber := lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	red := lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	grey := lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	return &ProgressView{
		width: 80,

		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")).
			MarginBottom(1),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		progressFull:  green,
		progressEmpty: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		dimStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("240")),

		statusStyles: map[models.AgentStatus]lipgloss.Style{
			models.AgentStatusPending:             grey,
			models.AgentStatusReady:               grey,
			models.AgentStatusRunning:             lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
			models.AgentStatusRetrying:            amber,
			models.AgentStatusSuccess:             green,
			models.AgentStatusSuccessWithWarnings: amber,
			models.AgentStatusSkipped:             grey,
			models.AgentStatusFailed:              red,
			models.AgentStatusTimedOut:            red,
		},
	}
}

// SetState replaces the rendered state.
func (v *ProgressView) SetState(state ProgressState) {
	v.state = state
}

// SetWidth sets the render width.
func (v *ProgressView) SetWidth(width int) {
	v.width = width
}

// View renders the header, the progress bar and one line per agent.
// spin is drawn next to running agents.
func (v *ProgressView) View(spin string) string {
	var b strings.Builder

	b.WriteString(v.headerStyle.Render("Job " + v.state.JobID))
	b.WriteString("\n")

	jobState := string(v.state.JobState)
	if jobState == "" {
		jobState = "pending"
	}
	b.WriteString(v.labelStyle.Render("State:"))
	b.WriteString(v.valueStyle.Render(jobState))
	b.WriteString("\n")

	finished, running := v.state.Counts()
	total := len(v.state.Rows)
	pct := 0.0
	if total > 0 {
		pct = float64(finished) / float64(total) * 100
	}
	b.WriteString(v.labelStyle.Render("Agents:"))
	b.WriteString(v.valueStyle.Render(fmt.Sprintf("%d/%d finished, %d running", finished, total, running)))
	b.WriteString("\n")
	b.WriteString(v.renderProgressBar(pct, 30))
	b.WriteString("\n\n")

	rows := append([]AgentRow(nil), v.state.Rows...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Wave < rows[j].Wave })
	for _, r := range rows {
		b.WriteString(v.renderRow(r, spin))
		b.WriteString("\n")
	}
	return b.String()
}

func (v *ProgressView) renderRow(r AgentRow, spin string) string {
	marker := " "
	if r.Status == models.AgentStatusRunning || r.Status == models.AgentStatusRetrying {
		marker = spin
	}
	name := r.Name
	if r.Critical {
		name += "*"
	}
	style, ok := v.statusStyles[r.Status]
	if !ok {
		style = v.dimStyle
	}

	line := fmt.Sprintf("%s w%d %-22s %s", marker, r.Wave, truncate(name, 22), style.Render(fmt.Sprintf("%-24s", r.Status)))
	if r.Attempt > 1 {
		line += v.dimStyle.Render(fmt.Sprintf(" #%d", r.Attempt))
	}
	if !r.Finished.IsZero() && !r.Started.IsZero() {
		line += v.dimStyle.Render(" " + r.Finished.Sub(r.Started).Round(time.Millisecond).String())
	}
	if r.Message != "" && r.Status != models.AgentStatusSuccess {
		max := v.width - lipgloss.Width(line) - 2
		if max > 10 {
			line += "  " + v.dimStyle.Render(truncate(r.Message, max))
		}
	}
	return line
}

// renderProgressBar renders a progress bar.
func (v *ProgressView) renderProgressBar(pct float64, width int) string {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	filled := int(pct / 100 * float64(width))
	bar := v.progressFull.Render(strings.Repeat("█", filled)) +
		v.progressEmpty.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("  %s %.0f%%", bar, pct)
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
