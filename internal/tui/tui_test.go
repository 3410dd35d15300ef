package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/diligence/internal/graph"
	"github.com/ShayCichocki/diligence/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPlan() *graph.Plan {
	return &graph.Plan{
		Requested: []string{"a", "b", "c"},
		Descriptors: map[string]models.Descriptor{
			"a": {Name: "a", Critical: true},
			"b": {Name: "b"},
			"c": {Name: "c"},
		},
		Waves: []graph.Wave{
			{Index: 0, Agents: []string{"a"}},
			{Index: 1, Agents: []string{"b"}},
		},
		Skips: []graph.Skip{{Agent: "c", Missing: []string{"d"}}},
	}
}

func agentEvent(seq int64, agent string, from, to models.AgentStatus, at time.Time) EventMsg {
	return EventMsg{Event: models.Event{
		Seq: seq, Kind: models.EventAgent, JobID: "job-1", Agent: agent,
		OldStatus: from, NewStatus: to, Attempt: 1, Timestamp: at,
	}}
}

func TestNewProgressApp_RowsFromPlan(t *testing.T) {
	app := NewProgressApp(testPlan())
	rows := app.State().Rows
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if !rows[0].Critical || rows[1].Wave != 1 {
		t.Errorf("rows = %+v", rows)
	}
	if rows[2].Message != "missing input: d" {
		t.Errorf("skip row message = %q", rows[2].Message)
	}
	for _, r := range rows {
		if r.Status != models.AgentStatusPending {
			t.Errorf("row %s status = %s, want pending", r.Name, r.Status)
		}
	}
}

func TestProgressState_Apply(t *testing.T) {
	var s ProgressState
	s.Apply(models.Event{Kind: models.EventJob, JobID: "job-1", NewState: models.JobRunning})
	s.Apply(agentEvent(2, "a", models.AgentStatusReady, models.AgentStatusRunning, t0).Event)
	s.Apply(agentEvent(3, "a", models.AgentStatusRunning, models.AgentStatusSuccess, t0.Add(2*time.Second)).Event)
	s.Apply(agentEvent(4, "b", models.AgentStatusReady, models.AgentStatusRunning, t0).Event)

	if s.JobID != "job-1" || s.JobState != models.JobRunning {
		t.Errorf("job = %s %s", s.JobID, s.JobState)
	}
	finished, running := s.Counts()
	if finished != 1 || running != 1 {
		t.Errorf("Counts() = %d, %d; want 1, 1", finished, running)
	}
	a := s.Rows[s.index("a")]
	if got := a.Finished.Sub(a.Started); got != 2*time.Second {
		t.Errorf("a duration = %v, want 2s", got)
	}
}

func TestProgressApp_Update(t *testing.T) {
	app := NewProgressApp(testPlan())

	app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	app.Update(EventMsg{Event: models.Event{Seq: 1, Kind: models.EventJob, JobID: "job-1", NewState: models.JobRunning, Timestamp: t0}})
	app.Update(agentEvent(2, "a", models.AgentStatusReady, models.AgentStatusRunning, t0))
	app.Update(agentEvent(3, "a", models.AgentStatusRunning, models.AgentStatusSuccess, t0.Add(time.Second)))

	view := app.View()
	for _, want := range []string{"Job job-1", "running", "1/3 finished", "a*", "success", "a success"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if app.Done() {
		t.Error("Done() = true before DoneMsg")
	}
}

func TestProgressApp_Done(t *testing.T) {
	tests := []struct {
		name string
		msg  DoneMsg
		want string
	}{
		{"completed", DoneMsg{Job: models.Job{State: models.JobCompleted}}, "Completed"},
		{"warnings", DoneMsg{Job: models.Job{State: models.JobCompletedWithWarnings}}, "Completed with warnings"},
		{"failed", DoneMsg{Job: models.Job{State: models.JobFailed}}, "Job failed"},
		{"error", DoneMsg{Err: errors.New("boom")}, "Error: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewProgressApp(nil)
			app.Update(tt.msg)
			if !app.Done() {
				t.Fatal("Done() = false after DoneMsg")
			}
			if view := app.View(); !strings.Contains(view, tt.want) {
				t.Errorf("view missing %q:\n%s", tt.want, view)
			}
		})
	}
}

func TestProgressApp_Quit(t *testing.T) {
	app := NewProgressApp(nil)
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not produce tea.QuitMsg")
	}
	if app.View() != "" {
		t.Error("View() should be empty after quitting")
	}
}

func TestProgressApp_LogIsBounded(t *testing.T) {
	app := NewProgressApp(nil)
	for i := 0; i < maxLogLines+5; i++ {
		app.Update(agentEvent(int64(i), "x", models.AgentStatusPending, models.AgentStatusReady, t0))
	}
	if len(app.logs) != maxLogLines {
		t.Errorf("log has %d lines, want %d", len(app.logs), maxLogLines)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghij", 8); got != "abcde..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 8); got != "abc" {
		t.Errorf("truncate = %q", got)
	}
}

func TestProgressApp_SetRefreshRate(t *testing.T) {
	app := NewProgressApp(nil)
	app.SetRefreshRate(250 * time.Millisecond)
	if app.spinner.Spinner.FPS != 250*time.Millisecond {
		t.Errorf("FPS = %v, want 250ms", app.spinner.Spinner.FPS)
	}
	app.SetRefreshRate(0)
	if app.spinner.Spinner.FPS != 250*time.Millisecond {
		t.Error("zero refresh rate should be ignored")
	}
}
