// Package tui provides the live progress view for the run command.
//
// The view is read-only. It shows every planned agent with its status and
// attempt, a completion bar and a short activity log. Users can only quit
// with 'q' or Ctrl+C; quitting does not cancel the job.
//
// Usage:
//
//	program, app := tui.NewProgressProgram(plan)
//	go tui.Pump(program, emitter.Events())
//	go func() {
//	    res, err := orch.Run(ctx, id)
//	    program.Send(tui.DoneMsg{Job: res.Job, Err: err})
//	}()
//	program.Run()
package tui
