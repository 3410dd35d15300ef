package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/diligence/internal/graph"
	"github.com/ShayCichocki/diligence/internal/orchestrator"
	"github.com/ShayCichocki/diligence/internal/progress"
	"github.com/ShayCichocki/diligence/internal/tui"
)

type runOutcome struct {
	res *orchestrator.Result
	err error
}

// runWithTUI runs the job behind the live progress view. The view stays up
// after the job ends until the user presses q; quitting early leaves the job
// running to completion.
func runWithTUI(ctx context.Context, orch *orchestrator.Orchestrator, id string, plan *graph.Plan, emitter *progress.Emitter, refresh time.Duration) (res *orchestrator.Result, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in progress view: %v", r)
		}
	}()

	program, app := tui.NewProgressProgram(plan)
	app.SetRefreshRate(refresh)
	go tui.Pump(program, emitter.Events())

	done := make(chan runOutcome, 1)
	go func() {
		res, err := orch.Run(ctx, id)
		emitter.Close()
		out := runOutcome{res: res, err: err}
		msg := tui.DoneMsg{Err: err}
		if res != nil {
			msg.Job = res.Job
		}
		program.Send(msg)
		done <- out
	}()

	if _, err := program.Run(); err != nil {
		return nil, fmt.Errorf("progress view: %w", err)
	}
	out := <-done
	return out.res, out.err
}
