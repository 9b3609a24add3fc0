package app

import (
	"context"

	"feedrelay/internal/runtime/supervisor"
	"feedrelay/internal/task/engine"
	"feedrelay/internal/task/scheduler"
)

type feedStatus struct {
	ID      string `json:"id"`
	Polling bool   `json:"polling"`
}

type statusReport struct {
	Feeds     []feedStatus           `json:"feeds"`
	Engine    engine.Snapshot        `json:"engine"`
	Scheduler scheduler.Snapshot     `json:"scheduler"`
	Loops     []supervisor.LoopStats `json:"loops,omitempty"`
}

// status backs the diagnostics /status endpoint.
func (a *App) status(context.Context) any {
	st := statusReport{
		Engine:    a.engine.Snapshot(),
		Scheduler: a.sched.Snapshot(),
	}
	for _, id := range a.poller.Feeds() {
		st.Feeds = append(st.Feeds, feedStatus{ID: id, Polling: a.poller.Polling(id)})
	}
	if a.sup != nil {
		st.Loops = a.sup.Snapshot()
	}
	return st
}
