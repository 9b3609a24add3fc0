package app

import (
	"context"
	"strings"
	"time"

	"feedrelay/internal/config"
	"feedrelay/internal/delivery"
	"feedrelay/internal/eventbus"
	logx "feedrelay/pkg/logx"
)

const engineRestartTimeout = 5 * time.Second

// apply moves the running components to newCfg. A section that fails to map
// keeps its previous settings; storage and lease changes wait for a restart.
func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.Diff(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := strings.Join(ch.Sections, ",")
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changed)}, ch.Fields...)...)
	for _, s := range ch.RestartRequired {
		a.log.Warn(s + " config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogging(newCfg))

	if ec, err := mapEngine(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else if a.engine.Apply(ec) && a.sup != nil {
		a.log.Info("task engine restarting", logx.Int("workers", ec.Workers), logx.Int("queue_size", ec.QueueSize))
		stopCtx, cancel := context.WithTimeout(ctx, engineRestartTimeout)
		a.engine.Stop(stopCtx)
		cancel()
		a.engine.Start(a.sup.Context())
	}

	if sc, t, err := mapScheduler(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
		a.mu.Lock()
		prev := a.timings
		a.timings = t
		a.mu.Unlock()
		if prev.dispatch != t.dispatch || prev.sweep != t.sweep {
			if err := a.registerSchedules(t); err != nil {
				a.log.Warn("schedule update failed", logx.Err(err))
			}
		}
	}

	if fc, err := mapFetch(newCfg); err != nil {
		a.log.Warn("invalid fetch config; keeping previous", logx.Err(err))
	} else {
		a.fetch.Apply(fc)
	}
	if dc, err := mapDelivery(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.dsched.Apply(dc)
	}
	if pc, err := mapPoller(newCfg); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else {
		a.poller.Apply(pc)
	}

	// Targets before feeds so a new feed never points at a missing medium.
	if targets, err := buildTargets(newCfg, a.logs.Logger()); err != nil {
		a.log.Warn("invalid mediums; keeping previous", logx.Err(err))
	} else {
		a.poller.SetTargets(targets)
		a.dsched.ForgetMediums(targetIDs(targets))
		a.alerts.set(targets, newCfg.Logging.Alert)
	}
	if feeds, err := mapFeeds(newCfg); err != nil {
		a.log.Warn("invalid feeds; keeping previous", logx.Err(err))
	} else {
		a.poller.SetFeeds(feeds)
	}

	if a.sup != nil {
		a.diag.Reconfigure(a.sup.Context(), mapDiag(newCfg))
	}

	eventbus.Publish(a.bus, eventbus.TypeConfigApplied, ch.Sections)
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", changed)}, ch.Fields...)...)
}

func targetIDs(targets []delivery.Target) []string {
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.ID())
	}
	return ids
}
