package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "feedrelay/pkg/logx"
)

const (
	stateReady     = daemon.SdNotifyReady
	stateStopping  = daemon.SdNotifyStopping
	stateReloading = daemon.SdNotifyReloading
	stateWatchdog  = daemon.SdNotifyWatchdog
)

// notifyFunc sends one sd_notify state. sent is false outside systemd.
type notifyFunc func(state string) (sent bool, err error)

func sdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (a *App) sdNotify(state string) {
	if a.notify == nil {
		return
	}
	if _, err := a.notify(state); err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

// startWatchdog pings systemd at half the configured WatchdogSec.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				a.sdNotify(stateWatchdog)
			}
		}
	})
}
