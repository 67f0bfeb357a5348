package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "duesched/pkg/logx"
)

// notifier sends sd_notify states. It is a no-op outside systemd
// (NOTIFY_SOCKET unset).
type notifier func(state string) (bool, error)

func sdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (a *App) notify(state string) {
	if a.sdNotify == nil {
		return
	}
	sent, err := a.sdNotify(state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdogLoop pings the systemd watchdog at half the configured interval
// while the scheduler is running. It returns immediately when WatchdogSec
// is not set for this unit.
func (a *App) watchdogLoop(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			// A stalled scheduler should let systemd restart us.
			if a.sched.Running() {
				a.notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}
