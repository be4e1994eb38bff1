// Package systemd sends sd_notify messages when running under a systemd unit.
// Every call is a no-op outside systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "announcebot/pkg/logx"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

func Ready() (bool, error)    { return notify(false, daemon.SdNotifyReady) }
func Stopping() (bool, error) { return notify(false, daemon.SdNotifyStopping) }
func Reloading() (bool, error) {
	return notify(false, daemon.SdNotifyReloading)
}

// Status sets the free-form status line shown by `systemctl status`.
func Status(text string) (bool, error) { return notify(false, "STATUS="+text) }

// WatchdogInterval returns the interval configured with WatchdogSec=, or 0.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

// Watchdog pings the systemd watchdog at half the configured interval while
// healthy returns nil. It returns when ctx is done; it returns immediately
// when no watchdog is configured.
func Watchdog(ctx context.Context, interval time.Duration, healthy func() error, log logx.Logger) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					log.Warn("watchdog ping skipped", logx.Err(err))
					continue
				}
			}
			if _, err := notify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Debug("watchdog notify failed", logx.Err(err))
			}
		}
	}
}
