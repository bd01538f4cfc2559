// Package systemd reports service state to the systemd manager. All calls
// are no-ops when the process is not run under a Type=notify unit.
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd that startup finished.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping tells systemd that shutdown began.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status publishes a one-line status shown by systemctl status.
func Status(s string) (bool, error) { return daemon.SdNotify(false, "STATUS="+s) }

// Watchdog pings the watchdog.
func Watchdog() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyWatchdog) }

// WatchdogInterval returns how often Watchdog should be called, or 0 when
// the watchdog is disabled for this unit.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}
