// Package systemd reports relay server readiness to systemd and keeps the
// service watchdog fed. Every function is a no-op outside systemd.
package systemd

import (
	"context"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify state changes.
type Notifier struct {
	logger *slog.Logger
}

// NewNotifier creates a Notifier that logs through logger.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logger.With(slog.String("component", "systemd"))}
}

// Ready sends READY=1 once the listener is bound. It reports whether the
// notification was delivered.
func (n *Notifier) Ready() bool {
	return n.notify(daemon.SdNotifyReady)
}

// Stopping sends STOPPING=1 at the start of shutdown.
func (n *Notifier) Stopping() bool {
	return n.notify(daemon.SdNotifyStopping)
}

// Shutdown lets the Notifier take part in coordinated shutdown.
func (n *Notifier) Shutdown(context.Context) error {
	n.Stopping()
	return nil
}

func (n *Notifier) notify(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.logger.Warn("failed to send systemd notification",
			slog.String("state", state),
			slog.String("error", err.Error()),
		)
		return false
	}
	if sent {
		n.logger.Debug("sent systemd notification", slog.String("state", state))
	}
	return sent
}

// HealthCheckFunc reports whether the service is healthy enough to ping the watchdog.
type HealthCheckFunc func() bool

// StartWatchdog pings the systemd watchdog at half of WatchdogSec while
// healthCheck passes, until ctx is done. It returns false when the unit has no
// watchdog configured.
func (n *Notifier) StartWatchdog(ctx context.Context, healthCheck HealthCheckFunc) bool {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		n.logger.Debug("watchdog not enabled")
		return false
	}

	pingInterval := interval / 2
	n.logger.Info("starting systemd watchdog",
		slog.Duration("watchdog_interval", interval),
		slog.Duration("ping_interval", pingInterval),
	)
	go n.watchdogLoop(ctx, pingInterval, healthCheck)
	return true
}

func (n *Notifier) watchdogLoop(ctx context.Context, interval time.Duration, healthCheck HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthCheck() {
				n.logger.Warn("health check failed, skipping watchdog ping")
				continue
			}
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
