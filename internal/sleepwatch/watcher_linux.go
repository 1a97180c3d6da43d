//go:build linux

package sleepwatch

import (
	"context"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	logindPath      = "/org/freedesktop/login1"
	logindInterface = "org.freedesktop.login1.Manager"
	prepareForSleep = logindInterface + ".PrepareForSleep"
)

// Run listens for logind PrepareForSleep signals until ctx is done.
// Without a system bus it logs and returns nil; watching is optional.
func (w *Watcher) Run(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		// common on headless servers and in containers
		if os.Getenv("DBUS_SYSTEM_BUS_ADDRESS") == "" {
			w.logger.Debug("D-Bus unavailable, sleep watcher disabled")
		} else {
			w.logger.Warn("Failed to connect to D-Bus for sleep watching", "error", err)
		}
		return nil
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(logindPath),
		dbus.WithMatchInterface(logindInterface),
		dbus.WithMatchMember("PrepareForSleep"),
	); err != nil {
		w.logger.Warn("Failed to subscribe to PrepareForSleep signal", "error", err)
		return nil
	}

	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	w.logger.Debug("Sleep watcher started (D-Bus logind)")

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Sleep watcher stopped")
			return nil
		case sig, ok := <-signals:
			if !ok || sig == nil {
				return nil
			}
			if entering, ok := parsePrepareForSleep(sig); ok {
				w.handle(entering)
			}
		}
	}
}

func parsePrepareForSleep(sig *dbus.Signal) (bool, bool) {
	if sig.Name != prepareForSleep || len(sig.Body) < 1 {
		return false, false
	}
	entering, ok := sig.Body[0].(bool)
	return entering, ok
}
