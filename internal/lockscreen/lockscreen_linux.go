//go:build linux

package lockscreen

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Screensaver D-Bus constants.
const (
	screenSaverService   = "org.freedesktop.ScreenSaver"
	screenSaverPath      = "/org/freedesktop/ScreenSaver"
	screenSaverInterface = "org.freedesktop.ScreenSaver"
	activeChangedSignal  = screenSaverInterface + ".ActiveChanged"
)

// watchPlatform follows org.freedesktop.ScreenSaver on the session bus.
// The initial state comes from GetActive, transitions from the
// ActiveChanged signal.
func (w *Watcher) watchPlatform(ctx context.Context) error {
	conn, err := dbus.SessionBusPrivate()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return fmt.Errorf("authenticate session bus: %w", err)
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return fmt.Errorf("register on session bus: %w", err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(screenSaverInterface),
		dbus.WithMatchMember("ActiveChanged"),
	); err != nil {
		return fmt.Errorf("subscribe to lock signals: %w", err)
	}

	var active bool
	obj := conn.Object(screenSaverService, dbus.ObjectPath(screenSaverPath))
	if err := obj.CallWithContext(ctx, screenSaverInterface+".GetActive", 0).Store(&active); err != nil {
		return fmt.Errorf("query lock state: %w", err)
	}
	w.update(active, false)

	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("session bus closed")
			}
			if sig.Name != activeChangedSignal || len(sig.Body) == 0 {
				continue
			}
			if locked, ok := sig.Body[0].(bool); ok {
				w.update(locked, false)
			}
		}
	}
}
