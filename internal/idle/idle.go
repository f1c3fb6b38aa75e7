// Package idle reports screen lock changes to the session tracker.
package idle

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"
	"github.com/goodtune/kfocus/internal/usage"
)

// ErrUnsupported is returned by Watcher.Run where lock detection is not
// available.
var ErrUnsupported = errors.New("idle: lock detection unsupported on this platform")

// Screensaver interfaces emitting ActiveChanged(bool).
var screensaverInterfaces = []string{
	"org.freedesktop.ScreenSaver",
	"org.gnome.ScreenSaver",
	"org.mate.ScreenSaver",
}

// Sink receives idle state changes. *usage.Tracker satisfies it.
type Sink interface {
	SetIdleState(ctx context.Context, state usage.IdleState) int
}

// stateFromSignal maps a screensaver ActiveChanged signal to an idle state.
// An active screensaver means the session is locked.
func stateFromSignal(sig *dbus.Signal) (usage.IdleState, bool) {
	if sig == nil || len(sig.Body) == 0 {
		return "", false
	}
	known := false
	for _, iface := range screensaverInterfaces {
		if sig.Name == iface+".ActiveChanged" {
			known = true
			break
		}
	}
	if !known {
		return "", false
	}
	active, ok := sig.Body[0].(bool)
	if !ok {
		return "", false
	}
	if active {
		return usage.IdleLocked, true
	}
	return usage.IdleActive, true
}
