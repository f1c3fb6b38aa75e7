//go:build linux

package idle

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Watcher listens for screensaver signals on the session bus
type Watcher struct {
	sink   Sink
	logger zerolog.Logger
}

// NewWatcher creates a lock watcher feeding sink
func NewWatcher(sink Sink, logger zerolog.Logger) *Watcher {
	return &Watcher{
		sink:   sink,
		logger: logger.With().Str("component", "idle").Logger(),
	}
}

// Run subscribes to ActiveChanged and forwards every change until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer conn.Close()

	for _, iface := range screensaverInterfaces {
		if err := conn.AddMatchSignal(
			dbus.WithMatchInterface(iface),
			dbus.WithMatchMember("ActiveChanged"),
		); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", iface, err)
		}
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	w.logger.Info().Msg("Watching screensaver lock state")

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("session bus closed")
			}
			w.handle(ctx, sig)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, sig *dbus.Signal) {
	state, ok := stateFromSignal(sig)
	if !ok {
		return
	}
	stopped := w.sink.SetIdleState(ctx, state)
	w.logger.Info().Str("state", string(state)).Int("sessions_stopped", stopped).Msg("Idle state changed")
}
