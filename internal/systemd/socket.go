package systemd

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/coder/quartz"
	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// Socket names expected in FileDescriptorName= of kfocus.socket
const (
	NameHTTP    = "http"
	NameDNSUDP  = "dns-udp"
	NameDNSTCP  = "dns-tcp"
	NameMetrics = "metrics"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	HTTP      net.Listener
	DNSUdp    net.PacketConn
	DNSTcp    net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns empty listeners when not running under socket activation. The UDP
// DNS socket is recognized by dnsPort since named packet sockets are not
// exposed by the activation package.
func GetListeners(dnsPort int) (*Listeners, error) {
	listeners := &Listeners{}

	fds := activation.Files(false) // false = don't unset env vars
	if len(fds) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	listenersMap, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	first := func(name string) net.Listener {
		if lns, ok := listenersMap[name]; ok && len(lns) > 0 {
			return lns[0]
		}
		return nil
	}
	listeners.HTTP = first(NameHTTP)
	listeners.DNSTcp = first(NameDNSTCP)
	listeners.Metrics = first(NameMetrics)

	packetConns, err := activation.PacketConns()
	if err == nil {
		for _, pc := range packetConns {
			if pc == nil {
				continue
			}
			if udpAddr, ok := pc.LocalAddr().(*net.UDPAddr); ok && udpAddr.Port == dnsPort {
				listeners.DNSUdp = pc
			}
		}
	}

	return listeners, nil
}

// NotifyReady sends READY=1 notification to systemd
// This tells systemd that the service has finished starting up
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping sends STOPPING=1 notification to systemd
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd
func NotifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}

// RunWatchdog pings the systemd watchdog at half its configured interval
// until ctx ends. It returns immediately when no watchdog is configured.
func RunWatchdog(ctx context.Context, clock quartz.Clock, logger zerolog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("failed to read watchdog settings: %w", err)
	}
	if interval == 0 {
		return nil
	}

	logger.Info().Dur("interval", interval).Msg("systemd watchdog enabled")
	err = clock.TickerFunc(ctx, interval/2, func() error {
		if err := NotifyWatchdog(); err != nil {
			logger.Warn().Err(err).Msg("Watchdog notification failed")
		}
		return nil
	}, "systemd", "watchdog").Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
