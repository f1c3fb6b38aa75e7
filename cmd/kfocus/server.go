package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kfocus/internal/api"
	"github.com/goodtune/kfocus/internal/config"
	"github.com/goodtune/kfocus/internal/dns"
	"github.com/goodtune/kfocus/internal/idle"
	"github.com/goodtune/kfocus/internal/keepalive"
	"github.com/goodtune/kfocus/internal/metrics"
	"github.com/goodtune/kfocus/internal/settings"
	"github.com/goodtune/kfocus/internal/systemd"
	"github.com/goodtune/kfocus/internal/usage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start kfocus server",
	Long:  `Start the kfocus server with the API and keepalive endpoint, enforcement reconciliation, the DNS sinkhole (optional), and metrics.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting kfocus")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners(cfg.Server.DNSPort)
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := quartz.NewReal()
	c, err := buildCore(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	installed, err := c.settings.EnsureInstalledDate(ctx)
	if err != nil {
		return fmt.Errorf("failed to record install date: %w", err)
	}
	logger.Info().Str("installed_date", installed).Msg("Install date loaded")

	// Usage accounting
	ledger := usage.NewLedger(c.store.Usage(), c.matcher, c.settings, usage.LedgerConfig{
		Location:       c.loc,
		StorageTimeout: c.timeout,
		Clock:          clock,
	}, logger)

	tracker := usage.NewTracker(ledger, c.matcher, usage.Config{
		SweepInterval: config.ParseDuration(cfg.Usage.SweepInterval, usage.DefaultSweepInterval),
		Clock:         clock,
	}, logger)

	retention, err := usage.NewRetentionScheduler(
		c.store.Usage(),
		cfg.Usage.RetentionDays,
		cfg.Usage.CleanupTime,
		c.loc,
		clock,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize retention scheduler: %w", err)
	}

	c.watchSettings(logger)

	// Background loops
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("task", name).Msg("Background task failed")
			}
		}()
	}

	run("session-sweep", tracker.Run)
	run("reconcile", c.syncer.Run)
	run("retention", retention.Run)
	run("watchdog", func(ctx context.Context) error {
		return systemd.RunWatchdog(ctx, clock, logger)
	})

	if path := cfg.Domains.CustomDomainsFile; path != "" {
		run("domains-file", settings.NewFileWatcher(path, c.settings, clock, logger).Run)
		logger.Info().Str("path", path).Msg("Watching custom domains file")
	}

	if cfg.Idle.DBusEnabled {
		run("idle", func(ctx context.Context) error {
			err := idle.NewWatcher(tracker, logger).Run(ctx)
			if errors.Is(err, idle.ErrUnsupported) {
				logger.Warn().Msg("Lock detection is not supported on this platform")
				return nil
			}
			return err
		})
	}

	// DNS sinkhole
	var dnsServer *dns.Server
	if cfg.DNS.Enabled {
		dnsConfig := dns.Config{
			ListenAddr:  fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.DNSPort),
			UpstreamDNS: cfg.DNS.UpstreamServers,
			BlockTTL:    cfg.DNS.BlockTTL,
			EnableTCP:   cfg.Server.DNSEnableTCP,
			EnableUDP:   cfg.Server.DNSEnableUDP,
			Timeout:     config.ParseDuration(cfg.DNS.UpstreamTimeout, dns.DefaultTimeout),
			PacketConn:  sdListeners.DNSUdp,
			Listener:    sdListeners.DNSTcp,
		}

		dnsServer, err = dns.NewServer(dnsConfig, c.surface, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize DNS Server: %w", err)
		}
		if err := dnsServer.Start(); err != nil {
			return fmt.Errorf("failed to start DNS Server: %w", err)
		}

		logger.Info().Str("addr", dnsConfig.ListenAddr).Msg("DNS Server started")
	}

	// API and keepalive channel
	keepaliveHandler := keepalive.NewHandler(tracker, keepalive.HandlerConfig{
		AllowedOrigins: cfg.Keepalive.AllowedOrigins,
		Clock:          clock,
	}, logger)

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:    apiAddr,
		KeepalivePath: cfg.Keepalive.Path,
		Listener:      sdListeners.HTTP,
		Clock:         clock,
	}, api.Dependencies{
		Usage:       ledger,
		Sessions:    tracker,
		Settings:    c.settings,
		Windows:     c.windows,
		Enforcement: c.syncer,
		Rules:       c.surface,
		Domains:     c.matcher,
		Keepalive:   keepaliveHandler,
	}, logger)

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Metrics
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	logger.Info().
		Str("api", apiAddr).
		Str("keepalive", cfg.Keepalive.Path).
		Bool("dns", cfg.DNS.Enabled).
		Msg("kfocus startup complete")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading policies...")
		if err := c.engine.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload policies")
			continue
		}
		if err := c.syncer.Reconcile(ctx); err != nil {
			logger.Error().Err(err).Msg("Reconciliation after reload failed")
		}
		logger.Info().Msg("Policies reloaded successfully")
	}
	signal.Stop(sigChan)

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Closing the channels stops their sessions and credits them.
	keepaliveHandler.Invalidate()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := keepaliveHandler.Wait(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("Keepalive channels did not drain before shutdown")
	}
	drainCancel()

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if dnsServer != nil {
		if err := dnsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping DNS Server")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	cancel()
	wg.Wait()

	logger.Info().Msg("kfocus stopped")

	return nil
}
