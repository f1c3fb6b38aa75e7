package main

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kfocus/internal/config"
	"github.com/goodtune/kfocus/internal/domains"
	"github.com/goodtune/kfocus/internal/enforce"
	"github.com/goodtune/kfocus/internal/policy"
	"github.com/goodtune/kfocus/internal/policy/opa"
	"github.com/goodtune/kfocus/internal/settings"
	"github.com/goodtune/kfocus/internal/storage"
	"github.com/rs/zerolog"
)

// core is the process-scoped state shared by the server and the offline
// commands: storage, settings, the domain matcher, and enforcement.
type core struct {
	store    storage.Store
	settings *settings.Service
	matcher  *domains.Matcher
	windows  *policy.Manager
	engine   *opa.Engine
	surface  *enforce.MemorySurface
	syncer   *enforce.Syncer
	loc      *time.Location
	timeout  time.Duration
}

func buildCore(ctx context.Context, cfg *config.Config, clock quartz.Clock, logger zerolog.Logger) (*core, error) {
	loc, err := cfg.Usage.Location()
	if err != nil {
		return nil, err
	}
	timeout := config.ParseDuration(cfg.Storage.WriteTimeout, settings.DefaultTimeout)

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	svc := settings.New(store.Settings(), settings.Config{
		Timeout:  timeout,
		Location: loc,
		Clock:    clock,
	}, logger)

	matcher := domains.NewMatcher(cfg.Domains.Defaults)
	custom, err := svc.CustomDomains(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load custom domains, tracking defaults only")
	} else {
		matcher.Refresh(custom)
	}

	engine, err := opa.NewEngine(opa.Config{
		Source:    cfg.Enforcement.OPAPolicySource,
		PolicyDir: cfg.Enforcement.OPAPolicyDir,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize OPA engine: %w", err)
	}

	surface := enforce.NewMemorySurface(engine)
	if id := cfg.Enforcement.StaticRulesetID; id != "" {
		rules := enforce.DefaultStaticRules()
		if path := cfg.Enforcement.StaticRulesFile; path != "" {
			rules, err = enforce.LoadStaticRulesFile(path)
			if err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("failed to load static rules: %w", err)
			}
		}
		surface.AddStaticRuleset(id, rules)
		logger.Debug().Str("ruleset", id).Int("rules", len(rules)).Msg("Static ruleset loaded")
	}

	windows := policy.NewManager(svc, clock, logger)
	syncer := enforce.NewSyncer(surface, windows, matcher, enforce.SyncerConfig{
		StaticRulesetID: cfg.Enforcement.StaticRulesetID,
		RuleIDBase:      cfg.Enforcement.RuleIDBase,
		Interval:        config.ParseDuration(cfg.Enforcement.ReconcileInterval, enforce.DefaultReconcileInterval),
		Clock:           clock,
	}, logger)

	return &core{
		store:    store,
		settings: svc,
		matcher:  matcher,
		windows:  windows,
		engine:   engine,
		surface:  surface,
		syncer:   syncer,
		loc:      loc,
		timeout:  timeout,
	}, nil
}

// watchSettings keeps the matcher and the surface in step with persisted
// configuration. The matcher refreshes before reconciliation reads it.
func (c *core) watchSettings(logger zerolog.Logger) {
	c.settings.Subscribe(func(ctx context.Context, change settings.Change) {
		if change.Key == settings.KeyCustomDomains {
			custom, err := c.settings.CustomDomains(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to reload custom domains")
				return
			}
			c.matcher.Refresh(custom)
		}
		if change.Key == settings.KeyCustomDomains || policy.IsWindowKey(change.Key) {
			if err := c.syncer.Reconcile(ctx); err != nil {
				logger.Warn().Err(err).Str("key", change.Key).Msg("Reconciliation after settings change failed")
			}
		}
	})
}

func (c *core) Close() error {
	return c.store.Close()
}
