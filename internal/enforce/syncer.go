package enforce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kfocus/internal/metrics"
	"github.com/goodtune/kfocus/internal/policy"
	"github.com/rs/zerolog"
)

const (
	DefaultReconcileInterval = time.Minute
	DefaultRuleIDBase        = 1000
	DefaultStaticRulesetID   = "static_rules"
)

// WindowSource loads the policy window. *policy.Manager satisfies it.
type WindowSource interface {
	Window(ctx context.Context) (policy.Window, error)
}

// DomainSource lists the tracked domains. *domains.Matcher satisfies it.
type DomainSource interface {
	Domains() []string
}

// SyncerConfig holds reconciliation settings
type SyncerConfig struct {
	StaticRulesetID string // empty means no static ruleset is available
	RuleIDBase      int
	Interval        time.Duration
	Clock           quartz.Clock
}

// Status is the outcome of the last reconciliation
type Status struct {
	Active        bool      `json:"enforcement_active"`
	StaticEnabled bool      `json:"static_ruleset_enabled"`
	DynamicRules  int       `json:"dynamic_rules"`
	LastReconcile time.Time `json:"last_reconcile"`
}

// Syncer materializes the policy window and domain list into the surface.
// Every reconciliation clears and regenerates the dynamic rules.
type Syncer struct {
	surface Surface
	windows WindowSource
	domains DomainSource
	cfg     SyncerConfig
	clock   quartz.Clock
	logger  zerolog.Logger

	mu     sync.Mutex
	status Status
}

// NewSyncer creates an enforcement syncer
func NewSyncer(surface Surface, windows WindowSource, list DomainSource, config SyncerConfig, logger zerolog.Logger) *Syncer {
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultReconcileInterval
	}
	if config.RuleIDBase <= 0 {
		config.RuleIDBase = DefaultRuleIDBase
	}
	return &Syncer{
		surface: surface,
		windows: windows,
		domains: list,
		cfg:     config,
		clock:   config.Clock,
		logger:  logger.With().Str("component", "enforce").Logger(),
	}
}

// Reconcile brings the surface in line with the current window and list.
// It is idempotent and serialized with itself.
func (s *Syncer) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.reconcileLocked(ctx)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Msg("Reconciliation failed")
		return err
	}
	metrics.ReconcileTotal.WithLabelValues("success").Inc()
	return nil
}

func (s *Syncer) reconcileLocked(ctx context.Context) error {
	window, err := s.windows.Window(ctx)
	if err != nil {
		return fmt.Errorf("failed to load policy window: %w", err)
	}
	now := s.clock.Now()
	active := window.IsActive(now)

	existing, err := s.surface.DynamicRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dynamic rules: %w", err)
	}
	removeIDs := make([]int, 0, len(existing))
	for _, r := range existing {
		removeIDs = append(removeIDs, r.ID)
	}

	var add []Rule
	if active {
		add = BuildBlockRules(s.domains.Domains(), s.cfg.RuleIDBase)
	}
	if err := s.surface.UpdateDynamicRules(ctx, add, removeIDs); err != nil {
		return fmt.Errorf("failed to replace dynamic rules: %w", err)
	}

	staticEnabled := s.setStatic(ctx, active)

	if err := s.surface.SetIndicator(ctx, active); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to set enforcement indicator")
	}

	s.status = Status{
		Active:        active,
		StaticEnabled: staticEnabled,
		DynamicRules:  len(add),
		LastReconcile: now,
	}
	metrics.DynamicRules.Set(float64(len(add)))
	if active {
		metrics.EnforcementActive.Set(1)
	} else {
		metrics.EnforcementActive.Set(0)
	}

	s.logger.Debug().
		Bool("active", active).
		Int("removed", len(removeIDs)).
		Int("added", len(add)).
		Dur("remaining", window.Remaining(now)).
		Msg("Rule surface reconciled")
	return nil
}

// setStatic toggles the static ruleset. A missing ruleset is logged and
// skipped rather than failing the reconciliation.
func (s *Syncer) setStatic(ctx context.Context, enabled bool) bool {
	if s.cfg.StaticRulesetID == "" {
		s.logger.Debug().Msg("No static ruleset configured, skipping")
		return false
	}
	err := s.surface.SetStaticRulesetEnabled(ctx, s.cfg.StaticRulesetID, enabled)
	switch {
	case errors.Is(err, ErrUnknownRuleset):
		s.logger.Warn().Str("ruleset", s.cfg.StaticRulesetID).Msg("Static ruleset unavailable, skipping")
		return false
	case err != nil:
		s.logger.Warn().Err(err).Str("ruleset", s.cfg.StaticRulesetID).Msg("Failed to toggle static ruleset")
		return false
	}
	return enabled
}

// Status returns the outcome of the last successful reconciliation
func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run reconciles immediately and then on every interval until ctx ends.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Starting enforcement sync")
	_ = s.Reconcile(ctx)

	err := s.clock.TickerFunc(ctx, s.cfg.Interval, func() error {
		_ = s.Reconcile(ctx)
		return nil
	}, "enforce", "reconcile").Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
