package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kfocus/internal/storage"
	"github.com/rs/zerolog"
)

// RetentionScheduler prunes day buckets older than the retention window
// once a day at a fixed local time.
type RetentionScheduler struct {
	store         storage.UsageStore
	retentionDays int
	cleanupTime   time.Time // only hour and minute are used
	loc           *time.Location
	clock         quartz.Clock
	logger        zerolog.Logger
}

// NewRetentionScheduler creates a retention scheduler. retentionDays of zero
// keeps every bucket; Run then returns immediately.
func NewRetentionScheduler(store storage.UsageStore, retentionDays int, cleanupTime string, loc *time.Location, clock quartz.Clock, logger zerolog.Logger) (*RetentionScheduler, error) {
	// Parse cleanup time (HH:MM format)
	parsedTime, err := time.Parse("15:04", cleanupTime)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup_time %q: %w", cleanupTime, err)
	}
	if loc == nil {
		loc = time.Local
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	return &RetentionScheduler{
		store:         store,
		retentionDays: retentionDays,
		cleanupTime:   parsedTime,
		loc:           loc,
		clock:         clock,
		logger:        logger.With().Str("component", "retention-scheduler").Logger(),
	}, nil
}

// Run is the main scheduler loop
func (rs *RetentionScheduler) Run(ctx context.Context) error {
	if rs.retentionDays <= 0 {
		rs.logger.Debug().Msg("Retention disabled, keeping all usage history")
		return nil
	}

	rs.logger.Info().
		Str("cleanup_time", rs.cleanupTime.Format("15:04")).
		Int("retention_days", rs.retentionDays).
		Msg("Usage retention scheduler started")

	for {
		nextRun := rs.calculateNextRun(rs.clock.Now())
		waitDuration := nextRun.Sub(rs.clock.Now())

		rs.logger.Debug().
			Time("next_run", nextRun).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next retention cleanup")

		timer := rs.clock.NewTimer(waitDuration, "usage", "retention")
		select {
		case <-timer.C:
			if _, err := rs.Cleanup(ctx); err != nil {
				rs.logger.Error().Err(err).Msg("Failed to prune old usage data")
			}
		case <-ctx.Done():
			timer.Stop()
			rs.logger.Info().Msg("Usage retention scheduler stopped")
			return nil
		}
	}
}

// calculateNextRun returns the next cleanup instant strictly after now
func (rs *RetentionScheduler) calculateNextRun(now time.Time) time.Time {
	now = now.In(rs.loc)
	today := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.cleanupTime.Hour(), rs.cleanupTime.Minute(), 0, 0,
		rs.loc,
	)

	if !now.Before(today) {
		return time.Date(now.Year(), now.Month(), now.Day()+1,
			rs.cleanupTime.Hour(), rs.cleanupTime.Minute(), 0, 0, rs.loc)
	}
	return today
}

// CutoffDate is the oldest day key that survives a cleanup at now.
func (rs *RetentionScheduler) CutoffDate(now time.Time) string {
	now = now.In(rs.loc)
	return time.Date(now.Year(), now.Month(), now.Day()-rs.retentionDays+1, 12, 0, 0, 0, rs.loc).Format(storage.DateLayout)
}

// Cleanup deletes day buckets older than the retention window
func (rs *RetentionScheduler) Cleanup(ctx context.Context) (int, error) {
	cutoffDate := rs.CutoffDate(rs.clock.Now())

	deleted, err := rs.store.DeleteDailyUsageBefore(ctx, cutoffDate)
	if err != nil {
		return deleted, fmt.Errorf("delete usage before %s: %w", cutoffDate, err)
	}

	rs.logger.Info().
		Int("rows_deleted", deleted).
		Str("cutoff_date", cutoffDate).
		Msg("Old usage data pruned")
	return deleted, nil
}
