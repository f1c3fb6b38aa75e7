package usage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kfocus/internal/metrics"
	"github.com/goodtune/kfocus/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultStorageTimeout bounds every ledger storage call.
const DefaultStorageTimeout = 5 * time.Second

// Period selects the trailing window of a summary.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// ParsePeriod maps a query value to a Period; anything unknown is a day.
func ParsePeriod(raw string) Period {
	switch p := Period(strings.ToLower(strings.TrimSpace(raw))); p {
	case PeriodWeek, PeriodMonth, PeriodYear:
		return p
	default:
		return PeriodDay
	}
}

// Days is the number of trailing calendar days, today included.
func (p Period) Days() int {
	switch p {
	case PeriodWeek:
		return 7
	case PeriodMonth:
		return 30
	case PeriodYear:
		return 365
	default:
		return 1
	}
}

func (p Period) labels() (period, avg string) {
	switch p {
	case PeriodWeek:
		return "7 days", "Avg/7d"
	case PeriodMonth:
		return "30 days", "Avg/30d"
	case PeriodYear:
		return "365 days", "Avg/365d"
	default:
		return "Today", "Avg/day"
	}
}

// Summary is the answer to a usage query.
type Summary struct {
	Period               Period           `json:"period"`
	TodaySeconds         int64            `json:"today_seconds"`
	PeriodSeconds        int64            `json:"period_seconds"`
	TodayMinutes         int64            `json:"today_minutes"`
	PeriodMinutes        int64            `json:"period_minutes"`
	AveragePerDayMinutes int64            `json:"average_per_day_minutes"`
	PeriodDays           int              `json:"period_days"`
	CoverageDays         int              `json:"coverage_days"`
	NotEnoughData        bool             `json:"not_enough_data"`
	PeriodLabel          string           `json:"period_label"`
	AvgLabel             string           `json:"avg_label"`
	Domains              map[string]int64 `json:"domains"`
}

// DomainFilter reports whether a domain may be credited.
type DomainFilter interface {
	IsTracked(hostname string) bool
}

// InstallMarker yields the immutable installed-day key.
type InstallMarker interface {
	InstalledDate(ctx context.Context) (string, error)
}

// LedgerConfig holds ledger configuration
type LedgerConfig struct {
	Location       *time.Location
	StorageTimeout time.Duration
	Clock          quartz.Clock
}

// Ledger persists and aggregates per-day, per-domain visible seconds.
type Ledger struct {
	store   storage.UsageStore
	filter  DomainFilter
	install InstallMarker
	loc     *time.Location
	timeout time.Duration
	clock   quartz.Clock
	logger  zerolog.Logger
}

// NewLedger creates a usage ledger
func NewLedger(store storage.UsageStore, filter DomainFilter, install InstallMarker, config LedgerConfig, logger zerolog.Logger) *Ledger {
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.StorageTimeout <= 0 {
		config.StorageTimeout = DefaultStorageTimeout
	}
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	return &Ledger{
		store:   store,
		filter:  filter,
		install: install,
		loc:     config.Location,
		timeout: config.StorageTimeout,
		clock:   config.Clock,
		logger:  logger.With().Str("component", "usage-ledger").Logger(),
	}
}

// Location returns the timezone used for day keys.
func (l *Ledger) Location() *time.Location { return l.loc }

// Credit adds the visible interval [start, end) to domain's day buckets.
// Untracked domains and empty intervals are ignored. A storage failure loses
// the remaining slices but never alters slices already written.
func (l *Ledger) Credit(ctx context.Context, domain string, start, end time.Time) error {
	if !l.filter.IsTracked(domain) {
		return nil
	}
	slices := Split(start, end, l.loc)
	if len(slices) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	for _, s := range slices {
		if err := l.store.IncrementDailyUsage(ctx, s.DayKey, domain, s.Seconds); err != nil {
			metrics.UsageCreditFailures.Inc()
			return fmt.Errorf("credit %s on %s: %w", domain, s.DayKey, err)
		}
		metrics.UsageSecondsCredited.WithLabelValues(domain).Add(float64(s.Seconds))

		l.logger.Debug().
			Str("domain", domain).
			Str("date", s.DayKey).
			Int64("seconds", s.Seconds).
			Msg("Credited usage")
	}
	return nil
}

// Summarize aggregates the trailing window for period ending today.
func (l *Ledger) Summarize(ctx context.Context, period Period) (*Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.clock.Now().In(l.loc)
	n := period.Days()
	periodLabel, avgLabel := period.labels()

	summary := &Summary{
		Period:      period,
		PeriodDays:  n,
		PeriodLabel: periodLabel,
		AvgLabel:    avgLabel,
		Domains:     make(map[string]int64),
	}

	y, m, d := now.Date()
	for i := 0; i < n; i++ {
		// Noon keeps the key on the intended day across DST shifts.
		key := time.Date(y, m, d-i, 12, 0, 0, 0, l.loc).Format(storage.DateLayout)
		rows, err := l.store.ListDailyUsage(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("list usage for %s: %w", key, err)
		}
		for _, row := range rows {
			summary.PeriodSeconds += row.TotalSeconds
			summary.Domains[row.Domain] += row.TotalSeconds
			if i == 0 {
				summary.TodaySeconds += row.TotalSeconds
			}
		}
	}

	coverage, err := l.coverageDays(ctx, now)
	if err != nil {
		return nil, err
	}

	summary.TodayMinutes = summary.TodaySeconds / 60
	summary.PeriodMinutes = summary.PeriodSeconds / 60
	if n == 1 {
		summary.AveragePerDayMinutes = summary.PeriodSeconds / 60
	} else {
		summary.AveragePerDayMinutes = int64(math.Round(float64(summary.PeriodSeconds) / 60 / float64(n)))
	}
	summary.CoverageDays = coverage
	summary.NotEnoughData = period != PeriodDay && coverage < n

	return summary, nil
}

// coverageDays counts calendar days from the install day to today, both
// inclusive, never less than one.
func (l *Ledger) coverageDays(ctx context.Context, now time.Time) (int, error) {
	if l.install == nil {
		return 1, nil
	}
	installed, err := l.install.InstalledDate(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read install date: %w", err)
	}
	start, err := time.Parse(storage.DateLayout, installed)
	if err != nil {
		l.logger.Warn().Str("installed", installed).Msg("Ignoring malformed install date")
		return 1, nil
	}
	today, _ := time.Parse(storage.DateLayout, now.Format(storage.DateLayout))
	days := int(math.Round(today.Sub(start).Hours()/24)) + 1
	if days < 1 {
		days = 1
	}
	return days, nil
}
